// Package webhooks delivers escrow lifecycle events to external services.
//
// Parties register a URL and receive a signed POST for every committed
// transition of an escrow they take part in. Delivery is asynchronous and
// never holds up the transition that produced the event.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/holdfast/internal/escrow"
	"github.com/mbd888/holdfast/internal/idgen"
	"github.com/mbd888/holdfast/internal/retry"
	"github.com/mbd888/holdfast/internal/security"
)

// ErrNotFound is returned when a subscription does not exist.
var ErrNotFound = errors.New("webhook subscription not found")

// Header names carried by every delivery.
const (
	HeaderEvent     = "X-Holdfast-Event"
	HeaderDelivery  = "X-Holdfast-Delivery"
	HeaderTimestamp = "X-Holdfast-Timestamp"
	HeaderSignature = "X-Holdfast-Signature"
)

// Subscription is a registered webhook endpoint.
type Subscription struct {
	ID                  string             `json:"id"`
	Owner               string             `json:"owner"`
	URL                 string             `json:"url"`
	Secret              string             `json:"-"`      // HMAC key, shown once at creation
	Events              []escrow.EventType `json:"events"` // empty means every event
	Active              bool               `json:"active"`
	CreatedAt           time.Time          `json:"createdAt"`
	LastSuccess         *time.Time         `json:"lastSuccess,omitempty"`
	LastError           string             `json:"lastError,omitempty"`
	ConsecutiveFailures int                `json:"consecutiveFailures"`
}

// Wants reports whether the subscription should receive events of type t.
func (s *Subscription) Wants(t escrow.EventType) bool {
	return s.Active && (len(s.Events) == 0 || slices.Contains(s.Events, t))
}

// Store persists webhook subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByOwner(ctx context.Context, owner string) ([]*Subscription, error)
	Delete(ctx context.Context, id string) error

	// RecordSuccess clears the failure streak.
	RecordSuccess(ctx context.Context, id string, at time.Time) error
	// RecordFailure extends the failure streak and deactivates the
	// subscription once it reaches disableAfter (0 never deactivates).
	// It reports whether the subscription is now inactive.
	RecordFailure(ctx context.Context, id, msg string, disableAfter int) (bool, error)
}

// Delivery is the JSON body POSTed to subscribers.
type Delivery struct {
	ID string `json:"id"`
	escrow.Event
}

// URLValidator vets a subscriber URL before it is stored or called.
type URLValidator func(ctx context.Context, rawURL string) error

// Config tunes the dispatcher.
type Config struct {
	Workers      int
	QueueSize    int
	MaxAttempts  int
	BaseDelay    time.Duration
	Timeout      time.Duration // per HTTP attempt
	DisableAfter int           // consecutive failed deliveries before deactivation
}

// DefaultConfig returns the settings used by the server.
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		QueueSize:    1024,
		MaxAttempts:  3,
		BaseDelay:    500 * time.Millisecond,
		Timeout:      10 * time.Second,
		DisableAfter: 10,
	}
}

// Dispatcher queues escrow events and delivers them to the subscriptions of
// every party of the escrow. It implements escrow.EventEmitter.
type Dispatcher struct {
	store       Store
	client      *http.Client
	cfg         Config
	Queue       chan escrow.Event
	validateURL URLValidator
	logger      *slog.Logger
	now         func() time.Time
	wg          sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Events are buffered until Run starts
// the workers.
func NewDispatcher(store Store, cfg Config) *Dispatcher {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Dispatcher{
		store:       store,
		client:      &http.Client{Timeout: cfg.Timeout},
		cfg:         cfg,
		Queue:       make(chan escrow.Event, cfg.QueueSize),
		validateURL: security.ValidateEndpointURL,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:         time.Now,
	}
}

// WithLogger sets the logger.
func (d *Dispatcher) WithLogger(l *slog.Logger) *Dispatcher {
	if l != nil {
		d.logger = l
	}
	return d
}

// WithURLValidator replaces the endpoint check run before each delivery.
// nil disables it.
func (d *Dispatcher) WithURLValidator(v URLValidator) *Dispatcher {
	d.validateURL = v
	return d
}

// EmitEscrowEvent queues ev. A full queue drops the event.
func (d *Dispatcher) EmitEscrowEvent(_ context.Context, ev escrow.Event) {
	if ev.Escrow != nil {
		ev.Escrow = ev.Escrow.Clone()
	}
	select {
	case d.Queue <- ev:
		queueDepth.Inc()
	default:
		droppedEvents.Inc()
		d.logger.Warn("webhook queue full, dropping event", "type", ev.Type)
	}
}

// Run delivers queued events until ctx is cancelled. Events still queued
// at that point are not delivered.
func (d *Dispatcher) Run(ctx context.Context) {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	d.wg.Wait()
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.Queue:
			queueDepth.Dec()
			d.dispatch(ctx, ev)
		}
	}
}

// dispatch fans ev out to the subscriptions of each party.
func (d *Dispatcher) dispatch(ctx context.Context, ev escrow.Event) {
	if ev.Escrow == nil {
		return
	}
	seen := make(map[string]bool, 3)
	for _, addr := range []string{ev.Escrow.Buyer, ev.Escrow.Seller, ev.Escrow.Arbiter} {
		addr = strings.ToLower(addr)
		if addr == "" || seen[addr] {
			continue
		}
		seen[addr] = true

		subs, err := d.store.ListByOwner(ctx, addr)
		if err != nil {
			d.logger.Error("failed to list webhook subscriptions", "owner", addr, "error", err)
			continue
		}
		for _, sub := range subs {
			if sub.Wants(ev.Type) {
				d.deliver(ctx, sub, ev)
			}
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, ev escrow.Event) {
	start := time.Now()
	body := Delivery{ID: idgen.WithPrefix("dlv_"), Event: ev}
	payload, err := json.Marshal(body)
	if err != nil {
		d.logger.Error("failed to encode webhook payload", "subscription", sub.ID, "error", err)
		return
	}

	err = retry.Do(ctx, d.cfg.MaxAttempts, d.cfg.BaseDelay, func() error {
		return d.post(ctx, sub, body.ID, ev.Type, payload)
	})
	deliveryDuration.Observe(time.Since(start).Seconds())

	if err == nil {
		deliveries.WithLabelValues("delivered").Inc()
		if rerr := d.store.RecordSuccess(ctx, sub.ID, d.now().UTC()); rerr != nil {
			d.logger.Warn("failed to record webhook success", "subscription", sub.ID, "error", rerr)
		}
		return
	}

	deliveries.WithLabelValues("failed").Inc()
	disabled, rerr := d.store.RecordFailure(ctx, sub.ID, err.Error(), d.cfg.DisableAfter)
	if rerr != nil {
		d.logger.Warn("failed to record webhook failure", "subscription", sub.ID, "error", rerr)
	}
	d.logger.Warn("webhook delivery failed",
		"subscription", sub.ID,
		"event", ev.Type,
		"error", err,
		"disabled", disabled,
	)
}

func (d *Dispatcher) post(ctx context.Context, sub *Subscription, deliveryID string, t escrow.EventType, payload []byte) error {
	if d.validateURL != nil {
		if err := d.validateURL(ctx, sub.URL); err != nil {
			return retry.Permanent(err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	ts := d.now().Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "holdfast-webhooks/1")
	req.Header.Set(HeaderEvent, string(t))
	req.Header.Set(HeaderDelivery, deliveryID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	if sub.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(sub.Secret, ts, payload))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()

	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return fmt.Errorf("status %d", code)
	default:
		return retry.Permanent(fmt.Errorf("status %d", code))
	}
}

// Sign returns the signature header value for payload sent at timestamp:
// "sha256=" followed by the hex HMAC-SHA256 of "<timestamp>.<payload>".
func Sign(secret string, timestamp int64, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(strconv.FormatInt(timestamp, 10)))
	h.Write([]byte("."))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(secret string, timestamp int64, payload []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, timestamp, payload)), []byte(signature))
}
