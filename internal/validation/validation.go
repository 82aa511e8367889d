// Package validation provides request validation helpers for the escrow API.
package validation

import (
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (64KB)
const MaxRequestSize = 64 << 10

// MaxAddressLength bounds ledger addresses of any supported format.
const MaxAddressLength = 128

// addressRegex accepts ledger addresses syntactically: base32 account
// strings, 0x-prefixed hex, or namespaced ids such as "acct:alice".
// Checksums and key validity belong to the ledger.
var addressRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9:._-]*$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidAddress checks the syntax of a ledger address.
func IsValidAddress(addr string) bool {
	return len(addr) >= 2 && len(addr) <= MaxAddressLength && addressRegex.MatchString(addr)
}

// SanitizeString trims whitespace, drops null bytes, and limits length.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\x00", "")
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// ParseAmount parses a positive integer amount in the smallest unit.
// Amounts above math.MaxInt64 are rejected so they fit every store.
func ParseAmount(value string) (uint64, bool) {
	if value == "" || value[0] == '+' {
		return 0, false
	}
	n, err := strconv.ParseUint(value, 10, 64)
	if err != nil || n == 0 || n > math.MaxInt64 {
		return 0, false
	}
	return n, true
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs validators and collects their failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidAddress checks a ledger address field. Empty values pass; combine
// with Required for mandatory fields.
func ValidAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidAddress(value) {
			return &ValidationError{Field: field, Message: "must be a valid ledger address"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// ValidAmount checks a smallest-unit integer amount string.
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if _, ok := ParseAmount(value); !ok {
			return &ValidationError{Field: field, Message: "must be a positive integer in the smallest unit"}
		}
		return nil
	}
}

// OneOf checks that value is one of the allowed options.
func OneOf(field, value string, allowed ...string) func() *ValidationError {
	return func() *ValidationError {
		for _, a := range allowed {
			if value == a {
				return nil
			}
		}
		return &ValidationError{Field: field, Message: "must be one of " + strings.Join(allowed, ", ")}
	}
}
