package auth

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupAuthRouter(v *Verifier, devMode bool) *gin.Engine {
	r := gin.New()
	g := r.Group("/v1")
	g.Use(Middleware(v, devMode))
	NewHandler(v, devMode).RegisterRoutes(g)
	return r
}

func postJSON(r http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_DevTokenRoundTrip(t *testing.T) {
	v := NewVerifier(testSecret)
	r := setupAuthRouter(v, true)

	w := postJSON(r, "/v1/auth/dev-token", `{"address":"0xArbiter03"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	req := httptest.NewRequest(http.MethodGet, "/v1/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+resp.Token)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "0xArbiter03")
}

func TestHandler_DevTokenValidation(t *testing.T) {
	r := setupAuthRouter(NewVerifier(testSecret), true)

	assert.Equal(t, http.StatusBadRequest, postJSON(r, "/v1/auth/dev-token", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, postJSON(r, "/v1/auth/dev-token", `{"address":"has space"}`).Code)

	noSecret := setupAuthRouter(NewVerifier(""), true)
	assert.Equal(t, http.StatusConflict, postJSON(noSecret, "/v1/auth/dev-token", `{"address":"0xBuyer01"}`).Code)
}

func TestHandler_DevTokenHiddenOutsideDevelopment(t *testing.T) {
	r := setupAuthRouter(NewVerifier(testSecret), false)
	assert.Equal(t, http.StatusNotFound, postJSON(r, "/v1/auth/dev-token", `{"address":"0xBuyer01"}`).Code)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/auth/info", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"mode":"bearer"`)
}
