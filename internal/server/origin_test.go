package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestOriginPolicyAllows(t *testing.T) {
	p := newOriginPolicy([]string{"http://localhost:3000", "HTTPS://Chat.Example.com", "ftp://files.example.com", "not a url"}, zerolog.Nop())

	tests := []struct {
		origin string
		want   bool
	}{
		{"http://localhost:3000", true},
		{"https://chat.example.com", true},
		{"https://CHAT.example.com", true},
		{"http://chat.example.com", false},
		{"http://localhost:3001", false},
		{"ftp://files.example.com", false},
		{"", false},
		{"null", false},
	}

	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			assert.Equal(t, tt.want, p.allows(tt.origin))
		})
	}
}

func TestOriginPolicyWildcard(t *testing.T) {
	p := newOriginPolicy([]string{"*"}, zerolog.Nop())

	assert.True(t, p.allows("https://anything.example"))
	assert.False(t, p.allows(""), "a missing origin is never allowed for upgrades")
	assert.False(t, p.allows("javascript:alert(1)"))
}

func TestOriginPolicyCheckOrigin(t *testing.T) {
	p := newOriginPolicy([]string{"http://localhost:8080"}, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)
	assert.False(t, p.checkOrigin(req), "missing Origin is rejected")

	req.Header.Set("Origin", "http://localhost:8080")
	assert.True(t, p.checkOrigin(req))

	req.Header.Set("Origin", "http://evil.example")
	assert.False(t, p.checkOrigin(req))
}

func TestOriginPolicyRejectsCrossOrigin(t *testing.T) {
	p := newOriginPolicy([]string{"http://localhost:8080"}, zerolog.Nop())

	req := httptest.NewRequest(http.MethodPost, "/poll", http.NoBody)
	assert.False(t, p.rejectsCrossOrigin(req), "non-browser clients send no Origin")

	req.Header.Set("Origin", "http://evil.example")
	assert.True(t, p.rejectsCrossOrigin(req))

	req.Header.Set("Origin", "http://localhost:8080")
	assert.False(t, p.rejectsCrossOrigin(req))
}

func TestOriginPolicyCORS(t *testing.T) {
	p := newOriginPolicy([]string{"http://localhost:3000"}, zerolog.Nop())
	h := p.cors().Handler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("allowed preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/poll", http.NoBody)
		req.Header.Set("Origin", "http://localhost:3000")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)

		assert.Equal(t, "http://localhost:3000", rr.Header().Get("Access-Control-Allow-Origin"))
		assert.Contains(t, rr.Header().Get("Access-Control-Allow-Methods"), http.MethodPost)
	})

	t.Run("disallowed method", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/poll", http.NoBody)
		req.Header.Set("Origin", "http://localhost:3000")
		req.Header.Set("Access-Control-Request-Method", http.MethodDelete)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)

		assert.Empty(t, rr.Header().Get("Access-Control-Allow-Methods"))
	})

	t.Run("disallowed origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", http.NoBody)
		req.Header.Set("Origin", "http://evil.example")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)

		assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
	})
}
