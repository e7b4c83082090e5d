// Package server normalizes and validates HTTP origins for WebSocket and
// polling requests to enforce the configured cross-origin policy.
package server

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

// originPolicy is the allow-list built from Config.AllowedOrigins.
type originPolicy struct {
	allowAll bool
	allowed  map[string]struct{}
	log      zerolog.Logger
}

func newOriginPolicy(origins []string, log zerolog.Logger) *originPolicy {
	normalized, allowAll := normalizeOrigins(origins, log)
	p := &originPolicy{
		allowAll: allowAll,
		allowed:  make(map[string]struct{}, len(normalized)),
		log:      log,
	}
	for _, o := range normalized {
		p.allowed[o] = struct{}{}
	}
	return p
}

func normalizeOrigins(origins []string, log zerolog.Logger) ([]string, bool) {
	if len(origins) == 0 {
		return nil, false
	}

	normalized := make([]string, 0, len(origins))
	allowAll := false

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}

		if trimmed == "*" {
			allowAll = true
			continue
		}

		normalizedOrigin, ok := normalizeOrigin(trimmed)
		if !ok {
			log.Warn().Str("origin", origin).Msg("ignoring invalid origin in configuration")
			continue
		}

		normalized = append(normalized, normalizedOrigin)
	}

	return normalized, allowAll
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}

	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}

	return scheme + "://" + strings.ToLower(parsed.Host), true
}

// allows reports whether origin (as sent in the Origin header) is on the list.
func (p *originPolicy) allows(origin string) bool {
	if origin == "" {
		return false
	}
	normalizedOrigin, ok := normalizeOrigin(origin)
	if !ok {
		return false
	}
	if p.allowAll {
		return true
	}
	_, exists := p.allowed[normalizedOrigin]
	return exists
}

// checkOrigin is the websocket upgrader hook. Browsers always send Origin on
// upgrade requests, so a missing header is rejected too.
func (p *originPolicy) checkOrigin(r *http.Request) bool {
	if p.allows(r.Header.Get("Origin")) {
		return true
	}

	p.log.Warn().Str("origin", r.Header.Get("Origin")).Str("remote", r.RemoteAddr).
		Msg("blocked websocket connection from disallowed origin")
	return false
}

// cors builds the HTTP cross-origin middleware: allow-listed origins,
// GET and POST only.
func (p *originPolicy) cors() *cors.Cors {
	return cors.New(cors.Options{
		AllowOriginFunc: p.allows,
		AllowedMethods:  []string{http.MethodGet, http.MethodPost},
		AllowedHeaders:  []string{"Content-Type"},
	})
}

// rejectsCrossOrigin reports whether a request carries an Origin that is not
// allowed. Requests without Origin are same-origin or non-browser clients.
func (p *originPolicy) rejectsCrossOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin != "" && !p.allows(origin)
}
