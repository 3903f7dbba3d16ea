package server

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/Tyrowin/pairchat/internal/logger"
)

// OriginPolicy decides which browser origins may open sockets and call the
// REST API.
type OriginPolicy struct {
	allowAll bool
	allowed  map[string]struct{}
	origins  []string
	log      *logger.Logger
}

// NewOriginPolicy builds a policy from configured origins. "*" allows any
// origin; malformed entries are logged and ignored.
func NewOriginPolicy(origins []string, log *logger.Logger) *OriginPolicy {
	p := &OriginPolicy{log: log.With("component", "OriginPolicy")}
	p.origins, p.allowAll = p.normalizeOrigins(origins)
	p.allowed = make(map[string]struct{}, len(p.origins))
	for _, origin := range p.origins {
		p.allowed[origin] = struct{}{}
	}
	return p
}

func (p *OriginPolicy) normalizeOrigins(origins []string) ([]string, bool) {
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
			p.log.Warn("Ignoring invalid origin in configuration", "origin", origin)
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

	normalized := strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host)
	return normalized, true
}

// AllowAll reports whether the wildcard origin was configured.
func (p *OriginPolicy) AllowAll() bool { return p.allowAll }

// Origins returns the normalized allow-list.
func (p *OriginPolicy) Origins() []string {
	return append([]string(nil), p.origins...)
}

// Allowed reports whether origin is on the allow-list.
func (p *OriginPolicy) Allowed(origin string) bool {
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

// CheckOrigin is the websocket.Upgrader hook. Requests without an Origin
// header are refused.
func (p *OriginPolicy) CheckOrigin(r *http.Request) bool {
	if p.Allowed(r.Header.Get("Origin")) {
		return true
	}

	p.log.Warn("Blocked WebSocket connection from disallowed origin", "origin", r.Header.Get("Origin"))
	return false
}
