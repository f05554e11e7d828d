package ratelimit

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Channel distinguishes REST calls from WebSocket actions.
type Channel string

const (
	ChannelREST      Channel = "rest"
	ChannelWebSocket Channel = "ws"
)

// Target identifies one kind of outbound call: an HTTP method and path, or a
// WebSocket action name (held in Path).
type Target struct {
	Channel Channel
	Method  string
	Path    string
}

// REST returns the target for an HTTP request.
func REST(method, path string) Target {
	return Target{Channel: ChannelREST, Method: strings.ToUpper(method), Path: path}
}

// WebSocket returns the target for a WebSocket action such as "subscribe".
func WebSocket(action string) Target {
	return Target{Channel: ChannelWebSocket, Path: action}
}

// String renders "GET /v1/public/ticker" or "ws subscribe".
func (t Target) String() string {
	if t.Channel == ChannelWebSocket {
		return "ws " + t.Path
	}
	return t.Method + " " + t.Path
}

// ParseTarget is the inverse of Target.String.
func ParseTarget(s string) (Target, error) {
	head, rest, ok := strings.Cut(strings.TrimSpace(s), " ")
	rest = strings.TrimSpace(rest)
	if !ok || rest == "" {
		return Target{}, ErrConfig.New("malformed target %q", s)
	}
	if strings.EqualFold(head, string(ChannelWebSocket)) {
		return WebSocket(rest), nil
	}
	return REST(head, rest), nil
}

// MatchRule selects the targets a group covers. Empty Methods matches any
// method; empty Paths matches any path or action. Paths are doublestar
// patterns ("/v1/public/**", "/v1/orders/*").
type MatchRule struct {
	Channel Channel
	Methods []string
	Paths   []string
}

func (r MatchRule) validate() error {
	switch r.Channel {
	case ChannelREST, ChannelWebSocket:
	default:
		return fmt.Errorf("unknown channel %q", r.Channel)
	}
	if r.Channel == ChannelWebSocket && len(r.Methods) > 0 {
		return fmt.Errorf("websocket rules cannot filter on method")
	}
	for _, p := range r.Paths {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("invalid path pattern %q", p)
		}
	}
	return nil
}

// Matches reports whether t falls under the rule.
func (r MatchRule) Matches(t Target) bool {
	if r.Channel != t.Channel {
		return false
	}
	if len(r.Methods) > 0 && !containsFold(r.Methods, t.Method) {
		return false
	}
	if len(r.Paths) == 0 {
		return true
	}
	for _, p := range r.Paths {
		// Patterns were validated at construction, so the error is always nil.
		if ok, _ := doublestar.Match(p, t.Path); ok {
			return true
		}
	}
	return false
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// registry routes targets to groups. Rules are tried in configuration order
// and the first match wins. There is no catch-all group.
type registry struct {
	groups []*Group
}

func newRegistry(groups []*Group) *registry {
	return &registry{groups: groups}
}

func (r *registry) resolve(t Target) (*Group, error) {
	for _, g := range r.groups {
		if g.match.Matches(t) {
			return g, nil
		}
	}
	return nil, ErrConfig.New("no rate group covers %s", t)
}
