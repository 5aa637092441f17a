// Package callback fans gateway events out to external consumers: an HTTP
// webhook, an AMQP exchange, and connected websocket clients. Every sink
// filters independently; delivery is at-most-once and a failing sink never
// disturbs the session that produced the event.
package callback

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// EventType identifies one externally visible event.
type EventType string

const (
	EventConnectionClose          EventType = "connection:close"
	EventConnectionOpen           EventType = "connection:open"
	EventPresence                 EventType = "presence"
	EventMessage                  EventType = "message"
	EventCallOffer                EventType = "call_offer"
	EventCallTerminate            EventType = "call_terminate"
	EventGroupCreated             EventType = "group_created"
	EventGroupUpdated             EventType = "group_updated"
	EventGroupParticipantsUpdated EventType = "group_participants_updated"
)

// eventFilters maps each event type to the filter tokens that admit it.
// Consumers configure a comma-separated token list; "all" admits everything.
var eventFilters = map[EventType][]string{
	EventConnectionClose: {"all", "connection", "connection.update", "connection:close"},
	EventConnectionOpen:  {"all", "connection", "connection.update", "connection:open"},
	EventPresence:        {"all", "presence", "presence.update"},
	EventMessage:         {"all", "messages", "messages.upsert"},
	EventCallOffer:       {"all", "call", "CB:call", "call:offer"},
	EventCallTerminate:   {"all", "call", "call:terminate"},
	EventGroupCreated:    {"all", "groups", "groups.upsert"},
	EventGroupUpdated:    {"all", "groups", "groups.update"},
	EventGroupParticipantsUpdated: {
		"all", "groups", "group_participants", "group-participants", "group-participants.update",
	},
}

// WireType is what consumers see: the event type with any ":" variant
// stripped, so connection:open and connection:close both arrive as
// "connection".
func (t EventType) WireType() string {
	s, _, _ := strings.Cut(string(t), ":")
	return s
}

// Admitted reports whether a consumer with the given filter tokens should
// receive this event. Unknown event types are never admitted.
func (t EventType) Admitted(filters []string) bool {
	for _, tok := range eventFilters[t] {
		for _, f := range filters {
			if tok == f {
				return true
			}
		}
	}
	return false
}

// ParseFilters splits a comma-separated filter list; an empty string means
// "all".
func ParseFilters(s string) []string {
	if s == "" {
		return []string{"all"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"all"}
	}
	return out
}

// Envelope is the JSON payload every sink delivers.
type Envelope struct {
	Type        string `json:"type"`
	Body        any    `json:"body"`
	InstanceKey string `json:"instanceKey"`
}

// Sink delivers admitted events to one consumer class. Send must swallow
// its own transport errors after logging them.
type Sink interface {
	Name() string
	Enabled() bool
	Filters() []string
	Send(ctx context.Context, env Envelope)
}

// Router fans one event out to every enabled sink whose filters admit it.
type Router struct {
	sinks []Sink
	log   *zap.Logger
}

// NewRouter builds a router over the given sinks.
func NewRouter(logger *zap.Logger, sinks ...Sink) *Router {
	return &Router{sinks: sinks, log: logger.Named("callback")}
}

// Register adds a sink after construction.
func (r *Router) Register(s Sink) {
	r.sinks = append(r.sinks, s)
}

// With returns a new router carrying this router's sinks plus the extras.
// Used for per-session sinks without mutating the shared router.
func (r *Router) With(extra ...Sink) *Router {
	sinks := make([]Sink, 0, len(r.sinks)+len(extra))
	sinks = append(sinks, r.sinks...)
	sinks = append(sinks, extra...)
	return &Router{sinks: sinks, log: r.log}
}

// Dispatch routes one event. Never returns an error: a lost callback is a
// consumer problem, not a session problem.
func (r *Router) Dispatch(ctx context.Context, t EventType, body any, instanceKey string) {
	env := Envelope{Type: t.WireType(), Body: body, InstanceKey: instanceKey}
	for _, s := range r.sinks {
		if !s.Enabled() || !t.Admitted(s.Filters()) {
			continue
		}
		s.Send(ctx, env)
	}
}
