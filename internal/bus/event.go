package bus

import "time"

// Event kinds published by the gateway.
const (
	KindInstanceStatusChanged = "instance.status_changed"
	KindInstanceRestored      = "instance.restored"
	KindInstanceTerminated    = "instance.terminated"
)

// Event represents a domain event published on the bus. Instance carries the
// originating session key, empty for gateway-wide events.
type Event struct {
	Kind      string
	Instance  string
	Timestamp time.Time
	Payload   any
}
