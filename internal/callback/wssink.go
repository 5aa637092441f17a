package callback

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// WSSink pushes envelopes to every connected websocket client. Clients
// subscribe by hitting the handler; a client that cannot keep up is dropped
// rather than allowed to stall the broadcast.
type WSSink struct {
	enabled bool
	filters []string
	log     *zap.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// NewWSSink builds the websocket sink. filters is the raw comma-separated
// configuration value.
func NewWSSink(enabled bool, filters string, logger *zap.Logger) *WSSink {
	return &WSSink{
		enabled: enabled,
		filters: ParseFilters(filters),
		log:     logger.Named("websocket"),
		conns:   make(map[*websocket.Conn]struct{}),
	}
}

func (s *WSSink) Name() string      { return "websocket" }
func (s *WSSink) Enabled() bool     { return s.enabled }
func (s *WSSink) Filters() []string { return s.filters }

// ServeHTTP upgrades the request and keeps the connection registered until
// the client goes away. Clients only receive; inbound frames are discarded.
func (s *WSSink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket accept failed", zap.Error(err))
		return
	}

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	n := len(s.conns)
	s.mu.Unlock()
	s.log.Info("websocket client connected", zap.Int("clients", n))

	ctx := conn.CloseRead(r.Context())
	<-ctx.Done()

	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close(websocket.StatusNormalClosure, "")
	s.log.Info("websocket client disconnected")
}

func (s *WSSink) Send(ctx context.Context, env Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		s.log.Error("encode envelope", zap.Error(err))
		return
	}

	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := c.Write(wctx, websocket.MessageText, payload)
		cancel()
		if err != nil {
			s.log.Warn("websocket push failed, dropping client", zap.Error(err))
			s.mu.Lock()
			delete(s.conns, c)
			s.mu.Unlock()
			c.Close(websocket.StatusPolicyViolation, "write timeout")
		}
	}
}

// CloseAll disconnects every client, used at daemon shutdown.
func (s *WSSink) CloseAll() {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[*websocket.Conn]struct{})
	s.mu.Unlock()
	for _, c := range conns {
		c.Close(websocket.StatusGoingAway, "shutting down")
	}
}
