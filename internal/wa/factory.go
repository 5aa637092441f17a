// Package wa adapts the whatsmeow client to the provider contract. All
// library-specific types stay inside this package; the rest of the gateway
// only ever sees the provider event union and command interface.
package wa

import (
	"context"
	"fmt"

	"github.com/matheus3301/wppgw/internal/provider"
	"github.com/matheus3301/wppgw/internal/session"
	"go.mau.fi/whatsmeow"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.uber.org/zap"

	_ "github.com/mattn/go-sqlite3"
)

// Factory opens whatsmeow-backed sockets, one device database per session.
type Factory struct {
	logger *zap.Logger
}

// NewFactory creates the production socket factory.
func NewFactory(logger *zap.Logger) *Factory {
	return &Factory{logger: logger.Named("wa")}
}

// Dial prepares a socket for the session. The connection itself is not
// started until Connect.
func (f *Factory) Dial(ctx context.Context, cfg provider.Config) (provider.Socket, error) {
	name := cfg.ClientName
	if name == "" {
		name = "wppgw"
	}
	// Device name shown on the phone's linked devices list.
	wastore.SetOSInfo(name, [3]uint32{0, 1, 0})

	if err := session.EnsureDir(cfg.SessionKey); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	dbPath := session.DeviceDBPath(cfg.SessionKey)

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", dbPath),
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create device store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device store: %w", err)
	}

	client := whatsmeow.NewClient(deviceStore, nil)

	s := &Socket{
		client:    client,
		container: container,
		key:       cfg.SessionKey,
		logger:    f.logger.With(zap.String("session", cfg.SessionKey)),
		events:    make(chan provider.Event, eventBuffer),
	}
	client.AddEventHandler(s.handleEvent)
	return s, nil
}
