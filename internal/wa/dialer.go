// Package wa binds the protocol boundary to whatsmeow. Nothing outside
// this package imports whatsmeow types.
package wa

import (
	"context"
	"fmt"

	"github.com/tidehub/wagate/internal/paths"
	"github.com/tidehub/wagate/internal/protocol"
	"go.mau.fi/whatsmeow"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.uber.org/zap"

	_ "github.com/mattn/go-sqlite3"
)

// Dialer acquires whatsmeow-backed connections. Each session gets its
// own credential database under the data directory.
type Dialer struct {
	layout paths.Layout
	logger *zap.Logger
}

// NewDialer creates a whatsmeow dialer.
func NewDialer(layout paths.Layout, logger *zap.Logger) *Dialer {
	// Device name shown on the phone's linked devices list.
	wastore.SetOSInfo("wagate", [3]uint32{0, 1, 0})
	return &Dialer{layout: layout, logger: logger}
}

// Dial loads (or creates) the session's credential store and wraps a
// fresh client handle. It does not connect.
func (d *Dialer) Dial(ctx context.Context, sessionID string) (protocol.Conn, error) {
	if err := d.layout.EnsureSessionDir(sessionID); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	dbPath := d.layout.CredentialDBPath(sessionID)
	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", dbPath),
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device store: %w", err)
	}

	client := whatsmeow.NewClient(deviceStore, nil)
	// Reconnection belongs to the session state machine, not the client.
	client.EnableAutoReconnect = false

	return newConn(sessionID, client, d.logger.With(zap.String("session", sessionID))), nil
}
