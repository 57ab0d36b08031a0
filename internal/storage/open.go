package storage

import (
	"context"
	"errors"
	"strings"

	"transitpush/internal/devices"
	"transitpush/internal/push"
	"transitpush/internal/transit"
	logx "transitpush/pkg/logx"
)

// Store is the persistence API used by the queue, the feed poller and the
// device registry.
type Store interface {
	// Task queue state. UpdateMessage overwrites one message inside an
	// already-saved task.
	SaveTask(ctx context.Context, t push.Task) error
	UpdateTask(ctx context.Context, t push.Task) error
	UpdateMessage(ctx context.Context, taskID string, m push.Message) error
	PendingTasks(ctx context.Context) ([]push.Task, error)

	// Agency alert snapshots. Agency returns (nil, nil) when no snapshot
	// has been saved yet.
	SaveAgency(ctx context.Context, a *transit.Agency) error
	Agency(ctx context.Context, id string) (*transit.Agency, error)

	// Device registry.
	Devices(ctx context.Context) ([]devices.Device, error)
	SaveDevice(ctx context.Context, d devices.Device) error
	DeleteDevices(ctx context.Context, tokens []string) error
	RenameDevice(ctx context.Context, oldToken, newToken string) error

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
