package devices

import (
	"context"
	"errors"
	"strings"
	"time"
)

var ErrClosed = errors.New("device registry closed")

// Device is one registered push token and its subscriptions.
type Device struct {
	Token     string    `json:"token"`
	AccountID string    `json:"account_id"`
	AgencyID  string    `json:"agency_id"`
	Routes    []string  `json:"routes"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SubscribedTo reports whether the device wants alerts for the route.
func (d Device) SubscribedTo(agencyID, routeID string) bool {
	if d.AgencyID != agencyID {
		return false
	}
	for _, r := range d.Routes {
		if r == routeID {
			return true
		}
	}
	return false
}

func (d Device) normalized() (Device, bool) {
	d.Token = strings.TrimSpace(d.Token)
	if d.Token == "" {
		return d, false
	}
	return d, true
}

// Store is the persistence the registry loads from and writes through to.
// The storage package satisfies it structurally.
type Store interface {
	Devices(ctx context.Context) ([]Device, error)
	SaveDevice(ctx context.Context, d Device) error
	DeleteDevices(ctx context.Context, tokens []string) error
	RenameDevice(ctx context.Context, oldToken, newToken string) error
}
