package transit

import (
	"sort"
	"time"
)

// AlertType enumerates the alert categories carried by agency feeds.
//
// The string values are stable wire identifiers: they appear in feed JSON,
// in persisted snapshots and in push collapse keys. Do not rename.
type AlertType string

const (
	TypeDetour      AlertType = "TYPE_DETOUR"
	TypeInformation AlertType = "TYPE_INFORMATION"
	TypeDisruption  AlertType = "TYPE_DISRUPTION"
	TypeWeather     AlertType = "TYPE_WEATHER"
	TypeAppMessage  AlertType = "TYPE_APP"
	TypeMaintenance AlertType = "TYPE_MAINTENANCE"
)

// DefaultTTL returns how long an undelivered push for this alert type stays
// useful. Short-lived operational alerts expire after an hour; informational
// ones are kept for two days.
func (t AlertType) DefaultTTL() time.Duration {
	switch t {
	case TypeDetour, TypeDisruption, TypeMaintenance:
		return 1 * time.Hour
	default:
		return 48 * time.Hour
	}
}

// Agency is a transit operator whose routes and alerts are tracked.
type Agency struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	UTCOffset float64 `json:"utc_offset"`
	Routes    []Route `json:"routes,omitempty"`
}

// Route is identified by its business key RouteID, not by any surrogate id.
// Two routes are the same route iff RouteID matches, even if alert content
// differs.
type Route struct {
	RouteID string  `json:"route_id"`
	Name    string  `json:"route_name"`
	Alerts  []Alert `json:"alerts,omitempty"`
}

// Alert belongs to exactly one Route.
type Alert struct {
	Type            AlertType  `json:"type"`
	MessageTitle    string     `json:"message_title"`
	MessageSubtitle string     `json:"message_subtitle"`
	MessageBody     string     `json:"message_body"`
	HighPriority    bool       `json:"high_priority"`
	LastUpdated     time.Time  `json:"last_updated"`
	Locations       []Location `json:"locations,omitempty"`
}

// Location is a point attached to an alert (e.g. a detour stop).
type Location struct {
	Name      string    `json:"name"`
	Latitude  string    `json:"latitude"`
	Longitude string    `json:"longitude"`
	Message   string    `json:"message"`
	Sequence  int       `json:"sequence"`
	Date      time.Time `json:"date"`
}

// RouteByID returns the route with the given business key, or nil.
func (a *Agency) RouteByID(routeID string) *Route {
	if a == nil {
		return nil
	}
	for i := range a.Routes {
		if a.Routes[i].RouteID == routeID {
			return &a.Routes[i]
		}
	}
	return nil
}

// SortRoutes orders routes by RouteID for deterministic iteration.
func (a *Agency) SortRoutes() {
	if a == nil {
		return
	}
	sort.Slice(a.Routes, func(i, j int) bool {
		return a.Routes[i].RouteID < a.Routes[j].RouteID
	})
}

// AlertsOfType returns the route's alerts with the given type, in feed order.
func (r *Route) AlertsOfType(t AlertType) []Alert {
	if r == nil {
		return nil
	}
	var out []Alert
	for _, al := range r.Alerts {
		if al.Type == t {
			out = append(out, al)
		}
	}
	return out
}

// ContentEquals reports structural equality for diffing purposes.
//
// LastUpdated is deliberately excluded: two alerts with identical content but
// different timestamps are the same alert. Location timestamps are excluded
// for the same reason (feeds regenerate them on every fetch).
func (a Alert) ContentEquals(b Alert) bool {
	if a.Type != b.Type ||
		a.MessageTitle != b.MessageTitle ||
		a.MessageSubtitle != b.MessageSubtitle ||
		a.MessageBody != b.MessageBody ||
		a.HighPriority != b.HighPriority {
		return false
	}
	if len(a.Locations) != len(b.Locations) {
		return false
	}
	for i := range a.Locations {
		if !a.Locations[i].contentEquals(b.Locations[i]) {
			return false
		}
	}
	return true
}

func (l Location) contentEquals(o Location) bool {
	return l.Name == o.Name &&
		l.Latitude == o.Latitude &&
		l.Longitude == o.Longitude &&
		l.Message == o.Message &&
		l.Sequence == o.Sequence
}

// alertTypes returns the distinct alert types present on either route,
// in a stable order.
func alertTypes(routes ...*Route) []AlertType {
	seen := map[AlertType]bool{}
	var out []AlertType
	for _, r := range routes {
		if r == nil {
			continue
		}
		for _, al := range r.Alerts {
			if !seen[al.Type] {
				seen[al.Type] = true
				out = append(out, al.Type)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
