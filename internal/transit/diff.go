package transit

import "sort"

// Modifications is the result of one diff run: the minimal, duplicate-free
// set of updated and stale alerts per route.
//
// Invariant: for a single route, the same alert type never appears in both
// the updated and stale mapping of the same run. An update supersedes a
// stale notification for that type.
type Modifications struct {
	AgencyID string

	updated map[string][]Alert // keyed by RouteID
	stale   map[string][]Alert
}

// NewModifications returns an empty result for the given agency.
func NewModifications(agencyID string) *Modifications {
	return &Modifications{
		AgencyID: agencyID,
		updated:  map[string][]Alert{},
		stale:    map[string][]Alert{},
	}
}

// HasChangedAlerts is true iff either mapping is non-empty.
func (m *Modifications) HasChangedAlerts() bool {
	if m == nil {
		return false
	}
	return len(m.updated) > 0 || len(m.stale) > 0
}

// UpdatedAlerts returns the updated alerts recorded for a route.
func (m *Modifications) UpdatedAlerts(routeID string) []Alert {
	if m == nil {
		return nil
	}
	return m.updated[routeID]
}

// StaleAlerts returns the stale alerts recorded for a route.
func (m *Modifications) StaleAlerts(routeID string) []Alert {
	if m == nil {
		return nil
	}
	return m.stale[routeID]
}

// Routes returns every route id present in either mapping, sorted.
func (m *Modifications) Routes() []string {
	if m == nil {
		return nil
	}
	seen := map[string]bool{}
	var out []string
	for id := range m.updated {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for id := range m.stale {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// addUpdated records an updated alert unless an alert of the same type was
// already recorded for the route in this run. At most one updated
// notification per alert type per route per diff: when several alert records
// of one type differ only in incidental ways, devices get a single push.
func (m *Modifications) addUpdated(routeID string, a Alert) {
	for _, existing := range m.updated[routeID] {
		if existing.Type == a.Type {
			return
		}
	}
	m.updated[routeID] = append(m.updated[routeID], a)
}

// addStale records a stale alert with the same per-type dedup rule, and only
// if no alert of that type was already marked updated for the route.
func (m *Modifications) addStale(routeID string, a Alert) {
	for _, existing := range m.updated[routeID] {
		if existing.Type == a.Type {
			return
		}
	}
	for _, existing := range m.stale[routeID] {
		if existing.Type == a.Type {
			return
		}
	}
	m.stale[routeID] = append(m.stale[routeID], a)
}

// Diff compares a previously persisted agency snapshot against a freshly
// fetched one and reports which alerts need an "updated" push and which need
// a cancellation.
//
// The engine performs no I/O, is deterministic, and never mutates its inputs.
// Either argument may be nil: a nil saved agency marks everything in fresh as
// updated; a nil fresh agency marks everything in saved as stale.
func Diff(saved, fresh *Agency) *Modifications {
	agencyID := ""
	if fresh != nil {
		agencyID = fresh.ID
	} else if saved != nil {
		agencyID = saved.ID
	}
	mods := NewModifications(agencyID)

	// Routes present in fresh: new routes mark every alert updated, matched
	// routes are compared per alert type.
	if fresh != nil {
		for i := range fresh.Routes {
			freshRoute := &fresh.Routes[i]
			savedRoute := saved.RouteByID(freshRoute.RouteID)
			if savedRoute == nil {
				for _, al := range freshRoute.Alerts {
					mods.addUpdated(freshRoute.RouteID, al)
				}
				continue
			}
			diffRoute(mods, savedRoute, freshRoute)
		}
	}

	// Routes present in saved but absent from fresh: route removed, all of
	// its alerts are stale.
	if saved != nil {
		for i := range saved.Routes {
			savedRoute := &saved.Routes[i]
			if fresh.RouteByID(savedRoute.RouteID) != nil {
				continue
			}
			for _, al := range savedRoute.Alerts {
				mods.addStale(savedRoute.RouteID, al)
			}
		}
	}

	return mods
}

// diffRoute compares two routes that share a RouteID, one alert type at a
// time. Updated entries are recorded before stale entries so that an update
// for a type suppresses any stale entry for the same type.
func diffRoute(mods *Modifications, savedRoute, freshRoute *Route) {
	for _, t := range alertTypes(savedRoute, freshRoute) {
		savedAlerts := savedRoute.AlertsOfType(t)
		freshAlerts := freshRoute.AlertsOfType(t)

		// Present in fresh but not structurally in saved -> updated.
		for _, fa := range freshAlerts {
			if !containsContent(savedAlerts, fa) {
				mods.addUpdated(freshRoute.RouteID, fa)
			}
		}

		// Present in saved but absent from fresh -> stale, unless an update
		// of this type was just recorded.
		for _, sa := range savedAlerts {
			if !containsContent(freshAlerts, sa) {
				mods.addStale(freshRoute.RouteID, sa)
			}
		}
	}
}

func containsContent(alerts []Alert, target Alert) bool {
	for _, a := range alerts {
		if a.ContentEquals(target) {
			return true
		}
	}
	return false
}
