package transit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func detourAlert(body string) Alert {
	return Alert{
		Type:         TypeDetour,
		MessageTitle: "Detour",
		MessageBody:  body,
		LastUpdated:  time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC),
	}
}

func agencyWithRoute(routeID string, alerts ...Alert) *Agency {
	return &Agency{
		ID:   "sept",
		Name: "Example Transit",
		Routes: []Route{
			{RouteID: routeID, Name: "Route " + routeID, Alerts: alerts},
		},
	}
}

func TestDiffIdenticalSnapshotsYieldNothing(t *testing.T) {
	a := agencyWithRoute("105", detourAlert("Construction on Elm St"))
	b := agencyWithRoute("105", detourAlert("Construction on Elm St"))

	// Timestamps differ but content matches; that must not count as a change.
	b.Routes[0].Alerts[0].LastUpdated = b.Routes[0].Alerts[0].LastUpdated.Add(10 * time.Minute)

	mods := Diff(a, b)
	assert.False(t, mods.HasChangedAlerts())
	assert.Empty(t, mods.Routes())
}

func TestDiffNilAndEmptyAgencies(t *testing.T) {
	assert.False(t, Diff(nil, nil).HasChangedAlerts())
	assert.False(t, Diff(&Agency{ID: "x"}, &Agency{ID: "x"}).HasChangedAlerts())
}

func TestDiffNilSavedMarksEverythingUpdated(t *testing.T) {
	fresh := agencyWithRoute("12", detourAlert("stop closed"))

	mods := Diff(nil, fresh)
	require.True(t, mods.HasChangedAlerts())
	assert.Len(t, mods.UpdatedAlerts("12"), 1)
	assert.Empty(t, mods.StaleAlerts("12"))
}

func TestDiffNilFreshMarksEverythingStale(t *testing.T) {
	saved := agencyWithRoute("12", detourAlert("stop closed"))

	mods := Diff(saved, nil)
	require.True(t, mods.HasChangedAlerts())
	assert.Empty(t, mods.UpdatedAlerts("12"))
	assert.Len(t, mods.StaleAlerts("12"), 1)
}

func TestDiffNewRouteMarksAllAlertsUpdated(t *testing.T) {
	saved := agencyWithRoute("1", detourAlert("old"))
	fresh := &Agency{
		ID: "sept",
		Routes: []Route{
			{RouteID: "1", Alerts: []Alert{detourAlert("old")}},
			{RouteID: "44", Alerts: []Alert{
				{Type: TypeInformation, MessageTitle: "Schedule change"},
				{Type: TypeWeather, MessageTitle: "Snow"},
			}},
		},
	}

	mods := Diff(saved, fresh)
	assert.Empty(t, mods.UpdatedAlerts("1"))
	assert.Len(t, mods.UpdatedAlerts("44"), 2)
}

func TestDiffRouteRemovalMarksAllAlertsStale(t *testing.T) {
	saved := &Agency{
		ID: "sept",
		Routes: []Route{
			{RouteID: "1", Alerts: []Alert{detourAlert("keep")}},
			{RouteID: "9", Alerts: []Alert{
				detourAlert("gone"),
				{Type: TypeInformation, MessageTitle: "gone too"},
			}},
		},
	}
	fresh := agencyWithRoute("1", detourAlert("keep"))

	mods := Diff(saved, fresh)
	assert.Empty(t, mods.UpdatedAlerts("9"))
	assert.Len(t, mods.StaleAlerts("9"), 2)
	assert.Empty(t, mods.StaleAlerts("1"))
}

func TestDiffPerTypeDedup(t *testing.T) {
	saved := agencyWithRoute("7")
	fresh := agencyWithRoute("7",
		Alert{Type: TypeDisruption, MessageTitle: "Signal problem at A"},
		Alert{Type: TypeDisruption, MessageTitle: "Signal problem at B"},
	)

	mods := Diff(saved, fresh)
	// Two disruption alerts changed at once, but devices get at most one
	// updated notification per type per route.
	require.Len(t, mods.UpdatedAlerts("7"), 1)
	assert.Equal(t, TypeDisruption, mods.UpdatedAlerts("7")[0].Type)
}

func TestDiffUpdateSupersedesStale(t *testing.T) {
	saved := agencyWithRoute("3", detourAlert("old detour text"))
	fresh := agencyWithRoute("3", detourAlert("new detour text"))

	mods := Diff(saved, fresh)
	require.Len(t, mods.UpdatedAlerts("3"), 1)
	assert.Equal(t, "new detour text", mods.UpdatedAlerts("3")[0].MessageBody)
	// The replaced alert of the same type must not also be reported stale.
	assert.Empty(t, mods.StaleAlerts("3"))
}

func TestDiffLocationChangeIsAnUpdate(t *testing.T) {
	withLoc := func(lat string) Alert {
		a := detourAlert("detour")
		a.Locations = []Location{{Name: "Elm & 5th", Latitude: lat, Longitude: "-75.1", Sequence: 1}}
		return a
	}
	saved := agencyWithRoute("3", withLoc("39.95"))
	fresh := agencyWithRoute("3", withLoc("39.96"))

	mods := Diff(saved, fresh)
	require.Len(t, mods.UpdatedAlerts("3"), 1)
	assert.Empty(t, mods.StaleAlerts("3"))
}

func TestDiffEndToEndScenario(t *testing.T) {
	saved := agencyWithRoute("105", detourAlert("Construction on Elm St"))
	fresh := agencyWithRoute("105", Alert{Type: TypeInformation, MessageTitle: "Schedule change"})

	mods := Diff(saved, fresh)
	require.True(t, mods.HasChangedAlerts())

	stale := mods.StaleAlerts("105")
	require.Len(t, stale, 1)
	assert.Equal(t, TypeDetour, stale[0].Type)

	updated := mods.UpdatedAlerts("105")
	require.Len(t, updated, 1)
	assert.Equal(t, TypeInformation, updated[0].Type)
	assert.Equal(t, []string{"105"}, mods.Routes())
}

func TestDiffDoesNotMutateInputs(t *testing.T) {
	saved := agencyWithRoute("105", detourAlert("a"))
	fresh := agencyWithRoute("105", detourAlert("b"))

	before := len(saved.Routes[0].Alerts)
	_ = Diff(saved, fresh)
	_ = Diff(saved, fresh)
	assert.Equal(t, before, len(saved.Routes[0].Alerts))

	// Determinism: two runs agree.
	m1 := Diff(saved, fresh)
	m2 := Diff(saved, fresh)
	assert.Equal(t, m1.Routes(), m2.Routes())
	assert.Equal(t, m1.UpdatedAlerts("105"), m2.UpdatedAlerts("105"))
}
