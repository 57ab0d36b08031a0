package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"transitpush/internal/push"
	"transitpush/internal/push/queue"
	"transitpush/internal/transit"
	logx "transitpush/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSnapshots struct {
	mu       sync.Mutex
	agencies map[string]*transit.Agency
}

func newMemSnapshots() *memSnapshots {
	return &memSnapshots{agencies: map[string]*transit.Agency{}}
}

func (m *memSnapshots) Agency(_ context.Context, id string) (*transit.Agency, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.agencies[id], nil
}

func (m *memSnapshots) SaveAgency(_ context.Context, a *transit.Agency) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agencies[a.ID] = a
	return nil
}

type staticSubs map[string]map[string][]string // routeID -> account -> tokens

func (s staticSubs) SubscribersFor(_, routeID string) map[string][]string {
	return s[routeID]
}

type captureQueue struct {
	mu    sync.Mutex
	tasks []push.Task
	err   error
}

func (q *captureQueue) Enqueue(_ context.Context, task push.Task, _ queue.Listener) error {
	if q.err != nil {
		return q.err
	}
	q.mu.Lock()
	q.tasks = append(q.tasks, task)
	q.mu.Unlock()
	return nil
}

func (q *captureQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func feedServer(t *testing.T, agency **transit.Agency) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(*agency))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func agencyWithAlert(alertType transit.AlertType, body string) *transit.Agency {
	return &transit.Agency{
		ID:   "metro",
		Name: "Metro",
		Routes: []transit.Route{{
			RouteID: "105",
			Name:    "Line 105",
			Alerts: []transit.Alert{{
				Type:         alertType,
				MessageTitle: "Service change",
				MessageBody:  body,
			}},
		}},
	}
}

func newTestPoller(cfg Config, store SnapshotStore, subs Subscriptions, q Enqueuer) *Poller {
	builder := push.NewBuilder(push.Policy{}, logx.Nop())
	return NewPoller(cfg, NewClient(0), store, subs, builder, q, queue.NopListener{}, logx.Nop(), nil)
}

func testConfig(url string) Config {
	return Config{
		Feeds:    []Feed{{AgencyID: "metro", URL: url, Schedule: "30s"}},
		Accounts: []push.Account{{ID: "acct", ServerKey: "key"}},
	}
}

func TestPollFeedEnqueuesChangesAndSavesSnapshot(t *testing.T) {
	current := agencyWithAlert(transit.TypeDetour, "Detour at Main St")
	srv := feedServer(t, &current)

	store := newMemSnapshots()
	q := &captureQueue{}
	subs := staticSubs{"105": {"acct": {"tok-1", "tok-2"}}}
	p := newTestPoller(testConfig(srv.URL), store, subs, q)
	feed := p.cfg.Feeds[0]

	require.NoError(t, p.PollFeed(context.Background(), feed))
	require.Equal(t, 1, q.count())

	task := q.tasks[0]
	assert.Equal(t, "alerts metro", task.Name)
	require.Len(t, task.Messages, 1)
	msg := task.Messages[0]
	assert.Equal(t, "TYPE_DETOUR-105", msg.CollapseKey)
	assert.Equal(t, "alert", msg.Data["message_type"])
	assert.Len(t, msg.Recipients, 2)

	saved, err := store.Agency(context.Background(), "metro")
	require.NoError(t, err)
	require.NotNil(t, saved)

	// A second poll of the unchanged feed enqueues nothing.
	require.NoError(t, p.PollFeed(context.Background(), feed))
	assert.Equal(t, 1, q.count())
}

func TestPollFeedBuildsCancellationForRemovedAlert(t *testing.T) {
	current := agencyWithAlert(transit.TypeDetour, "Detour at Main St")
	srv := feedServer(t, &current)

	store := newMemSnapshots()
	q := &captureQueue{}
	subs := staticSubs{"105": {"acct": {"tok-1"}}}
	p := newTestPoller(testConfig(srv.URL), store, subs, q)
	feed := p.cfg.Feeds[0]

	require.NoError(t, p.PollFeed(context.Background(), feed))
	require.Equal(t, 1, q.count())

	// The alert disappears from the feed.
	gone := agencyWithAlert(transit.TypeDetour, "")
	gone.Routes[0].Alerts = nil
	current = gone

	require.NoError(t, p.PollFeed(context.Background(), feed))
	require.Equal(t, 2, q.count())

	msg := q.tasks[1].Messages[0]
	assert.Equal(t, "cancel", msg.Data["message_type"])
	assert.Equal(t, "105", msg.Data["route_id"])
	assert.NotContains(t, msg.Data, "alert_message")
}

func TestPollFeedKeepsOldSnapshotWhenQueueRejects(t *testing.T) {
	current := agencyWithAlert(transit.TypeDisruption, "Stopped service")
	srv := feedServer(t, &current)

	store := newMemSnapshots()
	q := &captureQueue{err: queue.ErrQueueFull}
	subs := staticSubs{"105": {"acct": {"tok-1"}}}
	p := newTestPoller(testConfig(srv.URL), store, subs, q)
	feed := p.cfg.Feeds[0]

	err := p.PollFeed(context.Background(), feed)
	require.ErrorIs(t, err, queue.ErrQueueFull)

	// Snapshot not advanced; the next cycle re-detects the change.
	saved, serr := store.Agency(context.Background(), "metro")
	require.NoError(t, serr)
	assert.Nil(t, saved)

	q.err = nil
	require.NoError(t, p.PollFeed(context.Background(), feed))
	assert.Equal(t, 1, q.count())
}

func TestPollFeedWithoutSubscribersStillAdvancesSnapshot(t *testing.T) {
	current := agencyWithAlert(transit.TypeInformation, "Schedule change")
	srv := feedServer(t, &current)

	store := newMemSnapshots()
	q := &captureQueue{}
	p := newTestPoller(testConfig(srv.URL), store, staticSubs{}, q)
	feed := p.cfg.Feeds[0]

	require.NoError(t, p.PollFeed(context.Background(), feed))
	assert.Equal(t, 0, q.count())

	saved, err := store.Agency(context.Background(), "metro")
	require.NoError(t, err)
	require.NotNil(t, saved)
}

func TestStartRejectsInvalidSchedule(t *testing.T) {
	cfg := Config{Feeds: []Feed{{AgencyID: "metro", URL: "http://localhost", Schedule: "bogus"}}}
	p := newTestPoller(cfg, newMemSnapshots(), staticSubs{}, &captureQueue{})
	err := p.Start(context.Background())
	require.Error(t, err)
}
