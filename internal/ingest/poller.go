package ingest

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"transitpush/internal/eventbus"
	"transitpush/internal/push"
	"transitpush/internal/push/queue"
	"transitpush/internal/transit"
	logx "transitpush/pkg/logx"

	"github.com/robfig/cron/v3"
)

// Feed is one agency alert feed to poll.
type Feed struct {
	AgencyID string
	URL      string
	Schedule string
}

// Config configures the poller.
type Config struct {
	Feeds    []Feed
	Accounts []push.Account

	// FetchTimeout bounds a single feed download. 0 means default.
	FetchTimeout time.Duration

	// PollOnStart runs every feed once immediately after Start.
	PollOnStart bool
}

// Fetcher downloads one feed snapshot.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*transit.Agency, error)
}

// SnapshotStore persists the last accepted snapshot per agency. A nil store
// means every poll diffs against nothing and reports everything as new.
type SnapshotStore interface {
	Agency(ctx context.Context, id string) (*transit.Agency, error)
	SaveAgency(ctx context.Context, a *transit.Agency) error
}

// Subscriptions resolves which tokens want alerts for a route, grouped by
// account id.
type Subscriptions interface {
	SubscribersFor(agencyID, routeID string) map[string][]string
}

// Enqueuer accepts built tasks for dispatch.
type Enqueuer interface {
	Enqueue(ctx context.Context, task push.Task, listener queue.Listener) error
}

// Poller drives the poll-diff-build-enqueue cycle for every configured feed.
type Poller struct {
	mu      sync.Mutex
	c       *cron.Cron
	parser  cron.Parser
	running bool
	runCtx  context.Context
	cancel  context.CancelFunc

	// busy guards against overlapping polls of the same feed when a fetch
	// outlives the schedule interval.
	busy map[string]bool

	cfg      Config
	accounts map[string]push.Account

	fetcher  Fetcher
	store    SnapshotStore
	subs     Subscriptions
	builder  *push.Builder
	queue    Enqueuer
	listener queue.Listener

	log logx.Logger
	bus eventbus.Bus
}

func NewPoller(cfg Config, fetcher Fetcher, store SnapshotStore, subs Subscriptions,
	builder *push.Builder, q Enqueuer, listener queue.Listener, log logx.Logger, bus eventbus.Bus) *Poller {
	if log.IsZero() {
		log = logx.Nop()
	}
	accounts := make(map[string]push.Account, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		accounts[a.ID] = a
	}
	return &Poller{
		// SecondOptional allows both 5-field and 6-field cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour |
			cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		busy:     map[string]bool{},
		cfg:      cfg,
		accounts: accounts,
		fetcher:  fetcher,
		store:    store,
		subs:     subs,
		builder:  builder,
		queue:    q,
		listener: listener,
		log:      log,
		bus:      bus,
	}
}

// Start registers every feed schedule and starts the cron runner. Invalid
// schedules fail the whole start so config mistakes surface immediately.
func (p *Poller) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	c := cron.New(cron.WithParser(p.parser))

	for _, feed := range p.cfg.Feeds {
		feed := feed
		spec, err := ParseSchedule(feed.Schedule)
		if err != nil {
			cancel()
			return fmt.Errorf("feed %s: %w", feed.AgencyID, err)
		}
		job := cron.FuncJob(func() { p.runPoll(runCtx, feed) })
		if spec.Kind == ScheduleCron {
			if _, err := c.AddJob(spec.Cron, job); err != nil {
				cancel()
				return fmt.Errorf("feed %s: %w", feed.AgencyID, err)
			}
		} else {
			c.Schedule(cron.Every(spec.Every), job)
		}
	}

	p.c = c
	p.runCtx = runCtx
	p.cancel = cancel
	p.running = true
	c.Start()

	if p.cfg.PollOnStart {
		for _, feed := range p.cfg.Feeds {
			feed := feed
			go p.runPoll(runCtx, feed)
		}
	}

	p.log.Info("feed poller started", logx.Int("feeds", len(p.cfg.Feeds)))
	return nil
}

// Stop halts the cron runner and waits for in-flight polls until ctx is done.
func (p *Poller) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	c := p.c
	cancel := p.cancel
	p.c = nil
	p.runCtx = nil
	p.cancel = nil
	p.running = false
	p.mu.Unlock()

	cancel()
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	p.log.Info("feed poller stopped")
}

func (p *Poller) runPoll(ctx context.Context, feed Feed) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("panic in feed poll",
				logx.String("agency", feed.AgencyID),
				logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()

	p.mu.Lock()
	if p.busy[feed.AgencyID] {
		p.mu.Unlock()
		p.log.Debug("previous poll still running, skipping", logx.String("agency", feed.AgencyID))
		return
	}
	p.busy[feed.AgencyID] = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.busy, feed.AgencyID)
		p.mu.Unlock()
	}()

	if err := p.PollFeed(ctx, feed); err != nil && !errors.Is(err, context.Canceled) {
		p.log.Warn("feed poll failed", logx.String("agency", feed.AgencyID), logx.Err(err))
	}
}

// PollFeed runs one full cycle for a feed: fetch, diff against the saved
// snapshot, build messages for the changed routes and enqueue them. The
// fresh snapshot is saved only after the queue accepted the work, so a
// rejected cycle is retried wholesale on the next tick.
func (p *Poller) PollFeed(ctx context.Context, feed Feed) error {
	log := p.log.With(logx.String("agency", feed.AgencyID))

	fctx := ctx
	if p.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, p.cfg.FetchTimeout)
		defer cancel()
	}
	fresh, err := p.fetcher.Fetch(fctx, feed.URL)
	if err != nil {
		p.publish(eventbus.TypeFeedFailed, feed.AgencyID, err.Error())
		return err
	}

	var saved *transit.Agency
	if p.store != nil {
		saved, err = p.store.Agency(ctx, feed.AgencyID)
		if err != nil {
			return fmt.Errorf("load snapshot: %w", err)
		}
	}

	mods := transit.Diff(saved, fresh)
	p.publish(eventbus.TypeFeedPolled, feed.AgencyID, "")
	if !mods.HasChangedAlerts() {
		log.Debug("no alert changes")
		return nil
	}

	messages := p.buildMessages(mods, saved, fresh)
	log.Info("alert changes detected",
		logx.Int("routes", len(mods.Routes())), logx.Int("messages", len(messages)))

	if len(messages) > 0 {
		task := push.NewTask("alerts "+feed.AgencyID, messages)
		if err := p.queue.Enqueue(ctx, task, p.listener); err != nil {
			// Leave the old snapshot in place so the next cycle re-detects
			// the same changes.
			return fmt.Errorf("enqueue: %w", err)
		}
	}

	if p.store != nil {
		if err := p.store.SaveAgency(ctx, fresh); err != nil {
			return fmt.Errorf("save snapshot: %w", err)
		}
	}
	p.publish(eventbus.TypeAlertsChanged, feed.AgencyID, "")
	return nil
}

// buildMessages turns a diff into concrete push messages: update messages
// for updated alerts, cancellation messages for stale ones. Routes with no
// subscribers produce nothing.
func (p *Poller) buildMessages(mods *transit.Modifications, saved, fresh *transit.Agency) []push.Message {
	var out []push.Message
	for _, routeID := range mods.Routes() {
		route := fresh.RouteByID(routeID)
		if route == nil {
			// Route disappeared from the feed; its stale alerts still need
			// cancellations, with the route info from the old snapshot.
			route = saved.RouteByID(routeID)
		}
		if route == nil {
			continue
		}

		groups := p.subs.SubscribersFor(mods.AgencyID, routeID)
		if len(groups) == 0 {
			continue
		}

		for accountID, tokens := range groups {
			account, ok := p.accounts[accountID]
			if !ok {
				p.log.Warn("no credentials configured for account",
					logx.String("account", accountID), logx.String("route", routeID))
				continue
			}
			for _, alert := range mods.UpdatedAlerts(routeID) {
				out = append(out, p.builder.Build(alert, *route, tokens, account, false)...)
			}
			for _, alert := range mods.StaleAlerts(routeID) {
				out = append(out, p.builder.Build(alert, *route, tokens, account, true)...)
			}
		}
	}
	return out
}

func (p *Poller) publish(eventType, agencyID, errMsg string) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{Type: eventType, Data: FeedEvent{
		AgencyID: agencyID,
		At:       time.Now(),
		Error:    errMsg,
	}})
}

// FeedEvent is the bus payload for feed lifecycle events.
type FeedEvent struct {
	AgencyID string    `json:"agency_id"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
