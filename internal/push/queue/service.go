// Package queue implements the durable, retrying dispatch pipeline: tasks
// are persisted before they are accepted, a single consumer drains them
// FIFO, per-recipient results drive a retry/backoff state machine, and every
// transition is written to the store before the next task is touched.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"transitpush/internal/eventbus"
	"transitpush/internal/push"
	rtsup "transitpush/internal/runtime/supervisor"
	logx "transitpush/pkg/logx"
)

var (
	ErrQueueFull    = errors.New("task queue full")
	ErrStopped      = errors.New("task queue stopped")
	ErrNoRecipients = errors.New("task delivered to no recipients")
)

// Service is the task queue orchestrator.
//
// Concurrency model: a single consumer goroutine owns all task state
// transitions, so no cross-task locking is needed. The messages within one
// task are dispatched concurrently, and the consumer waits for all of them
// before advancing.
type Service struct {
	mu sync.Mutex

	log        logx.Logger
	bus        eventbus.Bus
	dispatcher Dispatcher
	store      Store
	cfg        Config

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan push.Task
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	// Per-task listener registry. Producers insert, the consumer removes on
	// terminal states; keys are unique per task so entries never contend.
	listeners sync.Map // task id -> Listener

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, dispatcher Dispatcher, store Store, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:        log,
		bus:        bus,
		dispatcher: dispatcher,
		store:      store,
		cfg:        cfg.withDefaults(),
	}
}

// Start launches the consumer. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan push.Task, s.cfg.QueueSize)
	s.accepting = true

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "queue"))),
		// A consumer crash must not take down the whole app.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	s.mu.Unlock()

	sup.GoRestart("consumer", func(c context.Context) error {
		s.consumeLoop(c, q)
		s.mu.Lock()
		stopping := s.stopDone != nil
		s.mu.Unlock()
		if stopping {
			return context.Canceled
		}
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("queue consumer exited unexpectedly")
	}, rtsup.WithPublishFirstError(true))
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		// Wait for in-flight enqueues, then close the queue so the consumer
		// can drain what is already accepted.
		s.sendWG.Wait()
		func() {
			defer func() { _ = recover() }()
			close(q)
		}()
		if sup != nil {
			_ = sup.Wait(context.Background())
		}

		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
	}
}

// Enqueue persists the task and places it on the queue.
//
// The task is written to the store before it is accepted; if persistence
// fails the call fails and nothing is held in memory. A full queue returns
// ErrQueueFull; the caller decides whether to retry or drop.
func (s *Service) Enqueue(ctx context.Context, task push.Task, listener Listener) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if listener == nil {
		listener = NopListener{}
	}

	s.mu.Lock()
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	if task.State == "" {
		task.State = push.TaskPending
	}
	if err := s.store.SaveTask(ctx, task); err != nil {
		return fmt.Errorf("persist task: %w", err)
	}

	s.listeners.Store(task.ID, listener)

	select {
	case q <- task:
		s.publish(eventbus.TypeTaskQueued, task, "")
		return nil
	default:
		s.listeners.Delete(task.ID)
		s.publish(eventbus.TypeTaskRejected, task, ErrQueueFull.Error())
		return ErrQueueFull
	}
}

// Resume re-queues tasks reloaded from the store after a restart. Listener
// registrations do not survive a crash, so the caller provides one shared
// listener for all resumed tasks.
func (s *Service) Resume(ctx context.Context, tasks []push.Task, listener Listener) {
	if listener == nil {
		listener = NopListener{}
	}
	s.mu.Lock()
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	for _, t := range tasks {
		if t.State.Terminal() {
			continue
		}
		s.listeners.Store(t.ID, listener)
		select {
		case q <- t:
			s.publish(eventbus.TypeTaskQueued, t, "")
		default:
			// Still durable; the next startup recovery pass picks it up.
			s.listeners.Delete(t.ID)
			s.log.Warn("queue full during resume, leaving task for next recovery",
				logx.String("task", t.ID))
		}
	}
}

// Snapshot returns the recent outcome history.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) consumeLoop(ctx context.Context, q chan push.Task) {
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-q:
			if !ok {
				return
			}

			// A retry that is not due yet goes to the back of the queue so
			// it never blocks newer unrelated tasks.
			if wait := time.Until(task.NextAttempt); wait > 0 {
				if !s.sleep(ctx, minDuration(wait, s.cfg.PollInterval)) {
					return
				}
				if time.Now().Before(task.NextAttempt) {
					select {
					case q <- task:
						continue
					default:
						// Queue filled up meanwhile; process early rather
						// than dropping the task.
					}
				}
			}

			s.process(ctx, task)

			if !s.sleep(ctx, s.cfg.PollInterval) {
				return
			}
		}
	}
}

func (s *Service) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// process runs one consumer pass over a task: mark recipients, dispatch all
// messages, interpret results, persist, notify.
func (s *Service) process(ctx context.Context, task push.Task) {
	listener := s.listenerFor(task.ID)
	log := s.log.With(logx.String("task", task.ID), logx.String("name", task.Name))

	now := time.Now()
	task.State = push.TaskProcessing
	task.LastAttempt = now
	for mi := range task.Messages {
		markEligible(&task.Messages[mi], push.RecipientProcessing)
	}
	if err := s.store.UpdateTask(ctx, task); err != nil {
		// Persistence failures abort processing; the task stays non-terminal
		// in the store and is recovered at the next startup.
		log.Error("persist before dispatch failed, aborting task pass", logx.Err(err))
		return
	}

	// Dispatch the task's messages concurrently, then wait for all of them
	// before interpreting anything.
	type outcome struct {
		res push.MessageResult
		err error
	}
	outcomes := make([]outcome, len(task.Messages))
	var wg sync.WaitGroup
	for mi := range task.Messages {
		if len(task.Messages[mi].EligibleRecipients()) == 0 &&
			len(task.Messages[mi].Recipients) > 0 {
			continue // nothing left to send for this message
		}
		wg.Add(1)
		go func(mi int) {
			defer wg.Done()
			res, err := s.dispatcher.Dispatch(ctx, task.Messages[mi])
			outcomes[mi] = outcome{res: res, err: err}
		}(mi)
	}
	wg.Wait()

	var (
		stale    []push.Recipient
		renamed  []push.RenamedRecipient
		fatalErr error
		passDel  int
		passRet  int
	)

	for mi := range task.Messages {
		oc := outcomes[mi]
		applyResult(&task.Messages[mi], oc.res)
		if err := s.store.UpdateMessage(ctx, task.ID, task.Messages[mi]); err != nil {
			log.Error("persist message failed, aborting task pass", logx.Err(err))
			return
		}
		stale = append(stale, oc.res.Stale...)
		renamed = append(renamed, oc.res.Renamed...)
		passDel += len(oc.res.Delivered)
		passRet += len(oc.res.Retryable)
		if oc.err != nil && fatalErr == nil {
			fatalErr = oc.err
		}
	}

	// Stale and renamed tokens are actionable right now, whatever the task
	// outcome ends up being.
	if len(stale) > 0 {
		listener.RemoveRecipients(stale)
		s.publishRaw(eventbus.TypeStaleRemoved, len(stale))
	}
	if len(renamed) > 0 {
		listener.UpdateRecipients(renamed)
		s.publishRaw(eventbus.TypeTokensRenamed, len(renamed))
	}

	if fatalErr != nil {
		log.Warn("message dispatch fatal", logx.Err(fatalErr))
		s.publishRaw(eventbus.TypeDispatchFailed, fatalErr.Error())
	}

	// Retry decision.
	if passRet > 0 {
		if task.RetryCount < s.cfg.MaxRetries {
			task.RetryCount++
			task.NextAttempt = now.Add(time.Duration(task.RetryCount) * s.cfg.RetryStep)
			task.State = push.TaskPartiallyComplete
			for mi := range task.Messages {
				markRetryable(&task.Messages[mi])
			}
			if err := s.store.UpdateTask(ctx, task); err != nil {
				log.Error("persist retry transition failed", logx.Err(err))
				return
			}
			s.requeue(task)
			s.publish(eventbus.TypeTaskRetry, task, "")
			s.appendHistory(task, passDel, passRet, len(stale), "")
			log.Debug("task scheduled for retry",
				logx.Int("retry", task.RetryCount), logx.Time("next_attempt", task.NextAttempt))
			return
		}

		// Retry budget exhausted: force the stragglers terminal so the task
		// completes instead of retrying forever.
		for mi := range task.Messages {
			forceMaxRetry(&task.Messages[mi], now)
		}
		log.Warn("retry cap reached, forcing remaining recipients terminal",
			logx.Int("recipients", passRet))
	}

	s.finish(ctx, task, listener, fatalErr, passDel, passRet, len(stale), log)
}

// finish drives the task to a terminal state and notifies the listener once.
//
// Zero deliveries plus any permanent recipient failure fails the task, the
// same as a message-level fatal. Recipients forced terminal by the retry cap
// are not permanent in this sense: that path completes the task by contract.
func (s *Service) finish(ctx context.Context, task push.Task, listener Listener, fatalErr error, del, ret, stale int, log logx.Logger) {
	delivered := deliveredTotal(task)

	reason := fatalErr
	if reason == nil && delivered == 0 {
		if f := firstPermanentFailure(task); f != nil {
			reason = fmt.Errorf("%w: %s", ErrNoRecipients, f.Kind)
		}
	}

	if reason != nil && delivered == 0 {
		task.State = push.TaskFailed
	} else {
		task.State = push.TaskComplete
	}
	task.NextAttempt = time.Time{}

	if err := s.store.UpdateTask(ctx, task); err != nil {
		log.Error("persist terminal state failed", logx.Err(err))
		return
	}
	s.listeners.Delete(task.ID)

	if task.State == push.TaskFailed {
		listener.TaskFailed(task, reason)
		s.publish(eventbus.TypeTaskFailed, task, reason.Error())
		s.appendHistory(task, del, ret, stale, reason.Error())
		log.Warn("task failed", logx.Err(reason))
		return
	}

	listener.TaskCompleted(task)
	s.publish(eventbus.TypeTaskCompleted, task, "")
	s.appendHistory(task, del, ret, stale, "")
	log.Info("task completed",
		logx.Int("delivered", delivered), logx.Int("stale", stale), logx.Int("retries", task.RetryCount))
}

func (s *Service) requeue(task push.Task) {
	s.mu.Lock()
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		// Stopping; the task is durable and recovered at next startup.
		s.listeners.Delete(task.ID)
		return
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	select {
	case q <- task:
	default:
		// Durable in the store; startup recovery will pick it up.
		s.log.Warn("queue full on retry requeue", logx.String("task", task.ID))
		s.listeners.Delete(task.ID)
	}
}

func (s *Service) listenerFor(taskID string) Listener {
	if v, ok := s.listeners.Load(taskID); ok {
		if l, ok := v.(Listener); ok {
			return l
		}
	}
	return NopListener{}
}

func (s *Service) publishRaw(eventType string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventType, Data: data})
}

func (s *Service) publish(eventType string, task push.Task, errMsg string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventType, Data: TaskEvent{
		TaskID:     task.ID,
		Name:       task.Name,
		State:      string(task.State),
		RetryCount: task.RetryCount,
		At:         time.Now(),
		Error:      errMsg,
	}})
}

func (s *Service) appendHistory(task push.Task, del, ret, stale int, errMsg string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{
		At:        time.Now(),
		TaskID:    task.ID,
		Name:      task.Name,
		State:     task.State,
		Delivered: del,
		Retryable: ret,
		Stale:     stale,
		Error:     errMsg,
	})
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
	s.hmu.Unlock()
}

// ---- recipient bookkeeping ----

func markEligible(m *push.Message, state push.RecipientState) {
	for i := range m.Recipients {
		if m.Recipients[i].Eligible() {
			m.Recipients[i].State = state
		}
	}
}

// applyResult folds a dispatch result back onto the message's recipients by
// recipient id.
func applyResult(m *push.Message, res push.MessageResult) {
	byID := map[string]push.Recipient{}
	for _, r := range res.Delivered {
		byID[r.ID] = r
	}
	for _, r := range res.Stale {
		byID[r.ID] = r
	}
	for _, r := range res.Retryable {
		byID[r.ID] = r
	}
	for i := range m.Recipients {
		if upd, ok := byID[m.Recipients[i].ID]; ok {
			m.Recipients[i] = upd
		}
	}
}

// markRetryable moves recipients that carry a retryable failure into Retry.
func markRetryable(m *push.Message) {
	for i := range m.Recipients {
		r := &m.Recipients[i]
		if r.State == push.RecipientComplete {
			continue
		}
		if r.Failure != nil && !r.Failure.Kind.Permanent() {
			r.State = push.RecipientRetry
		}
	}
}

// forceMaxRetry completes non-terminal recipients with a MaxRetryReached
// failure once the retry budget is spent.
func forceMaxRetry(m *push.Message, now time.Time) {
	for i := range m.Recipients {
		r := &m.Recipients[i]
		if r.State == push.RecipientComplete {
			continue
		}
		r.State = push.RecipientComplete
		r.Failure = &push.Failure{Kind: push.FailureMaxRetryReached, Message: "retry cap exceeded", At: now}
	}
}

// firstPermanentFailure returns the first recipient failure marking a token
// as dead for good, or nil.
func firstPermanentFailure(task push.Task) *push.Failure {
	for _, m := range task.Messages {
		for _, r := range m.Recipients {
			if r.Failure != nil && r.Failure.Kind.Permanent() {
				return r.Failure
			}
		}
	}
	return nil
}

func deliveredTotal(task push.Task) int {
	n := 0
	for _, m := range task.Messages {
		for _, r := range m.Recipients {
			if r.State == push.RecipientComplete && r.Failure == nil {
				n++
			}
		}
	}
	return n
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
