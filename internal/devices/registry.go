// Package devices keeps the registered push tokens and their route
// subscriptions. The registry holds the full set in memory and writes every
// mutation through to the store, so reads during message building never
// touch disk.
package devices

import (
	"context"
	"sort"
	"sync"
	"time"

	"transitpush/internal/push"
	logx "transitpush/pkg/logx"
)

type Registry struct {
	mu     sync.RWMutex
	byTok  map[string]Device
	store  Store
	log    logx.Logger
	closed bool
}

// NewRegistry loads the device set from the store. A nil store yields an
// in-memory registry that forgets everything on restart.
func NewRegistry(ctx context.Context, store Store, log logx.Logger) (*Registry, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Registry{byTok: map[string]Device{}, store: store, log: log}
	if store == nil {
		return r, nil
	}
	devs, err := store.Devices(ctx)
	if err != nil {
		return nil, err
	}
	for _, d := range devs {
		if d, ok := d.normalized(); ok {
			r.byTok[d.Token] = d
		}
	}
	log.Info("device registry loaded", logx.Int("devices", len(r.byTok)))
	return r, nil
}

// Register inserts or replaces a device subscription.
func (r *Registry) Register(ctx context.Context, d Device) error {
	d, ok := d.normalized()
	if !ok {
		return nil
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = time.Now()
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.byTok[d.Token] = d
	r.mu.Unlock()

	if r.store == nil {
		return nil
	}
	return r.store.SaveDevice(ctx, d)
}

// Unregister removes a device by token.
func (r *Registry) Unregister(ctx context.Context, token string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	delete(r.byTok, token)
	r.mu.Unlock()

	if r.store == nil {
		return nil
	}
	return r.store.DeleteDevices(ctx, []string{token})
}

// SubscribersFor returns the tokens subscribed to a route, grouped by
// account id. Token order within a group is stable.
func (r *Registry) SubscribersFor(agencyID, routeID string) map[string][]string {
	r.mu.RLock()
	out := map[string][]string{}
	for _, d := range r.byTok {
		if d.SubscribedTo(agencyID, routeID) {
			out[d.AccountID] = append(out[d.AccountID], d.Token)
		}
	}
	r.mu.RUnlock()
	for _, toks := range out {
		sort.Strings(toks)
	}
	return out
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byTok)
}

// Close stops accepting mutations. Reads keep working so in-flight
// dispatches can finish.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

// RemoveRecipients drops devices whose tokens the provider reported as
// permanently invalid. It is called from the dispatch pipeline, so failures
// are logged rather than returned.
func (r *Registry) RemoveRecipients(recipients []push.Recipient) {
	if len(recipients) == 0 {
		return
	}
	tokens := make([]string, 0, len(recipients))

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	for _, rec := range recipients {
		if _, ok := r.byTok[rec.Token]; !ok {
			continue
		}
		delete(r.byTok, rec.Token)
		tokens = append(tokens, rec.Token)
	}
	r.mu.Unlock()

	if len(tokens) == 0 || r.store == nil {
		return
	}
	if err := r.store.DeleteDevices(context.Background(), tokens); err != nil {
		r.log.Warn("delete stale devices failed", logx.Err(err))
		return
	}
	r.log.Info("stale devices removed", logx.Int("count", len(tokens)))
}

// UpdateRecipients rewrites tokens the provider renamed to canonical ids.
func (r *Registry) UpdateRecipients(renamed []push.RenamedRecipient) {
	if len(renamed) == 0 {
		return
	}
	type rename struct{ old, new string }
	var applied []rename

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	for _, rn := range renamed {
		newTok := rn.NewToken
		if newTok == "" || newTok == rn.Recipient.Token {
			continue
		}
		d, ok := r.byTok[rn.Recipient.Token]
		if !ok {
			continue
		}
		delete(r.byTok, rn.Recipient.Token)
		d.Token = newTok
		d.UpdatedAt = time.Now()
		r.byTok[newTok] = d
		applied = append(applied, rename{old: rn.Recipient.Token, new: newTok})
	}
	r.mu.Unlock()

	if len(applied) == 0 || r.store == nil {
		return
	}
	for _, rn := range applied {
		if err := r.store.RenameDevice(context.Background(), rn.old, rn.new); err != nil {
			r.log.Warn("rename device failed", logx.Err(err), logx.String("token", rn.old))
		}
	}
	r.log.Info("device tokens renamed", logx.Int("count", len(applied)))
}

// TaskCompleted and TaskFailed make the registry usable directly as a queue
// listener; the registry only cares about recipient-level callbacks.
func (r *Registry) TaskCompleted(push.Task)     {}
func (r *Registry) TaskFailed(push.Task, error) {}
