package devices

import (
	"context"
	"sync"
	"testing"

	"transitpush/internal/push"
	logx "transitpush/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu      sync.Mutex
	devices map[string]Device
}

func newMemStore(devs ...Device) *memStore {
	m := &memStore{devices: map[string]Device{}}
	for _, d := range devs {
		m.devices[d.Token] = d
	}
	return m
}

func (m *memStore) Devices(context.Context) ([]Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Device
	for _, d := range m.devices {
		out = append(out, d)
	}
	return out, nil
}

func (m *memStore) SaveDevice(_ context.Context, d Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[d.Token] = d
	return nil
}

func (m *memStore) DeleteDevices(_ context.Context, tokens []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tok := range tokens {
		delete(m.devices, tok)
	}
	return nil
}

func (m *memStore) RenameDevice(_ context.Context, oldToken, newToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.devices[oldToken]; ok {
		delete(m.devices, oldToken)
		d.Token = newToken
		m.devices[newToken] = d
	}
	return nil
}

func TestRegistryLoadsFromStore(t *testing.T) {
	st := newMemStore(
		Device{Token: "a", AccountID: "acct", AgencyID: "metro", Routes: []string{"105"}},
		Device{Token: "b", AccountID: "acct", AgencyID: "metro", Routes: []string{"200"}},
		Device{Token: " ", AccountID: "acct"}, // blank tokens are dropped
	)
	r, err := NewRegistry(context.Background(), st, logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())
}

func TestSubscribersForGroupsByAccount(t *testing.T) {
	st := newMemStore(
		Device{Token: "a2", AccountID: "acct-1", AgencyID: "metro", Routes: []string{"105"}},
		Device{Token: "a1", AccountID: "acct-1", AgencyID: "metro", Routes: []string{"105", "200"}},
		Device{Token: "b1", AccountID: "acct-2", AgencyID: "metro", Routes: []string{"105"}},
		Device{Token: "c1", AccountID: "acct-1", AgencyID: "other", Routes: []string{"105"}},
	)
	r, err := NewRegistry(context.Background(), st, logx.Nop())
	require.NoError(t, err)

	subs := r.SubscribersFor("metro", "105")
	require.Len(t, subs, 2)
	assert.Equal(t, []string{"a1", "a2"}, subs["acct-1"])
	assert.Equal(t, []string{"b1"}, subs["acct-2"])

	assert.Empty(t, r.SubscribersFor("metro", "999"))
}

func TestRemoveRecipientsDropsDevices(t *testing.T) {
	st := newMemStore(
		Device{Token: "dead", AccountID: "acct", AgencyID: "metro", Routes: []string{"105"}},
		Device{Token: "live", AccountID: "acct", AgencyID: "metro", Routes: []string{"105"}},
	)
	r, err := NewRegistry(context.Background(), st, logx.Nop())
	require.NoError(t, err)

	r.RemoveRecipients([]push.Recipient{
		{ID: "1", Token: "dead"},
		{ID: "2", Token: "unknown"}, // not registered, ignored
	})

	assert.Equal(t, 1, r.Len())
	subs := r.SubscribersFor("metro", "105")
	assert.Equal(t, []string{"live"}, subs["acct"])

	stored, err := st.Devices(context.Background())
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "live", stored[0].Token)
}

func TestUpdateRecipientsRenamesTokens(t *testing.T) {
	st := newMemStore(
		Device{Token: "old", AccountID: "acct", AgencyID: "metro", Routes: []string{"105"}},
	)
	r, err := NewRegistry(context.Background(), st, logx.Nop())
	require.NoError(t, err)

	r.UpdateRecipients([]push.RenamedRecipient{
		{Recipient: push.Recipient{ID: "1", Token: "old"}, NewToken: "canonical"},
		{Recipient: push.Recipient{ID: "2", Token: "gone"}, NewToken: "x"}, // unknown, ignored
	})

	subs := r.SubscribersFor("metro", "105")
	assert.Equal(t, []string{"canonical"}, subs["acct"])

	stored, err := st.Devices(context.Background())
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "canonical", stored[0].Token)
}

func TestClosedRegistryRejectsMutations(t *testing.T) {
	r, err := NewRegistry(context.Background(), nil, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, r.Register(context.Background(), Device{Token: "a", AgencyID: "m", Routes: []string{"1"}}))

	r.Close()
	assert.ErrorIs(t, r.Register(context.Background(), Device{Token: "b"}), ErrClosed)
	assert.ErrorIs(t, r.Unregister(context.Background(), "a"), ErrClosed)
	// Reads still work after close.
	assert.Equal(t, 1, r.Len())
}
