package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"transitpush/internal/devices"
	"transitpush/internal/push"
	"transitpush/internal/transit"
	logx "transitpush/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openDriver(t *testing.T, driver string) Store {
	t.Helper()
	st, err := Open(Config{Driver: driver, Path: filepath.Join(t.TempDir(), "push.db")}, logx.Nop())
	require.NoError(t, err)
	require.NotNil(t, st)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func sampleTask() push.Task {
	msg := push.Message{
		ID:          "msg-1",
		Account:     push.Account{ID: "acct", ServerKey: "k"},
		CollapseKey: "TYPE_DETOUR-105",
		TTL:         time.Hour,
		Data:        map[string]string{"message_type": "alert", "route_id": "105"},
		Recipients: []push.Recipient{
			push.NewRecipient("tok-a"),
			push.NewRecipient("tok-b"),
		},
	}
	return push.NewTask("alerts 105", []push.Message{msg})
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	st, err := Open(Config{}, logx.Nop())
	require.NoError(t, err)
	assert.Nil(t, st)

	st, err = Open(Config{Driver: "none"}, logx.Nop())
	require.NoError(t, err)
	assert.Nil(t, st)

	_, err = Open(Config{Driver: "etcd"}, logx.Nop())
	require.Error(t, err)
}

func TestTaskRoundTrip(t *testing.T) {
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			st := openDriver(t, driver)
			ctx := context.Background()

			task := sampleTask()
			require.NoError(t, st.SaveTask(ctx, task))

			got, err := st.PendingTasks(ctx)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, task.ID, got[0].ID)
			assert.Equal(t, push.TaskPending, got[0].State)
			require.Len(t, got[0].Messages, 1)
			assert.Equal(t, "TYPE_DETOUR-105", got[0].Messages[0].CollapseKey)
			assert.Len(t, got[0].Messages[0].Recipients, 2)

			// A message update must land inside the stored task.
			msg := task.Messages[0]
			msg.Recipients[0].State = push.RecipientComplete
			require.NoError(t, st.UpdateMessage(ctx, task.ID, msg))

			got, err = st.PendingTasks(ctx)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, push.RecipientComplete, got[0].Messages[0].Recipients[0].State)

			// Terminal tasks drop out of the pending set.
			task.State = push.TaskComplete
			require.NoError(t, st.UpdateTask(ctx, task))
			got, err = st.PendingTasks(ctx)
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestAgencySnapshotRoundTrip(t *testing.T) {
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			st := openDriver(t, driver)
			ctx := context.Background()

			missing, err := st.Agency(ctx, "lametro")
			require.NoError(t, err)
			assert.Nil(t, missing)

			agency := &transit.Agency{
				ID:   "lametro",
				Name: "LA Metro",
				Routes: []transit.Route{{
					RouteID: "105",
					Name:    "Line 105",
					Alerts: []transit.Alert{{
						Type:         transit.TypeDetour,
						MessageTitle: "Detour on 105",
					}},
				}},
			}
			require.NoError(t, st.SaveAgency(ctx, agency))

			got, err := st.Agency(ctx, "lametro")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, "LA Metro", got.Name)
			require.Len(t, got.Routes, 1)
			require.Len(t, got.Routes[0].Alerts, 1)
			assert.Equal(t, transit.TypeDetour, got.Routes[0].Alerts[0].Type)
		})
	}
}

func TestDeviceRoundTrip(t *testing.T) {
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			st := openDriver(t, driver)
			ctx := context.Background()

			d := devices.Device{
				Token:     "tok-a",
				AccountID: "acct",
				AgencyID:  "lametro",
				Routes:    []string{"105", "200"},
				UpdatedAt: time.Now(),
			}
			require.NoError(t, st.SaveDevice(ctx, d))
			require.NoError(t, st.SaveDevice(ctx, devices.Device{
				Token: "tok-b", AccountID: "acct", AgencyID: "lametro", Routes: []string{"105"},
			}))

			got, err := st.Devices(ctx)
			require.NoError(t, err)
			require.Len(t, got, 2)

			require.NoError(t, st.RenameDevice(ctx, "tok-a", "tok-canonical"))
			require.NoError(t, st.DeleteDevices(ctx, []string{"tok-b"}))

			got, err = st.Devices(ctx)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, "tok-canonical", got[0].Token)
			assert.Equal(t, []string{"105", "200"}, got[0].Routes)
		})
	}
}

func TestFileStoreReloadsAfterRestart(t *testing.T) {
	cfg := Config{Driver: "file", Path: filepath.Join(t.TempDir(), "push.db")}
	ctx := context.Background()

	st, err := Open(cfg, logx.Nop())
	require.NoError(t, err)
	task := sampleTask()
	require.NoError(t, st.SaveTask(ctx, task))
	require.NoError(t, st.SaveDevice(ctx, devices.Device{
		Token: "tok-a", AccountID: "acct", AgencyID: "lametro", Routes: []string{"105"},
	}))
	require.NoError(t, st.Close())

	st, err = Open(cfg, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	got, err := st.PendingTasks(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, task.ID, got[0].ID)

	devs, err := st.Devices(ctx)
	require.NoError(t, err)
	require.Len(t, devs, 1)
	assert.Equal(t, "tok-a", devs[0].Token)
}
