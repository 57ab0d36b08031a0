package push

import (
	"strings"
	"testing"
	"unicode/utf8"

	"transitpush/internal/transit"
	logx "transitpush/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testAccount = Account{ID: "acct-1", ServerKey: "k-123"}

func testRoute() transit.Route {
	return transit.Route{RouteID: "105", Name: "Route 105"}
}

func TestBuildUpdateMessage(t *testing.T) {
	b := NewBuilder(Policy{}, logx.Nop())
	alert := transit.Alert{
		Type:         transit.TypeInformation,
		MessageTitle: "Schedule change",
		MessageBody:  "New weekday schedule in effect.",
	}

	msgs := b.Build(alert, testRoute(), []string{"tok-a", "tok-b"}, testAccount, false)
	require.Len(t, msgs, 1)

	m := msgs[0]
	assert.Equal(t, "TYPE_INFORMATION-105", m.CollapseKey)
	assert.Equal(t, transit.TypeInformation.DefaultTTL(), m.TTL)
	assert.Equal(t, "alert", m.Data["message_type"])
	assert.Equal(t, "Schedule change", m.Data["alert_title"])
	assert.False(t, m.HighPriority)
	require.Len(t, m.Recipients, 2)
	for _, r := range m.Recipients {
		assert.Equal(t, RecipientWaiting, r.State)
		assert.NotEmpty(t, r.ID)
	}
}

func TestBuildCancellationOmitsBody(t *testing.T) {
	b := NewBuilder(Policy{}, logx.Nop())
	alert := transit.Alert{Type: transit.TypeDetour, MessageBody: "Construction on Elm St"}

	msgs := b.Build(alert, testRoute(), []string{"tok-a"}, testAccount, true)
	require.Len(t, msgs, 1)

	m := msgs[0]
	assert.Equal(t, "TYPE_DETOUR-105", m.CollapseKey)
	assert.Equal(t, "cancel", m.Data["message_type"])
	_, hasBody := m.Data["alert_message"]
	assert.False(t, hasBody)
	_, hasTitle := m.Data["alert_title"]
	assert.False(t, hasTitle)
}

func TestBuildEmptyRecipientsIsNotAnError(t *testing.T) {
	b := NewBuilder(Policy{}, logx.Nop())
	alert := transit.Alert{Type: transit.TypeDetour}

	assert.Empty(t, b.Build(alert, testRoute(), nil, testAccount, false))
	assert.Empty(t, b.Build(alert, testRoute(), []string{""}, testAccount, false))
	// Unresolvable credentials behave the same way.
	assert.Empty(t, b.Build(alert, testRoute(), []string{"tok"}, Account{ID: "nokey"}, false))
}

func TestBuildWeatherEscalationIsPolicy(t *testing.T) {
	alert := transit.Alert{Type: transit.TypeWeather, MessageTitle: "Snow"}

	plain := NewBuilder(Policy{}, logx.Nop()).Build(alert, testRoute(), []string{"tok"}, testAccount, false)
	require.Len(t, plain, 1)
	assert.False(t, plain[0].HighPriority)

	escalated := NewBuilder(Policy{EscalateWeather: true}, logx.Nop()).Build(alert, testRoute(), []string{"tok"}, testAccount, false)
	require.Len(t, escalated, 1)
	assert.True(t, escalated[0].HighPriority)
}

func TestTruncationOnlyCutsAlertMessage(t *testing.T) {
	b := NewBuilder(Policy{}, logx.Nop())
	alert := transit.Alert{
		Type:         transit.TypeDetour,
		MessageTitle: "A long running detour",
		MessageBody:  strings.Repeat("x", 2000),
	}

	msgs := b.Build(alert, testRoute(), []string{"tok"}, testAccount, false)
	require.Len(t, msgs, 1)

	data := msgs[0].Data
	assert.LessOrEqual(t, dataBlockSize(data), dataBlockBudget)
	assert.Equal(t, "A long running detour", data["alert_title"])
	assert.True(t, strings.HasPrefix(strings.Repeat("x", 2000), data["alert_message"]))
}

func TestTruncationFloor(t *testing.T) {
	b := NewBuilder(Policy{}, logx.Nop())

	// Pad the rest of the block right up to the budget so the body alone is
	// 20 bytes over, then check the floor holds.
	alert := transit.Alert{
		Type:         transit.TypeDetour,
		MessageTitle: strings.Repeat("t", 1400),
		MessageBody:  strings.Repeat("b", 200),
	}

	msgs := b.Build(alert, testRoute(), []string{"tok"}, testAccount, false)
	require.Len(t, msgs, 1)

	body := msgs[0].Data["alert_message"]
	assert.GreaterOrEqual(t, utf8.RuneCountInString(body), minMessageRunes)
	// Other fields are never touched.
	assert.Len(t, msgs[0].Data["alert_title"], 1400)
}

func TestTruncationNeverSplitsRunes(t *testing.T) {
	b := NewBuilder(Policy{}, logx.Nop())

	// Two-byte runes make every odd byte offset a mid-rune position, so a
	// byte-count cut is almost guaranteed to land inside a character.
	full := strings.Repeat("é", 1000)
	alert := transit.Alert{
		Type:         transit.TypeDetour,
		MessageTitle: "Umleitung über Nebenstraßen",
		MessageBody:  full,
	}

	msgs := b.Build(alert, testRoute(), []string{"tok"}, testAccount, false)
	require.Len(t, msgs, 1)

	body := msgs[0].Data["alert_message"]
	require.Less(t, len(body), len(full))
	assert.True(t, utf8.ValidString(body))
	assert.True(t, strings.HasPrefix(full, body))
	assert.LessOrEqual(t, dataBlockSize(msgs[0].Data), dataBlockBudget)
}

func TestTruncationFloorCountsRunesNotBytes(t *testing.T) {
	b := NewBuilder(Policy{}, logx.Nop())

	// Squeeze hard enough that the floor engages on a multi-byte body: the
	// kept prefix must still hold 12 characters even though that is more
	// than 12 bytes.
	alert := transit.Alert{
		Type:         transit.TypeDetour,
		MessageTitle: strings.Repeat("t", 1600),
		MessageBody:  strings.Repeat("ß", 100),
	}

	msgs := b.Build(alert, testRoute(), []string{"tok"}, testAccount, false)
	require.Len(t, msgs, 1)

	body := msgs[0].Data["alert_message"]
	assert.Equal(t, minMessageRunes, utf8.RuneCountInString(body))
	assert.True(t, utf8.ValidString(body))
}

func TestDataBlockUnderBudgetIsUntouched(t *testing.T) {
	b := NewBuilder(Policy{}, logx.Nop())
	alert := transit.Alert{Type: transit.TypeDetour, MessageBody: "short"}

	msgs := b.Build(alert, testRoute(), []string{"tok"}, testAccount, false)
	require.Len(t, msgs, 1)
	assert.Equal(t, "short", msgs[0].Data["alert_message"])
}
