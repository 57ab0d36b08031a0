package push

import (
	"sync"
	"unicode/utf8"

	"transitpush/internal/transit"
	logx "transitpush/pkg/logx"

	"github.com/google/uuid"
)

// Data block keys understood by the mobile clients.
const (
	keyMessageType    = "message_type"
	keyAlertType      = "alert_type"
	keyRouteID        = "route_id"
	keyRouteName      = "route_name"
	keyAlertTitle     = "alert_title"
	keyAlertSubtitle  = "alert_subtitle"
	keyAlertMessage   = "alert_message"
	keyHighPriority   = "high_priority"
	messageTypeAlert  = "alert"
	messageTypeCancel = "cancel"
)

// The provider rejects data blocks beyond ~2KB; we keep headroom. Each
// key/value pair costs its byte length plus 6 control-character bytes on the
// wire.
const (
	dataBlockBudget = 1500
	pairOverhead    = 6

	// Truncation never reduces the alert body below this many characters.
	minMessageRunes = 12
)

// Policy holds per-deployment notification knobs. It is swapped on config
// reload, so reads go through the builder's lock.
type Policy struct {
	// EscalateWeather sends weather alerts as high priority pushes.
	EscalateWeather bool
	// DryRun asks the provider to validate without delivering.
	DryRun bool
	// DelayWhileIdle lets the provider hold pushes until the device wakes.
	DelayWhileIdle bool
}

// Builder turns diffed alerts plus subscriber tokens into outbound messages.
type Builder struct {
	log logx.Logger

	mu     sync.RWMutex
	policy Policy
}

func NewBuilder(policy Policy, log logx.Logger) *Builder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Builder{log: log, policy: policy}
}

// SetPolicy swaps the active policy (config hot-reload).
func (b *Builder) SetPolicy(p Policy) {
	b.mu.Lock()
	b.policy = p
	b.mu.Unlock()
}

func (b *Builder) currentPolicy() Policy {
	b.mu.RLock()
	p := b.policy
	b.mu.RUnlock()
	return p
}

// Build constructs the messages for one (alert, platform account) pair.
//
// An empty result is not an error: zero ready tokens or unresolvable
// credentials simply mean there is nothing to send.
func (b *Builder) Build(alert transit.Alert, route transit.Route, tokens []string, account Account, isCancellation bool) []Message {
	if len(tokens) == 0 {
		return nil
	}
	if account.ServerKey == "" {
		b.log.Debug("no credentials for account, skipping message",
			logx.String("account", account.ID), logx.String("route", route.RouteID))
		return nil
	}

	policy := b.currentPolicy()

	data := map[string]string{
		keyAlertType: string(alert.Type),
		keyRouteID:   route.RouteID,
	}
	if isCancellation {
		// Cancellations omit the alert body; the shared collapse key makes
		// the provider drop any still-queued update for this route/type.
		data[keyMessageType] = messageTypeCancel
	} else {
		data[keyMessageType] = messageTypeAlert
		data[keyRouteName] = route.Name
		data[keyAlertTitle] = alert.MessageTitle
		data[keyAlertSubtitle] = alert.MessageSubtitle
		data[keyAlertMessage] = alert.MessageBody
		data[keyHighPriority] = boolValue(alert.HighPriority)
		b.truncateDataBlock(data, route.RouteID)
	}

	recipients := make([]Recipient, 0, len(tokens))
	for _, tok := range tokens {
		if tok == "" {
			continue
		}
		recipients = append(recipients, NewRecipient(tok))
	}
	if len(recipients) == 0 {
		return nil
	}

	high := alert.HighPriority
	if policy.EscalateWeather && alert.Type == transit.TypeWeather {
		high = true
	}

	msg := Message{
		ID:             uuid.NewString(),
		Account:        account,
		CollapseKey:    string(alert.Type) + "-" + route.RouteID,
		TTL:            alert.Type.DefaultTTL(),
		HighPriority:   high,
		DelayWhileIdle: policy.DelayWhileIdle,
		DryRun:         policy.DryRun,
		Data:           data,
		Recipients:     recipients,
	}
	return []Message{msg}
}

// truncateDataBlock enforces the serialized size budget. Only the alert body
// is ever cut, and never below minMessageRunes characters. The cut lands on
// a rune boundary so the client never receives invalid UTF-8.
func (b *Builder) truncateDataBlock(data map[string]string, routeID string) {
	total := dataBlockSize(data)
	if total <= dataBlockBudget {
		return
	}

	over := total - dataBlockBudget
	body := data[keyAlertMessage]
	keep := len(body) - over
	if minKeep := runePrefixLen(body, minMessageRunes); keep < minKeep {
		keep = minKeep
	}
	if keep >= len(body) {
		return
	}
	for keep > 0 && !utf8.RuneStart(body[keep]) {
		keep--
	}
	data[keyAlertMessage] = body[:keep]

	b.log.Warn("alert message truncated to fit data block budget",
		logx.String("route", routeID),
		logx.Int("truncated_bytes", len(body)-keep),
		logx.Int("block_bytes", dataBlockSize(data)))
}

// runePrefixLen returns the byte length of the prefix holding the first n
// runes of s, or len(s) when s is shorter.
func runePrefixLen(s string, n int) int {
	seen := 0
	for i := range s {
		if seen == n {
			return i
		}
		seen++
	}
	return len(s)
}

// dataBlockSize is the provider-side cost of the data block: each pair costs
// key length + value length + 6 control bytes.
func dataBlockSize(data map[string]string) int {
	total := 0
	for k, v := range data {
		total += len(k) + len(v) + pairOverhead
	}
	return total
}

func boolValue(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
