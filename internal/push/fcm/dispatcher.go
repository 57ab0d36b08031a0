// Package fcm sends messages to the push provider's legacy HTTP endpoint,
// splitting recipients into provider-sized blocks and reducing the
// per-block responses back into one per-recipient result.
package fcm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"transitpush/internal/push"
	logx "transitpush/pkg/logx"

	"golang.org/x/time/rate"
)

var (
	ErrMissingRecipients  = errors.New("fcm: message has no eligible recipients")
	ErrMissingCredentials = errors.New("fcm: no credentials resolve for message")
	ErrInvalidPayload     = errors.New("fcm: provider rejected payload")
	ErrInvalidCredentials = errors.New("fcm: provider rejected credentials")
	ErrUnknownResponse    = errors.New("fcm: unexpected provider response")
)

// The provider caps a multicast at 1000 registration ids; we keep headroom.
const defaultBlockSize = 900

const defaultEndpoint = "https://fcm.googleapis.com/fcm/send"

type Config struct {
	Endpoint string

	// BlockSize caps recipients per outbound request. Default 900.
	BlockSize int

	// Timeout bounds each HTTP request. Default 20s.
	Timeout time.Duration

	// RatePerSec limits outbound requests. 0 disables limiting.
	RatePerSec int
}

// Dispatcher is stateless: one Dispatch call splits, sends and reduces, and
// is synchronous from the caller's perspective while the blocks go out
// concurrently underneath.
type Dispatcher struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

func New(cfg Config, log logx.Logger) *Dispatcher {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = defaultBlockSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	return &Dispatcher{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: lim,
		log:     log,
	}
}

type blockOutcome struct {
	recipients []push.Recipient
	entries    []resultEntry
	status     int
	err        error
}

// Dispatch sends one message and reduces the provider responses into a
// MessageResult.
//
// A non-nil error is returned only for validation failures and fatal
// provider rejections; retryable outcomes are reported through the result.
func (d *Dispatcher) Dispatch(ctx context.Context, msg push.Message) (push.MessageResult, error) {
	result := push.MessageResult{MessageID: msg.ID}

	eligible := msg.EligibleRecipients()
	if len(eligible) == 0 {
		result.Fatal = &push.Failure{Kind: push.FailureMissingRecipients, Message: ErrMissingRecipients.Error(), At: time.Now()}
		return result, ErrMissingRecipients
	}
	if msg.Account.ServerKey == "" || d.cfg.Endpoint == "" {
		result.Fatal = &push.Failure{Kind: push.FailureInvalidCredentials, Message: ErrMissingCredentials.Error(), At: time.Now()}
		return result, ErrMissingCredentials
	}

	blocks := splitBlocks(eligible, d.cfg.BlockSize)
	outcomes := make([]blockOutcome, len(blocks))

	var wg sync.WaitGroup
	for i, blk := range blocks {
		wg.Add(1)
		go func(i int, blk []push.Recipient) {
			defer wg.Done()
			outcomes[i] = d.sendBlock(ctx, msg, blk)
		}(i, blk)
	}
	wg.Wait()

	var fatalErr error
	reduced := 0
	for _, oc := range outcomes {
		reduced += len(oc.recipients)
		if err := d.reduceBlock(&result, oc); err != nil && fatalErr == nil {
			fatalErr = err
		}
	}

	// The counter advancing across blocks must exactly match the cumulative
	// recipient count, or results were mis-attributed.
	delivered, retryable, stale := result.Counts()
	if reduced != len(eligible) || delivered+retryable+stale != len(eligible) {
		d.log.Error("dispatch reduction mismatch",
			logx.String("message", msg.ID),
			logx.Int("eligible", len(eligible)),
			logx.Int("reduced", reduced),
			logx.Int("classified", delivered+retryable+stale))
	}

	return result, fatalErr
}

// sendBlock performs one HTTP POST for a contiguous recipient block.
func (d *Dispatcher) sendBlock(ctx context.Context, msg push.Message, blk []push.Recipient) blockOutcome {
	oc := blockOutcome{recipients: blk}

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			oc.err = err
			return oc
		}
	}

	tokens := make([]string, len(blk))
	for i, r := range blk {
		tokens[i] = r.Token
	}
	priority := "normal"
	if msg.HighPriority {
		priority = "high"
	}
	body, err := json.Marshal(downstreamRequest{
		RegistrationIDs: tokens,
		CollapseKey:     msg.CollapseKey,
		TimeToLive:      int64(msg.TTL / time.Second),
		Priority:        priority,
		DelayWhileIdle:  msg.DelayWhileIdle,
		DryRun:          msg.DryRun,
		Data:            msg.Data,
	})
	if err != nil {
		oc.err = err
		return oc
	}

	reqCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, d.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		oc.err = err
		return oc
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+msg.Account.ServerKey)

	resp, err := d.client.Do(req)
	if err != nil {
		// Timeouts and connection failures are treated like a 5xx.
		oc.err = err
		return oc
	}
	defer resp.Body.Close()

	oc.status = resp.StatusCode
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return oc
	}

	var dr downstreamResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		oc.err = fmt.Errorf("decode response: %w", err)
		return oc
	}
	oc.entries = dr.Results
	return oc
}

// reduceBlock folds one block outcome into the message result, preserving
// recipient order. It returns a non-nil error only for fatal outcomes.
func (d *Dispatcher) reduceBlock(result *push.MessageResult, oc blockOutcome) error {
	now := time.Now()

	// Transport-level failures first.
	switch {
	case oc.err != nil || oc.status >= 500:
		reason := "provider unavailable"
		if oc.err != nil {
			reason = oc.err.Error()
		}
		for _, r := range oc.recipients {
			r.Failure = &push.Failure{Kind: push.FailurePlatformUnavailable, Message: reason, At: now}
			result.Retryable = append(result.Retryable, r)
		}
		return nil

	case oc.status == http.StatusBadRequest:
		result.Fatal = &push.Failure{Kind: push.FailureInvalidPayload, At: now}
		return ErrInvalidPayload

	case oc.status == http.StatusUnauthorized:
		result.Fatal = &push.Failure{Kind: push.FailureInvalidCredentials, At: now}
		return ErrInvalidCredentials

	case oc.status != http.StatusOK:
		result.Fatal = &push.Failure{Kind: push.FailureUnknown, Message: fmt.Sprintf("status %d", oc.status), At: now}
		return fmt.Errorf("%w: status %d", ErrUnknownResponse, oc.status)
	}

	// A 200 with a result count that doesn't line up would silently
	// mis-attribute outcomes to the wrong recipients; retry the whole block
	// instead.
	if len(oc.entries) != len(oc.recipients) {
		d.log.Warn("provider result count mismatch, retrying block",
			logx.Int("want", len(oc.recipients)), logx.Int("got", len(oc.entries)))
		for _, r := range oc.recipients {
			r.Failure = &push.Failure{Kind: push.FailurePlatformUnavailable, Message: "result count mismatch", At: now}
			result.Retryable = append(result.Retryable, r)
		}
		return nil
	}

	for i, entry := range oc.entries {
		r := oc.recipients[i]
		switch {
		case entry.Error == "":
			r.State = push.RecipientComplete
			r.Failure = nil
			result.Delivered = append(result.Delivered, r)
			if entry.RegistrationID != "" && entry.RegistrationID != r.Token {
				result.Renamed = append(result.Renamed, push.RenamedRecipient{Recipient: r, NewToken: entry.RegistrationID})
			}

		case isPermanentError(entry.Error):
			r.State = push.RecipientComplete
			r.Failure = &push.Failure{Kind: permanentKind(entry.Error), Message: entry.Error, At: now}
			result.Stale = append(result.Stale, r)

		default:
			r.Failure = &push.Failure{Kind: push.FailureRetryable, Message: entry.Error, At: now}
			result.Retryable = append(result.Retryable, r)
		}
	}
	return nil
}

func isPermanentError(providerErr string) bool {
	switch providerErr {
	case errNotRegistered, errInvalidRegistration, errMismatchSenderID:
		return true
	default:
		return false
	}
}

func permanentKind(providerErr string) push.FailureKind {
	switch providerErr {
	case errNotRegistered:
		return push.FailureNotRegistered
	case errInvalidRegistration:
		return push.FailureInvalidRegistration
	case errMismatchSenderID:
		return push.FailureMismatchedSender
	default:
		return push.FailureUnknown
	}
}

// splitBlocks cuts recipients into contiguous blocks of at most size,
// preserving original order.
func splitBlocks(recipients []push.Recipient, size int) [][]push.Recipient {
	if size <= 0 {
		size = defaultBlockSize
	}
	var blocks [][]push.Recipient
	for start := 0; start < len(recipients); start += size {
		end := start + size
		if end > len(recipients) {
			end = len(recipients)
		}
		blocks = append(blocks, recipients[start:end])
	}
	return blocks
}
