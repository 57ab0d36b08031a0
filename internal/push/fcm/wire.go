package fcm

// Legacy HTTP JSON schema of the push provider. Field names are an external
// protocol and must match exactly.

type downstreamRequest struct {
	RegistrationIDs []string          `json:"registration_ids"`
	CollapseKey     string            `json:"collapse_key,omitempty"`
	TimeToLive      int64             `json:"time_to_live,omitempty"`
	Priority        string            `json:"priority,omitempty"`
	DelayWhileIdle  bool              `json:"delay_while_idle,omitempty"`
	DryRun          bool              `json:"dry_run,omitempty"`
	Data            map[string]string `json:"data,omitempty"`
}

type downstreamResponse struct {
	MulticastID  int64         `json:"multicast_id"`
	Success      int           `json:"success"`
	Failure      int           `json:"failure"`
	CanonicalIDs int           `json:"canonical_ids"`
	Results      []resultEntry `json:"results"`
}

// resultEntry describes the outcome for one registration id, in request
// order. RegistrationID, when set, is the canonical replacement token.
type resultEntry struct {
	MessageID      string `json:"message_id,omitempty"`
	RegistrationID string `json:"registration_id,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Provider error strings meaning the token will never work again.
const (
	errNotRegistered       = "NotRegistered"
	errInvalidRegistration = "InvalidRegistration"
	errMismatchSenderID    = "MismatchSenderId"
)
