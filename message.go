package dispatch

import (
	"time"

	"github.com/pkg/errors"
)

// MessageStatus is the per-recipient outcome. The empty status is the
// NULL column value and means "never attempted".
type MessageStatus string

const (
	StatusUnsent           MessageStatus = ""
	StatusSuccess          MessageStatus = "SUCCESS"
	StatusDelivered        MessageStatus = "DELIVERED"
	StatusRead             MessageStatus = "READ"
	StatusError            MessageStatus = "ERROR"
	StatusBounced          MessageStatus = "BOUNCED"
	StatusInvalidRecipient MessageStatus = "INVALID_RECIPIENT"
)

// Retryable reports whether a message in this status is picked up by the
// next enqueue pass.
func (s MessageStatus) Retryable() bool {
	return s == StatusUnsent || s == StatusError
}

// progress orders the statuses a delivery report may only move forward.
func (s MessageStatus) progress() int {
	switch s {
	case StatusSuccess:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}

	return 0
}

const (
	CodeBlacklisted     = "blacklisted"
	CodeMalformed       = "malformed_recipient"
	CodeUnresolvedChat  = "unresolved_chat"
	CodeUnsubscribed    = "unsubscribed"
	CodeSendFailed      = "send_failed"
	CodeRenderFailed    = "render_failed"
	CodeMissingTemplate = "missing_template"
)

// Message is the durable per-recipient row of a campaign.
type Message struct {
	Id         int64                  `json:"id"`
	CampaignId int64                  `json:"campaignId"`
	Recipient  string                 `json:"recipient"`
	Params     map[string]interface{} `json:"params"`

	Status            MessageStatus `json:"status"`
	ProviderMessageId string        `json:"providerMessageId"`
	ErrorCode         string        `json:"errorCode"`
	ErrorDescription  string        `json:"errorDescription"`

	DequeuedAt  *time.Time `json:"dequeuedAt"`
	SentAt      *time.Time `json:"sentAt"`
	DeliveredAt *time.Time `json:"deliveredAt"`
	ReadAt      *time.Time `json:"readAt"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ResetLifecycle clears everything a previous send attempt left behind.
func (m *Message) ResetLifecycle() {
	m.Status = StatusUnsent
	m.ProviderMessageId = ""
	m.ErrorCode = ""
	m.ErrorDescription = ""
	m.SentAt = nil
	m.DeliveredAt = nil
	m.ReadAt = nil
}

// Op is the in-flight mirror of a Message, sharing its id.
type Op struct {
	Id         int64                  `json:"id"`
	CampaignId int64                  `json:"campaignId"`
	Recipient  string                 `json:"recipient"`
	Params     map[string]interface{} `json:"params"`

	SentAt *time.Time `json:"sentAt"`

	Status            MessageStatus `json:"status"`
	ProviderMessageId string        `json:"providerMessageId"`
	ErrorCode         string        `json:"errorCode"`
	ErrorDescription  string        `json:"errorDescription"`
	DeliveredAt       *time.Time    `json:"deliveredAt"`
}

// Dispatch is an op selected for sending together with the campaign
// template it is rendered against.
type Dispatch struct {
	Op

	Channel    Channel  `json:"channel"`
	Credential string   `json:"credential"`
	Template   Template `json:"template"`
}

// Outcome is the provider's immediate answer for one dispatch.
type Outcome struct {
	Status            MessageStatus
	ProviderMessageId string
	ErrorCode         string
	ErrorDescription  string
	DeliveredAt       *time.Time
}

// Apply writes the outcome onto the op row.
func (o Outcome) Apply(op *Op) {
	op.Status = o.Status
	op.ProviderMessageId = o.ProviderMessageId
	op.ErrorCode = o.ErrorCode
	op.ErrorDescription = o.ErrorDescription
	op.DeliveredAt = o.DeliveredAt
}

// MergeOp folds an op back into its message. Fields a delivery callback
// already set on the message win; the op fills in the rest.
func MergeOp(m *Message, op Op) {
	if m.Status == StatusUnsent {
		m.Status = op.Status
	}

	if m.ProviderMessageId == "" {
		m.ProviderMessageId = op.ProviderMessageId
	}

	if m.ErrorCode == "" {
		m.ErrorCode = op.ErrorCode
	}

	if m.ErrorDescription == "" {
		m.ErrorDescription = op.ErrorDescription
	}

	if m.SentAt == nil {
		m.SentAt = op.SentAt
	}

	if m.DeliveredAt == nil {
		m.DeliveredAt = op.DeliveredAt
	}

	m.DequeuedAt = nil
}

// DeliveryReport is an asynchronous status update sent by a provider.
type DeliveryReport struct {
	ProviderMessageId string        `json:"providerMessageId"`
	Status            MessageStatus `json:"status"`
	OccurredAt        time.Time     `json:"occurredAt"`
	ErrorCode         string        `json:"errorCode"`
	ErrorDescription  string        `json:"errorDescription"`
}

func (r DeliveryReport) Validate() error {
	if r.ProviderMessageId == "" {
		return errors.Wrap(InvalidReportErr, "missing provider message id")
	}

	switch r.Status {
	case StatusDelivered, StatusRead, StatusError, StatusBounced:
		return nil
	}

	return errors.Wrapf(InvalidReportErr, "unsupported status %q", r.Status)
}

// ApplyReport updates a message from a delivery report and reports whether
// anything changed. Invalid recipients are never touched and the
// SUCCESS -> DELIVERED -> READ progression never moves backwards.
func ApplyReport(m *Message, r DeliveryReport) bool {
	if m.Status == StatusInvalidRecipient {
		return false
	}

	at := r.OccurredAt
	changed := false

	switch r.Status {
	case StatusDelivered:
		if m.DeliveredAt == nil {
			m.DeliveredAt = &at
			changed = true
		}

	case StatusRead:
		if m.DeliveredAt == nil {
			m.DeliveredAt = &at
			changed = true
		}
		if m.ReadAt == nil {
			m.ReadAt = &at
			changed = true
		}

	case StatusError, StatusBounced:
		if r.ErrorCode != "" {
			m.ErrorCode = r.ErrorCode
		}
		if r.ErrorDescription != "" {
			m.ErrorDescription = r.ErrorDescription
		}
	}

	if r.Status.progress() > 0 && r.Status.progress() < m.Status.progress() {
		return changed
	}

	if m.Status != r.Status {
		m.Status = r.Status
		changed = true
	}

	return changed
}
