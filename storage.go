package dispatch

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var (
	WorkerBusyErr         = errors.New("The worker already owns an unfinished job")
	JobNotFoundErr        = errors.New("The job was not found")
	JobNotEnqueuedErr     = errors.New("The job is no longer enqueued")
	JobNotSendingErr      = errors.New("The job is not sending")
	JobStoppedErr         = errors.New("The job was stopped")
	JobActiveErr          = errors.New("The job is still in progress")
	JobExistsErr          = errors.New("The campaign already has an unfinished job")
	CampaignNotFoundErr   = errors.New("The campaign was not found")
	CredentialNotFoundErr = errors.New("The credential was not found")
	SubscriberNotFoundErr = errors.New("The subscriber was not found")
	MessageNotFoundErr    = errors.New("No message matches the provider message id")
	UnknownChannelErr     = errors.New("Unknown channel")
	InvalidSendRateErr    = errors.New("Send rate must not be negative")
	InvalidReportErr      = errors.New("Invalid delivery report")
)

// Verdict is the enqueue-time decision for one candidate message.
type Verdict struct {
	MessageId int64

	// Address is the resolved channel address copied into the op.
	Address string

	// A non-empty Status rejects the message with that terminal status.
	Status           MessageStatus
	ErrorCode        string
	ErrorDescription string
}

func (v Verdict) Eligible() bool {
	return v.Status == StatusUnsent
}

// EligibilityFunc decides, inside the enqueue transaction, which candidate
// messages are copied into the op table.
type EligibilityFunc func(ctx context.Context, candidates []Message) ([]Verdict, error)

type EnqueueResult struct {
	CampaignId int64 `json:"campaignId"`
	Queued     int   `json:"queued"`
	Rejected   int   `json:"rejected"`
}

// JobRepository owns the job table and its claim protocol.
type JobRepository interface {
	// Submit creates a READY job for the campaign.
	Submit(ctx context.Context, campaignId int64, visibleAt time.Time, sendRate float64) (Job, error)

	// Claim atomically assigns the next claimable job to the worker, or
	// returns nil when none is available.
	Claim(ctx context.Context, workerId string) (*JobDescriptor, error)

	// Owned returns the unfinished job the worker holds, or nil.
	Owned(ctx context.Context, workerId string) (*JobDescriptor, error)

	Get(ctx context.Context, jobId int64) (Job, error)

	// Latest returns the newest job of the campaign.
	Latest(ctx context.Context, campaignId int64) (Job, error)

	// Stop forces the campaign's unfinished job to STOPPED. A READY job no
	// worker has claimed is retired to LOGGED instead.
	Stop(ctx context.Context, campaignId int64) (Job, error)

	// CredentialBusy reports whether another campaign sharing the
	// campaign's credential has a job holding it.
	CredentialBusy(ctx context.Context, campaignId int64) (bool, error)
}

// MessageRepository owns the message, op and statistic tables.
type MessageRepository interface {
	// Enqueue moves the job to SENDING and copies eligible messages into
	// ops. JobNotEnqueuedErr is returned when another caller got there
	// first.
	Enqueue(ctx context.Context, jobId int64, eligible EligibilityFunc) (EnqueueResult, error)

	// NextBatch marks up to limit unsent ops as sent and returns them. An
	// empty batch moves the job from SENDING to SENT.
	NextBatch(ctx context.Context, jobId int64, limit int) ([]Dispatch, error)

	// Record stores the provider outcome on an op.
	Record(ctx context.Context, opId int64, outcome Outcome) error

	// Finalize merges ops into messages, recomputes the statistic and
	// retires the campaign's SENT or STOPPED job.
	Finalize(ctx context.Context, campaignId int64) (Statistic, error)

	// ApplyDeliveryReport updates the message a provider callback refers to.
	ApplyDeliveryReport(ctx context.Context, report DeliveryReport) error

	Statistic(ctx context.Context, campaignId int64) (Statistic, error)
}

type Store interface {
	JobRepository
	MessageRepository
}

// CredentialStore resolves credential names to provider secrets.
type CredentialStore interface {
	Credential(ctx context.Context, name string) (Credential, error)
}

// Blacklist is the read-only store of recipients never to be sent to.
type Blacklist interface {
	// Blacklisted returns the subset of recipients blacklisted for the
	// channel.
	Blacklisted(ctx context.Context, channel Channel, recipients []string) (map[string]bool, error)
}

type Subscriber struct {
	ChatId int64
	Active bool
}

// SubscriberDirectory maps chat channel recipients to chat identities.
type SubscriberDirectory interface {
	Subscriber(ctx context.Context, credential, recipient string) (Subscriber, error)
}
