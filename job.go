package dispatch

import (
	"time"
)

type JobStatus string

const (
	JobReady    JobStatus = "READY"
	JobEnqueued JobStatus = "ENQUEUED"
	JobSending  JobStatus = "SENDING"
	JobSent     JobStatus = "SENT"
	JobStopped  JobStatus = "STOPPED"
	JobLogged   JobStatus = "LOGGED"
)

// Active reports whether the status holds a claim on the campaign,
// i.e. anything but LOGGED.
func (s JobStatus) Active() bool {
	switch s {
	case JobReady, JobEnqueued, JobSending, JobSent, JobStopped:
		return true
	}

	return false
}

// HoldsCredential reports whether a job in this status keeps its
// credential busy for other campaigns.
func (s JobStatus) HoldsCredential() bool {
	switch s {
	case JobEnqueued, JobSending, JobSent, JobStopped:
		return true
	}

	return false
}

type Job struct {
	Id         int64     `json:"id"`
	CampaignId int64     `json:"campaignId"`
	Status     JobStatus `json:"status"`
	WorkerId   *string   `json:"workerId"`

	VisibleAt time.Time `json:"visibleAt"`
	SendRate  float64   `json:"sendRate"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// JobDescriptor is what a worker receives after claiming a job.
type JobDescriptor struct {
	JobId      int64     `json:"jobId"`
	CampaignId int64     `json:"campaignId"`
	Status     JobStatus `json:"status"`
	Channel    Channel   `json:"channel"`
	Credential string    `json:"credential"`
	SendRate   float64   `json:"sendRate"`
}
