package dispatch

import "time"

// Statistic is the archived aggregate of a campaign's messages across
// every attempt.
type Statistic struct {
	CampaignId int64 `json:"campaignId"`

	Sent      int `json:"sent"`
	Errored   int `json:"errored"`
	Unsent    int `json:"unsent"`
	Invalid   int `json:"invalid"`
	Delivered int `json:"delivered"`
	Read      int `json:"read"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// Tally groups per-status message counts into statistic buckets.
// Delivered and read messages also count as sent.
func Tally(campaignId int64, counts map[MessageStatus]int) Statistic {
	stat := Statistic{CampaignId: campaignId}

	for status, n := range counts {
		switch status {
		case StatusUnsent:
			stat.Unsent += n

		case StatusSuccess:
			stat.Sent += n

		case StatusDelivered:
			stat.Sent += n
			stat.Delivered += n

		case StatusRead:
			stat.Sent += n
			stat.Delivered += n
			stat.Read += n

		case StatusError, StatusBounced:
			stat.Errored += n

		case StatusInvalidRecipient:
			stat.Invalid += n

		default:
			// unknown statuses written by other tooling count as errors
			stat.Errored += n
		}
	}

	return stat
}
