package internal

import "time"

type SubmitJobRequest struct {
	VisibleAt time.Time `json:"visibleAt"`
	SendRate  float64   `json:"sendRate"`
}

type DeliveryReportRequest struct {
	ProviderMessageId string    `json:"providerMessageId"`
	Status            string    `json:"status"`
	OccurredAt        time.Time `json:"occurredAt"`
	ErrorCode         string    `json:"errorCode"`
	ErrorDescription  string    `json:"errorDescription"`
}
