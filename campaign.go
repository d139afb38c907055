package dispatch

// Campaign is the read-only view of a campaign this module needs: its
// channel, the credential it sends with and its template.
type Campaign struct {
	Id         int64    `json:"id"`
	Name       string   `json:"name"`
	Channel    Channel  `json:"channel"`
	Credential string   `json:"credential"`
	Template   Template `json:"template"`
}
