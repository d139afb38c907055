package gopg

import (
	"time"

	"github.com/go-pg/pg"
	"github.com/go-pg/pg/orm"

	"github.com/interactive-solutions/go-dispatch"
)

type campaignWrapper struct {
	TableName struct{} `sql:"campaigns,alias:c" json:"-"`

	Id             int64
	Name           string
	Channel        string
	CredentialName string
	Sender         string
	Subject        string
	TextBody       string
	HtmlBody       string
	TemplateRef    string
	Locale         string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (w campaignWrapper) campaign() dispatch.Campaign {
	return dispatch.Campaign{
		Id:         w.Id,
		Name:       w.Name,
		Channel:    dispatch.Channel(w.Channel),
		Credential: w.CredentialName,
		Template: dispatch.Template{
			Sender:      w.Sender,
			Subject:     w.Subject,
			TextBody:    w.TextBody,
			HtmlBody:    w.HtmlBody,
			TemplateRef: w.TemplateRef,
			Locale:      w.Locale,
		},
	}
}

// campaign loads the campaign a job belongs to.
func campaign(db orm.DB, id int64) (dispatch.Campaign, error) {
	wrapped := &campaignWrapper{}

	if err := db.Model(wrapped).Where("c.id = ?", id).Select(); err != nil {
		if err == pg.ErrNoRows {
			return dispatch.Campaign{}, dispatch.CampaignNotFoundErr
		}

		return dispatch.Campaign{}, err
	}

	return wrapped.campaign(), nil
}

// AddCampaign inserts a campaign row and returns it with its id. Campaigns
// are owned by the surrounding system; this exists for seeding.
func (s *Store) AddCampaign(c dispatch.Campaign) (dispatch.Campaign, error) {
	wrapped := &campaignWrapper{
		Id:             c.Id,
		Name:           c.Name,
		Channel:        string(c.Channel),
		CredentialName: c.Credential,
		Sender:         c.Template.Sender,
		Subject:        c.Template.Subject,
		TextBody:       c.Template.TextBody,
		HtmlBody:       c.Template.HtmlBody,
		TemplateRef:    c.Template.TemplateRef,
		Locale:         c.Template.Locale,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}

	if _, err := s.db.Model(wrapped).Returning("id").Insert(); err != nil {
		return c, err
	}

	c.Id = wrapped.Id
	return c, nil
}

// PutMessage inserts a message row for a campaign and returns its id.
func (s *Store) PutMessage(m dispatch.Message) (dispatch.Message, error) {
	if m.Params == nil {
		m.Params = map[string]interface{}{}
	}

	_, err := s.db.QueryOne(&m, `
INSERT INTO campaign_messages (campaign_id, recipient, params, status)
VALUES (?, ?, ?, ?)
RETURNING `+messageColumns, m.CampaignId, m.Recipient, m.Params, nullable(string(m.Status)))

	return m, err
}
