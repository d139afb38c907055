package gopg

import (
	"context"

	"github.com/go-pg/pg"

	"github.com/interactive-solutions/go-dispatch"
)

func (s *Store) Credential(ctx context.Context, name string) (dispatch.Credential, error) {
	var c dispatch.Credential

	_, err := s.db.WithContext(ctx).QueryOne(&c, `
SELECT name, channel, secrets FROM campaign_credentials WHERE name = ?`, name)
	if err == pg.ErrNoRows {
		return c, dispatch.CredentialNotFoundErr
	}

	return c, err
}

func (s *Store) Blacklisted(ctx context.Context, channel dispatch.Channel, recipients []string) (map[string]bool, error) {
	out := map[string]bool{}
	if len(recipients) == 0 {
		return out, nil
	}

	var listed []string
	if _, err := s.db.WithContext(ctx).Query(&listed, `
SELECT recipient FROM recipient_blacklist WHERE channel = ? AND recipient IN (?)`, channel, pg.In(recipients)); err != nil {
		return nil, err
	}

	for _, r := range listed {
		out[r] = true
	}

	return out, nil
}

func (s *Store) Subscriber(ctx context.Context, credential, recipient string) (dispatch.Subscriber, error) {
	var sub dispatch.Subscriber

	_, err := s.db.WithContext(ctx).QueryOne(&sub, `
SELECT chat_id, active FROM telegram_subscribers WHERE credential_name = ? AND recipient = ?`, credential, recipient)
	if err == pg.ErrNoRows {
		return sub, dispatch.SubscriberNotFoundErr
	}

	return sub, err
}

func (s *Store) AddCredential(c dispatch.Credential) error {
	if c.Secrets == nil {
		c.Secrets = map[string]string{}
	}

	_, err := s.db.Exec(`
INSERT INTO campaign_credentials (name, channel, secrets) VALUES (?, ?, ?)
ON CONFLICT (name) DO UPDATE SET channel = EXCLUDED.channel, secrets = EXCLUDED.secrets, updated_at = now()`,
		c.Name, c.Channel, c.Secrets)

	return err
}

func (s *Store) AddBlacklisted(channel dispatch.Channel, recipient string) error {
	_, err := s.db.Exec(`
INSERT INTO recipient_blacklist (channel, recipient) VALUES (?, ?) ON CONFLICT DO NOTHING`, channel, recipient)

	return err
}

func (s *Store) AddSubscriber(credential, recipient string, sub dispatch.Subscriber) error {
	_, err := s.db.Exec(`
INSERT INTO telegram_subscribers (credential_name, recipient, chat_id, active) VALUES (?, ?, ?, ?)
ON CONFLICT (credential_name, recipient) DO UPDATE SET chat_id = EXCLUDED.chat_id, active = EXCLUDED.active`,
		credential, recipient, sub.ChatId, sub.Active)

	return err
}
