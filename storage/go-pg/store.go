package gopg

import (
	"context"

	"github.com/go-pg/pg"

	"github.com/interactive-solutions/go-dispatch"
)

const schema = `
CREATE TABLE IF NOT EXISTS campaign_credentials (
  name       TEXT PRIMARY KEY,
  channel    TEXT NOT NULL,
  secrets    JSONB NOT NULL DEFAULT '{}'::jsonb,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS campaigns (
  id              BIGSERIAL PRIMARY KEY,
  name            TEXT NOT NULL,
  channel         TEXT NOT NULL,
  credential_name TEXT NOT NULL REFERENCES campaign_credentials(name),
  sender          TEXT,
  subject         TEXT,
  text_body       TEXT,
  html_body       TEXT,
  template_ref    TEXT,
  locale          TEXT,
  created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS campaign_jobs (
  id          BIGSERIAL PRIMARY KEY,
  campaign_id BIGINT NOT NULL REFERENCES campaigns(id),
  status      TEXT NOT NULL,
  worker_id   TEXT,
  visible_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
  send_rate   DOUBLE PRECISION NOT NULL DEFAULT 0,
  created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS campaign_jobs_unfinished_campaign
  ON campaign_jobs(campaign_id) WHERE status <> 'LOGGED';
CREATE UNIQUE INDEX IF NOT EXISTS campaign_jobs_unfinished_worker
  ON campaign_jobs(worker_id) WHERE status <> 'LOGGED' AND worker_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS campaign_jobs_ready
  ON campaign_jobs(status, visible_at, id);

CREATE TABLE IF NOT EXISTS campaign_messages (
  id                  BIGSERIAL PRIMARY KEY,
  campaign_id         BIGINT NOT NULL REFERENCES campaigns(id),
  recipient           TEXT NOT NULL,
  params              JSONB NOT NULL DEFAULT '{}'::jsonb,
  status              TEXT,
  dequeued_at         TIMESTAMPTZ,
  sent_at             TIMESTAMPTZ,
  delivered_at        TIMESTAMPTZ,
  read_at             TIMESTAMPTZ,
  provider_message_id TEXT,
  error_code          TEXT,
  error_description   TEXT,
  created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS campaign_messages_pending
  ON campaign_messages(campaign_id, id) WHERE dequeued_at IS NULL;
CREATE INDEX IF NOT EXISTS campaign_messages_provider_message_id
  ON campaign_messages(provider_message_id);

CREATE TABLE IF NOT EXISTS campaign_ops (
  id                  BIGINT PRIMARY KEY REFERENCES campaign_messages(id),
  campaign_id         BIGINT NOT NULL,
  recipient           TEXT NOT NULL,
  params              JSONB NOT NULL DEFAULT '{}'::jsonb,
  sent_at             TIMESTAMPTZ,
  status              TEXT,
  provider_message_id TEXT,
  error_code          TEXT,
  error_description   TEXT,
  delivered_at        TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS campaign_ops_unsent
  ON campaign_ops(campaign_id, id) WHERE sent_at IS NULL;
CREATE INDEX IF NOT EXISTS campaign_ops_provider_message_id
  ON campaign_ops(provider_message_id);

CREATE TABLE IF NOT EXISTS campaign_statistics (
  campaign_id BIGINT PRIMARY KEY REFERENCES campaigns(id),
  sent        INTEGER NOT NULL DEFAULT 0,
  errored     INTEGER NOT NULL DEFAULT 0,
  unsent      INTEGER NOT NULL DEFAULT 0,
  invalid     INTEGER NOT NULL DEFAULT 0,
  delivered   INTEGER NOT NULL DEFAULT 0,
  read        INTEGER NOT NULL DEFAULT 0,
  updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS recipient_blacklist (
  channel    TEXT NOT NULL,
  recipient  TEXT NOT NULL,
  reason     TEXT,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (channel, recipient)
);

CREATE TABLE IF NOT EXISTS telegram_subscribers (
  credential_name TEXT NOT NULL,
  recipient       TEXT NOT NULL,
  chat_id         BIGINT NOT NULL,
  active          BOOLEAN NOT NULL DEFAULT true,
  PRIMARY KEY (credential_name, recipient)
);
`

// Store is the PostgreSQL implementation of the dispatch store. Claims and
// batch selection rely on FOR UPDATE SKIP LOCKED, so any number of worker
// processes may share one database.
type Store struct {
	db *pg.DB
}

var (
	_ dispatch.Store               = (*Store)(nil)
	_ dispatch.CredentialStore     = (*Store)(nil)
	_ dispatch.Blacklist           = (*Store)(nil)
	_ dispatch.SubscriberDirectory = (*Store)(nil)
)

func NewStore(db *pg.DB) *Store {
	return &Store{
		db: db,
	}
}

// Migrate creates the tables and indexes the store needs.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.WithContext(ctx).Exec(schema)
	return err
}

const (
	jobColumns     = `id, campaign_id, status, worker_id, visible_at, send_rate, created_at, updated_at`
	messageColumns = `id, campaign_id, recipient, params, status, provider_message_id, error_code, error_description,
  dequeued_at, sent_at, delivered_at, read_at, created_at, updated_at`
)

// nullable maps the empty string to SQL NULL.
func nullable(s string) interface{} {
	if s == "" {
		return nil
	}

	return s
}

func isViolation(err error, code string) bool {
	pgErr, ok := err.(pg.Error)
	return ok && pgErr.Field('C') == code
}

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)
