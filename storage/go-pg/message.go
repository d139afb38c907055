package gopg

import (
	"context"
	"sort"

	"github.com/go-pg/pg"
	"github.com/pkg/errors"

	"github.com/interactive-solutions/go-dispatch"
)

func (s *Store) Enqueue(ctx context.Context, jobId int64, eligible dispatch.EligibilityFunc) (dispatch.EnqueueResult, error) {
	var result dispatch.EnqueueResult

	err := s.db.WithContext(ctx).RunInTransaction(func(tx *pg.Tx) error {
		var job dispatch.Job

		_, err := tx.QueryOne(&job, `SELECT `+jobColumns+` FROM campaign_jobs WHERE id = ? FOR UPDATE`, jobId)
		if err == pg.ErrNoRows {
			return dispatch.JobNotFoundErr
		}

		if err != nil {
			return err
		}

		result.CampaignId = job.CampaignId

		if job.Status != dispatch.JobEnqueued {
			return dispatch.JobNotEnqueuedErr
		}

		var candidates []dispatch.Message
		if _, err := tx.Query(&candidates, `
SELECT `+messageColumns+`
FROM campaign_messages
WHERE campaign_id = ? AND dequeued_at IS NULL AND (status IS NULL OR status = ?)
ORDER BY id
FOR UPDATE`, job.CampaignId, dispatch.StatusError); err != nil {
			return err
		}

		verdicts, err := eligible(ctx, candidates)
		if err != nil {
			return err
		}

		if len(verdicts) != len(candidates) {
			return errors.Errorf("Got %d verdicts for %d candidates", len(verdicts), len(candidates))
		}

		if _, err := tx.Exec(`UPDATE campaign_jobs SET status = ?, updated_at = now() WHERE id = ?`,
			dispatch.JobSending, jobId); err != nil {
			return err
		}

		recipients := map[int64]string{}
		for _, m := range candidates {
			recipients[m.Id] = m.Recipient
		}

		var ids []int64
		var addresses []string

		for _, v := range verdicts {
			if v.Eligible() {
				address := v.Address
				if address == "" {
					address = recipients[v.MessageId]
				}

				ids = append(ids, v.MessageId)
				addresses = append(addresses, address)

				continue
			}

			if _, err := tx.Exec(`
UPDATE campaign_messages
SET status = ?, error_code = ?, error_description = ?, provider_message_id = NULL,
    sent_at = NULL, delivered_at = NULL, read_at = NULL, updated_at = now()
WHERE id = ?`, v.Status, nullable(v.ErrorCode), nullable(v.ErrorDescription), v.MessageId); err != nil {
				return err
			}

			result.Rejected++
		}

		if len(ids) == 0 {
			return nil
		}

		if _, err := tx.Exec(`
UPDATE campaign_messages
SET status = NULL, error_code = NULL, error_description = NULL, provider_message_id = NULL,
    sent_at = NULL, delivered_at = NULL, read_at = NULL, dequeued_at = now(), updated_at = now()
WHERE id IN (?)`, pg.In(ids)); err != nil {
			return err
		}

		res, err := tx.Exec(`
INSERT INTO campaign_ops (id, campaign_id, recipient, params)
SELECT m.id, m.campaign_id, a.address, m.params
FROM campaign_messages AS m
JOIN unnest(?::bigint[], ?::text[]) AS a(id, address) ON a.id = m.id`, pg.Array(ids), pg.Array(addresses))
		if err != nil {
			return err
		}

		result.Queued = res.RowsAffected()

		return nil
	})

	return result, err
}

func (s *Store) NextBatch(ctx context.Context, jobId int64, limit int) ([]dispatch.Dispatch, error) {
	var batch []dispatch.Dispatch

	err := s.db.WithContext(ctx).RunInTransaction(func(tx *pg.Tx) error {
		var job dispatch.Job

		_, err := tx.QueryOne(&job, `SELECT `+jobColumns+` FROM campaign_jobs WHERE id = ?`, jobId)
		if err == pg.ErrNoRows {
			return dispatch.JobNotFoundErr
		}

		if err != nil {
			return err
		}

		switch job.Status {
		case dispatch.JobSending:

		case dispatch.JobSent:
			return nil

		case dispatch.JobStopped:
			return dispatch.JobStoppedErr

		default:
			return dispatch.JobNotSendingErr
		}

		if limit <= 0 {
			limit = 100
		}

		var ops []dispatch.Op
		if _, err := tx.Query(&ops, `
WITH batch AS (
  SELECT id FROM campaign_ops
  WHERE campaign_id = ? AND sent_at IS NULL
  ORDER BY id
  LIMIT ?
  FOR UPDATE SKIP LOCKED
)
UPDATE campaign_ops AS o SET sent_at = now()
FROM batch
WHERE o.id = batch.id
RETURNING o.id, o.campaign_id, o.recipient, o.params, o.sent_at, o.status, o.provider_message_id,
  o.error_code, o.error_description, o.delivered_at`, job.CampaignId, limit); err != nil {
			return err
		}

		if len(ops) == 0 {
			_, err := tx.Exec(`UPDATE campaign_jobs SET status = ?, updated_at = now() WHERE id = ? AND status = ?`,
				dispatch.JobSent, jobId, dispatch.JobSending)

			return err
		}

		c, err := campaign(tx, job.CampaignId)
		if err != nil {
			return err
		}

		sort.Slice(ops, func(i, j int) bool { return ops[i].Id < ops[j].Id })

		batch = make([]dispatch.Dispatch, 0, len(ops))
		for _, op := range ops {
			batch = append(batch, dispatch.Dispatch{
				Op:         op,
				Channel:    c.Channel,
				Credential: c.Credential,
				Template:   c.Template,
			})
		}

		return nil
	})

	if err != nil {
		return nil, err
	}

	return batch, nil
}

func (s *Store) Record(ctx context.Context, opId int64, outcome dispatch.Outcome) error {
	res, err := s.db.WithContext(ctx).Exec(`
UPDATE campaign_ops
SET status = ?, provider_message_id = ?, error_code = ?, error_description = ?, delivered_at = ?
WHERE id = ?`,
		nullable(string(outcome.Status)),
		nullable(outcome.ProviderMessageId),
		nullable(outcome.ErrorCode),
		nullable(outcome.ErrorDescription),
		outcome.DeliveredAt,
		opId,
	)
	if err != nil {
		return err
	}

	if res.RowsAffected() == 0 {
		return errors.Wrapf(dispatch.MessageNotFoundErr, "op %d", opId)
	}

	return nil
}

// Finalize folds ops back into their messages. Columns already set on the
// message by a delivery callback are kept.
func (s *Store) Finalize(ctx context.Context, campaignId int64) (dispatch.Statistic, error) {
	stat := dispatch.Statistic{CampaignId: campaignId}

	err := s.db.WithContext(ctx).RunInTransaction(func(tx *pg.Tx) error {
		var job dispatch.Job

		_, err := tx.QueryOne(&job, `
SELECT `+jobColumns+` FROM campaign_jobs WHERE campaign_id = ? AND status <> ? FOR UPDATE`,
			campaignId, dispatch.JobLogged)

		active := err == nil
		if err != nil && err != pg.ErrNoRows {
			return err
		}

		if active && job.Status != dispatch.JobSent && job.Status != dispatch.JobStopped {
			return dispatch.JobActiveErr
		}

		if _, err := tx.Exec(`
UPDATE campaign_messages AS m
SET status = coalesce(m.status, o.status),
    provider_message_id = coalesce(m.provider_message_id, o.provider_message_id),
    error_code = coalesce(m.error_code, o.error_code),
    error_description = coalesce(m.error_description, o.error_description),
    sent_at = coalesce(m.sent_at, o.sent_at),
    delivered_at = coalesce(m.delivered_at, o.delivered_at),
    dequeued_at = NULL,
    updated_at = now()
FROM campaign_ops AS o
WHERE o.id = m.id AND o.campaign_id = ?`, campaignId); err != nil {
			return err
		}

		if _, err := tx.Exec(`
UPDATE campaign_messages SET dequeued_at = NULL, updated_at = now()
WHERE campaign_id = ? AND dequeued_at IS NOT NULL`, campaignId); err != nil {
			return err
		}

		if _, err := tx.Exec(`DELETE FROM campaign_ops WHERE campaign_id = ?`, campaignId); err != nil {
			return err
		}

		var rows []struct {
			Status string
			Count  int
		}

		if _, err := tx.Query(&rows, `
SELECT coalesce(status, '') AS status, count(*) AS count
FROM campaign_messages
WHERE campaign_id = ?
GROUP BY 1`, campaignId); err != nil {
			return err
		}

		counts := map[dispatch.MessageStatus]int{}
		for _, r := range rows {
			counts[dispatch.MessageStatus(r.Status)] = r.Count
		}

		stat = dispatch.Tally(campaignId, counts)

		if _, err := tx.QueryOne(&stat, `
INSERT INTO campaign_statistics AS s (campaign_id, sent, errored, unsent, invalid, delivered, read, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, now())
ON CONFLICT (campaign_id) DO UPDATE
SET sent = EXCLUDED.sent, errored = EXCLUDED.errored, unsent = EXCLUDED.unsent, invalid = EXCLUDED.invalid,
    delivered = EXCLUDED.delivered, read = EXCLUDED.read, updated_at = EXCLUDED.updated_at
RETURNING s.campaign_id, s.sent, s.errored, s.unsent, s.invalid, s.delivered, s.read, s.updated_at`,
			campaignId, stat.Sent, stat.Errored, stat.Unsent, stat.Invalid, stat.Delivered, stat.Read); err != nil {
			return err
		}

		if !active {
			return nil
		}

		_, err = tx.Exec(`UPDATE campaign_jobs SET status = ?, updated_at = now() WHERE id = ?`, dispatch.JobLogged, job.Id)
		return err
	})

	if errors.Cause(err) == dispatch.JobActiveErr {
		current, serr := s.Statistic(ctx, campaignId)
		if serr == nil {
			stat = current
		}
	}

	return stat, err
}

func (s *Store) ApplyDeliveryReport(ctx context.Context, report dispatch.DeliveryReport) error {
	return s.db.WithContext(ctx).RunInTransaction(func(tx *pg.Tx) error {
		var id int64

		_, err := tx.QueryOne(pg.Scan(&id), `
SELECT id FROM (
  SELECT id, 0 AS rank FROM campaign_ops WHERE provider_message_id = ?
  UNION ALL
  SELECT id, 1 AS rank FROM campaign_messages WHERE provider_message_id = ?
) AS found
ORDER BY rank, id
LIMIT 1`, report.ProviderMessageId, report.ProviderMessageId)
		if err == pg.ErrNoRows {
			return dispatch.MessageNotFoundErr
		}

		if err != nil {
			return err
		}

		var m dispatch.Message
		if _, err := tx.QueryOne(&m, `SELECT `+messageColumns+` FROM campaign_messages WHERE id = ? FOR UPDATE`, id); err != nil {
			return err
		}

		if !dispatch.ApplyReport(&m, report) {
			return nil
		}

		_, err = tx.Exec(`
UPDATE campaign_messages
SET status = ?, error_code = ?, error_description = ?, delivered_at = ?, read_at = ?, updated_at = now()
WHERE id = ?`,
			nullable(string(m.Status)), nullable(m.ErrorCode), nullable(m.ErrorDescription), m.DeliveredAt, m.ReadAt, m.Id)

		return err
	})
}

func (s *Store) Statistic(ctx context.Context, campaignId int64) (dispatch.Statistic, error) {
	stat := dispatch.Statistic{CampaignId: campaignId}

	_, err := s.db.WithContext(ctx).QueryOne(&stat, `
SELECT campaign_id, sent, errored, unsent, invalid, delivered, read, updated_at
FROM campaign_statistics WHERE campaign_id = ?`, campaignId)
	if err == pg.ErrNoRows {
		return stat, nil
	}

	return stat, err
}
