package gopg

import (
	"context"
	"time"

	"github.com/go-pg/pg"

	"github.com/interactive-solutions/go-dispatch"
)

// holding lists the job statuses that keep a credential busy.
var holding = []string{
	string(dispatch.JobEnqueued),
	string(dispatch.JobSending),
	string(dispatch.JobSent),
	string(dispatch.JobStopped),
}

const descriptorQuery = `
SELECT j.id AS job_id, j.campaign_id, j.status, j.send_rate, c.channel, c.credential_name AS credential
FROM campaign_jobs AS j
JOIN campaigns AS c ON c.id = j.campaign_id`

// claimQuery selects the oldest visible READY job whose credential is not
// held by another campaign. Rows locked by concurrent claimers are skipped.
const claimQuery = `
SELECT j.id AS job_id, j.campaign_id, j.status, j.send_rate, c.channel, c.credential_name AS credential
FROM campaign_jobs AS j
JOIN campaigns AS c ON c.id = j.campaign_id
WHERE j.status = ?
  AND j.visible_at <= now()
  AND j.id NOT IN (?)
  AND NOT EXISTS (
    SELECT 1 FROM campaign_jobs AS o
    JOIN campaigns AS oc ON oc.id = o.campaign_id
    WHERE oc.credential_name = c.credential_name
      AND o.campaign_id <> j.campaign_id
      AND o.status IN (?)
  )
ORDER BY j.id
LIMIT 1
FOR UPDATE OF j SKIP LOCKED`

const busyQuery = `
SELECT EXISTS (
  SELECT 1 FROM campaign_jobs AS o
  JOIN campaigns AS oc ON oc.id = o.campaign_id
  JOIN campaigns AS c ON c.credential_name = oc.credential_name
  WHERE c.id = ?
    AND o.campaign_id <> c.id
    AND o.status IN (?)
)`

func (s *Store) Submit(ctx context.Context, campaignId int64, visibleAt time.Time, sendRate float64) (dispatch.Job, error) {
	var job dispatch.Job

	_, err := s.db.WithContext(ctx).QueryOne(&job, `
INSERT INTO campaign_jobs (campaign_id, status, visible_at, send_rate)
VALUES (?, ?, ?, ?)
RETURNING `+jobColumns, campaignId, dispatch.JobReady, visibleAt.UTC(), sendRate)

	switch {
	case err == nil:
		return job, nil

	case isViolation(err, uniqueViolation):
		return job, dispatch.JobExistsErr

	case isViolation(err, foreignKeyViolation):
		return job, dispatch.CampaignNotFoundErr

	default:
		return job, err
	}
}

func (s *Store) Claim(ctx context.Context, workerId string) (*dispatch.JobDescriptor, error) {
	var claimed *dispatch.JobDescriptor

	err := s.db.WithContext(ctx).RunInTransaction(func(tx *pg.Tx) error {
		var owned bool
		if _, err := tx.QueryOne(pg.Scan(&owned), `
SELECT EXISTS (SELECT 1 FROM campaign_jobs WHERE worker_id = ? AND status <> ?)`, workerId, dispatch.JobLogged); err != nil {
			return err
		}

		if owned {
			return dispatch.WorkerBusyErr
		}

		skipped := []int64{0}

		for {
			var desc dispatch.JobDescriptor

			_, err := tx.QueryOne(&desc, claimQuery, dispatch.JobReady, pg.In(skipped), pg.In(holding))
			if err == pg.ErrNoRows {
				return nil
			}

			if err != nil {
				return err
			}

			// serializes claimers of the same credential until commit
			var locked bool
			if _, err := tx.QueryOne(pg.Scan(&locked), `SELECT pg_try_advisory_xact_lock(hashtext(?))`, desc.Credential); err != nil {
				return err
			}

			busy := true
			if locked {
				if _, err := tx.QueryOne(pg.Scan(&busy), busyQuery, desc.CampaignId, pg.In(holding)); err != nil {
					return err
				}
			}

			if busy {
				skipped = append(skipped, desc.JobId)
				continue
			}

			if _, err := tx.Exec(`
UPDATE campaign_jobs SET status = ?, worker_id = ?, updated_at = now() WHERE id = ?`,
				dispatch.JobEnqueued, workerId, desc.JobId); err != nil {
				if isViolation(err, uniqueViolation) {
					return dispatch.WorkerBusyErr
				}

				return err
			}

			desc.Status = dispatch.JobEnqueued
			claimed = &desc

			return nil
		}
	})

	if err != nil {
		return nil, err
	}

	return claimed, nil
}

func (s *Store) Owned(ctx context.Context, workerId string) (*dispatch.JobDescriptor, error) {
	var desc dispatch.JobDescriptor

	_, err := s.db.WithContext(ctx).QueryOne(&desc, descriptorQuery+`
WHERE j.worker_id = ? AND j.status <> ?`, workerId, dispatch.JobLogged)
	if err == pg.ErrNoRows {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return &desc, nil
}

func (s *Store) Get(ctx context.Context, jobId int64) (dispatch.Job, error) {
	var job dispatch.Job

	_, err := s.db.WithContext(ctx).QueryOne(&job, `SELECT `+jobColumns+` FROM campaign_jobs WHERE id = ?`, jobId)
	if err == pg.ErrNoRows {
		return job, dispatch.JobNotFoundErr
	}

	return job, err
}

func (s *Store) Latest(ctx context.Context, campaignId int64) (dispatch.Job, error) {
	var job dispatch.Job

	_, err := s.db.WithContext(ctx).QueryOne(&job, `
SELECT `+jobColumns+` FROM campaign_jobs WHERE campaign_id = ? ORDER BY id DESC LIMIT 1`, campaignId)
	if err == pg.ErrNoRows {
		return job, dispatch.JobNotFoundErr
	}

	return job, err
}

func (s *Store) Stop(ctx context.Context, campaignId int64) (dispatch.Job, error) {
	var job dispatch.Job

	// an unclaimed READY job has nothing in flight and no worker to retire it
	_, err := s.db.WithContext(ctx).QueryOne(&job, `
UPDATE campaign_jobs
SET status = CASE WHEN status = ? THEN ? ELSE ? END, updated_at = now()
WHERE campaign_id = ? AND status <> ?
RETURNING `+jobColumns, dispatch.JobReady, dispatch.JobLogged, dispatch.JobStopped, campaignId, dispatch.JobLogged)
	if err == pg.ErrNoRows {
		return job, dispatch.JobNotFoundErr
	}

	return job, err
}

func (s *Store) CredentialBusy(ctx context.Context, campaignId int64) (bool, error) {
	db := s.db.WithContext(ctx)

	if _, err := campaign(db, campaignId); err != nil {
		return false, err
	}

	var busy bool
	if _, err := db.QueryOne(pg.Scan(&busy), busyQuery, campaignId, pg.In(holding)); err != nil {
		return false, err
	}

	return busy, nil
}
