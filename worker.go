package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Worker claims one job at a time and drives it through
// enqueue -> send -> finalize.
type Worker struct {
	id     string
	app    *application
	logger logrus.FieldLogger

	session *session
}

// session is the credential-bound state of the job a worker holds.
type session struct {
	job     JobDescriptor
	driver  Driver
	limiter *rate.Limiter
}

func newWorker(app *application, id string) *Worker {
	if id == "" {
		id = uuid.New().String()
	}

	return &Worker{
		id:     id,
		app:    app,
		logger: app.logger.WithField("worker", id),
	}
}

func (w *Worker) Id() string {
	return w.id
}

// ClaimNextJob assigns the next claimable job to the worker and opens a
// driver for its credential. A nil descriptor means nothing is claimable.
func (w *Worker) ClaimNextJob(ctx context.Context) (*JobDescriptor, error) {
	if w.session != nil {
		return nil, WorkerBusyErr
	}

	job, err := w.app.store.Claim(ctx, w.id)
	if err != nil || job == nil {
		return job, err
	}

	w.logger.
		WithField("job", job.JobId).
		WithField("campaign", job.CampaignId).
		WithField("channel", job.Channel).
		Info("claimed job")

	if err := w.open(ctx, *job); err != nil {
		return job, err
	}

	return job, nil
}

// Enqueue populates the op table of the held job. Losing the race to
// another caller is not an error.
func (w *Worker) Enqueue(ctx context.Context, jobId int64) (EnqueueResult, error) {
	if err := w.holds(jobId); err != nil {
		return EnqueueResult{}, err
	}

	s := w.session
	result, err := w.app.store.Enqueue(ctx, jobId, Eligibility(w.app.blacklist, s.job.Channel, s.driver))
	switch errors.Cause(err) {
	case nil:

	case JobNotEnqueuedErr:
		w.logger.WithField("job", jobId).Debug("job already enqueued")
		return result, nil

	default:
		return result, err
	}

	w.logger.
		WithField("job", jobId).
		WithField("queued", result.Queued).
		WithField("rejected", result.Rejected).
		Info("enqueued messages")

	return result, nil
}

// SendBatch sends up to limit in-flight messages of the held job and
// returns how many were handed to the provider. Zero means the job is
// drained and now SENT. Provider failures are recorded on the message
// and never returned.
func (w *Worker) SendBatch(ctx context.Context, jobId int64, limit int) (int, error) {
	if err := w.holds(jobId); err != nil {
		return 0, err
	}

	job, err := w.app.store.Get(ctx, jobId)
	if err != nil {
		return 0, err
	}

	if job.Status == JobStopped {
		return 0, JobStoppedErr
	}

	batch, err := w.app.store.NextBatch(ctx, jobId, limit)
	if err != nil {
		return 0, err
	}

	s := w.session
	sent := 0

	for i := range batch {
		if err := s.limiter.Wait(ctx); err != nil {
			return sent, err
		}

		outcome := w.send(ctx, &batch[i])

		if err := w.app.store.Record(ctx, batch[i].Id, outcome); err != nil {
			return sent, errors.Wrapf(err, "Failed to record outcome of message %d", batch[i].Id)
		}

		sent++
	}

	return sent, nil
}

func (w *Worker) send(ctx context.Context, dispatch *Dispatch) Outcome {
	id, err := w.session.driver.Send(ctx, dispatch, w.app.renderer)
	if err != nil {
		w.logger.
			WithField("job", w.session.job.JobId).
			WithField("message", dispatch.Id).
			WithError(err).
			Warn("failed to send message")

		return outcomeFromError(err)
	}

	return Outcome{Status: StatusSuccess, ProviderMessageId: id}
}

// Finalize merges the campaign's in-flight results and retires its job.
// The worker releases the job when it is the one holding it.
func (w *Worker) Finalize(ctx context.Context, campaignId int64) (Statistic, error) {
	stat, err := w.app.store.Finalize(ctx, campaignId)
	if err != nil {
		return stat, err
	}

	if w.session != nil && w.session.job.CampaignId == campaignId {
		w.release()
	}

	w.logger.
		WithField("campaign", campaignId).
		WithField("sent", stat.Sent).
		WithField("errored", stat.Errored).
		WithField("invalid", stat.Invalid).
		WithField("unsent", stat.Unsent).
		Info("finalized campaign")

	return stat, nil
}

// Tick resumes the job the worker already owns or claims a new one, and
// runs it to completion. It reports whether there was a job.
func (w *Worker) Tick(ctx context.Context) (bool, error) {
	job, err := w.app.store.Owned(ctx, w.id)
	if err != nil {
		return false, err
	}

	if job != nil {
		w.logger.
			WithField("job", job.JobId).
			WithField("status", job.Status).
			Info("resuming owned job")
	} else {
		// a driver that fails to open is retried once more by process,
		// which stops the job if it still cannot be opened
		if job, err = w.ClaimNextJob(ctx); job == nil {
			return false, err
		}
	}

	defer w.release()

	return true, w.process(ctx, *job)
}

func (w *Worker) process(ctx context.Context, job JobDescriptor) error {
	if job.Status == JobEnqueued || job.Status == JobSending {
		if w.session == nil {
			if err := w.open(ctx, job); err != nil {
				w.logger.WithField("job", job.JobId).WithError(err).Error("failed to open driver, stopping job")
			}
		}

		if w.session == nil {
			if _, err := w.app.store.Stop(ctx, job.CampaignId); err != nil {
				return err
			}
		} else if err := w.drain(ctx, job); err != nil {
			return err
		}
	}

	_, err := w.Finalize(ctx, job.CampaignId)
	return err
}

func (w *Worker) drain(ctx context.Context, job JobDescriptor) error {
	if job.Status == JobEnqueued {
		if _, err := w.Enqueue(ctx, job.JobId); err != nil {
			return err
		}
	}

	for {
		n, err := w.SendBatch(ctx, job.JobId, w.app.batchSize)
		switch errors.Cause(err) {
		case nil:

		case JobStoppedErr:
			w.logger.WithField("job", job.JobId).Info("job stopped, finalizing")
			return nil

		default:
			return err
		}

		if n == 0 {
			return nil
		}
	}
}

// Run polls for work until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("worker started")

	for ctx.Err() == nil {
		worked, err := w.Tick(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.WithError(err).Error("failed to process job")
		}

		if worked && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
		case <-time.After(w.app.pollInterval):
		}
	}

	w.logger.Info("worker stopped")
}

func (w *Worker) holds(jobId int64) error {
	if w.session == nil || w.session.job.JobId != jobId {
		return errors.Wrapf(JobNotFoundErr, "worker %s does not hold job %d", w.id, jobId)
	}

	return nil
}

func (w *Worker) open(ctx context.Context, job JobDescriptor) error {
	driver, err := w.app.driver(ctx, job)
	if err != nil {
		return err
	}

	limit, burst := rate.Inf, 0
	if job.SendRate > 0 {
		limit, burst = rate.Limit(job.SendRate), 1
	}

	w.session = &session{
		job:     job,
		driver:  driver,
		limiter: rate.NewLimiter(limit, burst),
	}

	return nil
}

func (w *Worker) release() {
	if w.session == nil {
		return
	}

	if err := w.session.driver.Close(); err != nil {
		w.logger.WithField("job", w.session.job.JobId).WithError(err).Warn("failed to close driver")
	}

	w.session = nil
}
