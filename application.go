package dispatch

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const UserAgent = "InteractiveSolutions/GoDispatch-1.0"

type Application interface {
	HttpHandler() *HttpHandler

	Submit(ctx context.Context, campaignId int64, visibleAt time.Time, sendRate float64) (Job, error)
	Stop(ctx context.Context, campaignId int64) (Job, error)
	Resume(ctx context.Context, campaignId int64, visibleAt time.Time, sendRate float64) (Job, error)
	Finalize(ctx context.Context, campaignId int64) (Statistic, error)
	Statistics(ctx context.Context, campaignId int64) (Statistic, JobStatus, error)
	ReportDelivery(ctx context.Context, report DeliveryReport) error

	// Worker returns a worker with the given id, or a random one when id
	// is empty. Workers are not safe for concurrent use.
	Worker(id string) *Worker

	Shutdown(ctx context.Context)
}

type AppOption func(a *application)

func SetStore(store Store) AppOption {
	return func(a *application) {
		a.store = store
	}
}

func SetCredentialStore(credentials CredentialStore) AppOption {
	return func(a *application) {
		a.credentials = credentials
	}
}

func SetBlacklist(blacklist Blacklist) AppOption {
	return func(a *application) {
		a.blacklist = blacklist
	}
}

func SetDriverFactory(channel Channel, factory DriverFactory) AppOption {
	return func(a *application) {
		a.drivers[channel] = factory
	}
}

func SetTemplateFuncMap(funcs map[string]interface{}) AppOption {
	return func(a *application) {
		a.renderer = NewRenderer(funcs)
	}
}

func SetLogger(logger logrus.FieldLogger) AppOption {
	return func(a *application) {
		a.logger = logger
	}
}

// SetWorkerCount sets how many background workers NewApplication starts.
// Zero leaves claiming entirely to callers of Worker.
func SetWorkerCount(count int) AppOption {
	return func(a *application) {
		a.workerCount = count
	}
}

// SetWorkerPrefix sets the stable prefix of background worker ids. A worker
// restarted with the same id resumes the job it owned.
func SetWorkerPrefix(prefix string) AppOption {
	return func(a *application) {
		a.workerPrefix = prefix
	}
}

func SetBatchSize(size int) AppOption {
	return func(a *application) {
		a.batchSize = size
	}
}

func SetPollInterval(interval time.Duration) AppOption {
	return func(a *application) {
		a.pollInterval = interval
	}
}

type application struct {
	logger logrus.FieldLogger

	workerCancel context.CancelFunc
	workerWg     sync.WaitGroup

	workerCount  int
	workerPrefix string
	batchSize    int
	pollInterval time.Duration

	store       Store
	credentials CredentialStore
	blacklist   Blacklist
	drivers     map[Channel]DriverFactory
	renderer    Renderer
}

func NewApplication(options ...AppOption) (Application, error) {
	app := &application{
		logger: logrus.New(),

		workerCount:  1,
		batchSize:    100,
		pollInterval: 5 * time.Second,

		drivers:  map[Channel]DriverFactory{},
		renderer: NewRenderer(nil),
	}

	for _, option := range options {
		option(app)
	}

	if err := app.ensureUsableConfiguration(); err != nil {
		return app, err
	}

	if app.workerPrefix == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "worker"
		}

		app.workerPrefix = host
	}

	ctx, cancel := context.WithCancel(context.Background())
	app.workerCancel = cancel

	for i := 0; i < app.workerCount; i++ {
		worker := app.Worker(fmt.Sprintf("%s-%d", app.workerPrefix, i))

		app.workerWg.Add(1)
		go func() {
			defer app.workerWg.Done()
			worker.Run(ctx)
		}()
	}

	return app, nil
}

func (a *application) ensureUsableConfiguration() error {
	if a.store == nil {
		return errors.New("Missing job store")
	}

	if a.credentials == nil {
		return errors.New("Missing credential store")
	}

	if a.batchSize <= 0 {
		return errors.New("Batch size must be positive")
	}

	if a.pollInterval <= 0 {
		return errors.New("Poll interval must be positive")
	}

	return nil
}

func (a *application) HttpHandler() *HttpHandler {
	return &HttpHandler{
		app: a,
	}
}

func (a *application) Submit(ctx context.Context, campaignId int64, visibleAt time.Time, sendRate float64) (Job, error) {
	if sendRate < 0 {
		return Job{}, InvalidSendRateErr
	}

	if visibleAt.IsZero() {
		visibleAt = time.Now()
	}

	job, err := a.store.Submit(ctx, campaignId, visibleAt, sendRate)
	if err != nil {
		return job, err
	}

	a.logger.
		WithField("campaign", campaignId).
		WithField("job", job.Id).
		Info("campaign submitted")

	return job, nil
}

func (a *application) Stop(ctx context.Context, campaignId int64) (Job, error) {
	job, err := a.store.Stop(ctx, campaignId)
	if err != nil {
		return job, err
	}

	a.logger.
		WithField("campaign", campaignId).
		WithField("job", job.Id).
		Info("campaign stopped")

	return job, nil
}

// Resume retires a stopped job and submits a fresh one, which only picks
// up messages that were never sent or failed. A stopped job still held by
// a worker is retired by that worker, until then JobActiveErr is returned.
func (a *application) Resume(ctx context.Context, campaignId int64, visibleAt time.Time, sendRate float64) (Job, error) {
	latest, err := a.store.Latest(ctx, campaignId)
	switch errors.Cause(err) {
	case nil:
		if latest.Status == JobStopped {
			if latest.WorkerId != nil {
				return latest, JobActiveErr
			}

			if _, err := a.store.Finalize(ctx, campaignId); err != nil {
				return Job{}, errors.Wrap(err, "Failed to finalize stopped job")
			}
		}

	case JobNotFoundErr:

	default:
		return Job{}, err
	}

	return a.Submit(ctx, campaignId, visibleAt, sendRate)
}

// Finalize merges and retires the campaign's job on behalf of an operator.
// The worker owning a stopped job may still be inside a batch whose
// outcomes are not recorded yet, so only that worker retires it.
func (a *application) Finalize(ctx context.Context, campaignId int64) (Statistic, error) {
	latest, err := a.store.Latest(ctx, campaignId)
	switch errors.Cause(err) {
	case nil:
		if latest.Status == JobStopped && latest.WorkerId != nil {
			return Statistic{}, JobActiveErr
		}

	case JobNotFoundErr:

	default:
		return Statistic{}, err
	}

	return a.store.Finalize(ctx, campaignId)
}

func (a *application) Statistics(ctx context.Context, campaignId int64) (Statistic, JobStatus, error) {
	stat, err := a.store.Statistic(ctx, campaignId)
	if err != nil {
		return stat, "", err
	}

	job, err := a.store.Latest(ctx, campaignId)
	switch errors.Cause(err) {
	case nil:
		return stat, job.Status, nil

	case JobNotFoundErr:
		return stat, "", nil

	default:
		return stat, "", err
	}
}

func (a *application) ReportDelivery(ctx context.Context, report DeliveryReport) error {
	if err := report.Validate(); err != nil {
		return err
	}

	if report.OccurredAt.IsZero() {
		report.OccurredAt = time.Now()
	}

	return a.store.ApplyDeliveryReport(ctx, report)
}

func (a *application) Worker(id string) *Worker {
	return newWorker(a, id)
}

func (a *application) Shutdown(ctx context.Context) {
	<-ctx.Done()
	a.workerCancel()
	a.workerWg.Wait()
}

// driver instantiates the credential-bound client for a claimed job.
func (a *application) driver(ctx context.Context, job JobDescriptor) (Driver, error) {
	factory, ok := a.drivers[job.Channel]
	if !ok {
		return nil, errors.Wrapf(UnknownChannelErr, "no driver for channel %s", job.Channel)
	}

	credential, err := a.credentials.Credential(ctx, job.Credential)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to resolve credential %s", job.Credential)
	}

	if credential.Channel != "" && credential.Channel != job.Channel {
		return nil, errors.Errorf("Credential %s belongs to channel %s, not %s", credential.Name, credential.Channel, job.Channel)
	}

	return factory(ctx, credential)
}
