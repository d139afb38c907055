package gopg_test

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-pg/pg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/interactive-solutions/go-dispatch"
	"github.com/interactive-solutions/go-dispatch/storage/go-pg"
)

func TestStore(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("DISPATCH_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("DISPATCH_TEST_POSTGRES_DSN not set")
	}

	suite.Run(t, &storeTestSuite{dsn: dsn})
}

type storeTestSuite struct {
	suite.Suite

	dsn   string
	db    *pg.DB
	store *gopg.Store
	ctx   context.Context
}

func (suite *storeTestSuite) SetupSuite() {
	opts, err := pg.ParseURL(suite.dsn)
	require.NoError(suite.T(), err)

	suite.ctx = context.Background()
	suite.db = pg.Connect(opts)
	suite.store = gopg.NewStore(suite.db)

	require.NoError(suite.T(), suite.store.Migrate(suite.ctx))
}

func (suite *storeTestSuite) TearDownSuite() {
	suite.db.Close()
}

func (suite *storeTestSuite) SetupTest() {
	_, err := suite.db.Exec(`TRUNCATE campaign_statistics, campaign_ops, campaign_messages, campaign_jobs, campaigns,
  campaign_credentials, recipient_blacklist, telegram_subscribers RESTART IDENTITY CASCADE`)
	require.NoError(suite.T(), err)
}

func (suite *storeTestSuite) campaign(credential string) dispatch.Campaign {
	require.NoError(suite.T(), suite.store.AddCredential(dispatch.Credential{
		Name:    credential,
		Channel: dispatch.ChannelSms,
		Secrets: map[string]string{"from": "Acme"},
	}))

	c, err := suite.store.AddCampaign(dispatch.Campaign{
		Name:       "spring sale",
		Channel:    dispatch.ChannelSms,
		Credential: credential,
		Template:   dispatch.Template{TextBody: "Hi {{ .name }}"},
	})
	require.NoError(suite.T(), err)

	return c
}

func (suite *storeTestSuite) message(campaignId int64, recipient string, status dispatch.MessageStatus) dispatch.Message {
	m, err := suite.store.PutMessage(dispatch.Message{
		CampaignId: campaignId,
		Recipient:  recipient,
		Params:     map[string]interface{}{"name": recipient},
		Status:     status,
	})
	require.NoError(suite.T(), err)

	return m
}

func acceptAll(ctx context.Context, candidates []dispatch.Message) ([]dispatch.Verdict, error) {
	verdicts := make([]dispatch.Verdict, 0, len(candidates))
	for _, m := range candidates {
		verdicts = append(verdicts, dispatch.Verdict{MessageId: m.Id})
	}

	return verdicts, nil
}

func (suite *storeTestSuite) TestSubmitRejectsSecondUnfinishedJob() {
	c := suite.campaign("acme")

	_, err := suite.store.Submit(suite.ctx, c.Id, time.Now(), 0)
	require.NoError(suite.T(), err)

	_, err = suite.store.Submit(suite.ctx, c.Id, time.Now(), 0)
	assert.Equal(suite.T(), dispatch.JobExistsErr, err)

	_, err = suite.store.Submit(suite.ctx, c.Id+100, time.Now(), 0)
	assert.Equal(suite.T(), dispatch.CampaignNotFoundErr, err)
}

func (suite *storeTestSuite) TestConcurrentClaimsTakeEachJobOnce() {
	for _, name := range []string{"a", "b", "c"} {
		c := suite.campaign(name)
		_, err := suite.store.Submit(suite.ctx, c.Id, time.Now().Add(-time.Second), 0)
		require.NoError(suite.T(), err)
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	claimed := map[int64]string{}

	for _, worker := range []string{"w1", "w2", "w3", "w4", "w5"} {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()

			desc, err := suite.store.Claim(suite.ctx, worker)
			if err != nil || desc == nil {
				return
			}

			mu.Lock()
			defer mu.Unlock()
			claimed[desc.JobId] = worker
		}(worker)
	}

	wg.Wait()
	assert.Len(suite.T(), claimed, 3)
}

func (suite *storeTestSuite) TestClaimSkipsBusyCredential() {
	first := suite.campaign("shared")
	second, err := suite.store.AddCampaign(dispatch.Campaign{
		Name:       "follow up",
		Channel:    dispatch.ChannelSms,
		Credential: "shared",
	})
	require.NoError(suite.T(), err)

	for _, c := range []dispatch.Campaign{first, second} {
		_, err := suite.store.Submit(suite.ctx, c.Id, time.Now().Add(-time.Second), 0)
		require.NoError(suite.T(), err)
	}

	desc, err := suite.store.Claim(suite.ctx, "w1")
	require.NoError(suite.T(), err)
	require.NotNil(suite.T(), desc)
	assert.Equal(suite.T(), first.Id, desc.CampaignId)
	assert.Equal(suite.T(), dispatch.JobEnqueued, desc.Status)

	desc, err = suite.store.Claim(suite.ctx, "w2")
	require.NoError(suite.T(), err)
	assert.Nil(suite.T(), desc)

	busy, err := suite.store.CredentialBusy(suite.ctx, second.Id)
	require.NoError(suite.T(), err)
	assert.True(suite.T(), busy)

	_, err = suite.store.Claim(suite.ctx, "w1")
	assert.Equal(suite.T(), dispatch.WorkerBusyErr, err)
}

func (suite *storeTestSuite) TestJobLifecycle() {
	c := suite.campaign("acme")
	ok := suite.message(c.Id, "+46701111111", dispatch.StatusUnsent)
	failed := suite.message(c.Id, "+46702222222", dispatch.StatusUnsent)
	suite.message(c.Id, "+46703333333", dispatch.StatusSuccess)

	job, err := suite.store.Submit(suite.ctx, c.Id, time.Now().Add(-time.Second), 0)
	require.NoError(suite.T(), err)

	desc, err := suite.store.Claim(suite.ctx, "w1")
	require.NoError(suite.T(), err)
	require.NotNil(suite.T(), desc)

	result, err := suite.store.Enqueue(suite.ctx, job.Id, acceptAll)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), 2, result.Queued)

	_, err = suite.store.Enqueue(suite.ctx, job.Id, acceptAll)
	assert.Equal(suite.T(), dispatch.JobNotEnqueuedErr, err)

	batch, err := suite.store.NextBatch(suite.ctx, job.Id, 10)
	require.NoError(suite.T(), err)
	require.Len(suite.T(), batch, 2)
	assert.Equal(suite.T(), ok.Id, batch[0].Id)
	assert.Equal(suite.T(), "Hi {{ .name }}", batch[0].Template.TextBody)

	require.NoError(suite.T(), suite.store.Record(suite.ctx, ok.Id, dispatch.Outcome{
		Status:            dispatch.StatusSuccess,
		ProviderMessageId: "prov-1",
	}))
	require.NoError(suite.T(), suite.store.Record(suite.ctx, failed.Id, dispatch.Outcome{
		Status:    dispatch.StatusError,
		ErrorCode: "21211",
	}))

	// a callback landing before finalize wins over the op
	require.NoError(suite.T(), suite.store.ApplyDeliveryReport(suite.ctx, dispatch.DeliveryReport{
		ProviderMessageId: "prov-1",
		Status:            dispatch.StatusDelivered,
		OccurredAt:        time.Now(),
	}))

	_, err = suite.store.Finalize(suite.ctx, c.Id)
	assert.Equal(suite.T(), dispatch.JobActiveErr, err)

	batch, err = suite.store.NextBatch(suite.ctx, job.Id, 10)
	require.NoError(suite.T(), err)
	assert.Empty(suite.T(), batch)

	stored, err := suite.store.Get(suite.ctx, job.Id)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), dispatch.JobSent, stored.Status)

	stat, err := suite.store.Finalize(suite.ctx, c.Id)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), 2, stat.Sent)
	assert.Equal(suite.T(), 1, stat.Delivered)
	assert.Equal(suite.T(), 1, stat.Errored)
	assert.Equal(suite.T(), 0, stat.Unsent)

	again, err := suite.store.Finalize(suite.ctx, c.Id)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), stat.Sent, again.Sent)
	assert.Equal(suite.T(), stat.Errored, again.Errored)

	latest, err := suite.store.Latest(suite.ctx, c.Id)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), dispatch.JobLogged, latest.Status)

	var statuses []string
	_, err = suite.db.Query(&statuses, `SELECT coalesce(status, '') FROM campaign_messages ORDER BY id`)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), []string{"DELIVERED", "ERROR", "SUCCESS"}, statuses)

	var ops int
	_, err = suite.db.QueryOne(pg.Scan(&ops), `SELECT count(*) FROM campaign_ops`)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), 0, ops)
}

func (suite *storeTestSuite) TestStopHaltsBatches() {
	c := suite.campaign("acme")
	suite.message(c.Id, "+46701111111", dispatch.StatusUnsent)

	job, err := suite.store.Submit(suite.ctx, c.Id, time.Now().Add(-time.Second), 0)
	require.NoError(suite.T(), err)

	_, err = suite.store.Claim(suite.ctx, "w1")
	require.NoError(suite.T(), err)

	_, err = suite.store.Enqueue(suite.ctx, job.Id, acceptAll)
	require.NoError(suite.T(), err)

	stopped, err := suite.store.Stop(suite.ctx, c.Id)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), dispatch.JobStopped, stopped.Status)

	_, err = suite.store.NextBatch(suite.ctx, job.Id, 10)
	assert.Equal(suite.T(), dispatch.JobStoppedErr, err)

	stat, err := suite.store.Finalize(suite.ctx, c.Id)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), 1, stat.Unsent)

	_, err = suite.store.Stop(suite.ctx, c.Id)
	assert.Equal(suite.T(), dispatch.JobNotFoundErr, err)
}

func (suite *storeTestSuite) TestStopRetiresUnclaimedJob() {
	scheduled := suite.campaign("acme")
	other, err := suite.store.AddCampaign(dispatch.Campaign{
		Name:       "follow up",
		Channel:    dispatch.ChannelSms,
		Credential: "acme",
	})
	require.NoError(suite.T(), err)

	_, err = suite.store.Submit(suite.ctx, scheduled.Id, time.Now().Add(time.Hour), 0)
	require.NoError(suite.T(), err)

	stopped, err := suite.store.Stop(suite.ctx, scheduled.Id)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), dispatch.JobLogged, stopped.Status)
	assert.Nil(suite.T(), stopped.WorkerId)

	busy, err := suite.store.CredentialBusy(suite.ctx, other.Id)
	require.NoError(suite.T(), err)
	assert.False(suite.T(), busy)

	_, err = suite.store.Submit(suite.ctx, other.Id, time.Now().Add(-time.Second), 0)
	require.NoError(suite.T(), err)

	desc, err := suite.store.Claim(suite.ctx, "w1")
	require.NoError(suite.T(), err)
	require.NotNil(suite.T(), desc)
	assert.Equal(suite.T(), other.Id, desc.CampaignId)
}

func (suite *storeTestSuite) TestDirectory() {
	require.NoError(suite.T(), suite.store.AddBlacklisted(dispatch.ChannelSms, "+46701111111"))
	require.NoError(suite.T(), suite.store.AddSubscriber("bot", "alice", dispatch.Subscriber{ChatId: 42, Active: true}))
	c := suite.campaign("acme")

	listed, err := suite.store.Blacklisted(suite.ctx, dispatch.ChannelSms, []string{"+46701111111", "+46702222222"})
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), map[string]bool{"+46701111111": true}, listed)

	sub, err := suite.store.Subscriber(suite.ctx, "bot", "alice")
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(42), sub.ChatId)

	_, err = suite.store.Subscriber(suite.ctx, "bot", "bob")
	assert.Equal(suite.T(), dispatch.SubscriberNotFoundErr, err)

	cred, err := suite.store.Credential(suite.ctx, c.Credential)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), "Acme", cred.Secrets["from"])

	_, err = suite.store.Credential(suite.ctx, "missing")
	assert.Equal(suite.T(), dispatch.CredentialNotFoundErr, err)
}
