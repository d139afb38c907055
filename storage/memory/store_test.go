package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/interactive-solutions/go-dispatch"
)

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time {
	return c.now
}

func accept(ctx context.Context, candidates []dispatch.Message) ([]dispatch.Verdict, error) {
	verdicts := make([]dispatch.Verdict, 0, len(candidates))
	for _, m := range candidates {
		verdicts = append(verdicts, dispatch.Verdict{MessageId: m.Id})
	}

	return verdicts, nil
}

func seed(t *testing.T, s *Store, credential string, recipients ...string) dispatch.Campaign {
	c := s.AddCampaign(dispatch.Campaign{Name: "c", Channel: dispatch.ChannelSms, Credential: credential})
	for _, r := range recipients {
		s.PutMessage(dispatch.Message{CampaignId: c.Id, Recipient: r})
	}

	return c
}

func TestClaimHonoursVisibilityAndOrder(t *testing.T) {
	clk := &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := NewStore(WithNowFunc(clk.Now))
	ctx := context.Background()

	late := seed(t, s, "a")
	early := seed(t, s, "b")

	_, err := s.Submit(ctx, late.Id, clk.now.Add(time.Minute), 0)
	require.NoError(t, err)
	_, err = s.Submit(ctx, early.Id, clk.now, 0)
	require.NoError(t, err)

	desc, err := s.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, desc)
	assert.Equal(t, early.Id, desc.CampaignId)
	assert.Equal(t, dispatch.JobEnqueued, desc.Status)

	desc, err = s.Claim(ctx, "w2")
	require.NoError(t, err)
	assert.Nil(t, desc)

	clk.now = clk.now.Add(2 * time.Minute)

	desc, err = s.Claim(ctx, "w2")
	require.NoError(t, err)
	require.NotNil(t, desc)
	assert.Equal(t, late.Id, desc.CampaignId)

	owned, err := s.Owned(ctx, "w2")
	require.NoError(t, err)
	require.NotNil(t, owned)
	assert.Equal(t, desc.JobId, owned.JobId)

	owned, err = s.Owned(ctx, "w3")
	require.NoError(t, err)
	assert.Nil(t, owned)
}

func TestEnqueueRequiresMatchingVerdicts(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	c := seed(t, s, "a", "+46701111111", "+46702222222")

	job, err := s.Submit(ctx, c.Id, time.Now(), 0)
	require.NoError(t, err)

	_, err = s.Enqueue(ctx, job.Id, accept)
	assert.Equal(t, dispatch.JobNotEnqueuedErr, err)

	_, err = s.Claim(ctx, "w1")
	require.NoError(t, err)

	_, err = s.Enqueue(ctx, job.Id, func(ctx context.Context, candidates []dispatch.Message) ([]dispatch.Verdict, error) {
		return nil, nil
	})
	assert.Error(t, err)

	stored, err := s.Get(ctx, job.Id)
	require.NoError(t, err)
	assert.Equal(t, dispatch.JobEnqueued, stored.Status)
	assert.Empty(t, s.Ops(c.Id))
}

func TestNextBatchFollowsJobState(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	c := seed(t, s, "a", "+46701111111", "+46702222222", "+46703333333")

	job, err := s.Submit(ctx, c.Id, time.Now(), 0)
	require.NoError(t, err)

	_, err = s.NextBatch(ctx, job.Id, 2)
	assert.Equal(t, dispatch.JobNotSendingErr, err)

	_, err = s.Claim(ctx, "w1")
	require.NoError(t, err)

	result, err := s.Enqueue(ctx, job.Id, accept)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Queued)

	batch, err := s.NextBatch(ctx, job.Id, 2)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.NotNil(t, batch[0].SentAt)
	assert.Equal(t, dispatch.ChannelSms, batch[0].Channel)

	batch, err = s.NextBatch(ctx, job.Id, 2)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	batch, err = s.NextBatch(ctx, job.Id, 2)
	require.NoError(t, err)
	assert.Empty(t, batch)

	stored, _ := s.Get(ctx, job.Id)
	assert.Equal(t, dispatch.JobSent, stored.Status)

	batch, err = s.NextBatch(ctx, job.Id, 2)
	require.NoError(t, err)
	assert.Empty(t, batch)

	_, err = s.NextBatch(ctx, job.Id+10, 2)
	assert.Equal(t, dispatch.JobNotFoundErr, err)
}

func TestFinalizeClearsOrphanedDequeue(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	c := seed(t, s, "a")

	stamp := time.Now()
	orphan := s.PutMessage(dispatch.Message{CampaignId: c.Id, Recipient: "+46701111111", DequeuedAt: &stamp})

	stat, err := s.Finalize(ctx, c.Id)
	require.NoError(t, err)
	assert.Equal(t, 1, stat.Unsent)

	m, ok := s.Message(orphan.Id)
	require.True(t, ok)
	assert.Nil(t, m.DequeuedAt)
}

func TestStopAndCredentialBusy(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	first := seed(t, s, "shared")
	second := seed(t, s, "shared")

	_, err := s.Stop(ctx, first.Id)
	assert.Equal(t, dispatch.JobNotFoundErr, err)

	_, err = s.Submit(ctx, first.Id, time.Now(), 0)
	require.NoError(t, err)

	busy, err := s.CredentialBusy(ctx, second.Id)
	require.NoError(t, err)
	assert.False(t, busy, "a READY job does not hold its credential")

	job, err := s.Stop(ctx, first.Id)
	require.NoError(t, err)
	assert.Equal(t, dispatch.JobLogged, job.Status, "an unclaimed job is retired")

	busy, err = s.CredentialBusy(ctx, second.Id)
	require.NoError(t, err)
	assert.False(t, busy)

	_, err = s.Submit(ctx, first.Id, time.Now(), 0)
	require.NoError(t, err)

	_, err = s.Claim(ctx, "w1")
	require.NoError(t, err)

	job, err = s.Stop(ctx, first.Id)
	require.NoError(t, err)
	assert.Equal(t, dispatch.JobStopped, job.Status)
	require.NotNil(t, job.WorkerId)
	assert.Equal(t, "w1", *job.WorkerId)

	busy, err = s.CredentialBusy(ctx, second.Id)
	require.NoError(t, err)
	assert.True(t, busy)

	_, err = s.Finalize(ctx, first.Id)
	require.NoError(t, err)

	busy, err = s.CredentialBusy(ctx, second.Id)
	require.NoError(t, err)
	assert.False(t, busy)

	_, err = s.CredentialBusy(ctx, 99)
	assert.Equal(t, dispatch.CampaignNotFoundErr, err)

	latest, err := s.Latest(ctx, first.Id)
	require.NoError(t, err)
	assert.Equal(t, dispatch.JobLogged, latest.Status)

	_, err = s.Latest(ctx, second.Id)
	assert.Equal(t, dispatch.JobNotFoundErr, err)
}
