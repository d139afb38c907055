package memory

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"github.com/interactive-solutions/go-dispatch"
)

func (s *Store) Enqueue(ctx context.Context, jobId int64, eligible dispatch.EligibilityFunc) (dispatch.EnqueueResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j := s.job(jobId)
	if j == nil {
		return dispatch.EnqueueResult{}, dispatch.JobNotFoundErr
	}

	result := dispatch.EnqueueResult{CampaignId: j.CampaignId}

	if j.Status != dispatch.JobEnqueued {
		return result, dispatch.JobNotEnqueuedErr
	}

	var candidates []dispatch.Message
	for _, id := range s.messageIds(j.CampaignId) {
		m := s.messages[id]
		if m.DequeuedAt == nil && m.Status.Retryable() {
			candidates = append(candidates, *m)
		}
	}

	verdicts, err := eligible(ctx, candidates)
	if err != nil {
		return result, err
	}

	if len(verdicts) != len(candidates) {
		return result, errors.Errorf("Got %d verdicts for %d candidates", len(verdicts), len(candidates))
	}

	now := s.now()
	j.Status = dispatch.JobSending
	j.UpdatedAt = now

	for _, v := range verdicts {
		m, ok := s.messages[v.MessageId]
		if !ok {
			continue
		}

		m.ResetLifecycle()
		m.UpdatedAt = now

		if !v.Eligible() {
			m.Status = v.Status
			m.ErrorCode = v.ErrorCode
			m.ErrorDescription = v.ErrorDescription
			result.Rejected++

			continue
		}

		stamp := now
		m.DequeuedAt = &stamp

		address := v.Address
		if address == "" {
			address = m.Recipient
		}

		s.ops[m.Id] = &dispatch.Op{
			Id:         m.Id,
			CampaignId: m.CampaignId,
			Recipient:  address,
			Params:     m.Params,
		}
		result.Queued++
	}

	return result, nil
}

func (s *Store) NextBatch(ctx context.Context, jobId int64, limit int) ([]dispatch.Dispatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j := s.job(jobId)
	if j == nil {
		return nil, dispatch.JobNotFoundErr
	}

	switch j.Status {
	case dispatch.JobSending:

	case dispatch.JobSent:
		return nil, nil

	case dispatch.JobStopped:
		return nil, dispatch.JobStoppedErr

	default:
		return nil, dispatch.JobNotSendingErr
	}

	var pending []*dispatch.Op
	for _, op := range s.ops {
		if op.CampaignId == j.CampaignId && op.SentAt == nil {
			pending = append(pending, op)
		}
	}

	sort.Slice(pending, func(a, b int) bool { return pending[a].Id < pending[b].Id })

	now := s.now()

	if len(pending) == 0 {
		j.Status = dispatch.JobSent
		j.UpdatedAt = now

		return nil, nil
	}

	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}

	c := s.campaigns[j.CampaignId]
	batch := make([]dispatch.Dispatch, 0, len(pending))

	for _, op := range pending {
		stamp := now
		op.SentAt = &stamp

		batch = append(batch, dispatch.Dispatch{
			Op:         *op,
			Channel:    c.Channel,
			Credential: c.Credential,
			Template:   c.Template,
		})
	}

	return batch, nil
}

func (s *Store) Record(ctx context.Context, opId int64, outcome dispatch.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.ops[opId]
	if !ok {
		return errors.Wrapf(dispatch.MessageNotFoundErr, "op %d", opId)
	}

	outcome.Apply(op)
	return nil
}

func (s *Store) Finalize(ctx context.Context, campaignId int64) (dispatch.Statistic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j := s.activeJob(campaignId)
	if j != nil && j.Status != dispatch.JobSent && j.Status != dispatch.JobStopped {
		return s.stats[campaignId], dispatch.JobActiveErr
	}

	now := s.now()
	counts := map[dispatch.MessageStatus]int{}

	for _, id := range s.messageIds(campaignId) {
		m := s.messages[id]

		if op, ok := s.ops[id]; ok {
			dispatch.MergeOp(m, *op)
			m.UpdatedAt = now
			delete(s.ops, id)
		} else if m.DequeuedAt != nil {
			m.DequeuedAt = nil
			m.UpdatedAt = now
		}

		counts[m.Status]++
	}

	stat := dispatch.Tally(campaignId, counts)
	stat.UpdatedAt = now
	s.stats[campaignId] = stat

	if j != nil {
		j.Status = dispatch.JobLogged
		j.UpdatedAt = now
	}

	return stat, nil
}

func (s *Store) ApplyDeliveryReport(ctx context.Context, report dispatch.DeliveryReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var target *dispatch.Message

	for id, op := range s.ops {
		if op.ProviderMessageId == report.ProviderMessageId {
			target = s.messages[id]
			break
		}
	}

	if target == nil {
		for _, m := range s.messages {
			if m.ProviderMessageId == report.ProviderMessageId {
				target = m
				break
			}
		}
	}

	if target == nil {
		return dispatch.MessageNotFoundErr
	}

	if dispatch.ApplyReport(target, report) {
		target.UpdatedAt = s.now()
	}

	return nil
}

func (s *Store) Statistic(ctx context.Context, campaignId int64) (dispatch.Statistic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stat, ok := s.stats[campaignId]
	if !ok {
		return dispatch.Statistic{CampaignId: campaignId}, nil
	}

	return stat, nil
}

func (s *Store) messageIds(campaignId int64) []int64 {
	var ids []int64
	for id, m := range s.messages {
		if m.CampaignId == campaignId {
			ids = append(ids, id)
		}
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
