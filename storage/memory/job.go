package memory

import (
	"context"
	"time"

	"github.com/interactive-solutions/go-dispatch"
)

func (s *Store) Submit(ctx context.Context, campaignId int64, visibleAt time.Time, sendRate float64) (dispatch.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.campaigns[campaignId]; !ok {
		return dispatch.Job{}, dispatch.CampaignNotFoundErr
	}

	if j := s.activeJob(campaignId); j != nil {
		return *j, dispatch.JobExistsErr
	}

	now := s.now()
	s.nextJobId++

	job := &dispatch.Job{
		Id:         s.nextJobId,
		CampaignId: campaignId,
		Status:     dispatch.JobReady,
		VisibleAt:  visibleAt.UTC(),
		SendRate:   sendRate,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	s.jobs = append(s.jobs, job)
	return *job, nil
}

func (s *Store) Claim(ctx context.Context, workerId string) (*dispatch.JobDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ownedJob(workerId) != nil {
		return nil, dispatch.WorkerBusyErr
	}

	now := s.now()

	for _, j := range s.jobs {
		if j.Status != dispatch.JobReady || j.VisibleAt.After(now) {
			continue
		}

		if s.credentialBusy(j.CampaignId) {
			continue
		}

		id := workerId
		j.WorkerId = &id
		j.Status = dispatch.JobEnqueued
		j.UpdatedAt = now

		desc := s.descriptor(j)
		return &desc, nil
	}

	return nil, nil
}

func (s *Store) Owned(ctx context.Context, workerId string) (*dispatch.JobDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j := s.ownedJob(workerId)
	if j == nil {
		return nil, nil
	}

	desc := s.descriptor(j)
	return &desc, nil
}

func (s *Store) Get(ctx context.Context, jobId int64) (dispatch.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j := s.job(jobId)
	if j == nil {
		return dispatch.Job{}, dispatch.JobNotFoundErr
	}

	return *j, nil
}

func (s *Store) Latest(ctx context.Context, campaignId int64) (dispatch.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.jobs) - 1; i >= 0; i-- {
		if s.jobs[i].CampaignId == campaignId {
			return *s.jobs[i], nil
		}
	}

	return dispatch.Job{}, dispatch.JobNotFoundErr
}

func (s *Store) Stop(ctx context.Context, campaignId int64) (dispatch.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j := s.activeJob(campaignId)
	if j == nil {
		return dispatch.Job{}, dispatch.JobNotFoundErr
	}

	switch j.Status {
	case dispatch.JobStopped:

	case dispatch.JobReady:
		// never claimed, so nothing is in flight and no worker will retire it
		j.Status = dispatch.JobLogged
		j.UpdatedAt = s.now()

	default:
		j.Status = dispatch.JobStopped
		j.UpdatedAt = s.now()
	}

	return *j, nil
}

func (s *Store) CredentialBusy(ctx context.Context, campaignId int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.campaigns[campaignId]; !ok {
		return false, dispatch.CampaignNotFoundErr
	}

	return s.credentialBusy(campaignId), nil
}

func (s *Store) credentialBusy(campaignId int64) bool {
	credential := s.campaigns[campaignId].Credential

	for _, o := range s.jobs {
		if o.CampaignId == campaignId || !o.Status.HoldsCredential() {
			continue
		}

		if s.campaigns[o.CampaignId].Credential == credential {
			return true
		}
	}

	return false
}

func (s *Store) job(jobId int64) *dispatch.Job {
	for _, j := range s.jobs {
		if j.Id == jobId {
			return j
		}
	}

	return nil
}

func (s *Store) activeJob(campaignId int64) *dispatch.Job {
	for _, j := range s.jobs {
		if j.CampaignId == campaignId && j.Status.Active() {
			return j
		}
	}

	return nil
}

func (s *Store) ownedJob(workerId string) *dispatch.Job {
	for _, j := range s.jobs {
		if j.WorkerId != nil && *j.WorkerId == workerId && j.Status.Active() {
			return j
		}
	}

	return nil
}

func (s *Store) descriptor(j *dispatch.Job) dispatch.JobDescriptor {
	c := s.campaigns[j.CampaignId]

	return dispatch.JobDescriptor{
		JobId:      j.Id,
		CampaignId: j.CampaignId,
		Status:     j.Status,
		Channel:    c.Channel,
		Credential: c.Credential,
		SendRate:   j.SendRate,
	}
}
