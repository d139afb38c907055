// Package memory is an in-process implementation of the dispatch store.
// A single mutex stands in for the row locks of the postgres store, so every
// operation is atomic with respect to concurrent workers in the process.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/interactive-solutions/go-dispatch"
)

type Option func(*Store)

func WithNowFunc(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.nowFn = now
		}
	}
}

type Store struct {
	mu    sync.Mutex
	nowFn func() time.Time

	nextJobId      int64
	nextCampaignId int64
	nextMessageId  int64

	campaigns map[int64]dispatch.Campaign
	jobs      []*dispatch.Job
	messages  map[int64]*dispatch.Message
	ops       map[int64]*dispatch.Op
	stats     map[int64]dispatch.Statistic

	// directory data is read from inside enqueue, which already holds mu
	dirMu       sync.RWMutex
	credentials map[string]dispatch.Credential
	blacklist   map[dispatch.Channel]map[string]bool
	subscribers map[string]map[string]dispatch.Subscriber
}

var (
	_ dispatch.Store               = (*Store)(nil)
	_ dispatch.CredentialStore     = (*Store)(nil)
	_ dispatch.Blacklist           = (*Store)(nil)
	_ dispatch.SubscriberDirectory = (*Store)(nil)
)

func NewStore(opts ...Option) *Store {
	s := &Store{
		nowFn:       time.Now,
		campaigns:   map[int64]dispatch.Campaign{},
		messages:    map[int64]*dispatch.Message{},
		ops:         map[int64]*dispatch.Op{},
		stats:       map[int64]dispatch.Statistic{},
		credentials: map[string]dispatch.Credential{},
		blacklist:   map[dispatch.Channel]map[string]bool{},
		subscribers: map[string]map[string]dispatch.Subscriber{},
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *Store) now() time.Time {
	return s.nowFn().UTC()
}

// AddCampaign registers a campaign, assigning an id when it has none.
func (s *Store) AddCampaign(c dispatch.Campaign) dispatch.Campaign {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.Id == 0 {
		s.nextCampaignId++
		c.Id = s.nextCampaignId
	} else if c.Id > s.nextCampaignId {
		s.nextCampaignId = c.Id
	}

	s.campaigns[c.Id] = c
	return c
}

// PutMessage inserts or replaces a message row, assigning an id when it
// has none.
func (s *Store) PutMessage(m dispatch.Message) dispatch.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if m.Id == 0 {
		s.nextMessageId++
		m.Id = s.nextMessageId
		m.CreatedAt = now
	} else if m.Id > s.nextMessageId {
		s.nextMessageId = m.Id
	}

	m.UpdatedAt = now
	s.messages[m.Id] = &m
	return m
}

func (s *Store) Message(id int64) (dispatch.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return dispatch.Message{}, false
	}

	return *m, true
}

// Ops returns the in-flight rows of a campaign in id order.
func (s *Store) Ops(campaignId int64) []dispatch.Op {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []dispatch.Op
	for _, op := range s.ops {
		if op.CampaignId == campaignId {
			out = append(out, *op)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Id < out[j].Id })
	return out
}

func (s *Store) AddCredential(c dispatch.Credential) {
	s.dirMu.Lock()
	defer s.dirMu.Unlock()

	s.credentials[c.Name] = c
}

func (s *Store) AddBlacklisted(channel dispatch.Channel, recipient string) {
	s.dirMu.Lock()
	defer s.dirMu.Unlock()

	if s.blacklist[channel] == nil {
		s.blacklist[channel] = map[string]bool{}
	}

	s.blacklist[channel][recipient] = true
}

func (s *Store) AddSubscriber(credential, recipient string, sub dispatch.Subscriber) {
	s.dirMu.Lock()
	defer s.dirMu.Unlock()

	if s.subscribers[credential] == nil {
		s.subscribers[credential] = map[string]dispatch.Subscriber{}
	}

	s.subscribers[credential][recipient] = sub
}

func (s *Store) Credential(ctx context.Context, name string) (dispatch.Credential, error) {
	s.dirMu.RLock()
	defer s.dirMu.RUnlock()

	c, ok := s.credentials[name]
	if !ok {
		return c, dispatch.CredentialNotFoundErr
	}

	return c, nil
}

func (s *Store) Blacklisted(ctx context.Context, channel dispatch.Channel, recipients []string) (map[string]bool, error) {
	s.dirMu.RLock()
	defer s.dirMu.RUnlock()

	out := map[string]bool{}
	for _, r := range recipients {
		if s.blacklist[channel][r] {
			out[r] = true
		}
	}

	return out, nil
}

func (s *Store) Subscriber(ctx context.Context, credential, recipient string) (dispatch.Subscriber, error) {
	s.dirMu.RLock()
	defer s.dirMu.RUnlock()

	sub, ok := s.subscribers[credential][recipient]
	if !ok {
		return sub, dispatch.SubscriberNotFoundErr
	}

	return sub, nil
}
