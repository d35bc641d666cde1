// Package memstore is an in-memory implementation of the dealcore store
// interfaces, used in dev mode and tests. Writes that pair a state change
// with an audit entry apply both under one lock so record-then-acknowledge
// holds here too.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/CapTomas/Proofo-sub003/pkg/domain"
	"github.com/CapTomas/Proofo-sub003/services/dealcore/internal/lifecycle"
)

type Store struct {
	mu            sync.Mutex
	deals         map[string]domain.Deal
	byPublicID    map[string]string
	entries       []domain.AuditEntry
	seq           int64
	records       map[string][]domain.VerificationRecord
	challenges    map[string]*domain.OTPChallenge
	challengeByID map[string]*domain.OTPChallenge
}

func New() *Store {
	return &Store{
		deals:         map[string]domain.Deal{},
		byPublicID:    map[string]string{},
		records:       map[string][]domain.VerificationRecord{},
		challenges:    map[string]*domain.OTPChallenge{},
		challengeByID: map[string]*domain.OTPChallenge{},
	}
}

func (s *Store) appendEntryLocked(e domain.AuditEntry) {
	s.seq++
	e.Seq = s.seq
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	s.entries = append(s.entries, e)
}

func (s *Store) CreateDeal(ctx context.Context, d domain.Deal, entry domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deals[d.DealID]; ok {
		return fmt.Errorf("deal %s already exists", d.DealID)
	}
	s.deals[d.DealID] = d
	s.byPublicID[d.PublicID] = d.DealID
	s.appendEntryLocked(entry)
	return nil
}

func (s *Store) GetDeal(ctx context.Context, dealID string) (domain.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deals[dealID]
	if !ok {
		return domain.Deal{}, fmt.Errorf("%w: deal %s", domain.ErrNotFound, dealID)
	}
	return d, nil
}

func (s *Store) GetDealByPublicID(ctx context.Context, publicID string) (domain.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byPublicID[publicID]
	if !ok {
		return domain.Deal{}, fmt.Errorf("%w: deal %s", domain.ErrNotFound, publicID)
	}
	return s.deals[id], nil
}

func (s *Store) MarkViewed(ctx context.Context, dealID string, at time.Time, entry domain.AuditEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deals[dealID]
	if !ok {
		return false, fmt.Errorf("%w: deal %s", domain.ErrNotFound, dealID)
	}
	if d.ViewedAt != nil {
		return false, nil
	}
	d.ViewedAt = &at
	s.deals[dealID] = d
	s.appendEntryLocked(entry)
	return true, nil
}

func (s *Store) TransitionStatus(ctx context.Context, dealID string, from, to domain.DealStatus, set lifecycle.Update, entry domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deals[dealID]
	if !ok {
		return fmt.Errorf("%w: deal %s", domain.ErrNotFound, dealID)
	}
	if d.Status != from {
		return fmt.Errorf("%w: expected %s, deal is %s", domain.ErrInvalidState, from, d.Status)
	}
	d.Status = to
	if set.SignatureURL != nil {
		d.SignatureURL = *set.SignatureURL
	}
	if set.DealSeal != nil {
		d.DealSeal = *set.DealSeal
	}
	if set.SealVersion != nil {
		d.SealVersion = *set.SealVersion
	}
	if set.ConfirmedAt != nil {
		d.ConfirmedAt = set.ConfirmedAt
	}
	if set.VoidedAt != nil {
		d.VoidedAt = set.VoidedAt
	}
	s.deals[dealID] = d
	s.appendEntryLocked(entry)
	return nil
}

func (s *Store) AppendAuditEntry(ctx context.Context, e domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deals[e.DealID]; !ok {
		return fmt.Errorf("%w: deal %s", domain.ErrNotFound, e.DealID)
	}
	s.appendEntryLocked(e)
	return nil
}

func (s *Store) ListAuditEntries(ctx context.Context, dealID string) ([]domain.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.AuditEntry
	for _, e := range s.entries {
		if e.DealID == dealID {
			out = append(out, e)
		}
	}
	return out, nil
}

func challengeKey(dealID string, channel domain.Channel, destination string) string {
	return dealID + "|" + string(channel) + "|" + destination
}

func (s *Store) LatestChallenge(ctx context.Context, dealID string, channel domain.Channel, destination string) (*domain.OTPChallenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.challenges[challengeKey(dealID, channel, destination)]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *Store) CreateChallenge(ctx context.Context, c domain.OTPChallenge, entry domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := c
	s.challenges[challengeKey(c.DealID, c.Channel, c.Destination)] = &cp
	s.challengeByID[c.ChallengeID] = &cp
	s.appendEntryLocked(entry)
	return nil
}

func (s *Store) BumpChallengeAttempts(ctx context.Context, challengeID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.challengeByID[challengeID]
	if !ok {
		return 0, fmt.Errorf("%w: challenge %s", domain.ErrNotFound, challengeID)
	}
	c.Attempts++
	return c.Attempts, nil
}

func (s *Store) ConsumeChallenge(ctx context.Context, challengeID string, rec domain.VerificationRecord, entry domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.challengeByID[challengeID]
	if !ok {
		return fmt.Errorf("%w: challenge %s", domain.ErrNotFound, challengeID)
	}
	if c.ConsumedAt != nil {
		return fmt.Errorf("%w: challenge already consumed", domain.ErrExpiredChallenge)
	}
	now := rec.VerifiedAt
	c.ConsumedAt = &now
	s.records[rec.DealID] = append(s.records[rec.DealID], rec)
	s.appendEntryLocked(entry)
	return nil
}

func (s *Store) CreateVerificationRecord(ctx context.Context, rec domain.VerificationRecord, entry domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records[rec.DealID] {
		if r.Channel == rec.Channel {
			return nil
		}
	}
	s.records[rec.DealID] = append(s.records[rec.DealID], rec)
	s.appendEntryLocked(entry)
	return nil
}

func (s *Store) ListVerificationRecords(ctx context.Context, dealID string) ([]domain.VerificationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.VerificationRecord, len(s.records[dealID]))
	copy(out, s.records[dealID])
	return out, nil
}
