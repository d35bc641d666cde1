// Package audit is the append-only recorder of lifecycle and verification
// events. Entries recording a state transition are written by the store in
// the same transaction as the transition itself; this package owns entry
// construction, standalone recording (collaborator events) and timeline
// reads.
package audit

import (
	"context"
	"fmt"

	"github.com/CapTomas/Proofo-sub003/pkg/domain"
)

type Store interface {
	AppendAuditEntry(ctx context.Context, e domain.AuditEntry) error
	ListAuditEntries(ctx context.Context, dealID string) ([]domain.AuditEntry, error)
}

type Log struct {
	store Store
}

func New(store Store) *Log { return &Log{store: store} }

// Entry builds an audit entry for the given event. CreatedAt and Seq are
// assigned by the store at append time.
func Entry(dealID string, et domain.EventType, actor domain.Actor, metadata map[string]string) domain.AuditEntry {
	e := domain.AuditEntry{
		DealID:    dealID,
		EventType: et,
		ActorType: actor.Type,
		Metadata:  metadata,
	}
	if actor.ID != "" {
		id := actor.ID
		e.ActorID = &id
	}
	return e
}

// Record appends one entry. A storage failure here is surfaced to the
// caller and must abort the operation that produced the event; an
// unauditable state change is never acknowledged.
func (l *Log) Record(ctx context.Context, dealID string, et domain.EventType, actor domain.Actor, metadata map[string]string) error {
	if !domain.ValidEventType(et) {
		return fmt.Errorf("%w: unknown event type %q", domain.ErrInvalidInput, et)
	}
	return l.store.AppendAuditEntry(ctx, Entry(dealID, et, actor, metadata))
}

// Timeline returns the deal's entries oldest-first. Ordering is by
// CreatedAt with ties broken by insertion order.
func (l *Log) Timeline(ctx context.Context, dealID string) ([]domain.AuditEntry, error) {
	return l.store.ListAuditEntries(ctx, dealID)
}
