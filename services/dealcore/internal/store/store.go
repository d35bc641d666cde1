// Package store is the Postgres implementation of the dealcore store
// interfaces. Every write that pairs a state change with an audit entry
// runs in one transaction: the entry is durable before the caller is told
// the change succeeded.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/CapTomas/Proofo-sub003/pkg/domain"
	"github.com/CapTomas/Proofo-sub003/services/dealcore/internal/lifecycle"
)

// PgxPool is the slice of pgxpool.Pool the store needs. It is implemented
// by *pgxpool.Pool and pgxmock.PgxPoolIface.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Store struct{ DB PgxPool }

func New(db PgxPool) *Store { return &Store{DB: db} }

func insertEntryTx(ctx context.Context, tx pgx.Tx, e domain.AuditEntry) error {
	meta := e.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	b, _ := json.Marshal(meta)
	_, err := tx.Exec(ctx, `INSERT INTO audit_entries(deal_id,event_type,actor_id,actor_type,metadata)
VALUES($1,$2,$3,$4,$5::jsonb)`, e.DealID, string(e.EventType), e.ActorID, string(e.ActorType), string(b))
	return err
}

func (s *Store) CreateDeal(ctx context.Context, d domain.Deal, entry domain.AuditEntry) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	terms, err := json.Marshal(d.Terms)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `INSERT INTO deals(deal_id,public_id,creator_id,creator_name,recipient_name,recipient_email,recipient_id,terms,status,trust_level,access_token_hash,created_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8::jsonb,$9,$10,$11,$12)`,
		d.DealID, d.PublicID, d.CreatorID, d.CreatorName, d.RecipientName, d.RecipientEmail, d.RecipientID,
		string(terms), string(d.Status), string(d.TrustLevel), d.AccessTokenHash, d.CreatedAt)
	if err != nil {
		return err
	}
	if err := insertEntryTx(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const dealColumns = `deal_id,public_id,creator_id,creator_name,recipient_name,recipient_email,recipient_id,terms,status,trust_level,access_token_hash,signature_url,deal_seal,seal_version,created_at,viewed_at,confirmed_at,voided_at`

func scanDeal(row pgx.Row) (domain.Deal, error) {
	var d domain.Deal
	var terms []byte
	var status, trust string
	err := row.Scan(&d.DealID, &d.PublicID, &d.CreatorID, &d.CreatorName, &d.RecipientName, &d.RecipientEmail, &d.RecipientID,
		&terms, &status, &trust, &d.AccessTokenHash, &d.SignatureURL, &d.DealSeal, &d.SealVersion,
		&d.CreatedAt, &d.ViewedAt, &d.ConfirmedAt, &d.VoidedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Deal{}, fmt.Errorf("%w: deal", domain.ErrNotFound)
		}
		return domain.Deal{}, err
	}
	d.Status = domain.DealStatus(status)
	d.TrustLevel = domain.TrustLevel(trust)
	if err := json.Unmarshal(terms, &d.Terms); err != nil {
		return domain.Deal{}, err
	}
	return d, nil
}

func (s *Store) GetDeal(ctx context.Context, dealID string) (domain.Deal, error) {
	return scanDeal(s.DB.QueryRow(ctx, `SELECT `+dealColumns+` FROM deals WHERE deal_id=$1`, dealID))
}

func (s *Store) GetDealByPublicID(ctx context.Context, publicID string) (domain.Deal, error) {
	return scanDeal(s.DB.QueryRow(ctx, `SELECT `+dealColumns+` FROM deals WHERE public_id=$1`, publicID))
}

func (s *Store) MarkViewed(ctx context.Context, dealID string, at time.Time, entry domain.AuditEntry) (bool, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE deals SET viewed_at=$2 WHERE deal_id=$1 AND viewed_at IS NULL`, dealID, at)
	if err != nil {
		return false, err
	}
	first := tag.RowsAffected() == 1
	if first {
		if err := insertEntryTx(ctx, tx, entry); err != nil {
			return false, err
		}
	}
	return first, tx.Commit(ctx)
}

func (s *Store) TransitionStatus(ctx context.Context, dealID string, from, to domain.DealStatus, set lifecycle.Update, entry domain.AuditEntry) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
UPDATE deals SET
  status=$3,
  signature_url=COALESCE($4,signature_url),
  deal_seal=COALESCE($5,deal_seal),
  seal_version=COALESCE($6,seal_version),
  confirmed_at=COALESCE($7,confirmed_at),
  voided_at=COALESCE($8,voided_at)
WHERE deal_id=$1 AND status=$2
`, dealID, string(from), string(to), set.SignatureURL, set.DealSeal, set.SealVersion, set.ConfirmedAt, set.VoidedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: deal is no longer %s", domain.ErrInvalidState, from)
	}
	if err := insertEntryTx(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) AppendAuditEntry(ctx context.Context, e domain.AuditEntry) error {
	meta := e.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	b, _ := json.Marshal(meta)
	_, err := s.DB.Exec(ctx, `INSERT INTO audit_entries(deal_id,event_type,actor_id,actor_type,metadata)
VALUES($1,$2,$3,$4,$5::jsonb)`, e.DealID, string(e.EventType), e.ActorID, string(e.ActorType), string(b))
	return err
}

func (s *Store) ListAuditEntries(ctx context.Context, dealID string) ([]domain.AuditEntry, error) {
	rows, err := s.DB.Query(ctx, `SELECT seq,deal_id,event_type,actor_id,actor_type,metadata,created_at
FROM audit_entries WHERE deal_id=$1 ORDER BY created_at ASC, seq ASC`, dealID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var et, at string
		var meta []byte
		if err := rows.Scan(&e.Seq, &e.DealID, &et, &e.ActorID, &at, &meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.EventType = domain.EventType(et)
		e.ActorType = domain.ActorType(at)
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &e.Metadata)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) LatestChallenge(ctx context.Context, dealID string, channel domain.Channel, destination string) (*domain.OTPChallenge, error) {
	var c domain.OTPChallenge
	var ch string
	err := s.DB.QueryRow(ctx, `
SELECT challenge_id,deal_id,channel,destination,code_hash,salt,expires_at,attempts,created_at,consumed_at
FROM otp_challenges
WHERE deal_id=$1 AND channel=$2 AND destination=$3
ORDER BY created_at DESC
LIMIT 1
`, dealID, string(channel), destination).
		Scan(&c.ChallengeID, &c.DealID, &ch, &c.Destination, &c.CodeHash, &c.Salt, &c.ExpiresAt, &c.Attempts, &c.CreatedAt, &c.ConsumedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	c.Channel = domain.Channel(ch)
	return &c, nil
}

func (s *Store) CreateChallenge(ctx context.Context, c domain.OTPChallenge, entry domain.AuditEntry) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `INSERT INTO otp_challenges(challenge_id,deal_id,channel,destination,code_hash,salt,expires_at,attempts,created_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		c.ChallengeID, c.DealID, string(c.Channel), c.Destination, c.CodeHash, c.Salt, c.ExpiresAt, c.Attempts, c.CreatedAt)
	if err != nil {
		return err
	}
	if err := insertEntryTx(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) BumpChallengeAttempts(ctx context.Context, challengeID string) (int, error) {
	var attempts int
	err := s.DB.QueryRow(ctx, `UPDATE otp_challenges SET attempts=attempts+1 WHERE challenge_id=$1 RETURNING attempts`, challengeID).
		Scan(&attempts)
	return attempts, err
}

func (s *Store) ConsumeChallenge(ctx context.Context, challengeID string, rec domain.VerificationRecord, entry domain.AuditEntry) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE otp_challenges SET consumed_at=$2 WHERE challenge_id=$1 AND consumed_at IS NULL`,
		challengeID, rec.VerifiedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: challenge already consumed", domain.ErrExpiredChallenge)
	}
	_, err = tx.Exec(ctx, `INSERT INTO verification_records(deal_id,verification_type,verified_value,verified_at)
VALUES($1,$2,$3,$4)`, rec.DealID, string(rec.Channel), rec.VerifiedValue, rec.VerifiedAt)
	if err != nil {
		return err
	}
	if err := insertEntryTx(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) CreateVerificationRecord(ctx context.Context, rec domain.VerificationRecord, entry domain.AuditEntry) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `INSERT INTO verification_records(deal_id,verification_type,verified_value,verified_at)
VALUES($1,$2,$3,$4)
ON CONFLICT (deal_id,verification_type) DO NOTHING`, rec.DealID, string(rec.Channel), rec.VerifiedValue, rec.VerifiedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		if err := insertEntryTx(ctx, tx, entry); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) ListVerificationRecords(ctx context.Context, dealID string) ([]domain.VerificationRecord, error) {
	rows, err := s.DB.Query(ctx, `SELECT deal_id,verification_type,verified_value,verified_at
FROM verification_records WHERE deal_id=$1 ORDER BY verified_at ASC`, dealID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.VerificationRecord
	for rows.Next() {
		var r domain.VerificationRecord
		var ch string
		if err := rows.Scan(&r.DealID, &ch, &r.VerifiedValue, &r.VerifiedAt); err != nil {
			return nil, err
		}
		r.Channel = domain.Channel(ch)
		out = append(out, r)
	}
	return out, rows.Err()
}
