// Package lifecycle is the deal state machine: pending → sealing →
// confirmed, with voiding permitted from pending and sealing only. It is
// the only component that mutates a deal's status and proof fields.
package lifecycle

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/CapTomas/Proofo-sub003/pkg/canonical"
	"github.com/CapTomas/Proofo-sub003/pkg/domain"
	"github.com/CapTomas/Proofo-sub003/pkg/seal"
	"github.com/CapTomas/Proofo-sub003/services/dealcore/internal/audit"
	"github.com/CapTomas/Proofo-sub003/services/dealcore/internal/sigstore"
)

// Update carries the proof fields a transition may set. Nil fields are
// left untouched.
type Update struct {
	SignatureURL *string
	DealSeal     *string
	SealVersion  *string
	ConfirmedAt  *time.Time
	VoidedAt     *time.Time
}

type Store interface {
	// CreateDeal inserts the deal and its deal_created audit entry in one
	// transaction.
	CreateDeal(ctx context.Context, d domain.Deal, entry domain.AuditEntry) error
	GetDeal(ctx context.Context, dealID string) (domain.Deal, error)
	GetDealByPublicID(ctx context.Context, publicID string) (domain.Deal, error)
	// MarkViewed sets viewed_at once; it reports whether this call was the
	// first view, and records the entry only in that case.
	MarkViewed(ctx context.Context, dealID string, at time.Time, entry domain.AuditEntry) (bool, error)
	// TransitionStatus performs a compare-and-set on status (guarded by
	// the expected prior status), applies the update and appends the audit
	// entry, all in one transaction. A stale expected status fails with
	// domain.ErrInvalidState and changes nothing.
	TransitionStatus(ctx context.Context, dealID string, from, to domain.DealStatus, set Update, entry domain.AuditEntry) error
}

// GateChecker is the precondition the state machine consults before
// allowing a sign transition.
type GateChecker interface {
	IsSatisfied(ctx context.Context, deal domain.Deal) (bool, []domain.Channel, error)
}

type Engine struct {
	store      Store
	gate       GateChecker
	signatures sigstore.Store
	log        *zap.Logger
	now        func() time.Time
}

func New(store Store, gate GateChecker, signatures sigstore.Store, log *zap.Logger) *Engine {
	return &Engine{store: store, gate: gate, signatures: signatures, log: log, now: time.Now}
}

// WithClock overrides the wall clock. Tests only.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// HashToken hashes an access token for storage and comparison. The raw
// token is returned once at creation and never persisted.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

type CreateDealInput struct {
	CreatorID      string
	CreatorName    string
	RecipientName  string
	RecipientEmail *string
	RecipientID    *string
	Terms          []domain.Term
	TrustLevel     domain.TrustLevel
}

// CreateDeal validates the input and creates a pending deal. The returned
// string is the recipient access token, shown once.
func (e *Engine) CreateDeal(ctx context.Context, in CreateDealInput) (domain.Deal, string, error) {
	if len(in.Terms) == 0 {
		return domain.Deal{}, "", fmt.Errorf("%w: at least one term is required", domain.ErrInvalidInput)
	}
	for i, t := range in.Terms {
		if strings.TrimSpace(t.Label) == "" {
			return domain.Deal{}, "", fmt.Errorf("%w: term %d has no label", domain.ErrInvalidInput, i)
		}
		if strings.TrimSpace(t.Value) == "" {
			return domain.Deal{}, "", fmt.Errorf("%w: term %q has no value", domain.ErrInvalidInput, t.Label)
		}
		if t.Type != "" && !domain.ValidTermType(t.Type) {
			return domain.Deal{}, "", fmt.Errorf("%w: term %q has unknown type %q", domain.ErrInvalidInput, t.Label, t.Type)
		}
	}
	if !domain.ValidTrustLevel(in.TrustLevel) {
		return domain.Deal{}, "", fmt.Errorf("%w: unknown trust level %q", domain.ErrInvalidInput, in.TrustLevel)
	}
	if strings.TrimSpace(in.RecipientName) == "" {
		return domain.Deal{}, "", fmt.Errorf("%w: recipient name is required", domain.ErrInvalidInput)
	}
	if in.RecipientEmail != nil && !domain.ValidEmail(*in.RecipientEmail) {
		return domain.Deal{}, "", fmt.Errorf("%w: recipient email is malformed", domain.ErrInvalidInput)
	}

	terms := make([]domain.Term, len(in.Terms))
	copy(terms, in.Terms)
	for i := range terms {
		if strings.TrimSpace(terms[i].ID) == "" {
			terms[i].ID = "trm_" + uuid.NewString()
		}
		if terms[i].Type == "" {
			terms[i].Type = domain.TermText
		}
	}

	token := randomHex(16)
	d := domain.Deal{
		DealID:          "dl_" + uuid.NewString(),
		PublicID:        "pd_" + randomHex(6),
		CreatorID:       in.CreatorID,
		CreatorName:     in.CreatorName,
		RecipientName:   strings.TrimSpace(in.RecipientName),
		RecipientEmail:  in.RecipientEmail,
		RecipientID:     in.RecipientID,
		Terms:           terms,
		Status:          domain.StatusPending,
		TrustLevel:      in.TrustLevel,
		AccessTokenHash: HashToken(token),
		CreatedAt:       e.now().UTC(),
	}
	entry := audit.Entry(d.DealID, domain.EventDealCreated, domain.Actor{ID: in.CreatorID, Type: domain.ActorCreator}, map[string]string{
		"trust_level": string(in.TrustLevel),
	})
	if err := e.store.CreateDeal(ctx, d, entry); err != nil {
		return domain.Deal{}, "", err
	}
	return d, token, nil
}

func (e *Engine) Deal(ctx context.Context, dealID string) (domain.Deal, error) {
	return e.store.GetDeal(ctx, dealID)
}

func (e *Engine) DealByPublicID(ctx context.Context, publicID string) (domain.Deal, error) {
	return e.store.GetDealByPublicID(ctx, publicID)
}

// AuthorizeRecipient resolves the deal behind a public link and checks the
// recipient access token against the stored hash.
func (e *Engine) AuthorizeRecipient(ctx context.Context, publicID, accessToken string) (domain.Deal, error) {
	d, err := e.store.GetDealByPublicID(ctx, publicID)
	if err != nil {
		return domain.Deal{}, err
	}
	if err := e.authorize(d, accessToken); err != nil {
		return domain.Deal{}, err
	}
	return d, nil
}

func (e *Engine) authorize(d domain.Deal, accessToken string) error {
	if subtle.ConstantTimeCompare([]byte(HashToken(accessToken)), []byte(d.AccessTokenHash)) != 1 {
		return fmt.Errorf("%w: access token mismatch", domain.ErrUnauthorized)
	}
	return nil
}

// RequestSign checks that the recipient may proceed to sign. It records
// deal_viewed on the first call. When the trust level's verification is
// incomplete it fails with domain.ErrVerificationRequired and returns the
// channels still missing.
func (e *Engine) RequestSign(ctx context.Context, publicID, accessToken string) (domain.Deal, []domain.Channel, error) {
	d, err := e.store.GetDealByPublicID(ctx, publicID)
	if err != nil {
		return domain.Deal{}, nil, err
	}
	if err := e.authorize(d, accessToken); err != nil {
		return domain.Deal{}, nil, err
	}
	if d.Status != domain.StatusPending {
		return domain.Deal{}, nil, fmt.Errorf("%w: deal is %s", domain.ErrInvalidState, d.Status)
	}

	now := e.now().UTC()
	entry := audit.Entry(d.DealID, domain.EventDealViewed, domain.Actor{Type: domain.ActorRecipient}, nil)
	first, err := e.store.MarkViewed(ctx, d.DealID, now, entry)
	if err != nil {
		return domain.Deal{}, nil, err
	}
	if first {
		d.ViewedAt = &now
	}

	ok, missing, err := e.gate.IsSatisfied(ctx, d)
	if err != nil {
		return domain.Deal{}, nil, err
	}
	if !ok {
		return d, missing, fmt.Errorf("%w: %d channel(s) outstanding", domain.ErrVerificationRequired, len(missing))
	}
	return d, nil, nil
}

// Sign stores the signature image, transitions pending → sealing and then
// finalizes the seal. If two attempts race on the same pending deal the
// compare-and-set lets exactly one through; the loser fails with
// domain.ErrInvalidState.
func (e *Engine) Sign(ctx context.Context, publicID, accessToken string, signatureImage []byte) (domain.Deal, error) {
	d, err := e.store.GetDealByPublicID(ctx, publicID)
	if err != nil {
		return domain.Deal{}, err
	}
	if err := e.authorize(d, accessToken); err != nil {
		return domain.Deal{}, err
	}
	if d.Status != domain.StatusPending {
		return domain.Deal{}, fmt.Errorf("%w: deal is %s", domain.ErrInvalidState, d.Status)
	}
	if len(signatureImage) == 0 {
		return domain.Deal{}, fmt.Errorf("%w: signature image is empty", domain.ErrInvalidInput)
	}
	ok, missing, err := e.gate.IsSatisfied(ctx, d)
	if err != nil {
		return domain.Deal{}, err
	}
	if !ok {
		return domain.Deal{}, fmt.Errorf("%w: %d channel(s) outstanding", domain.ErrVerificationRequired, len(missing))
	}

	sigURL, err := e.signatures.Put(ctx, d.DealID, signatureImage)
	if err != nil {
		return domain.Deal{}, err
	}
	entry := audit.Entry(d.DealID, domain.EventDealSigned, domain.Actor{Type: domain.ActorRecipient}, map[string]string{
		"signature_url": sigURL,
	})
	err = e.store.TransitionStatus(ctx, d.DealID, domain.StatusPending, domain.StatusSealing, Update{SignatureURL: &sigURL}, entry)
	if err != nil {
		return domain.Deal{}, err
	}
	d.Status = domain.StatusSealing
	d.SignatureURL = sigURL

	return e.FinalizeSeal(ctx, d.DealID)
}

// FinalizeSeal computes the seal over the canonical fields with
// confirmedAt = now and transitions sealing → confirmed. It is safe to
// retry from sealing after a failure; a deal already confirmed is
// returned unchanged.
func (e *Engine) FinalizeSeal(ctx context.Context, dealID string) (domain.Deal, error) {
	d, err := e.store.GetDeal(ctx, dealID)
	if err != nil {
		return domain.Deal{}, err
	}
	if d.Status == domain.StatusConfirmed {
		return d, nil
	}
	if d.Status != domain.StatusSealing {
		return domain.Deal{}, fmt.Errorf("%w: deal is %s", domain.ErrInvalidState, d.Status)
	}

	confirmedAt := e.now().UTC().Truncate(time.Second)
	canon, err := canonical.Serialize(canonical.Version, d.DealID, d.Terms, d.SignatureURL, confirmedAt)
	if err != nil {
		return domain.Deal{}, err
	}
	digest := seal.Compute(canon)
	version := canonical.Version

	entry := audit.Entry(d.DealID, domain.EventDealConfirmed, domain.SystemActor, map[string]string{
		"deal_seal":    digest,
		"seal_version": version,
	})
	err = e.store.TransitionStatus(ctx, d.DealID, domain.StatusSealing, domain.StatusConfirmed,
		Update{DealSeal: &digest, SealVersion: &version, ConfirmedAt: &confirmedAt}, entry)
	if err != nil {
		return domain.Deal{}, err
	}
	d.Status = domain.StatusConfirmed
	d.DealSeal = digest
	d.SealVersion = version
	d.ConfirmedAt = &confirmedAt
	e.log.Info("deal sealed", zap.String("deal_id", d.DealID), zap.String("seal", digest))
	return d, nil
}

// Void cancels a deal from pending or sealing. A confirmed deal is
// immutable evidence and cannot be voided.
func (e *Engine) Void(ctx context.Context, dealID string, actor domain.Actor) (domain.Deal, error) {
	d, err := e.store.GetDeal(ctx, dealID)
	if err != nil {
		return domain.Deal{}, err
	}
	if d.Status != domain.StatusPending && d.Status != domain.StatusSealing {
		return domain.Deal{}, fmt.Errorf("%w: deal is %s", domain.ErrInvalidState, d.Status)
	}
	voidedAt := e.now().UTC()
	entry := audit.Entry(d.DealID, domain.EventDealVoided, actor, nil)
	err = e.store.TransitionStatus(ctx, d.DealID, d.Status, domain.StatusVoided, Update{VoidedAt: &voidedAt}, entry)
	if err != nil {
		return domain.Deal{}, err
	}
	d.Status = domain.StatusVoided
	d.VoidedAt = &voidedAt
	return d, nil
}

// SealVerification is the outcome of re-verifying a stored seal.
type SealVerification struct {
	Verdict          string `json:"verdict"` // valid, invalid or error
	Valid            bool   `json:"valid"`
	StoredDigest     string `json:"stored_digest,omitempty"`
	RecomputedDigest string `json:"recomputed_digest,omitempty"`
	Reason           string `json:"reason,omitempty"`
}

// VerifySeal recomputes the digest over the deal's currently stored
// canonical fields and compares it to the stored seal. Pure: no mutation,
// no audit entries, callable by anyone any number of times.
func (e *Engine) VerifySeal(d domain.Deal) SealVerification {
	if d.DealSeal == "" || d.ConfirmedAt == nil {
		return SealVerification{Verdict: "error", Reason: "deal is not sealed"}
	}
	canon, err := canonical.Serialize(d.SealVersion, d.DealID, d.Terms, d.SignatureURL, *d.ConfirmedAt)
	if err != nil {
		return SealVerification{Verdict: "error", StoredDigest: d.DealSeal, Reason: err.Error()}
	}
	recomputed := seal.Compute(canon)
	if seal.Verify(d.DealSeal, canon) {
		return SealVerification{Verdict: "valid", Valid: true, StoredDigest: d.DealSeal, RecomputedDigest: recomputed}
	}
	return SealVerification{Verdict: "invalid", StoredDigest: d.DealSeal, RecomputedDigest: recomputed, Reason: "stored seal does not match recomputed digest"}
}
