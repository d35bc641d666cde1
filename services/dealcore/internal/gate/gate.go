// Package gate implements trust-level-gated identity verification:
// one-time-code issuance and validation for email and phone, plus the
// platform attestation short-circuit for already-verified channels.
package gate

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"

	"github.com/CapTomas/Proofo-sub003/pkg/domain"
	"github.com/CapTomas/Proofo-sub003/services/dealcore/internal/audit"
	"github.com/CapTomas/Proofo-sub003/services/dealcore/internal/notify"
)

type Store interface {
	// LatestChallenge returns the most recent challenge for the tuple,
	// consumed or not, or nil when none exists.
	LatestChallenge(ctx context.Context, dealID string, channel domain.Channel, destination string) (*domain.OTPChallenge, error)
	// CreateChallenge persists the challenge and its audit entry in one
	// transaction.
	CreateChallenge(ctx context.Context, c domain.OTPChallenge, entry domain.AuditEntry) error
	BumpChallengeAttempts(ctx context.Context, challengeID string) (int, error)
	// ConsumeChallenge marks the challenge consumed and writes the
	// verification record and its audit entry in one transaction.
	ConsumeChallenge(ctx context.Context, challengeID string, rec domain.VerificationRecord, entry domain.AuditEntry) error
	// CreateVerificationRecord writes a record without a challenge
	// (attestation path), with its audit entry, in one transaction.
	CreateVerificationRecord(ctx context.Context, rec domain.VerificationRecord, entry domain.AuditEntry) error
	ListVerificationRecords(ctx context.Context, dealID string) ([]domain.VerificationRecord, error)
}

type Config struct {
	CodeTTL        time.Duration
	MaxAttempts    int
	ResendCooldown time.Duration
	// AttestationSecret verifies platform-issued channel attestations.
	// Empty disables the attestation path.
	AttestationSecret []byte
}

func DefaultConfig() Config {
	return Config{
		CodeTTL:        10 * time.Minute,
		MaxAttempts:    5,
		ResendCooldown: time.Minute,
	}
}

type Gate struct {
	store  Store
	notify notify.Notifier
	cfg    Config
	log    *zap.Logger
	now    func() time.Time
}

func New(store Store, n notify.Notifier, cfg Config, log *zap.Logger) *Gate {
	return &Gate{store: store, notify: n, cfg: cfg, log: log, now: time.Now}
}

// WithClock overrides the wall clock. Tests only.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

const (
	codeLength = 6
	saltLength = 16

	argonTime    uint32 = 1
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 4
	argonKeyLen  uint32 = 32
)

func hashCode(code string, salt []byte) []byte {
	return argon2.IDKey([]byte(code), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

func randomCode() (string, error) {
	// Rejection sampling over a byte per digit keeps the distribution
	// uniform across 0-9.
	digits := make([]byte, 0, codeLength)
	buf := make([]byte, 1)
	for len(digits) < codeLength {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		if buf[0] >= 250 {
			continue
		}
		digits = append(digits, '0'+buf[0]%10)
	}
	return string(digits), nil
}

func otpEventType(channel domain.Channel) domain.EventType {
	if channel == domain.ChannelPhone {
		return domain.EventPhoneOTPSent
	}
	return domain.EventEmailOTPSent
}

func verifiedEventType(channel domain.Channel) domain.EventType {
	if channel == domain.ChannelPhone {
		return domain.EventPhoneVerified
	}
	return domain.EventEmailVerified
}

// SendChallenge issues a one-time code for the channel and dispatches it
// out-of-band. The returned code is surfaced only so dev mode can echo it;
// production callers must discard it.
func (g *Gate) SendChallenge(ctx context.Context, deal domain.Deal, channel domain.Channel, destination string) (domain.OTPChallenge, string, error) {
	if channel == domain.ChannelIdentityDocument {
		return domain.OTPChallenge{}, "", fmt.Errorf("%w: identity document verification is not available", domain.ErrInvalidInput)
	}
	if !channelRequired(deal.TrustLevel, channel) {
		return domain.OTPChallenge{}, "", fmt.Errorf("%w: channel %s is not required for trust level %s", domain.ErrInvalidInput, channel, deal.TrustLevel)
	}
	if !domain.ValidDestination(channel, destination) {
		return domain.OTPChallenge{}, "", fmt.Errorf("%w: malformed %s destination", domain.ErrInvalidInput, channel)
	}
	if channel == domain.ChannelPhone {
		destination, _ = domain.NormalizePhone(destination)
		// Ordered levels gate phone challenges on a completed email
		// verification.
		done, err := g.channelVerified(ctx, deal.DealID, domain.ChannelEmail)
		if err != nil {
			return domain.OTPChallenge{}, "", err
		}
		if requiresEmailFirst(deal.TrustLevel) && !done {
			return domain.OTPChallenge{}, "", fmt.Errorf("%w: email must be verified before phone", domain.ErrVerificationRequired)
		}
	}

	now := g.now().UTC()
	last, err := g.store.LatestChallenge(ctx, deal.DealID, channel, destination)
	if err != nil {
		return domain.OTPChallenge{}, "", err
	}
	if last != nil && now.Sub(last.CreatedAt) < g.cfg.ResendCooldown {
		return domain.OTPChallenge{}, "", fmt.Errorf("%w: challenge recently sent to this destination", domain.ErrRateLimited)
	}

	code, err := randomCode()
	if err != nil {
		return domain.OTPChallenge{}, "", err
	}
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return domain.OTPChallenge{}, "", err
	}
	c := domain.OTPChallenge{
		ChallengeID: "chl_" + uuid.NewString(),
		DealID:      deal.DealID,
		Channel:     channel,
		Destination: destination,
		CodeHash:    hashCode(code, salt),
		Salt:        salt,
		ExpiresAt:   now.Add(g.cfg.CodeTTL),
		CreatedAt:   now,
	}
	entry := audit.Entry(deal.DealID, otpEventType(channel), domain.SystemActor, map[string]string{
		"destination": domain.MaskDestination(channel, destination),
	})
	if err := g.store.CreateChallenge(ctx, c, entry); err != nil {
		return domain.OTPChallenge{}, "", err
	}
	if err := g.notify.SendCode(ctx, channel, destination, code); err != nil {
		g.log.Error("otp dispatch failed", zap.String("deal_id", deal.DealID), zap.String("channel", string(channel)), zap.Error(err))
		return domain.OTPChallenge{}, "", err
	}
	return c, code, nil
}

// VerifyChallenge validates the code against the live challenge, lazily
// expiring it, and on success consumes it and writes the verification
// record. Challenges are single use.
func (g *Gate) VerifyChallenge(ctx context.Context, deal domain.Deal, channel domain.Channel, destination, code string) (domain.VerificationRecord, error) {
	if channel == domain.ChannelPhone {
		if p, ok := domain.NormalizePhone(destination); ok {
			destination = p
		}
	}
	c, err := g.store.LatestChallenge(ctx, deal.DealID, channel, destination)
	if err != nil {
		return domain.VerificationRecord{}, err
	}
	now := g.now().UTC()
	if c == nil || c.ConsumedAt != nil || now.After(c.ExpiresAt) {
		return domain.VerificationRecord{}, fmt.Errorf("%w: no live challenge for this destination", domain.ErrExpiredChallenge)
	}
	if c.Attempts >= g.cfg.MaxAttempts {
		return domain.VerificationRecord{}, fmt.Errorf("%w: challenge locked after %d attempts", domain.ErrTooManyAttempts, c.Attempts)
	}
	if subtle.ConstantTimeCompare(hashCode(code, c.Salt), c.CodeHash) != 1 {
		if _, err := g.store.BumpChallengeAttempts(ctx, c.ChallengeID); err != nil {
			return domain.VerificationRecord{}, err
		}
		return domain.VerificationRecord{}, fmt.Errorf("%w: code does not match", domain.ErrInvalidCode)
	}

	rec := domain.VerificationRecord{
		DealID:        deal.DealID,
		Channel:       channel,
		VerifiedValue: destination,
		VerifiedAt:    now,
	}
	entry := audit.Entry(deal.DealID, verifiedEventType(channel), domain.Actor{Type: domain.ActorRecipient}, map[string]string{
		"destination": domain.MaskDestination(channel, destination),
		"method":      "otp",
	})
	if err := g.store.ConsumeChallenge(ctx, c.ChallengeID, rec, entry); err != nil {
		return domain.VerificationRecord{}, err
	}
	return rec, nil
}

// AttestationClaims is the payload of a platform-issued token asserting a
// channel is already verified for an authenticated recipient.
type AttestationClaims struct {
	Channel string `json:"channel"`
	Value   string `json:"value"`
	jwt.RegisteredClaims
}

// AcceptAttestation short-circuits a channel for a recipient the platform
// has already verified. A verification record is still written so the
// audit trail stays complete.
func (g *Gate) AcceptAttestation(ctx context.Context, deal domain.Deal, token string) (domain.VerificationRecord, error) {
	if len(g.cfg.AttestationSecret) == 0 {
		return domain.VerificationRecord{}, fmt.Errorf("%w: attestations are not accepted", domain.ErrUnauthorized)
	}
	var claims AttestationClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return g.cfg.AttestationSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return domain.VerificationRecord{}, fmt.Errorf("%w: attestation rejected", domain.ErrUnauthorized)
	}
	channel := domain.Channel(claims.Channel)
	if channel != domain.ChannelEmail && channel != domain.ChannelPhone {
		return domain.VerificationRecord{}, fmt.Errorf("%w: attestation channel %q", domain.ErrInvalidInput, claims.Channel)
	}
	if !channelRequired(deal.TrustLevel, channel) {
		return domain.VerificationRecord{}, fmt.Errorf("%w: channel %s is not required for trust level %s", domain.ErrInvalidInput, channel, deal.TrustLevel)
	}

	recs, err := g.store.ListVerificationRecords(ctx, deal.DealID)
	if err != nil {
		return domain.VerificationRecord{}, err
	}
	for _, r := range recs {
		if r.Channel == channel {
			return r, nil
		}
	}
	rec := domain.VerificationRecord{
		DealID:        deal.DealID,
		Channel:       channel,
		VerifiedValue: claims.Value,
		VerifiedAt:    g.now().UTC(),
	}
	entry := audit.Entry(deal.DealID, verifiedEventType(channel), domain.Actor{Type: domain.ActorRecipient}, map[string]string{
		"destination": domain.MaskDestination(channel, claims.Value),
		"method":      "attestation",
	})
	if err := g.store.CreateVerificationRecord(ctx, rec, entry); err != nil {
		return domain.VerificationRecord{}, err
	}
	return rec, nil
}

// IsSatisfied reports whether every channel required by the deal's trust
// level has a verification record, and which channels are still missing.
func (g *Gate) IsSatisfied(ctx context.Context, deal domain.Deal) (bool, []domain.Channel, error) {
	required := domain.RequiredChannels(deal.TrustLevel)
	if len(required) == 0 {
		return true, nil, nil
	}
	recs, err := g.store.ListVerificationRecords(ctx, deal.DealID)
	if err != nil {
		return false, nil, err
	}
	have := map[domain.Channel]bool{}
	for _, r := range recs {
		have[r.Channel] = true
	}
	var missing []domain.Channel
	for _, ch := range required {
		if !have[ch] {
			missing = append(missing, ch)
		}
	}
	return len(missing) == 0, missing, nil
}

func (g *Gate) channelVerified(ctx context.Context, dealID string, channel domain.Channel) (bool, error) {
	recs, err := g.store.ListVerificationRecords(ctx, dealID)
	if err != nil {
		return false, err
	}
	for _, r := range recs {
		if r.Channel == channel {
			return true, nil
		}
	}
	return false, nil
}

func channelRequired(level domain.TrustLevel, channel domain.Channel) bool {
	for _, ch := range domain.RequiredChannels(level) {
		if ch == channel {
			return true
		}
	}
	return false
}

func requiresEmailFirst(level domain.TrustLevel) bool {
	return level == domain.TrustStrong || level == domain.TrustMaximum
}
