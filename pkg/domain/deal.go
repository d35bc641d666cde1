// Package domain holds the core records and rules of the deal integrity
// core: deals and their lifecycle states, trust levels and the channels
// they require, audit entries, verification records and OTP challenges.
package domain

import (
	"regexp"
	"strings"
	"time"
)

type DealStatus string

const (
	StatusPending   DealStatus = "pending"
	StatusSealing   DealStatus = "sealing"
	StatusConfirmed DealStatus = "confirmed"
	StatusVoided    DealStatus = "voided"
)

type TrustLevel string

const (
	TrustBasic    TrustLevel = "basic"
	TrustVerified TrustLevel = "verified"
	TrustStrong   TrustLevel = "strong"
	TrustMaximum  TrustLevel = "maximum"
)

type TermType string

const (
	TermText     TermType = "text"
	TermNumber   TermType = "number"
	TermDate     TermType = "date"
	TermCurrency TermType = "currency"
	TermTextarea TermType = "textarea"
)

// Term is one agreed line item. Field order matters: the canonical
// serialization emits keys exactly as declared here (id, label, value,
// type) and term order within a deal is part of the agreement.
type Term struct {
	ID    string   `json:"id"`
	Label string   `json:"label"`
	Value string   `json:"value"`
	Type  TermType `json:"type"`
}

type Deal struct {
	DealID         string     `json:"deal_id"`
	PublicID       string     `json:"public_id"`
	CreatorID      string     `json:"creator_id"`
	CreatorName    string     `json:"creator_name"`
	RecipientName  string     `json:"recipient_name"`
	RecipientEmail *string    `json:"recipient_email,omitempty"`
	RecipientID    *string    `json:"recipient_id,omitempty"`
	Terms          []Term     `json:"terms"`
	Status         DealStatus `json:"status"`
	TrustLevel     TrustLevel `json:"trust_level"`

	// Hash of the recipient access token; the token itself is returned
	// once at creation and never stored.
	AccessTokenHash string `json:"-"`

	// Proof artifacts, present only once sealed.
	SignatureURL string `json:"signature_url,omitempty"`
	DealSeal     string `json:"deal_seal,omitempty"`
	SealVersion  string `json:"seal_version,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	ViewedAt    *time.Time `json:"viewed_at,omitempty"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
	VoidedAt    *time.Time `json:"voided_at,omitempty"`
}

type ActorType string

const (
	ActorCreator   ActorType = "creator"
	ActorRecipient ActorType = "recipient"
	ActorSystem    ActorType = "system"
)

type Actor struct {
	ID   string    `json:"id,omitempty"`
	Type ActorType `json:"type"`
}

var SystemActor = Actor{Type: ActorSystem}

type EventType string

const (
	EventDealCreated   EventType = "deal_created"
	EventDealViewed    EventType = "deal_viewed"
	EventDealSigned    EventType = "deal_signed"
	EventDealConfirmed EventType = "deal_confirmed"
	EventDealVoided    EventType = "deal_voided"
	EventEmailOTPSent  EventType = "email_otp_sent"
	EventEmailVerified EventType = "email_verified"
	EventPhoneOTPSent  EventType = "phone_otp_sent"
	EventPhoneVerified EventType = "phone_verified"
	EventEmailSent     EventType = "email_sent"
	EventPDFGenerated  EventType = "pdf_generated"
)

// ValidEventType reports membership in the closed event enumeration.
func ValidEventType(et EventType) bool {
	switch et {
	case EventDealCreated, EventDealViewed, EventDealSigned, EventDealConfirmed,
		EventDealVoided, EventEmailOTPSent, EventEmailVerified, EventPhoneOTPSent,
		EventPhoneVerified, EventEmailSent, EventPDFGenerated:
		return true
	}
	return false
}

// CollaboratorEventType reports whether the event is recorded by external
// collaborators (delivery, PDF) rather than by the core itself.
func CollaboratorEventType(et EventType) bool {
	return et == EventEmailSent || et == EventPDFGenerated
}

// AuditEntry is one immutable recorded event. Seq is assigned by the store
// and breaks CreatedAt ties by insertion order.
type AuditEntry struct {
	Seq       int64             `json:"seq"`
	DealID    string            `json:"deal_id"`
	EventType EventType         `json:"event_type"`
	ActorID   *string           `json:"actor_id,omitempty"`
	ActorType ActorType         `json:"actor_type"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

type Channel string

const (
	ChannelEmail            Channel = "email"
	ChannelPhone            Channel = "phone"
	ChannelIdentityDocument Channel = "identity_document"
)

// RequiredChannels maps a trust level to the channels a recipient must
// verify before signing, in the order they must complete. The
// identity_document step of the maximum level is declared but has no
// issuer, so maximum can never be satisfied.
func RequiredChannels(level TrustLevel) []Channel {
	switch level {
	case TrustBasic:
		return nil
	case TrustVerified:
		return []Channel{ChannelEmail}
	case TrustStrong:
		return []Channel{ChannelEmail, ChannelPhone}
	case TrustMaximum:
		return []Channel{ChannelEmail, ChannelPhone, ChannelIdentityDocument}
	}
	return nil
}

func ValidTrustLevel(level TrustLevel) bool {
	switch level {
	case TrustBasic, TrustVerified, TrustStrong, TrustMaximum:
		return true
	}
	return false
}

func ValidTermType(t TermType) bool {
	switch t {
	case TermText, TermNumber, TermDate, TermCurrency, TermTextarea:
		return true
	}
	return false
}

// VerificationRecord proves one completed channel verification for a
// deal/recipient pair. Write-once.
type VerificationRecord struct {
	DealID        string    `json:"deal_id"`
	Channel       Channel   `json:"verification_type"`
	VerifiedValue string    `json:"verified_value"`
	VerifiedAt    time.Time `json:"verified_at"`
}

// OTPChallenge is the ephemeral one-time-code state. Only the salted hash
// of the code is kept; expiry and attempts are evaluated lazily at verify
// time.
type OTPChallenge struct {
	ChallengeID string     `json:"challenge_id"`
	DealID      string     `json:"deal_id"`
	Channel     Channel    `json:"channel"`
	Destination string     `json:"destination"`
	CodeHash    []byte     `json:"-"`
	Salt        []byte     `json:"-"`
	ExpiresAt   time.Time  `json:"expires_at"`
	Attempts    int        `json:"attempts"`
	CreatedAt   time.Time  `json:"created_at"`
	ConsumedAt  *time.Time `json:"consumed_at,omitempty"`
}

var (
	reEmail = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	rePhone = regexp.MustCompile(`^\+[0-9]{2,15}$`)
)

// ValidEmail applies the RFC-shaped sanity check used for challenge
// destinations; full RFC 5322 parsing is deliberately out of scope.
func ValidEmail(email string) bool {
	return reEmail.MatchString(strings.ToLower(strings.TrimSpace(email)))
}

// NormalizePhone returns the E.164 form (leading + and 2-15 digits) or
// false when the input cannot be normalized.
func NormalizePhone(phone string) (string, bool) {
	p := strings.TrimSpace(phone)
	p = strings.ReplaceAll(p, " ", "")
	p = strings.ReplaceAll(p, "-", "")
	if !rePhone.MatchString(p) {
		return "", false
	}
	return p, true
}

// ValidDestination checks a challenge destination against its channel.
func ValidDestination(channel Channel, destination string) bool {
	switch channel {
	case ChannelEmail:
		return ValidEmail(destination)
	case ChannelPhone:
		_, ok := NormalizePhone(destination)
		return ok
	}
	return false
}

// MaskDestination hides most of a destination for audit metadata and
// challenge responses.
func MaskDestination(channel Channel, destination string) string {
	d := strings.TrimSpace(destination)
	switch channel {
	case ChannelEmail:
		parts := strings.Split(strings.ToLower(d), "@")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return "***"
		}
		local := parts[0]
		if len(local) <= 2 {
			return local[:1] + "***@" + parts[1]
		}
		return local[:2] + "***@" + parts[1]
	case ChannelPhone:
		if len(d) <= 4 {
			return "***"
		}
		return "***" + d[len(d)-4:]
	}
	return "***"
}
