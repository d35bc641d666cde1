package domain

import (
	"reflect"
	"testing"
)

func TestRequiredChannels(t *testing.T) {
	cases := []struct {
		level TrustLevel
		want  []Channel
	}{
		{TrustBasic, nil},
		{TrustVerified, []Channel{ChannelEmail}},
		{TrustStrong, []Channel{ChannelEmail, ChannelPhone}},
		{TrustMaximum, []Channel{ChannelEmail, ChannelPhone, ChannelIdentityDocument}},
		{TrustLevel("bogus"), nil},
	}
	for _, tc := range cases {
		if got := RequiredChannels(tc.level); !reflect.DeepEqual(got, tc.want) {
			t.Errorf("RequiredChannels(%s) = %v, want %v", tc.level, got, tc.want)
		}
	}
}

func TestValidEventType(t *testing.T) {
	for _, et := range []EventType{
		EventDealCreated, EventDealViewed, EventDealSigned, EventDealConfirmed,
		EventDealVoided, EventEmailOTPSent, EventEmailVerified, EventPhoneOTPSent,
		EventPhoneVerified, EventEmailSent, EventPDFGenerated,
	} {
		if !ValidEventType(et) {
			t.Errorf("ValidEventType(%s) = false", et)
		}
	}
	for _, et := range []EventType{"", "deal_deleted", "DEAL_CREATED", "sms_sent"} {
		if ValidEventType(et) {
			t.Errorf("ValidEventType(%q) = true, want false", et)
		}
	}
}

func TestCollaboratorEventType(t *testing.T) {
	if !CollaboratorEventType(EventEmailSent) || !CollaboratorEventType(EventPDFGenerated) {
		t.Fatal("email_sent and pdf_generated are collaborator events")
	}
	if CollaboratorEventType(EventDealSigned) {
		t.Fatal("deal_signed is a core event, not a collaborator event")
	}
}

func TestValidEmail(t *testing.T) {
	for _, ok := range []string{"a@b.co", "First.Last@example.com", "x+tag@sub.domain.io"} {
		if !ValidEmail(ok) {
			t.Errorf("ValidEmail(%q) = false", ok)
		}
	}
	for _, bad := range []string{"", "plain", "a@b", "a b@c.com", "@c.com", "a@.com"} {
		if ValidEmail(bad) {
			t.Errorf("ValidEmail(%q) = true, want false", bad)
		}
	}
}

func TestNormalizePhone(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"+420777123456", "+420777123456", true},
		{"+420 777 123 456", "+420777123456", true},
		{"+1-555-0100", "+15550100", true},
		{"420777123456", "", false},
		{"+4", "", false},
		{"+420abc", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := NormalizePhone(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Errorf("NormalizePhone(%q) = (%q, %v), want (%q, %v)", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestValidDestination(t *testing.T) {
	if !ValidDestination(ChannelEmail, "a@b.co") {
		t.Fatal("valid email rejected")
	}
	if ValidDestination(ChannelEmail, "+420777123456") {
		t.Fatal("phone accepted as email destination")
	}
	if !ValidDestination(ChannelPhone, "+420 777 123 456") {
		t.Fatal("normalizable phone rejected")
	}
	if ValidDestination(ChannelIdentityDocument, "anything") {
		t.Fatal("identity_document has no destination format")
	}
}

func TestMaskDestination(t *testing.T) {
	cases := []struct {
		channel Channel
		in      string
		want    string
	}{
		{ChannelEmail, "johndoe@example.com", "jo***@example.com"},
		{ChannelEmail, "ab@example.com", "a***@example.com"},
		{ChannelEmail, "not-an-email", "***"},
		{ChannelPhone, "+420777123456", "***3456"},
		{ChannelPhone, "+42", "***"},
	}
	for _, tc := range cases {
		if got := MaskDestination(tc.channel, tc.in); got != tc.want {
			t.Errorf("MaskDestination(%s, %q) = %q, want %q", tc.channel, tc.in, got, tc.want)
		}
	}
}
