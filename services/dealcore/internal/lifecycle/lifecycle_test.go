package lifecycle_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/CapTomas/Proofo-sub003/pkg/domain"
	"github.com/CapTomas/Proofo-sub003/services/dealcore/internal/gate"
	"github.com/CapTomas/Proofo-sub003/services/dealcore/internal/lifecycle"
	"github.com/CapTomas/Proofo-sub003/services/dealcore/internal/memstore"
	"github.com/CapTomas/Proofo-sub003/services/dealcore/internal/notify"
	"github.com/CapTomas/Proofo-sub003/services/dealcore/internal/sigstore"
)

type harness struct {
	engine  *lifecycle.Engine
	gate    *gate.Gate
	store   *memstore.Store
	images  *sigstore.Memory
	capture *notify.Capture
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := memstore.New()
	capture := &notify.Capture{}
	g := gate.New(st, capture, gate.DefaultConfig(), zap.NewNop())
	images := sigstore.NewMemory()
	return &harness{
		engine:  lifecycle.New(st, g, images, zap.NewNop()),
		gate:    g,
		store:   st,
		images:  images,
		capture: capture,
	}
}

func validInput(level domain.TrustLevel) lifecycle.CreateDealInput {
	return lifecycle.CreateDealInput{
		CreatorID:     "usr_creator",
		CreatorName:   "Alice",
		RecipientName: "Bob",
		Terms: []domain.Term{
			{Label: "Price", Value: "1200", Type: domain.TermCurrency},
			{Label: "Scope", Value: "Kitchen renovation", Type: domain.TermTextarea},
		},
		TrustLevel: level,
	}
}

func eventTypes(t *testing.T, st *memstore.Store, dealID string) []domain.EventType {
	t.Helper()
	entries, err := st.ListAuditEntries(context.Background(), dealID)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	out := make([]domain.EventType, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.EventType)
	}
	return out
}

func TestCreateDealValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*lifecycle.CreateDealInput)
	}{
		{"no terms", func(in *lifecycle.CreateDealInput) { in.Terms = nil }},
		{"blank label", func(in *lifecycle.CreateDealInput) { in.Terms[0].Label = "  " }},
		{"blank value", func(in *lifecycle.CreateDealInput) { in.Terms[0].Value = "" }},
		{"bad term type", func(in *lifecycle.CreateDealInput) { in.Terms[0].Type = "picture" }},
		{"bad trust level", func(in *lifecycle.CreateDealInput) { in.TrustLevel = "paranoid" }},
		{"no recipient name", func(in *lifecycle.CreateDealInput) { in.RecipientName = "" }},
		{"bad recipient email", func(in *lifecycle.CreateDealInput) {
			bad := "nope"
			in.RecipientEmail = &bad
		}},
	}
	for _, tc := range cases {
		in := validInput(domain.TrustBasic)
		tc.mutate(&in)
		if _, _, err := h.engine.CreateDeal(ctx, in); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("%s: got %v, want ErrInvalidInput", tc.name, err)
		}
	}
}

func TestCreateDealDefaultsTermType(t *testing.T) {
	h := newHarness(t)
	d, _, err := h.engine.CreateDeal(context.Background(), lifecycle.CreateDealInput{
		CreatorID:     "usr_creator",
		CreatorName:   "Alice",
		RecipientName: "Bob",
		Terms:         []domain.Term{{Label: "Amount", Value: "$150"}},
		TrustLevel:    domain.TrustBasic,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if d.Terms[0].Type != domain.TermText {
		t.Fatalf("term type = %q, want text default", d.Terms[0].Type)
	}
}

func TestCreateDealAssignsIdentifiers(t *testing.T) {
	h := newHarness(t)
	d, token, err := h.engine.CreateDeal(context.Background(), validInput(domain.TrustBasic))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.HasPrefix(d.DealID, "dl_") || !strings.HasPrefix(d.PublicID, "pd_") {
		t.Fatalf("identifiers = %s / %s", d.DealID, d.PublicID)
	}
	if token == "" || d.AccessTokenHash == "" {
		t.Fatal("access token must be issued and its hash stored")
	}
	if d.AccessTokenHash != lifecycle.HashToken(token) {
		t.Fatal("stored hash does not match issued token")
	}
	if d.Status != domain.StatusPending {
		t.Fatalf("new deal status = %s, want pending", d.Status)
	}
	for _, term := range d.Terms {
		if !strings.HasPrefix(term.ID, "trm_") {
			t.Fatalf("term id not assigned: %+v", term)
		}
	}
	if got := eventTypes(t, h.store, d.DealID); len(got) != 1 || got[0] != domain.EventDealCreated {
		t.Fatalf("timeline after create = %v", got)
	}
}

func TestSignHappyPathBasic(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d, token, err := h.engine.CreateDeal(ctx, validInput(domain.TrustBasic))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	viewed, missing, err := h.engine.RequestSign(ctx, d.PublicID, token)
	if err != nil {
		t.Fatalf("request sign: %v (missing %v)", err, missing)
	}
	if viewed.ViewedAt == nil {
		t.Fatal("first request must record the view")
	}

	signed, err := h.engine.Sign(ctx, d.PublicID, token, []byte("png-bytes"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if signed.Status != domain.StatusConfirmed {
		t.Fatalf("status = %s, want confirmed", signed.Status)
	}
	if len(signed.DealSeal) != 64 {
		t.Fatalf("seal length = %d, want 64", len(signed.DealSeal))
	}
	if signed.SealVersion == "" || signed.ConfirmedAt == nil {
		t.Fatal("seal version and confirmed_at must be set")
	}
	if img, ok := h.images.Get(signed.SignatureURL); !ok || string(img) != "png-bytes" {
		t.Fatal("signature image not stored under the recorded reference")
	}

	want := []domain.EventType{domain.EventDealCreated, domain.EventDealViewed, domain.EventDealSigned, domain.EventDealConfirmed}
	got := eventTypes(t, h.store, d.DealID)
	if len(got) != len(want) {
		t.Fatalf("timeline = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("timeline = %v, want %v", got, want)
		}
	}

	if v := h.engine.VerifySeal(signed); v.Verdict != "valid" || !v.Valid {
		t.Fatalf("verify seal = %+v", v)
	}
}

func TestViewRecordedOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d, token, _ := h.engine.CreateDeal(ctx, validInput(domain.TrustBasic))

	if _, _, err := h.engine.RequestSign(ctx, d.PublicID, token); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if _, _, err := h.engine.RequestSign(ctx, d.PublicID, token); err != nil {
		t.Fatalf("second request: %v", err)
	}

	views := 0
	for _, et := range eventTypes(t, h.store, d.DealID) {
		if et == domain.EventDealViewed {
			views++
		}
	}
	if views != 1 {
		t.Fatalf("deal_viewed recorded %d times, want 1", views)
	}
}

func TestSignRequiresVerification(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d, token, _ := h.engine.CreateDeal(ctx, validInput(domain.TrustVerified))

	_, missing, err := h.engine.RequestSign(ctx, d.PublicID, token)
	if !errors.Is(err, domain.ErrVerificationRequired) {
		t.Fatalf("request sign: got %v, want ErrVerificationRequired", err)
	}
	if len(missing) != 1 || missing[0] != domain.ChannelEmail {
		t.Fatalf("missing = %v, want [email]", missing)
	}
	if _, err := h.engine.Sign(ctx, d.PublicID, token, []byte("png")); !errors.Is(err, domain.ErrVerificationRequired) {
		t.Fatalf("sign: got %v, want ErrVerificationRequired", err)
	}

	_, code, err := h.gate.SendChallenge(ctx, d, domain.ChannelEmail, "bob@example.com")
	if err != nil {
		t.Fatalf("send challenge: %v", err)
	}
	if _, err := h.gate.VerifyChallenge(ctx, d, domain.ChannelEmail, "bob@example.com", code); err != nil {
		t.Fatalf("verify challenge: %v", err)
	}

	signed, err := h.engine.Sign(ctx, d.PublicID, token, []byte("png"))
	if err != nil {
		t.Fatalf("sign after verification: %v", err)
	}
	if signed.Status != domain.StatusConfirmed {
		t.Fatalf("status = %s, want confirmed", signed.Status)
	}
}

func TestAccessTokenEnforced(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d, _, _ := h.engine.CreateDeal(ctx, validInput(domain.TrustBasic))

	if _, _, err := h.engine.RequestSign(ctx, d.PublicID, "wrong-token"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("request sign: got %v, want ErrUnauthorized", err)
	}
	if _, err := h.engine.Sign(ctx, d.PublicID, "", []byte("png")); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("sign: got %v, want ErrUnauthorized", err)
	}
	if _, err := h.engine.AuthorizeRecipient(ctx, d.PublicID, "wrong-token"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("authorize: got %v, want ErrUnauthorized", err)
	}
}

func TestVoid(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d, token, _ := h.engine.CreateDeal(ctx, validInput(domain.TrustBasic))

	voided, err := h.engine.Void(ctx, d.DealID, domain.Actor{ID: "usr_creator", Type: domain.ActorCreator})
	if err != nil {
		t.Fatalf("void: %v", err)
	}
	if voided.Status != domain.StatusVoided || voided.VoidedAt == nil {
		t.Fatalf("voided deal = %+v", voided)
	}

	// Voided is terminal.
	if _, err := h.engine.Sign(ctx, d.PublicID, token, []byte("png")); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("sign after void: got %v, want ErrInvalidState", err)
	}
	if _, err := h.engine.Void(ctx, d.DealID, domain.SystemActor); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("double void: got %v, want ErrInvalidState", err)
	}

	voids, confirms := 0, 0
	for _, et := range eventTypes(t, h.store, d.DealID) {
		switch et {
		case domain.EventDealVoided:
			voids++
		case domain.EventDealConfirmed:
			confirms++
		}
	}
	if voids != 1 || confirms != 0 {
		t.Fatalf("timeline has %d deal_voided and %d deal_confirmed, want 1 and 0", voids, confirms)
	}
}

func TestVoidConfirmedRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d, token, _ := h.engine.CreateDeal(ctx, validInput(domain.TrustBasic))
	if _, err := h.engine.Sign(ctx, d.PublicID, token, []byte("png")); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := h.engine.Void(ctx, d.DealID, domain.SystemActor); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("void confirmed: got %v, want ErrInvalidState", err)
	}
}

func TestFinalizeSealIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d, token, _ := h.engine.CreateDeal(ctx, validInput(domain.TrustBasic))
	signed, err := h.engine.Sign(ctx, d.PublicID, token, []byte("png"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	before := len(eventTypes(t, h.store, d.DealID))

	again, err := h.engine.FinalizeSeal(ctx, d.DealID)
	if err != nil {
		t.Fatalf("finalize on confirmed: %v", err)
	}
	if again.DealSeal != signed.DealSeal {
		t.Fatal("retried finalize must not change the seal")
	}
	if after := len(eventTypes(t, h.store, d.DealID)); after != before {
		t.Fatalf("retried finalize appended entries: %d -> %d", before, after)
	}
}

func TestFinalizeSealFromPendingRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d, _, _ := h.engine.CreateDeal(ctx, validInput(domain.TrustBasic))
	if _, err := h.engine.FinalizeSeal(ctx, d.DealID); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("finalize pending: got %v, want ErrInvalidState", err)
	}
}

func TestVerifySealDetectsTamper(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d, token, _ := h.engine.CreateDeal(ctx, validInput(domain.TrustBasic))
	signed, err := h.engine.Sign(ctx, d.PublicID, token, []byte("png"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	tampered := signed
	tampered.Terms = append([]domain.Term(nil), signed.Terms...)
	tampered.Terms[0].Value = "120000"
	if v := h.engine.VerifySeal(tampered); v.Verdict != "invalid" || v.Valid {
		t.Fatalf("tampered term: verdict = %+v", v)
	}

	shifted := signed
	shiftedAt := signed.ConfirmedAt.Add(time.Second)
	shifted.ConfirmedAt = &shiftedAt
	if v := h.engine.VerifySeal(shifted); v.Verdict != "invalid" {
		t.Fatalf("shifted timestamp: verdict = %+v", v)
	}
}

func TestVerifySealErrorVerdicts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d, token, _ := h.engine.CreateDeal(ctx, validInput(domain.TrustBasic))

	if v := h.engine.VerifySeal(d); v.Verdict != "error" {
		t.Fatalf("unsealed deal: verdict = %+v", v)
	}

	signed, err := h.engine.Sign(ctx, d.PublicID, token, []byte("png"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	future := signed
	future.SealVersion = "deal-seal-v9"
	if v := h.engine.VerifySeal(future); v.Verdict != "error" {
		t.Fatalf("unknown seal version: verdict = %+v", v)
	}
}

func TestSignRejectsEmptyImage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d, token, _ := h.engine.CreateDeal(ctx, validInput(domain.TrustBasic))
	if _, err := h.engine.Sign(ctx, d.PublicID, token, nil); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("empty image: got %v, want ErrInvalidInput", err)
	}
}

func TestUnknownDeal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.engine.Deal(ctx, "dl_missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("get: got %v, want ErrNotFound", err)
	}
	if _, _, err := h.engine.RequestSign(ctx, "pd_missing", "tok"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("request sign: got %v, want ErrNotFound", err)
	}
}
