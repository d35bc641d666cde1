package main

import (
	"context"
	"encoding/base64"
	"errors"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/CapTomas/Proofo-sub003/pkg/db"
	"github.com/CapTomas/Proofo-sub003/pkg/domain"
	"github.com/CapTomas/Proofo-sub003/pkg/httpx"
	"github.com/CapTomas/Proofo-sub003/services/dealcore/internal/audit"
	"github.com/CapTomas/Proofo-sub003/services/dealcore/internal/gate"
	"github.com/CapTomas/Proofo-sub003/services/dealcore/internal/lifecycle"
	"github.com/CapTomas/Proofo-sub003/services/dealcore/internal/memstore"
	"github.com/CapTomas/Proofo-sub003/services/dealcore/internal/notify"
	"github.com/CapTomas/Proofo-sub003/services/dealcore/internal/sigstore"
	"github.com/CapTomas/Proofo-sub003/services/dealcore/internal/store"
)

type coreStore interface {
	lifecycle.Store
	gate.Store
	audit.Store
}

type app struct {
	engine        *lifecycle.Engine
	gate          *gate.Gate
	auditlog      *audit.Log
	log           *zap.Logger
	devExposeCode bool
	sendLimiter   *fixedWindowLimiter
}

func main() {
	_ = godotenv.Load()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	devMode := strings.EqualFold(strings.TrimSpace(os.Getenv("DEALCORE_DEV_MODE")), "true")

	var st coreStore
	if devMode {
		st = memstore.New()
	} else {
		dsn := os.Getenv("DATABASE_URL")
		if err := db.Migrate(context.Background(), dsn); err != nil {
			log.Fatal("migrations failed", zap.Error(err))
		}
		st = store.New(db.MustConnect())
	}

	var signatures sigstore.Store
	if bucket := strings.TrimSpace(os.Getenv("SIGNATURE_S3_BUCKET")); bucket != "" && !devMode {
		signatures, err = sigstore.NewS3(context.Background(), sigstore.S3Config{
			Region:       strings.TrimSpace(os.Getenv("SIGNATURE_S3_REGION")),
			BaseEndpoint: strings.TrimSpace(os.Getenv("SIGNATURE_S3_ENDPOINT")),
			Bucket:       bucket,
			AccessKey:    strings.TrimSpace(os.Getenv("SIGNATURE_S3_ACCESS_KEY")),
			SecretKey:    strings.TrimSpace(os.Getenv("SIGNATURE_S3_SECRET_KEY")),
		})
		if err != nil {
			log.Fatal("signature store init failed", zap.Error(err))
		}
	} else {
		signatures = sigstore.NewMemory()
	}

	gcfg := gate.DefaultConfig()
	gcfg.CodeTTL = time.Duration(envIntDefault("OTP_TTL_MINUTES", 10)) * time.Minute
	gcfg.MaxAttempts = envIntDefault("OTP_MAX_ATTEMPTS", 5)
	gcfg.ResendCooldown = time.Duration(envIntDefault("OTP_RESEND_COOLDOWN_SECONDS", 60)) * time.Second
	if secret := strings.TrimSpace(os.Getenv("PLATFORM_ATTESTATION_SECRET")); secret != "" {
		gcfg.AttestationSecret = []byte(secret)
	}

	g := gate.New(st, &notify.Dev{Log: log}, gcfg, log)
	a := &app{
		engine:        lifecycle.New(st, g, signatures, log),
		gate:          g,
		auditlog:      audit.New(st),
		log:           log,
		devExposeCode: devMode,
		sendLimiter:   newFixedWindowLimiter(envIntDefault("OTP_SEND_IP_RATE_PER_MINUTE", 30), time.Minute),
	}

	port := strings.TrimSpace(os.Getenv("SERVICE_PORT"))
	if port == "" {
		port = "8086"
	}
	log.Info("dealcore listening", zap.String("port", port), zap.Bool("dev_mode", devMode))
	if err := http.ListenAndServe(":"+port, a.routes()); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

func (a *app) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(httpx.RequestLogger(a.log))
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	r.Route("/deals/v1", func(api chi.Router) {
		api.Post("/deals", a.handleCreateDeal)
		api.Get("/deals/{deal_id}", a.handleGetDeal)
		api.Get("/deals/{deal_id}/timeline", a.handleTimeline)
		api.Post("/deals/{deal_id}:void", a.handleVoid)
		api.Post("/deals/{deal_id}:finalize", a.handleFinalize)
		api.Post("/deals/{deal_id}/events", a.handleRecordEvent)
	})

	r.Route("/public/v1/deals", func(api chi.Router) {
		api.Get("/{public_id}", a.handleRequestSign)
		api.Post("/{public_id}/challenges", a.handleSendChallenge)
		api.Post("/{public_id}/challenges:verify", a.handleVerifyChallenge)
		api.Post("/{public_id}/attestations", a.handleAttestation)
		api.Post("/{public_id}:sign", a.handleSign)
		api.Get("/{public_id}/verify", a.handleVerifySeal)
	})
	return r
}

func (a *app) handleCreateDeal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Creator struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"creator"`
		Recipient struct {
			Name  string  `json:"name"`
			Email *string `json:"email,omitempty"`
			ID    *string `json:"id,omitempty"`
		} `json:"recipient"`
		Terms      []domain.Term `json:"terms"`
		TrustLevel string        `json:"trust_level"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
		return
	}
	d, token, err := a.engine.CreateDeal(r.Context(), lifecycle.CreateDealInput{
		CreatorID:      strings.TrimSpace(req.Creator.ID),
		CreatorName:    strings.TrimSpace(req.Creator.Name),
		RecipientName:  req.Recipient.Name,
		RecipientEmail: req.Recipient.Email,
		RecipientID:    req.Recipient.ID,
		Terms:          req.Terms,
		TrustLevel:     domain.TrustLevel(strings.TrimSpace(req.TrustLevel)),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, 201, map[string]any{
		"request_id":   httpx.NewRequestID(),
		"deal":         d,
		"access_token": token,
		"token_hint":   "share with the recipient once; not retrievable again",
	})
}

func (a *app) handleGetDeal(w http.ResponseWriter, r *http.Request) {
	d, err := a.engine.Deal(r.Context(), chi.URLParam(r, "deal_id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "deal": d})
}

func (a *app) handleTimeline(w http.ResponseWriter, r *http.Request) {
	dealID := chi.URLParam(r, "deal_id")
	if _, err := a.engine.Deal(r.Context(), dealID); err != nil {
		writeDomainError(w, err)
		return
	}
	entries, err := a.auditlog.Timeline(r.Context(), dealID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]any{
			"event_type": e.EventType,
			"actor_type": e.ActorType,
			"created_at": e.CreatedAt.UTC().Format(time.RFC3339),
			"metadata":   e.Metadata,
		})
	}
	httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "timeline": out})
}

func (a *app) handleVoid(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActorID   string `json:"actor_id"`
		ActorType string `json:"actor_type"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
		return
	}
	actor := domain.Actor{ID: strings.TrimSpace(req.ActorID), Type: domain.ActorCreator}
	if req.ActorType != "" {
		actor.Type = domain.ActorType(req.ActorType)
	}
	d, err := a.engine.Void(r.Context(), chi.URLParam(r, "deal_id"), actor)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "deal": d})
}

func (a *app) handleFinalize(w http.ResponseWriter, r *http.Request) {
	d, err := a.engine.FinalizeSeal(r.Context(), chi.URLParam(r, "deal_id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "deal": d})
}

// handleRecordEvent lets delivery/PDF collaborators append their events to
// the same audit trail. Core lifecycle events are recorded by the core
// itself and rejected here.
func (a *app) handleRecordEvent(w http.ResponseWriter, r *http.Request) {
	dealID := chi.URLParam(r, "deal_id")
	var req struct {
		EventType string            `json:"event_type"`
		ActorID   string            `json:"actor_id"`
		Metadata  map[string]string `json:"metadata"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
		return
	}
	et := domain.EventType(strings.TrimSpace(req.EventType))
	if !domain.CollaboratorEventType(et) {
		httpx.WriteError(w, 400, "INVALID_INPUT", "event_type must be email_sent or pdf_generated", nil)
		return
	}
	if _, err := a.engine.Deal(r.Context(), dealID); err != nil {
		writeDomainError(w, err)
		return
	}
	actor := domain.Actor{ID: strings.TrimSpace(req.ActorID), Type: domain.ActorSystem}
	if err := a.auditlog.Record(r.Context(), dealID, et, actor, req.Metadata); err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, 201, map[string]any{"request_id": httpx.NewRequestID(), "recorded": true})
}

func recipientToken(r *http.Request) string {
	if tok := strings.TrimSpace(r.Header.Get("X-Deal-Token")); tok != "" {
		return tok
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func (a *app) handleRequestSign(w http.ResponseWriter, r *http.Request) {
	publicID := chi.URLParam(r, "public_id")
	d, missing, err := a.engine.RequestSign(r.Context(), publicID, recipientToken(r))
	if err != nil {
		if errors.Is(err, domain.ErrVerificationRequired) {
			httpx.WriteError(w, 403, "VERIFICATION_REQUIRED", "identity verification must be completed before signing", map[string]any{
				"missing_channels": missing,
				"deal":             publicDealView(d),
			})
			return
		}
		writePublicError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"request_id": httpx.NewRequestID(),
		"deal":       publicDealView(d),
		"can_sign":   true,
	})
}

func (a *app) handleSendChallenge(w http.ResponseWriter, r *http.Request) {
	if !enforceRateLimit(w, a.sendLimiter, "send_ip:"+clientIPFromRequest(r)) {
		return
	}
	publicID := chi.URLParam(r, "public_id")
	var req struct {
		Token       string `json:"token"`
		Channel     string `json:"channel"`
		Destination string `json:"destination"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
		return
	}
	d, err := a.engine.AuthorizeRecipient(r.Context(), publicID, req.Token)
	if err != nil {
		writePublicError(w, err)
		return
	}
	channel := domain.Channel(strings.TrimSpace(req.Channel))
	c, code, err := a.gate.SendChallenge(r.Context(), d, channel, req.Destination)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp := map[string]any{
		"request_id": httpx.NewRequestID(),
		"challenge": map[string]any{
			"channel":    c.Channel,
			"recipient":  domain.MaskDestination(c.Channel, c.Destination),
			"expires_at": c.ExpiresAt,
		},
	}
	if a.devExposeCode {
		resp["challenge"].(map[string]any)["verification_code"] = code
	}
	httpx.WriteJSON(w, 201, resp)
}

func (a *app) handleVerifyChallenge(w http.ResponseWriter, r *http.Request) {
	publicID := chi.URLParam(r, "public_id")
	var req struct {
		Token       string `json:"token"`
		Channel     string `json:"channel"`
		Destination string `json:"destination"`
		Code        string `json:"code"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
		return
	}
	d, err := a.engine.AuthorizeRecipient(r.Context(), publicID, req.Token)
	if err != nil {
		writePublicError(w, err)
		return
	}
	channel := domain.Channel(strings.TrimSpace(req.Channel))
	rec, err := a.gate.VerifyChallenge(r.Context(), d, channel, req.Destination, strings.TrimSpace(req.Code))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"request_id": httpx.NewRequestID(),
		"verification": map[string]any{
			"verification_type": rec.Channel,
			"verified_at":       rec.VerifiedAt,
		},
	})
}

func (a *app) handleAttestation(w http.ResponseWriter, r *http.Request) {
	publicID := chi.URLParam(r, "public_id")
	var req struct {
		Token       string `json:"token"`
		Attestation string `json:"attestation"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
		return
	}
	d, err := a.engine.AuthorizeRecipient(r.Context(), publicID, req.Token)
	if err != nil {
		writePublicError(w, err)
		return
	}
	rec, err := a.gate.AcceptAttestation(r.Context(), d, strings.TrimSpace(req.Attestation))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"request_id": httpx.NewRequestID(),
		"verification": map[string]any{
			"verification_type": rec.Channel,
			"verified_at":       rec.VerifiedAt,
		},
	})
}

func (a *app) handleSign(w http.ResponseWriter, r *http.Request) {
	publicID := chi.URLParam(r, "public_id")
	var req struct {
		Token          string `json:"token"`
		SignatureImage string `json:"signature_image"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
		return
	}
	image, err := decodeSignatureImage(req.SignatureImage)
	if err != nil {
		httpx.WriteError(w, 400, "INVALID_INPUT", "signature_image must be base64-encoded", nil)
		return
	}
	d, err := a.engine.Sign(r.Context(), publicID, req.Token, image)
	if err != nil {
		if errors.Is(err, domain.ErrVerificationRequired) || errors.Is(err, domain.ErrInvalidInput) {
			writeDomainError(w, err)
			return
		}
		writePublicError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "deal": d})
}

func (a *app) handleVerifySeal(w http.ResponseWriter, r *http.Request) {
	d, err := a.engine.DealByPublicID(r.Context(), chi.URLParam(r, "public_id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	v := a.engine.VerifySeal(d)
	httpx.WriteJSON(w, 200, map[string]any{
		"request_id": httpx.NewRequestID(),
		"deal": map[string]any{
			"public_id":    d.PublicID,
			"status":       d.Status,
			"creator_name": d.CreatorName,
			"confirmed_at": d.ConfirmedAt,
			"seal_version": d.SealVersion,
		},
		"seal": v,
	})
}

// publicDealView strips creator-side fields from the recipient response.
func publicDealView(d domain.Deal) map[string]any {
	return map[string]any{
		"public_id":    d.PublicID,
		"creator_name": d.CreatorName,
		"recipient":    d.RecipientName,
		"terms":        d.Terms,
		"status":       d.Status,
		"trust_level":  d.TrustLevel,
		"created_at":   d.CreatedAt,
	}
}

func decodeSignatureImage(raw string) ([]byte, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, nil
	}
	// Canvas captures arrive as data URLs.
	if i := strings.Index(s, ";base64,"); i >= 0 {
		s = s[i+len(";base64,"):]
	}
	return base64.StdEncoding.DecodeString(s)
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		httpx.WriteError(w, 400, "INVALID_INPUT", err.Error(), nil)
	case errors.Is(err, domain.ErrUnauthorized):
		httpx.WriteError(w, 401, "UNAUTHORIZED", "not authorized", nil)
	case errors.Is(err, domain.ErrInvalidState):
		httpx.WriteError(w, 409, "INVALID_STATE", err.Error(), nil)
	case errors.Is(err, domain.ErrNotFound):
		httpx.WriteError(w, 404, "NOT_FOUND", "not found", nil)
	case errors.Is(err, domain.ErrVerificationRequired):
		httpx.WriteError(w, 403, "VERIFICATION_REQUIRED", err.Error(), nil)
	case errors.Is(err, domain.ErrExpiredChallenge):
		httpx.WriteError(w, 410, "EXPIRED_CHALLENGE", "challenge expired or already used", nil)
	case errors.Is(err, domain.ErrInvalidCode):
		httpx.WriteError(w, 401, "INVALID_CODE", "verification code is invalid", nil)
	case errors.Is(err, domain.ErrTooManyAttempts):
		httpx.WriteError(w, 429, "TOO_MANY_ATTEMPTS", "challenge locked; request a new code", nil)
	case errors.Is(err, domain.ErrRateLimited):
		httpx.WriteError(w, 429, "RATE_LIMITED", "rate limit exceeded", nil)
	default:
		httpx.WriteError(w, 500, "STORAGE_ERROR", err.Error(), nil)
	}
}

// writePublicError collapses token mismatches, unknown public IDs and
// lifecycle-state rejections into one response so callers probing deal
// links learn nothing about why a link stopped working.
func writePublicError(w http.ResponseWriter, err error) {
	if errors.Is(err, domain.ErrUnauthorized) || errors.Is(err, domain.ErrInvalidState) || errors.Is(err, domain.ErrNotFound) {
		httpx.WriteError(w, 410, "LINK_INVALID", "this link is no longer valid", nil)
		return
	}
	writeDomainError(w, err)
}

func envIntDefault(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

type fixedWindowLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	byKey  map[string]windowState
}

type windowState struct {
	start time.Time
	count int
}

func newFixedWindowLimiter(limit int, window time.Duration) *fixedWindowLimiter {
	return &fixedWindowLimiter{limit: limit, window: window, byKey: map[string]windowState{}}
}

func (l *fixedWindowLimiter) Allow(key string, now time.Time) bool {
	if l == nil || l.limit <= 0 {
		return true
	}
	if key == "" {
		key = "anonymous"
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	cur := l.byKey[key]
	if cur.start.IsZero() || now.Sub(cur.start) >= l.window {
		l.byKey[key] = windowState{start: now, count: 1}
		return true
	}
	if cur.count >= l.limit {
		return false
	}
	cur.count++
	l.byKey[key] = cur
	return true
}

func enforceRateLimit(w http.ResponseWriter, limiter *fixedWindowLimiter, key string) bool {
	if limiter == nil || limiter.Allow(strings.TrimSpace(key), time.Now().UTC()) {
		return true
	}
	httpx.WriteError(w, 429, "RATE_LIMITED", "rate limit exceeded", nil)
	return false
}

func clientIPFromRequest(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		parts := strings.Split(xff, ",")
		if v := strings.TrimSpace(parts[0]); v != "" {
			return v
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}
