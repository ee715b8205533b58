package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"mosaic/gateway/internal/auth"
	"mosaic/gateway/internal/config"
	"mosaic/gateway/internal/guard"
	"mosaic/gateway/internal/record"
	"mosaic/gateway/internal/resource"
	"mosaic/gateway/internal/session"
	"mosaic/gateway/internal/stage"
	"mosaic/gateway/internal/submit"
	"mosaic/gateway/internal/tenant"
	"mosaic/gateway/internal/upload"
	"mosaic/gateway/internal/upstream"
	"mosaic/gateway/internal/util"
)

// Session is the gateway session handed to an editor after login.
type Session struct {
	Token     string
	TenantID  string
	Surface   tenant.Surface
	ExpiresAt time.Time
}

// SessionStore is the persistent side of gateway sessions and the
// cross-replica coordination keys.
type SessionStore interface {
	Save(ctx context.Context, tokenHash string, tctx tenant.Context, expiresAt time.Time) error
	Lookup(ctx context.Context, tokenHash string) (tenant.Context, error)
	Revoke(ctx context.Context, tokenHash string) error
	MarkAuthEpisode(ctx context.Context, tokenHash string) (bool, error)
	AcquireSubmitLock(ctx context.Context, tenantID, kind string, ttl time.Duration) (bool, error)
	ReleaseSubmitLock(ctx context.Context, tenantID, kind string) error
	Ping(ctx context.Context) error
}

// recordBackend is the slice of the upstream client the service uses.
type recordBackend interface {
	Fetch(ctx context.Context, tctx tenant.Context, kind string) (record.Composite, error)
	Replace(ctx context.Context, tctx tenant.Context, kind string, merged record.Composite, attachments []upstream.Attachment) error
	PublicFetch(ctx context.Context, tenantID, kind string) (record.Composite, error)
}

// probeKind is the resource fetched at login to verify a credential.
const probeKind = "home-page"

type Service struct {
	cfg      config.Config
	sessions SessionStore
	backend  recordBackend
	stager   stage.Stager
	guard    *guard.Guard
	pipeline *submit.Pipeline
	kinds    map[string]record.Kind

	mu     sync.Mutex
	stores map[string]*resource.Store
}

func New(cfg config.Config, sessions SessionStore, backend recordBackend, stager stage.Stager) *Service {
	return &Service{
		cfg:      cfg,
		sessions: sessions,
		backend:  backend,
		stager:   stager,
		guard:    guard.New(sessions, cfg.OperatorLoginURL, cfg.AdminLoginURL),
		pipeline: submit.New(backend, sessions, stager, cfg.SubmitLockTTL),
		kinds:    builtinKinds(),
		stores:   make(map[string]*resource.Store),
	}
}

// Close tears down every per-session store, canceling pending retries.
func (s *Service) Close() {
	s.mu.Lock()
	stores := s.stores
	s.stores = make(map[string]*resource.Store)
	s.mu.Unlock()
	for _, store := range stores {
		store.Close()
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.sessions.Ping(ctx)
}

// Kind resolves a registered resource kind.
func (s *Service) Kind(name string) (record.Kind, bool) {
	kind, ok := s.kinds[name]
	return kind, ok
}

// Login verifies the supplied tenant credential by probing the
// upstream backend, then issues a gateway session. The credential
// itself stays server-side in the session store.
func (s *Service) Login(ctx context.Context, tenantID, credential string, surface tenant.Surface) (Session, error) {
	tctx := tenant.Context{
		TenantID:   strings.TrimSpace(tenantID),
		Credential: strings.TrimSpace(credential),
		Surface:    surface,
	}
	if !tctx.Valid() {
		return Session{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "tenantId and credential are required", nil)
	}

	if _, err := s.backend.Fetch(ctx, tctx, probeKind); err != nil {
		if upstream.IsAuth(err) {
			return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Credential rejected by backend", nil)
		}
		return Session{}, domainError(http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Could not verify credential", nil)
	}

	expiresAt := time.Now().Add(s.cfg.SessionTTL)
	token, err := auth.IssueToken([]byte(s.cfg.SessionSecret), auth.Claims{
		Tenant:  tctx.TenantID,
		Surface: string(surface),
		JTI:     util.NewID(""),
		Exp:     expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, fmt.Errorf("issue token: %w", err)
	}
	if err := s.sessions.Save(ctx, auth.HashToken(token), tctx, expiresAt); err != nil {
		return Session{}, fmt.Errorf("save session: %w", err)
	}

	return Session{Token: token, TenantID: tctx.TenantID, Surface: surface, ExpiresAt: expiresAt}, nil
}

// SessionFromToken resolves a bearer token to its tenant context and
// the token hash used as the session key.
func (s *Service) SessionFromToken(ctx context.Context, token string) (tenant.Context, string, error) {
	if _, err := auth.ParseToken([]byte(s.cfg.SessionSecret), token); err != nil {
		return tenant.Context{}, "", err
	}
	tokenHash := auth.HashToken(token)
	tctx, err := s.sessions.Lookup(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return tenant.Context{}, "", auth.ErrInvalidToken
		}
		return tenant.Context{}, "", fmt.Errorf("lookup session: %w", err)
	}
	return tctx, tokenHash, nil
}

// Logout revokes the session and closes its stores.
func (s *Service) Logout(ctx context.Context, tokenHash string) error {
	s.closeStoresFor(tokenHash)
	if err := s.sessions.Revoke(ctx, tokenHash); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// storeFor returns the per-session store for one resource kind,
// creating and starting it on first access.
func (s *Service) storeFor(tctx tenant.Context, tokenHash string, kind record.Kind) *resource.Store {
	key := tokenHash + "/" + kind.Name

	s.mu.Lock()
	defer s.mu.Unlock()
	if store, ok := s.stores[key]; ok {
		return store
	}

	maxRetries := kind.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.cfg.LoadRetryMax
	}
	surface := tctx.Surface
	store := resource.New(s.backend, tctx, kind.Name, resource.Options{
		MaxRetries: maxRetries,
		RetryDelay: s.cfg.LoadRetryDelay,
		OnAuthFailure: func(err error) {
			res := s.guard.AuthFailure(context.Background(), tokenHash, surface)
			if res.Redirect {
				s.closeStoresFor(tokenHash)
			}
		},
	})
	s.stores[key] = store
	return store
}

func (s *Service) closeStoresFor(tokenHash string) {
	prefix := tokenHash + "/"
	s.mu.Lock()
	var closing []*resource.Store
	for key, store := range s.stores {
		if strings.HasPrefix(key, prefix) {
			closing = append(closing, store)
			delete(s.stores, key)
		}
	}
	s.mu.Unlock()
	for _, store := range closing {
		store.Close()
	}
}

// RecordState reports the store snapshot for one resource kind,
// starting the initial load on first access.
func (s *Service) RecordState(ctx context.Context, tctx tenant.Context, tokenHash, kindName string) (map[string]any, error) {
	if res := s.guard.Require(tctx); res != nil {
		return nil, guardError(res)
	}
	kind, ok := s.Kind(kindName)
	if !ok {
		return nil, domainError(http.StatusNotFound, "UNKNOWN_RESOURCE", "Unknown resource kind", nil)
	}

	store := s.storeFor(tctx, tokenHash, kind)
	store.Load()
	return snapshotPayload(kind, store.Snapshot()), nil
}

// RetryLoad is the manual retry affordance for a terminally failed
// load: it resets the attempt counter and starts over.
func (s *Service) RetryLoad(ctx context.Context, tctx tenant.Context, tokenHash, kindName string) (map[string]any, error) {
	if res := s.guard.Require(tctx); res != nil {
		return nil, guardError(res)
	}
	kind, ok := s.Kind(kindName)
	if !ok {
		return nil, domainError(http.StatusNotFound, "UNKNOWN_RESOURCE", "Unknown resource kind", nil)
	}

	store := s.storeFor(tctx, tokenHash, kind)
	store.Retry()
	return snapshotPayload(kind, store.Snapshot()), nil
}

// StageUpload validates a candidate file against the field's limit and
// stages its bytes for a later submit.
func (s *Service) StageUpload(ctx context.Context, tctx tenant.Context, kindName, field string, meta upload.FileMeta, r io.Reader) (record.Attachment, error) {
	kind, ok := s.Kind(kindName)
	if !ok {
		return record.Attachment{}, domainError(http.StatusNotFound, "UNKNOWN_RESOURCE", "Unknown resource kind", nil)
	}
	if kind.FieldKindOf(field) != record.FieldBinaryRef {
		return record.Attachment{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
			fmt.Sprintf("field %s does not accept file uploads", field), nil)
	}

	outcome := upload.Validate(meta, kind.LimitFor(field))
	if !outcome.Accepted {
		return record.Attachment{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", outcome.Reason, nil)
	}

	key := tctx.TenantID + "/" + kindName + "/" + field + "/" + util.NewID("")
	if err := s.stager.Put(ctx, key, r, meta.Size, meta.ContentType); err != nil {
		return record.Attachment{}, fmt.Errorf("stage upload: %w", err)
	}
	return record.Attachment{
		Field:       field,
		Filename:    meta.Name,
		ContentType: meta.ContentType,
		Size:        meta.Size,
		StageKey:    key,
	}, nil
}

// SaveSection runs the fetch/merge/submit protocol for one section
// draft. The returned payload always describes the outcome; auth
// failures additionally carry the guard's redirect instruction.
func (s *Service) SaveSection(ctx context.Context, tctx tenant.Context, tokenHash, kindName string, draft record.Draft) (map[string]any, error) {
	if res := s.guard.Require(tctx); res != nil {
		return nil, guardError(res)
	}
	kind, ok := s.Kind(kindName)
	if !ok {
		return nil, domainError(http.StatusNotFound, "UNKNOWN_RESOURCE", "Unknown resource kind", nil)
	}

	// Normalize pasted video links before they enter the merge: a URL
	// field either parses to an embeddable form or the draft is bad.
	for field, value := range draft.Fields {
		if kind.FieldKindOf(field) != record.FieldURL || strings.TrimSpace(value) == "" {
			continue
		}
		embed, err := upload.ParseVideoURL(value)
		if err != nil {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
				fmt.Sprintf("field %s is not a recognized video link", field), nil)
		}
		draft.Fields[field] = embed
	}

	store := s.storeFor(tctx, tokenHash, kind)

	// Submitting against a record that never loaded would merge over
	// an empty remote and wipe sibling sections. Only a loaded store
	// (including "loaded empty", the first-time-creation state) or a
	// terminal load failure the user chose to start fresh from may
	// proceed.
	switch store.Snapshot().State {
	case resource.StateIdle:
		store.Load()
		return nil, domainError(http.StatusConflict, "RECORD_NOT_LOADED", "The record has not loaded yet; try again shortly", nil)
	case resource.StateLoading:
		return nil, domainError(http.StatusConflict, "RECORD_NOT_LOADED", "The record is still loading; try again shortly", nil)
	}

	outcome := s.pipeline.Submit(ctx, tctx, kind, store, draft)

	payload := map[string]any{"ok": outcome.Success}
	if outcome.Success {
		payload["state"] = snapshotPayload(kind, store.Snapshot())
		return payload, nil
	}

	switch outcome.ErrorKind {
	case submit.KindAuth:
		res := s.guard.AuthFailure(ctx, tokenHash, tctx.Surface)
		s.closeStoresFor(tokenHash)
		return nil, domainError(http.StatusUnauthorized, "AUTH_EXPIRED", res.Notice, map[string]any{
			"redirect": res.Redirect,
			"location": res.Location,
			"delayMs":  res.Delay.Milliseconds(),
		})
	case submit.KindInProgress:
		return nil, domainError(http.StatusConflict, "SUBMIT_IN_PROGRESS", outcome.Message, nil)
	case submit.KindValidation:
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", outcome.Message, nil)
	default:
		return nil, domainError(http.StatusBadGateway, "NETWORK_ERROR", outcome.Message, nil)
	}
}

// PublicRecord reads a record through the credential-less namespace
// for the template renderer.
func (s *Service) PublicRecord(ctx context.Context, tenantID, kindName string) (record.Composite, error) {
	if _, ok := s.Kind(kindName); !ok {
		return nil, domainError(http.StatusNotFound, "UNKNOWN_RESOURCE", "Unknown resource kind", nil)
	}
	rec, err := s.backend.PublicFetch(ctx, tenantID, kindName)
	if err != nil {
		return nil, domainError(http.StatusBadGateway, "NETWORK_ERROR", "Could not read record", nil)
	}
	return rec, nil
}

// LoginURL exposes the guard's surface selection to the HTTP layer.
func (s *Service) LoginURL(surface tenant.Surface) string {
	return s.guard.LoginURL(surface)
}

func guardError(res *guard.Result) *DomainError {
	return domainError(http.StatusUnauthorized, "UNAUTHORIZED", res.Notice, map[string]any{
		"redirect": res.Redirect,
		"location": res.Location,
	})
}

func snapshotPayload(kind record.Kind, snap resource.Snapshot) map[string]any {
	payload := map[string]any{
		"kind":       kind.Name,
		"state":      string(snap.State),
		"attempts":   snap.Attempts,
		"submitting": snap.Submitting,
	}
	if snap.Record != nil {
		payload["record"] = snap.Record
	}
	if snap.State == resource.StateFailed {
		payload["canRetry"] = true
		if snap.Err != nil {
			payload["error"] = snap.Err.Error()
		}
	}
	return payload
}
