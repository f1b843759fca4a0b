// Package service implements the maintenance request operations on top of a
// token verifier, the authorization policy and a request repository.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"makerspace/internal/auth"
	"makerspace/internal/domain"
	"makerspace/internal/events"
	"makerspace/internal/logging"
	"makerspace/internal/metrics"
	"makerspace/internal/policy"
	"makerspace/internal/repo"
)

const (
	DefaultTitleMax = 200
	DefaultBodyMax  = 8192
)

// Limits bound the length of ticket fields, counted in Unicode code points.
type Limits struct {
	TitleMax int
	BodyMax  int
}

// Config wires a Service. Verifier and Repo are required.
type Config struct {
	Verifier auth.Verifier
	Repo     repo.Repository
	Events   events.Recorder
	Limits   Limits
	Logger   *zap.Logger
	Now      func() time.Time
	NewID    func() (string, error)
}

// Service holds no per-request state; the only mutable field is the last
// issued timestamp that keeps created_at non-decreasing.
type Service struct {
	verifier auth.Verifier
	repo     repo.Repository
	events   events.Recorder
	limits   Limits
	log      *zap.Logger
	now      func() time.Time
	newID    func() (string, error)

	mu   sync.Mutex
	last time.Time
}

func New(cfg Config) *Service {
	s := &Service{
		verifier: cfg.Verifier,
		repo:     cfg.Repo,
		events:   cfg.Events,
		limits:   cfg.Limits,
		log:      logging.Or(cfg.Logger),
		now:      cfg.Now,
		newID:    cfg.NewID,
	}
	if s.events == nil {
		s.events = events.Nop{}
	}
	if s.limits.TitleMax <= 0 {
		s.limits.TitleMax = DefaultTitleMax
	}
	if s.limits.BodyMax <= 0 {
		s.limits.BodyMax = DefaultBodyMax
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = NewRequestID
	}
	return s
}

// NewRequestID returns "req_" followed by a time-ordered UUIDv7 in hex.
func NewRequestID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return "req_" + strings.ReplaceAll(id.String(), "-", ""), nil
}

// CreateInput is the payload of a new request.
type CreateInput struct {
	Title string
	Body  string
}

// Authenticate resolves token to a principal.
func (s *Service) Authenticate(ctx context.Context, token string) (domain.Principal, error) {
	if strings.TrimSpace(token) == "" {
		return domain.Principal{}, newError(KindUnauthenticated, "bearer token required", nil)
	}
	p, err := s.verifier.Verify(ctx, token)
	if err == nil {
		if p.UserID == "" {
			return domain.Principal{}, newError(KindUnauthenticated, "token has no subject", nil)
		}
		return p, nil
	}
	var ve *auth.VerificationError
	if errors.As(err, &ve) {
		if ve.Transient {
			return domain.Principal{}, newError(KindStoreUnavailable, "token verifier unavailable, retry later", err)
		}
		return domain.Principal{}, newError(KindUnauthenticated, verificationMessage(ve.Kind), err)
	}
	if ctx.Err() != nil {
		return domain.Principal{}, newError(KindStoreUnavailable, "token verification timed out, retry later", err)
	}
	return domain.Principal{}, newError(KindInternal, "token verification failed", err)
}

func verificationMessage(k auth.Kind) string {
	switch k {
	case auth.KindMalformed:
		return "bearer token is malformed"
	case auth.KindExpired:
		return "bearer token has expired"
	case auth.KindUnknownIssuer:
		return "bearer token issuer is not trusted"
	case auth.KindRevoked:
		return "bearer token has been revoked"
	default:
		return "bearer token was rejected"
	}
}

// CreateRequest verifies token and files a new request, returning its id.
func (s *Service) CreateRequest(ctx context.Context, token string, in CreateInput) (string, error) {
	p, err := s.Authenticate(ctx, token)
	if err != nil {
		return "", err
	}
	r, err := s.CreateRequestAs(ctx, p, in)
	if err != nil {
		return "", err
	}
	return r.ID, nil
}

// CreateRequestAs files a new request owned by an already verified principal.
func (s *Service) CreateRequestAs(ctx context.Context, p domain.Principal, in CreateInput) (domain.Request, error) {
	if err := s.authorize(&p, domain.ActionCreateRequest, nil); err != nil {
		return domain.Request{}, err
	}
	if err := s.validate(in); err != nil {
		return domain.Request{}, err
	}
	id, err := s.newID()
	if err != nil {
		return domain.Request{}, newError(KindInternal, "allocate request id", err)
	}
	r := domain.Request{
		ID:        id,
		OwnerID:   p.UserID,
		CreatedAt: s.timestamp(),
		Title:     in.Title,
		Body:      in.Body,
		Status:    domain.StatusOpen,
	}
	if err := s.repo.Put(ctx, r); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.Request{}, newError(KindInternal, "request id collision", err)
		}
		return domain.Request{}, storeError(err, "create request")
	}
	metrics.RequestCreated()
	s.record(ctx, events.TypeRequestCreated, r.ID, p.UserID, events.EventPayload{"owner_id": r.OwnerID, "title": r.Title})
	s.log.Info("request created", zap.String("request_id", r.ID), zap.String("owner_id", r.OwnerID))
	return r, nil
}

// DeleteRequest verifies token and removes the request. Deleting an id that
// no longer exists is NOT_FOUND.
func (s *Service) DeleteRequest(ctx context.Context, token, id string) error {
	p, err := s.Authenticate(ctx, token)
	if err != nil {
		return err
	}
	return s.DeleteRequestAs(ctx, p, id)
}

func (s *Service) DeleteRequestAs(ctx context.Context, p domain.Principal, id string) error {
	if p.UserID == "" {
		return newError(KindUnauthenticated, "authentication required", nil)
	}
	if strings.TrimSpace(id) == "" {
		return invalidInput("request_id", "request_id must not be empty")
	}
	target, err := s.repo.Get(ctx, id)
	if err != nil {
		return storeError(err, fmt.Sprintf("request %s", id))
	}
	if err := s.authorize(&p, domain.ActionDeleteRequest, &target); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return storeError(err, fmt.Sprintf("request %s", id))
	}
	metrics.RequestDeleted()
	s.record(ctx, events.TypeRequestDeleted, id, p.UserID, events.EventPayload{"owner_id": target.OwnerID})
	s.log.Info("request deleted", zap.String("request_id", id), zap.String("actor_id", p.UserID))
	return nil
}

// ListRequests returns every request for managers and the caller's own
// requests for everyone else.
func (s *Service) ListRequests(ctx context.Context, token string) ([]domain.Request, error) {
	p, err := s.Authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.ListRequestsAs(ctx, p)
}

func (s *Service) ListRequestsAs(ctx context.Context, p domain.Principal) ([]domain.Request, error) {
	var (
		items []domain.Request
		err   error
	)
	if p.IsManager() {
		if err := s.authorize(&p, domain.ActionListAllRequests, nil); err != nil {
			return nil, err
		}
		items, err = s.repo.ListAll(ctx)
	} else {
		if err := s.authorize(&p, domain.ActionListOwnRequests, nil); err != nil {
			return nil, err
		}
		items, err = s.repo.ListByOwner(ctx, p.UserID)
	}
	if err != nil {
		return nil, storeError(err, "list requests")
	}
	if items == nil {
		items = []domain.Request{}
	}
	return items, nil
}

func (s *Service) authorize(p *domain.Principal, action domain.Action, target *domain.Request) error {
	d := policy.Decide(p, action, target)
	metrics.PolicyDecision(string(action), d.Allowed)
	if d.Allowed {
		return nil
	}
	if d.Reason == policy.ReasonUnauthenticated {
		return newError(KindUnauthenticated, "authentication required", nil)
	}
	return newError(KindForbidden, forbiddenMessage(action), nil)
}

func forbiddenMessage(action domain.Action) string {
	switch action {
	case domain.ActionDeleteRequest:
		return "only the request owner or a manager may delete this request"
	case domain.ActionListAllRequests:
		return "listing all requests requires the MANAGER role"
	default:
		return "not permitted"
	}
}

func (s *Service) validate(in CreateInput) error {
	if !utf8.ValidString(in.Title) {
		return invalidInput("title", "title must be valid UTF-8")
	}
	if strings.TrimSpace(in.Title) == "" {
		return invalidInput("title", "title must not be empty")
	}
	if n := utf8.RuneCountInString(in.Title); n > s.limits.TitleMax {
		return invalidInput("title", fmt.Sprintf("title must be at most %d characters, got %d", s.limits.TitleMax, n))
	}
	if !utf8.ValidString(in.Body) {
		return invalidInput("body", "body must be valid UTF-8")
	}
	if n := utf8.RuneCountInString(in.Body); n > s.limits.BodyMax {
		return invalidInput("body", fmt.Sprintf("body must be at most %d characters, got %d", s.limits.BodyMax, n))
	}
	return nil
}

// timestamp returns the creation instant in UTC without a monotonic reading,
// clamped so it never runs backwards.
func (s *Service) timestamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.now().UTC().Round(0)
	if t.Before(s.last) {
		t = s.last
	}
	s.last = t
	return t
}

func (s *Service) record(ctx context.Context, evtType, entityID, actorID string, payload events.EventPayload) {
	if err := s.events.Append(ctx, evtType, entityID, actorID, payload); err != nil {
		s.log.Warn("journal append failed", zap.String("type", evtType), zap.String("request_id", entityID), zap.Error(err))
	}
}

func storeError(err error, what string) error {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newError(KindNotFound, what+" not found", err)
	case errors.Is(err, repo.ErrStoreUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return newError(KindStoreUnavailable, "request store unavailable, retry later", err)
	default:
		return newError(KindInternal, what+" failed", err)
	}
}
