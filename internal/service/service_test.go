package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"makerspace/internal/auth"
	"makerspace/internal/domain"
	"makerspace/internal/events"
	"makerspace/internal/repo"
)

type testEnv struct {
	Service *Service
	Repo    *repo.MemoryRepo
	Ctx     context.Context
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) testEnv {
	t.Helper()
	verifier := auth.NewStaticVerifier(map[string]domain.Principal{
		"T_alice": {UserID: "alice", Roles: domain.NewRoleSet()},
		"T_bob":   {UserID: "bob", Roles: domain.NewRoleSet()},
		"T_carol": {UserID: "carol", Roles: domain.NewRoleSet(domain.RoleManager)},
	})
	r := repo.NewMemoryRepo()
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := Config{
		Verifier: verifier,
		Repo:     r,
		Limits:   Limits{TitleMax: 10, BodyMax: 20},
		Now: func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	return testEnv{Service: New(cfg), Repo: r, Ctx: context.Background()}
}

func requireKind(t *testing.T, err error, kind Kind) *Error {
	t.Helper()
	require.Error(t, err)
	var e *Error
	require.True(t, errors.As(err, &e), "expected *Error, got %T: %v", err, err)
	require.Equal(t, kind, e.Kind, e.Error())
	return e
}

func TestCreateThenListContains(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.Service.CreateRequest(env.Ctx, "T_alice", CreateInput{Title: "A", Body: ""})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "req_"))

	items, err := env.Service.ListRequests(env.Ctx, "T_alice")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, id, items[0].ID)
	assert.Equal(t, "alice", items[0].OwnerID)
	assert.Equal(t, "A", items[0].Title)
	assert.Equal(t, "", items[0].Body)
	assert.Equal(t, domain.StatusOpen, items[0].Status)
}

func TestDeleteTwiceIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.Service.CreateRequest(env.Ctx, "T_alice", CreateInput{Title: "A"})
	require.NoError(t, err)
	require.NoError(t, env.Service.DeleteRequest(env.Ctx, "T_alice", id))
	requireKind(t, env.Service.DeleteRequest(env.Ctx, "T_alice", id), KindNotFound)

	items, err := env.Service.ListRequests(env.Ctx, "T_alice")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestCrossUserDeleteForbidden(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.Service.CreateRequest(env.Ctx, "T_alice", CreateInput{Title: "A"})
	require.NoError(t, err)

	requireKind(t, env.Service.DeleteRequest(env.Ctx, "T_bob", id), KindForbidden)
	_, err = env.Repo.Get(env.Ctx, id)
	require.NoError(t, err, "record must survive a forbidden delete")

	require.NoError(t, env.Service.DeleteRequest(env.Ctx, "T_carol", id))
	items, err := env.Service.ListRequests(env.Ctx, "T_alice")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestListScopeByRole(t *testing.T) {
	env := newTestEnv(t)
	var created []string
	for _, tok := range []string{"T_alice", "T_bob", "T_alice", "T_carol"} {
		id, err := env.Service.CreateRequest(env.Ctx, tok, CreateInput{Title: "t"})
		require.NoError(t, err)
		created = append(created, id)
	}

	bobs, err := env.Service.ListRequests(env.Ctx, "T_bob")
	require.NoError(t, err)
	require.Len(t, bobs, 1)
	assert.Equal(t, "bob", bobs[0].OwnerID)

	alices, err := env.Service.ListRequests(env.Ctx, "T_alice")
	require.NoError(t, err)
	for _, r := range alices {
		assert.Equal(t, "alice", r.OwnerID)
	}
	assert.Len(t, alices, 2)

	all, err := env.Service.ListRequests(env.Ctx, "T_carol")
	require.NoError(t, err)
	got := make([]string, 0, len(all))
	for _, r := range all {
		got = append(got, r.ID)
	}
	assert.Equal(t, created, got, "manager sees every record ordered by created_at")
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name  string
		in    CreateInput
		field string
	}{
		{"empty title", CreateInput{Title: ""}, "title"},
		{"blank title", CreateInput{Title: "   "}, "title"},
		{"title over limit", CreateInput{Title: strings.Repeat("x", 11)}, "title"},
		{"multibyte title over limit", CreateInput{Title: strings.Repeat("é", 11)}, "title"},
		{"body over limit", CreateInput{Title: "ok", Body: strings.Repeat("b", 21)}, "body"},
		{"invalid utf8", CreateInput{Title: "\xff"}, "title"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.Service.CreateRequest(env.Ctx, "T_alice", tt.in)
			e := requireKind(t, err, KindInvalidInput)
			assert.Equal(t, tt.field, e.Field)
		})
	}

	_, err := env.Service.CreateRequest(env.Ctx, "T_alice", CreateInput{Title: strings.Repeat("é", 10), Body: strings.Repeat("b", 20)})
	assert.NoError(t, err, "values at the limit are accepted")

	all, err := env.Service.ListRequests(env.Ctx, "T_carol")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestAuthenticationFailures(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Service.CreateRequest(env.Ctx, "", CreateInput{Title: "A"})
	requireKind(t, err, KindUnauthenticated)
	_, err = env.Service.ListRequests(env.Ctx, "T_mallory")
	requireKind(t, err, KindUnauthenticated)
	requireKind(t, env.Service.DeleteRequest(env.Ctx, "T_mallory", "req_x"), KindUnauthenticated)

	all, err := env.Repo.ListAll(env.Ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

type failingVerifier struct{ err error }

func (f failingVerifier) Verify(context.Context, string) (domain.Principal, error) {
	return domain.Principal{}, f.err
}

func TestVerifierFailureMapping(t *testing.T) {
	transient := newTestEnv(t, func(c *Config) {
		c.Verifier = failingVerifier{err: &auth.VerificationError{Kind: auth.KindUnauthenticatedOther, Transient: true}}
	})
	_, err := transient.Service.ListRequests(transient.Ctx, "tok")
	requireKind(t, err, KindStoreUnavailable)

	expired := newTestEnv(t, func(c *Config) {
		c.Verifier = failingVerifier{err: &auth.VerificationError{Kind: auth.KindExpired}}
	})
	_, err = expired.Service.ListRequests(expired.Ctx, "tok")
	e := requireKind(t, err, KindUnauthenticated)
	assert.Contains(t, e.Message, "expired")

	odd := newTestEnv(t, func(c *Config) { c.Verifier = failingVerifier{err: errors.New("boom")} })
	_, err = odd.Service.ListRequests(odd.Ctx, "tok")
	requireKind(t, err, KindInternal)
}

type unavailableRepo struct{ repo.Repository }

func (unavailableRepo) Put(context.Context, domain.Request) error {
	return repo.Unavailable(errors.New("disk on fire"))
}

func (unavailableRepo) ListByOwner(context.Context, string) ([]domain.Request, error) {
	return nil, repo.Unavailable(context.DeadlineExceeded)
}

func TestStoreUnavailable(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.Repo = unavailableRepo{Repository: repo.NewMemoryRepo()} })
	_, err := env.Service.CreateRequest(env.Ctx, "T_alice", CreateInput{Title: "A"})
	e := requireKind(t, err, KindStoreUnavailable)
	assert.True(t, e.Kind.Retryable())
	_, err = env.Service.ListRequests(env.Ctx, "T_alice")
	requireKind(t, err, KindStoreUnavailable)
}

func TestIDCollisionIsInternal(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.NewID = func() (string, error) { return "req_fixed", nil }
	})
	_, err := env.Service.CreateRequest(env.Ctx, "T_alice", CreateInput{Title: "A"})
	require.NoError(t, err)
	_, err = env.Service.CreateRequest(env.Ctx, "T_alice", CreateInput{Title: "B"})
	requireKind(t, err, KindInternal)
}

func TestIDsAreUnique(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.Now = time.Now })
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		id, err := env.Service.CreateRequest(env.Ctx, "T_bob", CreateInput{Title: fmt.Sprintf("t%d", i)})
		require.NoError(t, err)
		require.False(t, seen[id], "id %s reused", id)
		seen[id] = true
	}
}

func TestCreatedAtNeverDecreases(t *testing.T) {
	times := []time.Time{
		time.Date(2024, 1, 1, 0, 0, 10, 0, time.UTC),
		time.Date(2024, 1, 1, 0, 0, 5, 0, time.UTC),
		time.Date(2024, 1, 1, 0, 0, 20, 0, time.UTC),
	}
	i := 0
	env := newTestEnv(t, func(c *Config) {
		c.Now = func() time.Time {
			ts := times[i]
			i++
			return ts
		}
	})
	var prev time.Time
	for range times {
		r, err := env.Service.CreateRequestAs(env.Ctx, domain.Principal{UserID: "alice"}, CreateInput{Title: "A"})
		require.NoError(t, err)
		assert.False(t, r.CreatedAt.Before(prev))
		prev = r.CreatedAt
	}
	assert.Equal(t, times[2], prev)
}

type recordingJournal struct {
	entries []string
}

func (j *recordingJournal) Append(_ context.Context, evtType, entityID, actorID string, _ events.EventPayload) error {
	j.entries = append(j.entries, evtType+" "+entityID+" "+actorID)
	return nil
}

func TestJournalRecordsMutations(t *testing.T) {
	journal := &recordingJournal{}
	env := newTestEnv(t, func(c *Config) { c.Events = journal })
	id, err := env.Service.CreateRequest(env.Ctx, "T_alice", CreateInput{Title: "A"})
	require.NoError(t, err)
	require.NoError(t, env.Service.DeleteRequest(env.Ctx, "T_carol", id))
	assert.Equal(t, []string{
		events.TypeRequestCreated + " " + id + " alice",
		events.TypeRequestDeleted + " " + id + " carol",
	}, journal.entries)
}

func TestDeleteRequiresID(t *testing.T) {
	env := newTestEnv(t)
	e := requireKind(t, env.Service.DeleteRequest(env.Ctx, "T_alice", " "), KindInvalidInput)
	assert.Equal(t, "request_id", e.Field)
}
