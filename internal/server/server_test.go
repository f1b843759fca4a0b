package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"makerspace/internal/auth"
	"makerspace/internal/domain"
	"makerspace/internal/repo"
	"makerspace/internal/service"
)

type testServer struct {
	URL    string
	Repo   *repo.MemoryRepo
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

type errorEnvelope struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
		Field   string `json:"field"`
	} `json:"error"`
}

func testTokens() map[string]domain.Principal {
	return map[string]domain.Principal{
		"T_alice": {UserID: "alice", Roles: domain.NewRoleSet()},
		"T_bob":   {UserID: "bob", Roles: domain.NewRoleSet()},
		"T_carol": {UserID: "carol", Roles: domain.NewRoleSet(domain.RoleManager)},
	}
}

func newTestServer(t *testing.T, mutate ...func(*service.Config)) (*testServer, func()) {
	t.Helper()
	memory := repo.NewMemoryRepo()
	cfg := service.Config{
		Verifier: auth.NewStaticVerifier(testTokens()),
		Repo:     memory,
		Limits:   service.Limits{TitleMax: 16, BodyMax: 64},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	handler, err := New(Config{Service: service.New(cfg), RequestDeadline: 2 * time.Second})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Repo:   memory,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	require.NotEmpty(t, env.Error.Kind, string(data))
	return env
}

func createRequest(t *testing.T, srv *testServer, token, title string) string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/requests/create", map[string]any{
		"title": title,
		"body":  "",
	}, bearer(token))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var created CreateRequestResponse
	require.NoError(t, json.Unmarshal(data, &created))
	require.NotEmpty(t, created.ID)
	return created.ID
}

func listRequests(t *testing.T, srv *testServer, token string) []RequestResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/requests", nil, bearer(token))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var items []RequestResponse
	require.NoError(t, json.Unmarshal(data, &items))
	return items
}

func deleteRequest(t *testing.T, srv *testServer, token, id string) (*http.Response, []byte) {
	t.Helper()
	return doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/requests/delete", map[string]any{"request_id": id}, bearer(token))
}

func ids(items []RequestResponse) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.ID)
	}
	return out
}

func TestCreateAndListOwn(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	id := createRequest(t, srv, "T_alice", "A")
	assert.True(t, strings.HasPrefix(id, "req_"))

	items := listRequests(t, srv, "T_alice")
	require.Len(t, items, 1)
	assert.Equal(t, id, items[0].ID)
	assert.Equal(t, "alice", items[0].OwnerID)
	assert.Equal(t, "A", items[0].Title)
	assert.Equal(t, "", items[0].Body)
	assert.Equal(t, "OPEN", items[0].Status)
	assert.Equal(t, time.UTC, items[0].CreatedAt.Location())
}

func TestListIsEmptyArray(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/requests", nil, bearer("T_bob"))
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `[]`, string(data))
}

func TestDeleteOwnThenNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	id := createRequest(t, srv, "T_alice", "A")

	res, data := deleteRequest(t, srv, "T_alice", id)
	require.Equal(t, http.StatusNoContent, res.StatusCode, string(data))
	assert.Empty(t, data)

	res, data = deleteRequest(t, srv, "T_alice", id)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
	assert.Equal(t, "NOT_FOUND", decodeError(t, data).Error.Kind)
	assert.Empty(t, listRequests(t, srv, "T_alice"))
}

func TestCrossUserDeleteDenied(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	id := createRequest(t, srv, "T_alice", "A")

	res, data := deleteRequest(t, srv, "T_bob", id)
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
	assert.Equal(t, "FORBIDDEN", decodeError(t, data).Error.Kind)
	assert.Equal(t, []string{id}, ids(listRequests(t, srv, "T_alice")))
}

func TestManagerListAndDelete(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	a1 := createRequest(t, srv, "T_alice", "first")
	b1 := createRequest(t, srv, "T_bob", "second")
	a2 := createRequest(t, srv, "T_alice", "third")

	assert.Equal(t, []string{a1, b1, a2}, ids(listRequests(t, srv, "T_carol")))
	assert.Equal(t, []string{b1}, ids(listRequests(t, srv, "T_bob")))

	res, data := deleteRequest(t, srv, "T_carol", a2)
	require.Equal(t, http.StatusNoContent, res.StatusCode, string(data))
	assert.Equal(t, []string{a1}, ids(listRequests(t, srv, "T_alice")))
}

func TestMissingAuthorization(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	cases := []struct {
		name    string
		headers map[string]string
	}{
		{"no header", nil},
		{"wrong scheme", map[string]string{"Authorization": "Basic YWxpY2U6cHc="}},
		{"bearer without token", map[string]string{"Authorization": "Bearer"}},
		{"unknown token", bearer("T_mallory")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/requests/create", map[string]any{"title": "A"}, tc.headers)
			require.Equal(t, http.StatusUnauthorized, res.StatusCode, string(data))
			assert.Equal(t, "UNAUTHENTICATED", decodeError(t, data).Error.Kind)
		})
	}
	all, err := srv.Repo.ListAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all, "rejected requests must not touch the store")
}

func TestAuthenticationPrecedesValidation(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/requests/create", `{"title": 5, "bogus": true}`, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode, string(data))
}

func TestCreateValidation(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	cases := []struct {
		name  string
		body  any
		field string
	}{
		{"empty title", map[string]any{"title": "", "body": "x"}, "title"},
		{"missing title", map[string]any{"body": "x"}, "title"},
		{"title too long", map[string]any{"title": strings.Repeat("t", 17)}, "title"},
		{"body too long", map[string]any{"title": "ok", "body": strings.Repeat("b", 65)}, "body"},
		{"wrong type", `{"title": 5}`, "title"},
		{"unknown field", map[string]any{"title": "ok", "priority": "high"}, "priority"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/requests/create", tc.body, bearer("T_alice"))
			require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
			env := decodeError(t, data)
			assert.Equal(t, "INVALID_INPUT", env.Error.Kind)
			assert.Equal(t, tc.field, env.Error.Field)
			assert.NotEmpty(t, env.Error.Message)
		})
	}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/requests/create", `{not json`, bearer("T_alice"))
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	assert.Equal(t, "INVALID_INPUT", decodeError(t, data).Error.Kind)

	createRequest(t, srv, "T_alice", strings.Repeat("t", 16))
	assert.Len(t, listRequests(t, srv, "T_alice"), 1)
}

func TestDeleteValidation(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/requests/delete", map[string]any{}, bearer("T_alice"))
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	env := decodeError(t, data)
	assert.Equal(t, "INVALID_INPUT", env.Error.Kind)
	assert.Equal(t, "request_id", env.Error.Field)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/requests/delete", map[string]any{"request_id": "req_x", "force": true}, bearer("T_alice"))
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	assert.Equal(t, "force", decodeError(t, data).Error.Field)
}

type stubVerifier struct{ err error }

func (s stubVerifier) Verify(context.Context, string) (domain.Principal, error) {
	return domain.Principal{}, s.err
}

func TestVerifierOutageIsRetryable(t *testing.T) {
	srv, cleanup := newTestServer(t, func(c *service.Config) {
		c.Verifier = stubVerifier{err: &auth.VerificationError{Kind: auth.KindUnauthenticatedOther, Transient: true, Err: context.DeadlineExceeded}}
	})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/requests", nil, bearer("T_alice"))
	require.Equal(t, http.StatusServiceUnavailable, res.StatusCode, string(data))
	assert.Equal(t, "STORE_UNAVAILABLE", decodeError(t, data).Error.Kind)
}

type brokenStore struct{ repo.Repository }

func (brokenStore) ListByOwner(context.Context, string) ([]domain.Request, error) {
	return nil, repo.Unavailable(errors.New("database is locked"))
}

func TestStoreOutageIsRetryable(t *testing.T) {
	srv, cleanup := newTestServer(t, func(c *service.Config) {
		c.Repo = brokenStore{Repository: repo.NewMemoryRepo()}
	})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/requests", nil, bearer("T_alice"))
	require.Equal(t, http.StatusServiceUnavailable, res.StatusCode, string(data))
	assert.Equal(t, "STORE_UNAVAILABLE", decodeError(t, data).Error.Kind)
}

func TestInternalErrorCarriesCorrelationID(t *testing.T) {
	srv, cleanup := newTestServer(t, func(c *service.Config) {
		c.Verifier = stubVerifier{err: errors.New("key material corrupted")}
	})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/requests", nil, bearer("T_alice"))
	require.Equal(t, http.StatusInternalServerError, res.StatusCode, string(data))
	env := decodeError(t, data)
	assert.Equal(t, "INTERNAL", env.Error.Kind)
	reqID := res.Header.Get("X-Request-Id")
	require.NotEmpty(t, reqID)
	assert.Contains(t, env.Error.Message, reqID)
	assert.NotContains(t, env.Error.Message, "corrupted")
}

func TestUnknownRoute(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/nope", nil, nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "NOT_FOUND", decodeError(t, data).Error.Kind)
}

func TestOperationalEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	createRequest(t, srv, "T_alice", "A")

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.JSONEq(t, `{"status":"ok"}`, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var oas map[string]any
	require.NoError(t, json.Unmarshal(data, &oas))
	paths, ok := oas["paths"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, paths, "/api/requests/create")
	assert.Contains(t, paths, "/api/requests/delete")
	assert.Contains(t, paths, "/api/requests")

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "makerspace_requests_created_total")
	assert.Contains(t, string(data), `route="/api/requests/create"`)

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/docs", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}
