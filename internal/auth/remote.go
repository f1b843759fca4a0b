package auth

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"makerspace/internal/domain"
)

const (
	defaultRemoteCacheSize = 1024
	defaultRemoteCacheTTL  = time.Minute
)

type remoteRequest struct {
	Token string `json:"token"`
}

type remoteResponse struct {
	UserID    string   `json:"user_id"`
	Roles     []string `json:"roles"`
	ExpiresAt int64    `json:"expires_at,omitempty"`
	Reason    string   `json:"reason,omitempty"`
}

type cachedPrincipal struct {
	principal domain.Principal
	expires   time.Time
}

// RemoteVerifier asks an identity provider endpoint to verify tokens and
// caches accepted results. Rejections are never cached.
type RemoteVerifier struct {
	URL    string
	Client *http.Client
	Now    func() time.Time

	cache *expirable.LRU[string, cachedPrincipal]
}

type RemoteOptions struct {
	URL       string
	Client    *http.Client
	CacheSize int
	CacheTTL  time.Duration
}

func NewRemoteVerifier(opts RemoteOptions) *RemoteVerifier {
	size := opts.CacheSize
	if size <= 0 {
		size = defaultRemoteCacheSize
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = defaultRemoteCacheTTL
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	return &RemoteVerifier{
		URL:    opts.URL,
		Client: client,
		Now:    time.Now,
		cache:  expirable.NewLRU[string, cachedPrincipal](size, nil, ttl),
	}
}

func cacheKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func (v *RemoteVerifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

func (v *RemoteVerifier) Verify(ctx context.Context, token string) (domain.Principal, error) {
	if err := ctxFailure(ctx); err != nil {
		return domain.Principal{}, err
	}
	if strings.TrimSpace(token) == "" {
		return domain.Principal{}, reject(KindMalformed, errors.New("empty token"))
	}
	key := cacheKey(token)
	if hit, ok := v.cache.Get(key); ok {
		if hit.expires.IsZero() || v.now().Before(hit.expires) {
			return hit.principal, nil
		}
		v.cache.Remove(key)
	}
	res, err := v.call(ctx, token)
	if err != nil {
		return domain.Principal{}, err
	}
	p := domain.Principal{UserID: res.UserID, Roles: domain.RolesFromStrings(res.Roles)}
	entry := cachedPrincipal{principal: p}
	if res.ExpiresAt > 0 {
		entry.expires = time.Unix(res.ExpiresAt, 0)
		if !v.now().Before(entry.expires) {
			return domain.Principal{}, reject(KindExpired, nil)
		}
	}
	v.cache.Add(key, entry)
	return p, nil
}

func (v *RemoteVerifier) call(ctx context.Context, token string) (remoteResponse, error) {
	payload, err := json.Marshal(remoteRequest{Token: token})
	if err != nil {
		return remoteResponse{}, transient(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.URL, bytes.NewReader(payload))
	if err != nil {
		return remoteResponse{}, transient(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := v.Client.Do(req)
	if err != nil {
		return remoteResponse{}, transient(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return remoteResponse{}, transient(err)
	}
	var out remoteResponse
	switch {
	case resp.StatusCode == http.StatusOK:
		if err := json.Unmarshal(body, &out); err != nil {
			return remoteResponse{}, transient(fmt.Errorf("decode verifier response: %w", err))
		}
		if strings.TrimSpace(out.UserID) == "" {
			return remoteResponse{}, reject(KindUnauthenticatedOther, errors.New("verifier returned no user_id"))
		}
		return out, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		_ = json.Unmarshal(body, &out)
		return remoteResponse{}, reject(reasonKind(out.Reason), fmt.Errorf("verifier rejected token: %s", out.Reason))
	default:
		return remoteResponse{}, transient(fmt.Errorf("verifier status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
}

func reasonKind(reason string) Kind {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case "malformed":
		return KindMalformed
	case "expired":
		return KindExpired
	case "unknown_issuer":
		return KindUnknownIssuer
	case "revoked":
		return KindRevoked
	default:
		return KindUnauthenticatedOther
	}
}
