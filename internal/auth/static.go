package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"makerspace/internal/domain"
)

// StaticVerifier maps known token strings to principals. It backs local
// development and tests.
type StaticVerifier struct {
	Tokens  map[string]domain.Principal
	Revoked map[string]struct{}
}

func NewStaticVerifier(tokens map[string]domain.Principal) *StaticVerifier {
	return &StaticVerifier{Tokens: tokens, Revoked: map[string]struct{}{}}
}

func (v *StaticVerifier) Verify(ctx context.Context, token string) (domain.Principal, error) {
	if err := ctxFailure(ctx); err != nil {
		return domain.Principal{}, err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.Principal{}, reject(KindMalformed, errors.New("empty token"))
	}
	if _, ok := v.Revoked[token]; ok {
		return domain.Principal{}, reject(KindRevoked, nil)
	}
	p, ok := v.Tokens[token]
	if !ok {
		return domain.Principal{}, reject(KindUnauthenticatedOther, errors.New("unknown token"))
	}
	return p, nil
}

type tokenFile struct {
	Tokens map[string]struct {
		UserID string   `yaml:"user_id"`
		Roles  []string `yaml:"roles"`
	} `yaml:"tokens"`
	Revoked []string `yaml:"revoked"`
}

// ParseTokenFile reads the YAML static token format.
func ParseTokenFile(data []byte) (*StaticVerifier, error) {
	var f tokenFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse token file: %w", err)
	}
	tokens := make(map[string]domain.Principal, len(f.Tokens))
	for token, entry := range f.Tokens {
		if strings.TrimSpace(entry.UserID) == "" {
			return nil, fmt.Errorf("token file: user_id required for token %q", token)
		}
		tokens[token] = domain.Principal{
			UserID: entry.UserID,
			Roles:  domain.RolesFromStrings(entry.Roles),
		}
	}
	v := NewStaticVerifier(tokens)
	for _, r := range f.Revoked {
		v.Revoked[r] = struct{}{}
	}
	return v, nil
}

// LoadTokenFile reads a static token file from disk.
func LoadTokenFile(path string) (*StaticVerifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseTokenFile(data)
}
