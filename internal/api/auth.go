package api

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"virtual-trader/internal/errors"
)

// devNamespace scopes user ids derived from arbitrary tokens.
var devNamespace = uuid.MustParse("6f1c7f52-0b7e-4c1a-9d8e-3a2f5c4b7e10")

// TokenRegistry maps bearer tokens to user ids.
type TokenRegistry struct {
	tokens   map[string]string
	allowAny bool
}

// NewTokenRegistry creates a registry. With allowAny every non-empty token
// is accepted and mapped to a stable user id derived from it.
func NewTokenRegistry(tokens map[string]string, allowAny bool) *TokenRegistry {
	t := make(map[string]string, len(tokens))
	for k, v := range tokens {
		t[k] = v
	}
	return &TokenRegistry{tokens: t, allowAny: allowAny}
}

// UserFor returns the user id for token.
func (r *TokenRegistry) UserFor(token string) (string, error) {
	if token == "" {
		return "", errors.ErrUnauthorized
	}
	if id, ok := r.tokens[token]; ok {
		return id, nil
	}
	if r.allowAny {
		return DevUserID(token), nil
	}
	return "", errors.ErrUnauthorized
}

// DevUserID derives the user id issued for token in allow-any mode.
func DevUserID(token string) string {
	return uuid.NewSHA1(devNamespace, []byte(token)).String()
}

// Authenticate resolves the bearer token of r.
func (r *TokenRegistry) Authenticate(req *http.Request) (string, error) {
	h := req.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", errors.ErrUnauthorized
	}
	return r.UserFor(strings.TrimSpace(token))
}
