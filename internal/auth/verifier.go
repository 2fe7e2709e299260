package auth

import (
	"context"
	"errors"
	"strings"
)

var ErrInvalidToken = errors.New("invalid token")

// Verifier resolves a bearer token to the user id it was issued for. Token
// issuance belongs to the auth service; the relay only consumes identities.
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// StaticVerifier resolves tokens from a fixed token→user table. It backs
// development deployments and tests.
type StaticVerifier struct {
	tokens map[string]string
}

// NewStaticVerifier builds a StaticVerifier from a token→user map.
func NewStaticVerifier(tokens map[string]string) *StaticVerifier {
	copied := make(map[string]string, len(tokens))
	for token, userID := range tokens {
		copied[token] = userID
	}
	return &StaticVerifier{tokens: copied}
}

// ParseTokenPairs parses "token=user,token=user" as accepted from the
// AUTH_TOKENS env var.
func ParseTokenPairs(spec string) map[string]string {
	tokens := map[string]string{}
	for _, pair := range strings.Split(spec, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			continue
		}
		tokens[parts[0]] = parts[1]
	}
	return tokens
}

// Verify implements Verifier.
func (v *StaticVerifier) Verify(ctx context.Context, token string) (string, error) {
	userID, ok := v.tokens[token]
	if !ok {
		return "", ErrInvalidToken
	}
	return userID, nil
}
