package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const ownerIDKey = "ownerID"

var ErrUnauthenticated = errors.New("unauthenticated")

// Authenticator turns a bearer credential into an opaque owner id. Credential
// verification lives outside this service; the owner id it returns is trusted
// for every scoping decision.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (string, error)
}

// StaticAuthenticator resolves credentials from a fixed token table.
type StaticAuthenticator struct {
	tokens map[string]string
}

func NewStaticAuthenticator(tokens map[string]string) *StaticAuthenticator {
	cp := make(map[string]string, len(tokens))
	for k, v := range tokens {
		cp[k] = v
	}
	return &StaticAuthenticator{tokens: cp}
}

func (a *StaticAuthenticator) Authenticate(_ context.Context, credential string) (string, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return "", ErrUnauthenticated
	}
	for token, owner := range a.tokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(credential)) == 1 {
			return owner, nil
		}
	}
	return "", ErrUnauthenticated
}

func OwnerIDFromContext(c *gin.Context) string {
	if v, ok := c.Get(ownerIDKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Auth requires a bearer credential on every request in the group.
func Auth(auth Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, err := auth.Authenticate(c.Request.Context(), BearerToken(c.Request))
		if err != nil || owner == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(ownerIDKey, owner)
		c.Next()
	}
}

// BearerToken extracts the credential from the Authorization header.
func BearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

// UpgradeCredential extracts the credential for a websocket upgrade: the
// Authorization header, a "token" query parameter, or a "bearer, <token>"
// pair in Sec-WebSocket-Protocol (browsers cannot set headers on upgrade).
func UpgradeCredential(r *http.Request) string {
	if tok := BearerToken(r); tok != "" {
		return tok
	}
	if tok := strings.TrimSpace(r.URL.Query().Get("token")); tok != "" {
		return tok
	}
	parts := strings.Split(r.Header.Get("Sec-WebSocket-Protocol"), ",")
	for i := 0; i+1 < len(parts); i++ {
		if strings.EqualFold(strings.TrimSpace(parts[i]), "bearer") {
			return strings.TrimSpace(parts[i+1])
		}
	}
	return ""
}
