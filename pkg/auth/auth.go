// Package auth issues and verifies the credentials the HTTP surfaces
// require: agent, user, and admin scopes, plus the credentialed queue
// handles the registration flow hands to agents. Tokens are plain JWT
// claims (subject, scope, expiry) signed with
// github.com/golang-jwt/jwt/v5.
package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// Scope names the credential class a token carries.
type Scope string

const (
	ScopeAgent Scope = "agent"
	ScopeUser  Scope = "user"
	ScopeAdmin Scope = "admin"
)

// QueueRight names one of the Read|Update|Process rights a queue
// consumer-credential handle may carry.
type QueueRight string

const (
	RightRead    QueueRight = "read"
	RightUpdate  QueueRight = "update"
	RightProcess QueueRight = "process"
)

// Claims is the JWT payload for every credential this package issues.
// QueueName/QueueRights are only populated for queue consumer-credential
// handles; every other token leaves them empty.
type Claims struct {
	Scope       Scope        `json:"scope"`
	MachineID   string       `json:"machine_id,omitempty"`
	QueueName   string       `json:"queue_name,omitempty"`
	QueueRights []QueueRight `json:"queue_rights,omitempty"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies Claims with a single HMAC key. No PKI:
// the control plane itself is the sole issuer and verifier. It is an
// explicit constructed value rather than a package global so each
// surface gets handed its collaborator.
type Issuer struct {
	key []byte
}

// NewIssuer builds an Issuer from a signing key. An empty key is
// rejected: a zero-value secret would let any caller forge tokens.
func NewIssuer(key string) (*Issuer, error) {
	if key == "" {
		return nil, errors.New("auth: signing key must not be empty")
	}
	return &Issuer{key: []byte(key)}, nil
}

// IssueUserToken issues a user- or admin-scoped credential.
func (iss *Issuer) IssueUserToken(subject string, admin bool, ttl time.Duration) (string, error) {
	scope := ScopeUser
	if admin {
		scope = ScopeAdmin
	}
	return iss.sign(Claims{
		Scope: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	})
}

// IssueAgentToken issues an agent credential bound to machineID at
// registration time.
func (iss *Issuer) IssueAgentToken(machineID string, ttl time.Duration) (string, error) {
	return iss.sign(Claims{
		Scope:     ScopeAgent,
		MachineID: machineID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   machineID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	})
}

// IssueQueueCredential issues a credentialed handle over a single
// queue with the given rights, used by the registration handler to
// hand an agent its work_queue.
func (iss *Issuer) IssueQueueCredential(queueName string, rights []QueueRight, ttl time.Duration) (string, error) {
	return iss.sign(Claims{
		Scope:       ScopeAgent,
		QueueName:   queueName,
		QueueRights: rights,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   queueName,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	})
}

func (iss *Issuer) sign(claims Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(iss.key)
	if err != nil {
		return "", errors.Wrap(err, "sign token")
	}
	return signed, nil
}

// Verify parses and validates a token, returning its Claims.
func (iss *Issuer) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return iss.key, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "parse token")
	}
	if !token.Valid {
		return nil, errors.New("auth: invalid token")
	}
	return claims, nil
}

// HasRight reports whether claims grants right on the queue it names.
func (c *Claims) HasRight(right QueueRight) bool {
	for _, r := range c.QueueRights {
		if r == right {
			return true
		}
	}
	return false
}

// bearerToken extracts the token from an Authorization: Bearer header.
func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", errors.New("auth: missing bearer token")
	}
	return strings.TrimPrefix(header, prefix), nil
}

// RequireScope is HTTP middleware enforcing that the caller's token
// carries at least the given scope. Admin implies user; user does not
// imply agent or vice versa — they are disjoint credential classes.
// The verified Claims are stashed in the request context for handlers
// that need the subject (e.g. machine_id).
func (iss *Issuer) RequireScope(scope Scope, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString, err := bearerToken(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		claims, err := iss.Verify(tokenString)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if !scopeSatisfies(claims.Scope, scope) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		ctx := withClaims(r.Context(), claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func scopeSatisfies(have, want Scope) bool {
	if have == want {
		return true
	}
	return have == ScopeAdmin && want == ScopeUser
}
