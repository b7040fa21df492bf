// Package auth implements the relay's pre-upgrade authentication hook:
// given a request path and its headers, decide whether the handshake
// proceeds or is rejected with an HTTP status. Grounded on the
// teacher's internal/auth.AuthService (bcrypt password hashing,
// token validate/generate) and internal/middleware/auth.go's
// Authorization-header bearer-token parsing, generalised from a gin
// middleware into the relay's own hook shape so it runs identically
// whether the transport library in front of it is gin or a bare
// net/http Upgrade.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Result is the hook's verdict: Allowed true lets the handshake
// proceed; otherwise Status carries the HTTP-style rejection code.
type Result struct {
	Allowed bool
	Status  int
	Reason  string
}

func allow() Result { return Result{Allowed: true} }

func reject(status int, reason string) Result {
	return Result{Allowed: false, Status: status, Reason: reason}
}

// Hook matches the relay's "(path, headers) -> None|Response"
// authentication contract: path is the request path as received
// (before identifier stripping), headers the raw request headers.
type Hook func(path string, headers http.Header) Result

// Dummy is the --dummy flag's hook: it allows every handshake. Used
// for local development.
func Dummy() Hook {
	return func(string, http.Header) Result { return allow() }
}

// Credential is one Basic-auth account: password is stored as a
// bcrypt hash, never in the clear.
type Credential struct {
	Username     string
	PasswordHash string
}

// HashPassword bcrypt-hashes a plaintext password for storage in a
// Credential.
func HashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash password: %w", err)
	}
	return string(hashed), nil
}

// Basic returns a Hook enforcing HTTP Basic authentication against a
// fixed set of credentials, checked with bcrypt.CompareHashAndPassword
// exactly as the teacher's AuthService.CheckPassword does.
func Basic(credentials []Credential) Hook {
	byUser := make(map[string]string, len(credentials))
	for _, c := range credentials {
		byUser[c.Username] = c.PasswordHash
	}
	return func(path string, headers http.Header) Result {
		user, pass, ok := parseBasicAuth(headers.Get("Authorization"))
		if !ok {
			return reject(http.StatusUnauthorized, "missing or malformed Basic credentials")
		}
		hash, known := byUser[user]
		if !known {
			return reject(http.StatusUnauthorized, "unknown user")
		}
		if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(pass)); err != nil {
			return reject(http.StatusUnauthorized, "invalid password")
		}
		return allow()
	}
}

func parseBasicAuth(header string) (user, pass string, ok bool) {
	const prefix = "Basic "
	if !strings.HasPrefix(header, prefix) {
		return "", "", false
	}
	req := &http.Request{Header: http.Header{"Authorization": []string{header}}}
	return req.BasicAuth()
}

// LDAPDialer abstracts the directory bind this package needs, so
// production code can wire a real LDAP client without this package
// importing one directly — no LDAP client library appears anywhere in
// the dependency pack, so Bind is left to the caller's own
// implementation (e.g. one built on golang.org/x/crypto's SASL
// primitives, or an external ldap.v3 client wired in at the relay's
// composition root).
type LDAPDialer interface {
	Bind(realm, server, base, username, password string) error
}

// LDAP returns a Hook for the --ldap REALM SERVER BASE flag: it parses
// Basic credentials off the request and attempts an LDAP bind through
// dialer. This is a stub in the sense the spec allows ("implementations
// may leave this as a stub") — the bind contract is fully specified,
// but no concrete directory client ships in this module.
func LDAP(dialer LDAPDialer, realm, server, base string) Hook {
	return func(path string, headers http.Header) Result {
		user, pass, ok := parseBasicAuth(headers.Get("Authorization"))
		if !ok {
			return reject(http.StatusUnauthorized, "missing or malformed Basic credentials")
		}
		if err := dialer.Bind(realm, server, base, user, pass); err != nil {
			return reject(http.StatusUnauthorized, "LDAP bind failed: "+err.Error())
		}
		return allow()
	}
}

// Claims is the bearer token's payload.
type Claims struct {
	Subject string `json:"sub"`
	Role    string `json:"role"`
	jwt.RegisteredClaims
}

// ErrTokenInvalid is returned by anything that parses a bearer token
// that fails signature or expiry validation.
var ErrTokenInvalid = errors.New("auth: invalid or expired token")

// Bearer returns a Hook validating a JWT passed as
// "Authorization: Bearer <token>", signed with HMAC under secret.
func Bearer(secret []byte) Hook {
	return func(path string, headers http.Header) Result {
		authHeader := headers.Get("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			return reject(http.StatusUnauthorized, "missing bearer token")
		}

		_, err := ParseBearer(parts[1], secret)
		if err != nil {
			return reject(http.StatusUnauthorized, err.Error())
		}
		return allow()
	}
}

// ParseBearer validates a bearer token and returns its claims.
func ParseBearer(token string, secret []byte) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// IssueBearer mints a bearer token for subject/role, for tests and any
// admin tooling that needs to hand out tokens without a separate auth
// service.
func IssueBearer(secret []byte, subject, role string, ttl time.Duration) (string, error) {
	claims := Claims{
		Subject: subject,
		Role:    role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}
