// Package auth identifies the operator behind an admin API request.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// OperatorHeader carries the operator name when no credentials are configured.
const OperatorHeader = "X-Operator"

// OperatorKey is the gin context key holding the authenticated operator name.
const OperatorKey = "operator"

var ErrInvalidCredentials = errors.New("invalid credentials")

// Operator is one configured admin identity.
type Operator struct {
	Name         string `mapstructure:"name"`
	PasswordHash string `mapstructure:"password_hash"`
}

// Authenticator checks HTTP Basic credentials against bcrypt hashes.
// With no operators configured it trusts the X-Operator header, which is
// only appropriate on a loopback listener.
type Authenticator struct {
	ops map[string]string
}

func New(ops []Operator) (*Authenticator, error) {
	m := make(map[string]string, len(ops))
	for i, op := range ops {
		if strings.TrimSpace(op.Name) == "" {
			return nil, fmt.Errorf("operator %d: name required", i)
		}
		if _, err := bcrypt.Cost([]byte(op.PasswordHash)); err != nil {
			return nil, fmt.Errorf("operator %s: invalid password hash: %w", op.Name, err)
		}
		m[op.Name] = op.PasswordHash
	}
	return &Authenticator{ops: m}, nil
}

// Enabled reports whether credentials are required.
func (a *Authenticator) Enabled() bool { return len(a.ops) > 0 }

// Authenticate returns the operator name for valid credentials.
func (a *Authenticator) Authenticate(username, password string) (string, error) {
	if username == "" || password == "" {
		return "", ErrInvalidCredentials
	}
	hash, ok := a.ops[username]
	if !ok {
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return username, nil
}

// Identify resolves the operator of r.
func (a *Authenticator) Identify(r *http.Request) (string, error) {
	if !a.Enabled() {
		name := strings.TrimSpace(r.Header.Get(OperatorHeader))
		if name == "" {
			return "", fmt.Errorf("%s header required", OperatorHeader)
		}
		return name, nil
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return "", ErrInvalidCredentials
	}
	return a.Authenticate(user, pass)
}

// GinRequireOperator rejects requests without an operator identity and
// stores the name under OperatorKey.
func (a *Authenticator) GinRequireOperator() gin.HandlerFunc {
	return func(c *gin.Context) {
		name, err := a.Identify(c.Request)
		if err != nil {
			if a.Enabled() {
				c.Header("WWW-Authenticate", `Basic realm="staffsync"`)
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "authentication_failed",
				"message": err.Error(),
			})
			return
		}
		c.Set(OperatorKey, name)
		c.Next()
	}
}

// OperatorFrom returns the operator set by GinRequireOperator.
func OperatorFrom(c *gin.Context) string {
	return c.GetString(OperatorKey)
}

// HashPassword returns a bcrypt hash suitable for Operator.PasswordHash.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password required")
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(b), nil
}
