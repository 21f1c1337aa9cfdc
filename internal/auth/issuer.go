package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultSessionTTL = 30 * time.Minute

var errMissingUserID = errors.New("session: user id must be provided")

// SessionIdentity is what a minted session token asserts about its bearer.
type SessionIdentity struct {
	UserID      string
	Email       string
	DisplayName string
	Roles       []string
}

// SessionIssuer mints session JWTs that SessionValidator accepts. It backs the
// development token command and tests; production sessions come from the login service.
type SessionIssuer struct {
	config SessionConfig
	ttl    time.Duration
}

func NewSessionIssuer(cfg SessionConfig, ttl time.Duration) (*SessionIssuer, error) {
	normalized, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &SessionIssuer{config: normalized, ttl: ttl}, nil
}

// Issue signs a token for identity and returns it with its expiry.
func (i *SessionIssuer) Issue(identity SessionIdentity) (string, time.Time, error) {
	userID := strings.TrimSpace(identity.UserID)
	if userID == "" {
		return "", time.Time{}, errMissingUserID
	}
	now := i.config.Clock().UTC()
	expiresAt := now.Add(i.ttl)

	claims := SessionClaims{
		UserID:          userID,
		UserEmail:       identity.Email,
		UserDisplayName: identity.DisplayName,
		UserRoles:       append([]string(nil), identity.Roles...),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    i.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.config.SigningSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}
