package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken    = errors.New("authentication token required")
	ErrInvalidToken    = errors.New("authentication failed")
	ErrUserNotFound    = errors.New("user not found")
	ErrAccountInactive = errors.New("account is deactivated")
)

// Identity is the already-authenticated principal behind a connection.
type Identity struct {
	UserID    string   `json:"userId"`
	Roles     []string `json:"roles"`
	CompanyID string   `json:"companyId,omitempty"`
	IsActive  bool     `json:"isActive"`
}

// HasRole reports whether the identity holds the named role.
func (identity Identity) HasRole(role string) bool {
	for _, held := range identity.Roles {
		if held == role {
			return true
		}
	}
	return false
}

// Authenticator resolves a bearer credential into an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}

// UserDirectory looks users up by id; a nil identity means the user does not exist.
type UserDirectory interface {
	LookupUser(ctx context.Context, userID string) (*Identity, error)
}

type tokenClaims struct {
	jwt.RegisteredClaims
	UserID userIDClaim `json:"id"`
}

// userIDClaim accepts the id claim as either a JSON string or a number.
type userIDClaim string

func (c *userIDClaim) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*c = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var value string
		if err := json.Unmarshal(data, &value); err != nil {
			return err
		}
		*c = userIDClaim(value)
		return nil
	}
	var number json.Number
	if err := json.Unmarshal(data, &number); err != nil {
		return err
	}
	*c = userIDClaim(number.String())
	return nil
}

// JWTAuthenticator verifies HS256 tokens issued by the main application and
// loads the user's roles and tenant from the directory.
type JWTAuthenticator struct {
	secret    []byte
	directory UserDirectory
}

func NewJWTAuthenticator(secret string, directory UserDirectory) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret), directory: directory}
}

func (a *JWTAuthenticator) Authenticate(ctx context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrMissingToken
	}
	claims := &tokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}))
	if err != nil || !parsed.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	userID := string(claims.UserID)
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return Identity{}, fmt.Errorf("%w: token has no user id", ErrInvalidToken)
	}
	identity, err := a.directory.LookupUser(ctx, userID)
	if err != nil {
		return Identity{}, fmt.Errorf("lookup user %s: %w", userID, err)
	}
	if identity == nil {
		return Identity{}, ErrUserNotFound
	}
	if !identity.IsActive {
		return Identity{}, ErrAccountInactive
	}
	return *identity, nil
}

// bearerToken pulls the credential from the handshake: the token query
// parameter first, then the Authorization header.
func bearerToken(request *http.Request) string {
	if token := strings.TrimSpace(request.URL.Query().Get("token")); token != "" {
		return token
	}
	header := strings.TrimSpace(request.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

func authErrorMessage(err error) string {
	switch {
	case errors.Is(err, ErrMissingToken):
		return ErrMissingToken.Error()
	case errors.Is(err, ErrUserNotFound):
		return ErrUserNotFound.Error()
	case errors.Is(err, ErrAccountInactive):
		return ErrAccountInactive.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return "authentication timed out"
	default:
		return ErrInvalidToken.Error()
	}
}
