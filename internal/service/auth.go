package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/shuttleops/fleet-api/internal/storage"
)

// Sentinel errors for the auth service.
var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrTokenExpired       = errors.New("auth: token expired")
	ErrTokenRevoked       = errors.New("auth: token revoked")
	ErrJWTSecretMissing   = errors.New("auth: JWT_SECRET not configured")
)

const (
	tokenIssuer   = "fleet-api"
	tokenAudience = "fleet-api/v1"

	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
	refreshTokenBytes = 32
)

// IsAuthFailure reports whether err means the caller presented bad
// credentials or an unusable refresh token.
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrInvalidCredentials) ||
		errors.Is(err, ErrTokenExpired) ||
		errors.Is(err, ErrTokenRevoked)
}

// Session is the result of a login or refresh.
type Session struct {
	User             *storage.User
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// AuthClaims are the JWT claims embedded in access tokens. TenantID scopes
// every trip and fleet operation the bearer performs.
type AuthClaims struct {
	jwt.RegisteredClaims
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// AuthOption configures an AuthService.
type AuthOption func(*AuthService)

// WithTokenTTLs sets the access and refresh token lifetimes. Zero values keep
// the defaults.
func WithTokenTTLs(access, refresh time.Duration) AuthOption {
	return func(s *AuthService) {
		if access > 0 {
			s.accessTTL = access
		}
		if refresh > 0 {
			s.refreshTTL = refresh
		}
	}
}

// WithAuthClock overrides the time source.
func WithAuthClock(now func() time.Time) AuthOption {
	return func(s *AuthService) { s.now = now }
}

// AuthService issues and validates operator sessions: short-lived HS256
// access tokens plus opaque refresh tokens stored as SHA-256 hashes and
// rotated on every use.
type AuthService struct {
	users      storage.UsersRepository
	tokens     storage.RefreshTokensRepository
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewAuthService creates an AuthService. An empty secret leaves the service
// constructed but every token operation fails with ErrJWTSecretMissing.
func NewAuthService(users storage.UsersRepository, tokens storage.RefreshTokensRepository, secret string, opts ...AuthOption) *AuthService {
	s := &AuthService{
		users:      users,
		tokens:     tokens,
		secret:     []byte(secret),
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Login checks a username and password and opens a session. Unknown users,
// deactivated users and wrong passwords all yield ErrInvalidCredentials.
func (s *AuthService) Login(ctx context.Context, username, password string) (*Session, error) {
	if len(s.secret) == 0 {
		return nil, ErrJWTSecretMissing
	}

	user, err := s.users.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("auth: Login: %w", err)
	}
	if user == nil || !user.Active {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	return s.openSession(ctx, user)
}

// Refresh exchanges a refresh token for a new session and revokes the old
// token. Presenting an already revoked token is treated as theft: every
// refresh token of that user is revoked.
func (s *AuthService) Refresh(ctx context.Context, rawRefreshToken string) (*Session, error) {
	if len(s.secret) == 0 {
		return nil, ErrJWTSecretMissing
	}

	hash := hashToken(rawRefreshToken)
	stored, err := s.tokens.GetRefreshToken(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("auth: Refresh: %w", err)
	}
	if stored == nil {
		return nil, ErrInvalidCredentials
	}
	if stored.Revoked {
		log.Warn().Str("user_id", stored.UserID).Msg("auth: revoked refresh token reused, revoking all sessions")
		if err := s.tokens.RevokeAllUserTokens(ctx, stored.UserID); err != nil {
			return nil, fmt.Errorf("auth: Refresh: revoke all: %w", err)
		}
		return nil, ErrTokenRevoked
	}
	if !s.now().Before(stored.ExpiresAt) {
		return nil, ErrTokenExpired
	}

	user, err := s.users.GetUserByID(ctx, stored.TenantID, stored.UserID)
	if err != nil {
		return nil, fmt.Errorf("auth: Refresh: %w", err)
	}
	if err := s.tokens.RevokeRefreshToken(ctx, hash); err != nil {
		return nil, fmt.Errorf("auth: Refresh: revoke: %w", err)
	}
	if user == nil || !user.Active {
		return nil, ErrInvalidCredentials
	}

	return s.openSession(ctx, user)
}

// Logout revokes one refresh token. Unknown tokens are not an error.
func (s *AuthService) Logout(ctx context.Context, rawRefreshToken string) error {
	if err := s.tokens.RevokeRefreshToken(ctx, hashToken(rawRefreshToken)); err != nil {
		return fmt.Errorf("auth: Logout: %w", err)
	}
	return nil
}

// ValidateAccessToken parses an access token and returns its claims. Tokens
// without a tenant are rejected.
func (s *AuthService) ValidateAccessToken(tokenString string) (*AuthClaims, error) {
	if len(s.secret) == 0 {
		return nil, ErrJWTSecretMissing
	}

	claims := &AuthClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithAudience(tokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	if claims.TenantID == "" || claims.UserID == "" {
		return nil, ErrInvalidCredentials
	}
	return claims, nil
}

// HashPassword hashes a plaintext password using bcrypt.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash password: %w", err)
	}
	return string(hash), nil
}

func (s *AuthService) openSession(ctx context.Context, user *storage.User) (*Session, error) {
	now := s.now()
	sess := &Session{
		User:             user,
		AccessExpiresAt:  now.Add(s.accessTTL),
		RefreshExpiresAt: now.Add(s.refreshTTL),
	}

	claims := AuthClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   user.ID,
			Issuer:    tokenIssuer,
			Audience:  jwt.ClaimStrings{tokenAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(sess.AccessExpiresAt),
		},
		UserID:   user.ID,
		TenantID: user.TenantID,
		Username: user.Username,
		Role:     user.Role,
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("auth: sign access token: %w", err)
	}
	sess.AccessToken = access

	raw := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("auth: generate refresh token: %w", err)
	}
	sess.RefreshToken = hex.EncodeToString(raw)

	if err := s.tokens.StoreRefreshToken(ctx, hashToken(sess.RefreshToken), user.ID, sess.RefreshExpiresAt); err != nil {
		return nil, fmt.Errorf("auth: store refresh token: %w", err)
	}
	return sess, nil
}

func hashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}
