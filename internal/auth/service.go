package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
	ErrNoSecret     = errors.New("no ingest secret configured")
)

const issuer = "dashpro-collector"

// Service verifies the shared ingest secret presented by agents and the
// JWTs presented by dashboard viewers.
type Service struct {
	ingestToken []byte
	ingestHash  []byte
	jwtSecret   []byte
}

// NewService creates a new authentication service. ingestHash, when set, is a
// bcrypt hash and takes precedence over the plaintext ingestToken.
func NewService(ingestToken, ingestHash, jwtSecret string) (*Service, error) {
	if ingestToken == "" && ingestHash == "" {
		return nil, ErrNoSecret
	}
	if ingestHash != "" {
		if _, err := bcrypt.Cost([]byte(ingestHash)); err != nil {
			return nil, fmt.Errorf("invalid ingest token hash: %w", err)
		}
	}
	return &Service{
		ingestToken: []byte(ingestToken),
		ingestHash:  []byte(ingestHash),
		jwtSecret:   []byte(jwtSecret),
	}, nil
}

// HashToken bcrypts a plaintext ingest secret for INGEST_TOKEN_HASH.
func HashToken(token string) (string, error) {
	if token == "" {
		return "", ErrMissingToken
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// VerifyIngestToken checks an agent's bearer token against the configured secret.
func (s *Service) VerifyIngestToken(token string) error {
	if token == "" {
		return ErrMissingToken
	}
	if len(s.ingestHash) > 0 {
		if err := bcrypt.CompareHashAndPassword(s.ingestHash, []byte(token)); err != nil {
			return ErrInvalidToken
		}
		return nil
	}
	if subtle.ConstantTimeCompare(s.ingestToken, []byte(token)) != 1 {
		return ErrInvalidToken
	}
	return nil
}

// ViewerClaims represents JWT claims for read-only dashboard access
type ViewerClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

const viewerScope = "devices:read"

// GenerateViewerToken signs a dashboard token for subject valid for ttl
func (s *Service) GenerateViewerToken(subject string, ttl time.Duration) (string, error) {
	if len(s.jwtSecret) == 0 {
		return "", errors.New("JWT secret is not configured")
	}
	now := time.Now()
	claims := &ViewerClaims{
		Scope: viewerScope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// ValidateViewerToken parses a dashboard token and returns its claims
func (s *Service) ValidateViewerToken(tokenString string) (*ViewerClaims, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}
	if len(s.jwtSecret) == 0 {
		return nil, ErrInvalidToken
	}

	token, err := jwt.ParseWithClaims(tokenString, &ViewerClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*ViewerClaims)
	if !ok || !token.Valid || claims.Scope != viewerScope {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" header value.
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrMissingToken
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", ErrInvalidToken
	}
	return strings.TrimSpace(parts[1]), nil
}
