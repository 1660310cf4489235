package auth

import (
	"errors"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TunnelAudience marks tokens that may only open agent tunnels.
const TunnelAudience = "tunnel"

var (
	ErrMissingSecret = errors.New("JWT_SECRET is not set")
	ErrMissingToken  = errors.New("missing token")
	ErrInvalidToken  = errors.New("invalid or expired token")
)

type Claims struct {
	jwt.RegisteredClaims
}

// TokenService issues and verifies the HS256 tokens used by dashboards and
// agent tunnels.
type TokenService struct {
	secret    []byte
	userTTL   time.Duration
	tunnelTTL time.Duration
	now       func() time.Time
}

func NewTokenService(secret string, userTTL, tunnelTTL time.Duration) (*TokenService, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	return &TokenService{
		secret:    []byte(secret),
		userTTL:   userTTL,
		tunnelTTL: tunnelTTL,
		now:       time.Now,
	}, nil
}

func (s *TokenService) sign(subject string, ttl time.Duration, audience ...string) (string, time.Time, error) {
	now := s.now()
	expires := now.Add(ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	if len(audience) > 0 {
		claims.Audience = audience
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	return signed, expires, err
}

func (s *TokenService) parse(tokenString string, opts ...jwt.ParserOption) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}
	opts = append(opts,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// GenerateToken issues a dashboard token for userID.
func (s *TokenService) GenerateToken(userID string) (string, error) {
	token, _, err := s.sign(userID, s.userTTL)
	return token, err
}

// ParseToken verifies a dashboard token. Tunnel tokens are refused.
func (s *TokenService) ParseToken(tokenString string) (*Claims, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return nil, err
	}
	if slices.Contains(claims.Audience, TunnelAudience) {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// GenerateTunnelToken issues a time-boxed token an agent presents when it
// opens a tunnel on behalf of accountID.
func (s *TokenService) GenerateTunnelToken(accountID string) (string, time.Time, error) {
	return s.sign(accountID, s.tunnelTTL, TunnelAudience)
}

// ParseTunnelToken verifies a tunnel token and returns the account id.
func (s *TokenService) ParseTunnelToken(tokenString string) (string, error) {
	claims, err := s.parse(tokenString, jwt.WithAudience(TunnelAudience))
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// ResolveAccount accepts either token kind and returns the account id and
// whether the token was a tunnel token.
func (s *TokenService) ResolveAccount(tokenString string) (string, bool, error) {
	if accountID, err := s.ParseTunnelToken(tokenString); err == nil {
		return accountID, true, nil
	}
	claims, err := s.ParseToken(tokenString)
	if err != nil {
		return "", false, err
	}
	return claims.Subject, false, nil
}
