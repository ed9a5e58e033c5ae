package service

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var ErrAuthDisabled = errors.New("token verification is not configured")

// Verifies HS256 tokens issued by the external auth provider.
// Sessions are never issued here.
type AuthService struct {
	jwtSecret []byte
	issuer    string
	adminRole string
}

func NewAuthService(secret, issuer, adminRole string) *AuthService {
	if adminRole == "" {
		adminRole = "admin"
	}
	return &AuthService{
		jwtSecret: []byte(secret),
		issuer:    issuer,
		adminRole: adminRole,
	}
}

func (s *AuthService) Enabled() bool {
	return len(s.jwtSecret) > 0
}

// Validates a JWT token and return the claims
func (s *AuthService) ValidateToken(tokenString string) (jwt.MapClaims, error) {
	if !s.Enabled() {
		return nil, ErrAuthDisabled
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// Verifying signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, opts...)

	if err != nil {
		return nil, err
	}

	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid token claims")
	}

	return claims, nil
}

// Reports whether the claims carry the configured admin role
func (s *AuthService) IsAdmin(claims jwt.MapClaims) bool {
	role, _ := claims["role"].(string)
	return role == s.adminRole
}
