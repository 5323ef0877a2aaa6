// Package auth issues and checks the HS256 bearer tokens that guard the admin API.
package auth

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mitchellh/mapstructure"
	"github.com/rs/zerolog/log"
	"github.com/tansive/receipts/internal/common/apperrors"
	"github.com/tansive/receipts/internal/common/uuid"
	"github.com/tansive/receipts/internal/receiptsrv/config"
)

// AdminScope is the only scope accepted on admin tokens.
const AdminScope = "receipts:admin"

// AdminClaims are the claims carried by an admin token.
type AdminClaims struct {
	Subject  string  `mapstructure:"sub"`
	Issuer   string  `mapstructure:"iss"`
	TokenID  string  `mapstructure:"jti"`
	Scope    string  `mapstructure:"scope"`
	IssuedAt float64 `mapstructure:"iat"`
	Expiry   float64 `mapstructure:"exp"`
}

// IssuedAtTime returns the iat claim as a time.
func (c *AdminClaims) IssuedAtTime() time.Time {
	return time.Unix(int64(c.IssuedAt), 0).UTC()
}

// CreateAdminToken signs an admin token for subject valid for ttl from now.
func CreateAdminToken(secret []byte, issuer, subject string, ttl time.Duration, now time.Time) (string, error) {
	if len(secret) == 0 {
		return "", ErrTokenGeneration.Msg("admin token secret is empty")
	}
	claims := jwt.MapClaims{
		"sub":   subject,
		"iss":   issuer,
		"jti":   uuid.New().String(),
		"scope": AdminScope,
		"iat":   jwt.NewNumericDate(now),
		"nbf":   jwt.NewNumericDate(now),
		"exp":   jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", ErrTokenGeneration.Err(err)
	}
	return signed, nil
}

// Validator checks admin tokens.
type Validator struct {
	secret    []byte
	issuer    string
	maxAge    time.Duration
	clockSkew time.Duration
	now       func() time.Time
}

func NewValidator(secret []byte, issuer string, maxAge, clockSkew time.Duration) *Validator {
	return &Validator{secret: secret, issuer: issuer, maxAge: maxAge, clockSkew: clockSkew, now: time.Now}
}

// NewValidatorFromConfig builds a Validator from the auth section.
func NewValidatorFromConfig(cfg *config.ConfigParam) *Validator {
	return NewValidator([]byte(cfg.Auth.AdminTokenSecret), cfg.Auth.Issuer, cfg.Auth.GetMaxTokenAge(), cfg.Auth.GetClockSkew())
}

// WithClock replaces the validation clock.
func (v *Validator) WithClock(now func() time.Time) *Validator {
	v.now = now
	return v
}

// Validate parses tokenString and returns its claims if it is a well-formed, unexpired
// admin token signed with the configured secret.
func (v *Validator) Validate(ctx context.Context, tokenString string) (*AdminClaims, apperrors.Error) {
	if len(v.secret) == 0 {
		return nil, ErrAdminDisabled
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(v.clockSkew),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		log.Ctx(ctx).Debug().Err(err).Msg("failed to parse admin token")
		return nil, ErrInvalidToken.Err(err)
	}
	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	var claims AdminClaims
	if err := mapstructure.Decode(map[string]any(mapClaims), &claims); err != nil {
		return nil, ErrInvalidToken.Err(err)
	}
	if claims.Scope != AdminScope {
		return nil, ErrInvalidToken.Msg("token does not carry the admin scope")
	}
	if claims.Subject == "" || claims.IssuedAt == 0 {
		return nil, ErrInvalidToken.Msg("token is missing required claims")
	}
	if v.maxAge > 0 && v.now().Sub(claims.IssuedAtTime()) > v.maxAge+v.clockSkew {
		return nil, ErrInvalidToken.Msg("token is older than the maximum token age")
	}
	return &claims, nil
}
