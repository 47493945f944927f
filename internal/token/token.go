// Package token issues and verifies the RS256-signed access and refresh
// tokens. Callers treat tokens as opaque; the only derived value exposed is
// Hash, the deterministic fingerprint used for blacklist and session
// storage so raw tokens are never persisted.
package token

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/pellenbrig/aegis/internal/clock"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

// token_use claim values; they stop an access token from being replayed on
// the refresh endpoint and vice versa.
const (
	useAccess  = "access"
	useRefresh = "refresh"
)

// AccessClaims is the payload of an access token.
type AccessClaims struct {
	UserID    uuid.UUID  `json:"sub"`
	SessionID uuid.UUID  `json:"sessionId"`
	Roles     []string   `json:"roles"`
	OrgID     *uuid.UUID `json:"orgId,omitempty"`
	TokenUse  string     `json:"token_use"`
	jwt.RegisteredClaims
}

// RefreshClaims is the payload of a refresh token. TokenFamily ties every
// rotation of the same login together for reuse detection.
type RefreshClaims struct {
	UserID      uuid.UUID `json:"sub"`
	SessionID   uuid.UUID `json:"sessionId"`
	TokenFamily string    `json:"tokenFamily"`
	TokenUse    string    `json:"token_use"`
	jwt.RegisteredClaims
}

// PairInput carries everything stamped into a fresh token pair.
type PairInput struct {
	UserID      uuid.UUID
	SessionID   uuid.UUID
	Roles       []string
	OrgID       *uuid.UUID
	TokenFamily string
	Remembered  bool
}

// Pair is an issued access+refresh token pair with absolute expiries.
type Pair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// Options tunes the provider. Zero durations fall back to the standard
// lifetimes.
type Options struct {
	Issuer        string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	RememberedTTL time.Duration
}

// Provider signs and verifies tokens with a single RSA key pair.
type Provider struct {
	privateKey    *rsa.PrivateKey
	publicKey     *rsa.PublicKey
	clock         clock.Clock
	kid           string
	issuer        string
	accessTTL     time.Duration
	refreshTTL    time.Duration
	rememberedTTL time.Duration
}

// NewProvider parses a PEM-encoded RSA private key (PKCS#1 or PKCS#8) and
// returns a ready provider.
func NewProvider(privateKeyPEM string, clk clock.Clock, opts Options) (*Provider, error) {
	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		return nil, errors.New("token: no PEM block in private key")
	}

	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		key, err2 := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err2 != nil {
			return nil, fmt.Errorf("token: parse private key: %v / %v", err, err2)
		}
		var ok bool
		priv, ok = key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("token: private key is not RSA")
		}
	}

	if opts.AccessTTL == 0 {
		opts.AccessTTL = 15 * time.Minute
	}
	if opts.RefreshTTL == 0 {
		opts.RefreshTTL = 7 * 24 * time.Hour
	}
	if opts.RememberedTTL == 0 {
		opts.RememberedTTL = 30 * 24 * time.Hour
	}
	if opts.Issuer == "" {
		opts.Issuer = "aegis"
	}

	return &Provider{
		privateKey:    priv,
		publicKey:     &priv.PublicKey,
		clock:         clk,
		kid:           "sig-1",
		issuer:        opts.Issuer,
		accessTTL:     opts.AccessTTL,
		refreshTTL:    opts.RefreshTTL,
		rememberedTTL: opts.RememberedTTL,
	}, nil
}

// GeneratePair issues a new access+refresh pair. The refresh lifetime is 7
// days, or 30 days when the login asked to be remembered.
func (p *Provider) GeneratePair(in PairInput) (*Pair, error) {
	now := p.clock.Now()
	accessExp := now.Add(p.accessTTL)

	refreshTTL := p.refreshTTL
	if in.Remembered {
		refreshTTL = p.rememberedTTL
	}
	refreshExp := now.Add(refreshTTL)

	access := AccessClaims{
		UserID:    in.UserID,
		SessionID: in.SessionID,
		Roles:     in.Roles,
		OrgID:     in.OrgID,
		TokenUse:  useAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(accessExp),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)), // clock skew
			Issuer:    p.issuer,
		},
	}
	accessToken, err := p.sign(access)
	if err != nil {
		return nil, err
	}

	refresh := RefreshClaims{
		UserID:      in.UserID,
		SessionID:   in.SessionID,
		TokenFamily: in.TokenFamily,
		TokenUse:    useRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(refreshExp),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)), // clock skew
			Issuer:    p.issuer,
		},
	}
	refreshToken, err := p.sign(refresh)
	if err != nil {
		return nil, err
	}

	return &Pair{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

func (p *Provider) sign(claims jwt.Claims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = p.kid
	signed, err := tok.SignedString(p.privateKey)
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	return signed, nil
}

// VerifyAccess parses and verifies an access token.
func (p *Provider) VerifyAccess(tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := p.parse(tokenString, claims); err != nil {
		return nil, err
	}
	if claims.TokenUse != useAccess {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// VerifyRefresh parses and verifies a refresh token.
func (p *Provider) VerifyRefresh(tokenString string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := p.parse(tokenString, claims); err != nil {
		return nil, err
	}
	if claims.TokenUse != useRefresh {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (p *Provider) parse(tokenString string, claims jwt.Claims) error {
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return p.publicKey, nil
	},
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithTimeFunc(func() time.Time { return p.clock.Now() }),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrExpiredToken
		}
		return ErrInvalidToken
	}
	if !tok.Valid {
		return ErrInvalidToken
	}
	return nil
}

// Hash returns the SHA-256 hex fingerprint of a token. Stable across
// restarts, safe to index, and never reversible to the token itself.
func Hash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// NewFamily mints an opaque token-family identifier for a fresh login.
func NewFamily() string {
	return uuid.NewString()
}
