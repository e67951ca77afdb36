package hls

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken covers expired, malformed, and mis-scoped playback tokens.
var ErrInvalidToken = errors.New("invalid playback token")

const tokenPurpose = "hls"

// DefaultTokenTTL bounds how long a playback URL stays valid.
const DefaultTokenTTL = time.Hour

type playbackClaims struct {
	MediaID string `json:"mediaId"`
	Purpose string `json:"purpose"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies short-lived playback tokens scoped to a
// single media item.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer builds an issuer with the given HMAC secret. A non-positive
// ttl falls back to DefaultTokenTTL.
func NewTokenIssuer(secret []byte, ttl time.Duration) (*TokenIssuer, error) {
	if len(secret) == 0 {
		return nil, errors.New("playback token secret is required")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenIssuer{secret: secret, ttl: ttl, now: time.Now}, nil
}

// Issue mints a token granting the owner playback access to one media item.
func (i *TokenIssuer) Issue(ownerID, mediaID string) (string, error) {
	if ownerID == "" || mediaID == "" {
		return "", errors.New("owner and media are required")
	}
	now := i.now().UTC()
	claims := playbackClaims{
		MediaID: mediaID,
		Purpose: tokenPurpose,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ownerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign playback token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and scope of a playback token and returns the
// owner it was issued to. The token must name the media being requested.
func (i *TokenIssuer) Verify(raw, mediaID string) (string, error) {
	claims := &playbackClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now))
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}
	if claims.Purpose != tokenPurpose || claims.MediaID != mediaID || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
