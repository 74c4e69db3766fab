package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ZeQ61/message/internal/codec"
)

var (
	// ErrInvalidToken indicates the token failed signature checks or had malformed structure.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken signals that the token's expiry is in the past.
	ErrExpiredToken = errors.New("token expired")
)

// Claims captures the JWT payload fields the handshake relies on.
type Claims struct {
	Subject   string
	ExpiresAt time.Time
	IssuedAt  time.Time
}

type jwtHeader struct {
	Algorithm string `json:"alg"`
	Type      string `json:"typ"`
}

type jwtPayload struct {
	Subject string `json:"sub"`
	Expires int64  `json:"exp"`
	Issued  int64  `json:"iat"`
}

// HMACVerifier validates compact JWT tokens signed with HS256 and issues
// tokens with the same secret.
type HMACVerifier struct {
	secret []byte
	now    func() time.Time
	leeway time.Duration
}

// NewHMACVerifier constructs a verifier for the shared secret and clock skew allowance.
func NewHMACVerifier(secret string, leeway time.Duration) (*HMACVerifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("hmac secret must not be empty")
	}
	if leeway < 0 {
		leeway = 0
	}
	return &HMACVerifier{secret: []byte(secret), now: time.Now, leeway: leeway}, nil
}

// WithClock overrides the verifier clock.
func (v *HMACVerifier) WithClock(clock func() time.Time) {
	if clock != nil {
		v.now = clock
	}
}

// Verify checks the signature and expiry of token and returns its claims.
func (v *HMACVerifier) Verify(token string) (*Claims, error) {
	if v == nil || len(v.secret) == 0 {
		return nil, errors.New("verifier not initialised")
	}
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 {
		return nil, ErrInvalidToken
	}

	var header jwtHeader
	if err := decodeJSONSegment(parts[0], &header); err != nil {
		return nil, ErrInvalidToken
	}
	if header.Algorithm != "HS256" {
		return nil, fmt.Errorf("%w: unexpected algorithm %q", ErrInvalidToken, header.Algorithm)
	}

	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, ErrInvalidToken
	}
	if !hmac.Equal(signature, v.sign(parts[0]+"."+parts[1])) {
		return nil, ErrInvalidToken
	}

	var payload jwtPayload
	if err := decodeJSONSegment(parts[1], &payload); err != nil {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(payload.Subject) == "" || payload.Expires <= 0 {
		return nil, ErrInvalidToken
	}
	expiresAt := time.Unix(payload.Expires, 0)
	if expiresAt.Add(v.leeway).Before(v.now()) {
		return nil, ErrExpiredToken
	}

	return &Claims{
		Subject:   payload.Subject,
		ExpiresAt: expiresAt,
		IssuedAt:  time.Unix(payload.Issued, 0),
	}, nil
}

// Sign issues a token for subject valid for ttl.
func (v *HMACVerifier) Sign(subject string, ttl time.Duration) (string, error) {
	now := v.now()
	header, err := encodeJSONSegment(jwtHeader{Algorithm: "HS256", Type: "JWT"})
	if err != nil {
		return "", err
	}
	payload, err := encodeJSONSegment(jwtPayload{
		Subject: subject,
		Expires: now.Add(ttl).Unix(),
		Issued:  now.Unix(),
	})
	if err != nil {
		return "", err
	}
	signingInput := header + "." + payload
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(v.sign(signingInput)), nil
}

func (v *HMACVerifier) sign(input string) []byte {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(input))
	return mac.Sum(nil)
}

func decodeJSONSegment(segment string, out any) error {
	raw, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return err
	}
	return codec.Unmarshal(raw, out)
}

func encodeJSONSegment(in any) (string, error) {
	raw, err := codec.Marshal(in)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
