package auth

// HS256 JWT-like signer/verifier, stdlib only. Token format is the
// standard three-segment base64url(header).base64url(payload).base64url(sig),
// with HMAC-SHA256 over header.payload.

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrJWT          = errors.New("auth: jwt failed")
	ErrJWTInvalid   = errors.New("auth: jwt invalid")
	ErrJWTExpired   = errors.New("auth: jwt expired")
	ErrJWTSignature = errors.New("auth: jwt signature invalid")
)

// Claims is the token body: tid is the issuing token's id, t is a fixed
// type discriminator distinguishing admin-issued JWTs from other token
// kinds this process might someday mint.
type Claims struct {
	TokenID   string `json:"tid"`
	Type      string `json:"t"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

type jwtHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

// JWTSigner signs and verifies Claims with a shared HMAC secret.
type JWTSigner struct {
	secret []byte
}

func NewJWTSigner(secret []byte) (*JWTSigner, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: secret required", ErrJWTInvalid)
	}
	return &JWTSigner{secret: append([]byte{}, secret...)}, nil
}

// Sign issues a token for tokenID with a 24-hour expiry from now.
func (s *JWTSigner) Sign(tokenID string, now time.Time) (string, error) {
	c := Claims{
		TokenID:   tokenID,
		Type:      "access",
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(24 * time.Hour).Unix(),
	}
	h := jwtHeader{Alg: "HS256", Typ: "JWT"}
	hb, err := json.Marshal(h)
	if err != nil {
		return "", err
	}
	cb, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	unsigned := b64url(hb) + "." + b64url(cb)
	sig := hmacSHA256(s.secret, []byte(unsigned))
	return unsigned + "." + b64url(sig), nil
}

// Verify checks the signature and expiry and returns the decoded claims.
func (s *JWTSigner) Verify(tok string, now time.Time) (Claims, error) {
	tok = strings.TrimSpace(tok)
	parts := strings.Split(tok, ".")
	if len(parts) != 3 {
		return Claims{}, fmt.Errorf("%w: token must have 3 parts", ErrJWTInvalid)
	}
	unsigned := parts[0] + "." + parts[1]
	want := hmacSHA256(s.secret, []byte(unsigned))
	got, err := b64urlDecode(parts[2])
	if err != nil {
		return Claims{}, fmt.Errorf("%w: bad signature encoding", ErrJWTInvalid)
	}
	if !hmac.Equal(want, got) {
		return Claims{}, ErrJWTSignature
	}
	cb, err := b64urlDecode(parts[1])
	if err != nil {
		return Claims{}, fmt.Errorf("%w: bad claims encoding", ErrJWTInvalid)
	}
	var c Claims
	if err := json.Unmarshal(cb, &c); err != nil {
		return Claims{}, fmt.Errorf("%w: bad claims json", ErrJWTInvalid)
	}
	if c.ExpiresAt != 0 && now.Unix() > c.ExpiresAt {
		return Claims{}, ErrJWTExpired
	}
	return c, nil
}

func b64url(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }

func b64urlDecode(s string) ([]byte, error) { return base64.RawURLEncoding.DecodeString(s) }

func hmacSHA256(secret, data []byte) []byte {
	m := hmac.New(sha256.New, secret)
	_, _ = m.Write(data)
	return m.Sum(nil)
}
