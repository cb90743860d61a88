package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Algorithm is the JWS "alg" of Braided bearer tokens: ECDSA over secp256k1
// with a recoverable signature, hashed with Keccak-256. The verifier needs no
// key material beyond the claimed subject address.
const Algorithm = "ES256K-R"

// MaxTokenTTL bounds the lifetime a Verifier accepts.
const MaxTokenTTL = 5 * time.Minute

type signingMethodES256KR struct{}

// SigningMethodES256KR signs with a *Key and verifies against a common.Address.
var SigningMethodES256KR jwt.SigningMethod = &signingMethodES256KR{}

func init() {
	jwt.RegisterSigningMethod(Algorithm, func() jwt.SigningMethod { return SigningMethodES256KR })
}

func (m *signingMethodES256KR) Alg() string { return Algorithm }

func (m *signingMethodES256KR) Sign(signingString string, key interface{}) ([]byte, error) {
	k, ok := key.(*Key)
	if !ok {
		return nil, jwt.ErrInvalidKeyType
	}
	return k.Sign(crypto.Keccak256([]byte(signingString)))
}

func (m *signingMethodES256KR) Verify(signingString string, sig []byte, key interface{}) error {
	want, ok := key.(common.Address)
	if !ok {
		return jwt.ErrInvalidKeyType
	}
	got, err := Recover(crypto.Keccak256([]byte(signingString)), sig)
	if err != nil {
		return jwt.ErrSignatureInvalid
	}
	if got != want {
		return jwt.ErrSignatureInvalid
	}
	return nil
}

// Signer issues bearer tokens proving control of a Key.
type Signer struct {
	key *Key
	ttl time.Duration
}

// NewSigner creates a Signer. ttl defaults to one minute and is capped at
// MaxTokenTTL.
func NewSigner(key *Key, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if ttl > MaxTokenTTL {
		ttl = MaxTokenTTL
	}
	return &Signer{key: key, ttl: ttl}
}

// Identity returns the address tokens are issued for.
func (s *Signer) Identity() common.Address { return s.key.Address() }

// Token issues a token for the given audience, normally the registry location.
func (s *Signer) Token(audience string) (string, error) {
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   s.key.Address().Hex(),
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		ID:        uuid.New().String(),
	}
	signed, err := jwt.NewWithClaims(SigningMethodES256KR, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verifier checks bearer tokens addressed to one audience.
type Verifier struct {
	audience string
}

// NewVerifier creates a Verifier accepting tokens for audience.
func NewVerifier(audience string) *Verifier {
	return &Verifier{audience: audience}
}

// Verify validates tokenStr and returns the identity that signed it.
func (v *Verifier) Verify(tokenStr string) (common.Address, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(
		tokenStr,
		claims,
		func(tok *jwt.Token) (any, error) {
			c, ok := tok.Claims.(*jwt.RegisteredClaims)
			if !ok || !common.IsHexAddress(c.Subject) {
				return nil, errors.New("subject is not an address")
			}
			return common.HexToAddress(c.Subject), nil
		},
		jwt.WithValidMethods([]string{Algorithm}),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return common.Address{}, fmt.Errorf("verify token: %w", err)
	}
	if !token.Valid {
		return common.Address{}, errors.New("invalid token")
	}
	if claims.IssuedAt == nil || claims.ExpiresAt.Sub(claims.IssuedAt.Time) > MaxTokenTTL {
		return common.Address{}, errors.New("token lifetime exceeds limit")
	}
	return common.HexToAddress(claims.Subject), nil
}
