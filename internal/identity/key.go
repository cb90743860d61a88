package identity

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Key is a secp256k1 private key together with the address it controls.
type Key struct {
	priv *ecdsa.PrivateKey
	addr common.Address
}

func newKey(priv *ecdsa.PrivateKey) *Key {
	return &Key{priv: priv, addr: crypto.PubkeyToAddress(priv.PublicKey)}
}

// GenerateKey creates a fresh random key.
func GenerateKey() (*Key, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return newKey(priv), nil
}

// KeyFromHex parses a hex encoded private key, with or without 0x prefix.
func KeyFromHex(s string) (*Key, error) {
	priv, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse key: %w", err)
	}
	return newKey(priv), nil
}

// LoadKeyFile reads a hex encoded private key from path.
func LoadKeyFile(path string) (*Key, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	return KeyFromHex(string(data))
}

// SaveFile writes the key to path in hex, readable only by the owner.
func (k *Key) SaveFile(path string) error {
	if err := os.WriteFile(path, []byte(k.Hex()+"\n"), 0o600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	return nil
}

// Address returns the identity controlled by this key.
func (k *Key) Address() common.Address { return k.addr }

// PrivateKey returns the underlying ECDSA key.
func (k *Key) PrivateKey() *ecdsa.PrivateKey { return k.priv }

// Hex returns the private key as lowercase hex without prefix.
func (k *Key) Hex() string { return hex.EncodeToString(crypto.FromECDSA(k.priv)) }

// Sign produces a 65-byte recoverable signature over a 32-byte digest.
func (k *Key) Sign(digest []byte) ([]byte, error) {
	return crypto.Sign(digest, k.priv)
}

// Recover returns the address that produced sig over digest.
func Recover(digest, sig []byte) (common.Address, error) {
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
