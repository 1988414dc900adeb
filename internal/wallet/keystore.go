// Package wallet loads the Polygon wallet key of a Polymarket account and
// signs the L1 authentication messages used to derive CLOB API credentials.
package wallet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/pbkdf2"
)

const (
	defaultIterations = 480_000
	saltLen           = 16
	aesKeyLen         = 32
	sealVersion       = 1
)

// sealedKey is the on-disk format of an encrypted private key.
type sealedKey struct {
	Version    int    `json:"version"`
	Iterations int    `json:"iterations,omitempty"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// KeySource describes where the private key comes from. A raw key wins
// over an encrypted file.
type KeySource struct {
	PrivateKey       string
	EncryptedKeyPath string
	Password         string
}

// Configured reports whether any key source is set.
func (s KeySource) Configured() bool {
	return s.PrivateKey != "" || s.EncryptedKeyPath != ""
}

// Load resolves and parses the secp256k1 private key.
func (s KeySource) Load() (*ecdsa.PrivateKey, error) {
	switch {
	case s.PrivateKey != "":
		key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(s.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("wallet: parse private key: %w", err)
		}
		return key, nil
	case s.EncryptedKeyPath != "":
		blob, err := os.ReadFile(s.EncryptedKeyPath)
		if err != nil {
			return nil, fmt.Errorf("wallet: read key file: %w", err)
		}
		return Open(blob, s.Password)
	default:
		return nil, errors.New("wallet: no key source configured")
	}
}

// Seal encrypts a private key with PBKDF2-HMAC-SHA256 and AES-256-GCM and
// returns the JSON blob to store on disk.
func Seal(key *ecdsa.PrivateKey, password string) ([]byte, error) {
	return seal(key, password, defaultIterations)
}

func seal(key *ecdsa.PrivateKey, password string, iterations int) ([]byte, error) {
	if password == "" {
		return nil, errors.New("wallet: password must not be empty")
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("wallet: salt: %w", err)
	}
	gcm, err := newGCM(password, salt, iterations)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("wallet: nonce: %w", err)
	}

	out := sealedKey{
		Version:    sealVersion,
		Iterations: iterations,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, ethcrypto.FromECDSA(key), nil)),
	}
	return json.MarshalIndent(out, "", "  ")
}

// Open decrypts a blob produced by Seal.
func Open(blob []byte, password string) (*ecdsa.PrivateKey, error) {
	if password == "" {
		return nil, errors.New("wallet: password must not be empty")
	}
	var stored sealedKey
	if err := json.Unmarshal(blob, &stored); err != nil {
		return nil, fmt.Errorf("wallet: parse key file: %w", err)
	}
	if stored.Version != sealVersion {
		return nil, fmt.Errorf("wallet: unsupported key file version %d", stored.Version)
	}
	if stored.Iterations <= 0 {
		stored.Iterations = defaultIterations
	}

	var salt, nonce, ciphertext []byte
	for _, f := range []struct {
		dst  *[]byte
		name string
		val  string
	}{
		{&salt, "salt", stored.Salt},
		{&nonce, "nonce", stored.Nonce},
		{&ciphertext, "ciphertext", stored.Ciphertext},
	} {
		b, err := base64.StdEncoding.DecodeString(f.val)
		if err != nil {
			return nil, fmt.Errorf("wallet: decode %s: %w", f.name, err)
		}
		*f.dst = b
	}

	gcm, err := newGCM(password, salt, stored.Iterations)
	if err != nil {
		return nil, err
	}
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("wallet: decrypt key (wrong password?): %w", err)
	}
	key, err := ethcrypto.ToECDSA(plain)
	if err != nil {
		return nil, fmt.Errorf("wallet: parse decrypted key: %w", err)
	}
	return key, nil
}

func newGCM(password string, salt []byte, iterations int) (cipher.AEAD, error) {
	derived := pbkdf2.Key([]byte(password), salt, iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("wallet: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("wallet: gcm: %w", err)
	}
	return gcm, nil
}
