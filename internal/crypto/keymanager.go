// Package crypto provides wallet key management and the HMAC envelope used
// for pool service RPC.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// pbkdf2Iterations is the OWASP-recommended minimum for HMAC-SHA256.
	pbkdf2Iterations = 480_000

	saltSize      = 16
	keySize       = 32
	formatVersion = 1
)

// keyFile is the on-disk format for an encrypted node signing key. Sealed
// holds nonce||ciphertext so the file stays a flat two-secret blob.
type keyFile struct {
	Version int    `json:"version"`
	KDF     string `json:"kdf"`
	Salt    string `json:"salt"`
	Sealed  string `json:"sealed"`
}

// KeyConfig carries the information LoadKey needs to resolve a signing key.
// Populate the fields from the currency's node block.
type KeyConfig struct {
	// RawPrivateKey is the hex-encoded private key (with or without 0x prefix).
	// If non-empty, LoadKey returns it directly.
	RawPrivateKey string

	// EncryptedKeyPath is the path to a JSON file produced by EncryptKey.
	EncryptedKeyPath string

	// KeyPassword is the password used to decrypt the file at EncryptedKeyPath.
	KeyPassword string
}

func decodeKeyHex(s string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: private key is not valid hex: %w", err)
	}
	if len(raw) != keySize {
		return nil, fmt.Errorf("crypto: private key must be %d bytes, got %d", keySize, len(raw))
	}
	return raw, nil
}

func deriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, keySize, sha256.New)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: aes: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: gcm: %w", err)
	}
	return gcm, nil
}

// EncryptKey seals a hex-encoded private key under a password, deriving the
// cipher key with PBKDF2-HMAC-SHA256 and encrypting with AES-256-GCM. The
// returned JSON blob is what EncryptedKeyPath files contain.
func EncryptKey(privateKeyHex, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	raw, err := decodeKeyHex(privateKeyHex)
	if err != nil {
		return nil, err
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generating salt: %w", err)
	}
	gcm, err := newGCM(deriveKey(password, salt))
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, raw, nil)

	return json.MarshalIndent(keyFile{
		Version: formatVersion,
		KDF:     "pbkdf2",
		Salt:    base64.StdEncoding.EncodeToString(salt),
		Sealed:  base64.StdEncoding.EncodeToString(sealed),
	}, "", "  ")
}

// DecryptKey opens a blob produced by EncryptKey and returns the hex-encoded
// private key without the 0x prefix.
func DecryptKey(blob []byte, password string) (string, error) {
	if password == "" {
		return "", errors.New("crypto: password must not be empty")
	}

	var kf keyFile
	if err := json.Unmarshal(blob, &kf); err != nil {
		return "", fmt.Errorf("crypto: parsing key file: %w", err)
	}
	if kf.Version != formatVersion {
		return "", fmt.Errorf("crypto: unsupported key file version %d", kf.Version)
	}
	if kf.KDF != "pbkdf2" {
		return "", fmt.Errorf("crypto: unsupported kdf %q", kf.KDF)
	}

	salt, err := base64.StdEncoding.DecodeString(kf.Salt)
	if err != nil {
		return "", fmt.Errorf("crypto: decoding salt: %w", err)
	}
	sealed, err := base64.StdEncoding.DecodeString(kf.Sealed)
	if err != nil {
		return "", fmt.Errorf("crypto: decoding sealed key: %w", err)
	}

	gcm, err := newGCM(deriveKey(password, salt))
	if err != nil {
		return "", err
	}
	if len(sealed) < gcm.NonceSize() {
		return "", errors.New("crypto: sealed key too short")
	}

	raw, err := gcm.Open(nil, sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():], nil)
	if err != nil {
		return "", fmt.Errorf("crypto: opening sealed key (wrong password?): %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// LoadKey resolves a signing key from the provided configuration. A raw key
// takes precedence over an encrypted key file.
func LoadKey(cfg KeyConfig) (string, error) {
	switch {
	case cfg.RawPrivateKey != "":
		raw, err := decodeKeyHex(cfg.RawPrivateKey)
		if err != nil {
			return "", err
		}
		return hex.EncodeToString(raw), nil

	case cfg.EncryptedKeyPath != "":
		blob, err := os.ReadFile(cfg.EncryptedKeyPath)
		if err != nil {
			return "", fmt.Errorf("crypto: reading encrypted key file: %w", err)
		}
		return DecryptKey(blob, cfg.KeyPassword)

	default:
		return "", errors.New("crypto: no private key source configured (set private_key or encrypted_key_path)")
	}
}
