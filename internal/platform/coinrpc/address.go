package coinrpc

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/mr-tron/base58"

	"github.com/cascadepool/payoutbot/internal/domain"
)

// addressLen is the decoded length of a base58check address: one version
// byte, a 20-byte hash, and a 4-byte checksum.
const addressLen = 25

// AddressVersion decodes a base58check address and returns its version byte.
// The checksum is verified before the version is trusted.
func AddressVersion(addr string) (byte, error) {
	raw, err := base58.Decode(addr)
	if err != nil {
		return 0, fmt.Errorf("%w: address is not base58: %v", domain.ErrInvalidInput, err)
	}
	if len(raw) != addressLen {
		return 0, fmt.Errorf("%w: address decodes to %d bytes, want %d", domain.ErrInvalidInput, len(raw), addressLen)
	}

	payload, checksum := raw[:21], raw[21:]
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	if !bytes.Equal(second[:4], checksum) {
		return 0, fmt.Errorf("%w: address checksum mismatch", domain.ErrInvalidInput)
	}

	return raw[0], nil
}

// ValidateAddress checks addr against the accepted version bytes. An empty
// versions list accepts any well-formed address.
func ValidateAddress(addr string, versions []int) error {
	version, err := AddressVersion(addr)
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		return nil
	}
	for _, v := range versions {
		if int(version) == v {
			return nil
		}
	}
	return fmt.Errorf("%w: address version %d not in accepted versions %v", domain.ErrInvalidInput, version, versions)
}
