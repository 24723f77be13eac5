package blockchain

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

const (
	PublicKeyLength = 32
	maxSeedLength   = 32
	maxSeeds        = 16

	pdaMarker = "ProgramDerivedAddress"
)

// ErrInvalidAddress is returned for strings that are not a base58 32-byte key
var ErrInvalidAddress = errors.New("invalid address")

// ErrNoViableBump is returned when every bump lands on the curve
var ErrNoViableBump = errors.New("unable to find a viable program address bump seed")

// base58 lookup table so obvious garbage is rejected without allocating
var base58Set = func() [256]bool {
	var set [256]bool
	const base58Chars = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"
	for i := 0; i < len(base58Chars); i++ {
		set[base58Chars[i]] = true
	}
	return set
}()

// DecodeAddress decodes a base58 address into its 32 raw bytes
func DecodeAddress(addr string) ([]byte, error) {
	// 32 bytes encode to 32..44 base58 chars
	if len(addr) < 32 || len(addr) > 44 {
		return nil, fmt.Errorf("%w: %q has length %d", ErrInvalidAddress, addr, len(addr))
	}
	for i := 0; i < len(addr); i++ {
		if !base58Set[addr[i]] {
			return nil, fmt.Errorf("%w: %q contains non-base58 character", ErrInvalidAddress, addr)
		}
	}

	raw, err := base58.Decode(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(raw) != PublicKeyLength {
		return nil, fmt.Errorf("%w: %q decodes to %d bytes", ErrInvalidAddress, addr, len(raw))
	}
	return raw, nil
}

// ValidateAddress returns nil when addr is a syntactically valid address
func ValidateAddress(addr string) error {
	_, err := DecodeAddress(addr)
	return err
}

// IsOnCurve reports whether the 32 bytes decode to an ed25519 point
func IsOnCurve(point []byte) bool {
	if len(point) != PublicKeyLength {
		return false
	}
	_, err := new(edwards25519.Point).SetBytes(point)
	return err == nil
}

// CreateProgramAddress hashes seeds under programID and rejects on-curve results
func CreateProgramAddress(seeds [][]byte, programID []byte) ([]byte, error) {
	if len(seeds) > maxSeeds {
		return nil, fmt.Errorf("too many seeds: %d", len(seeds))
	}

	h := sha256.New()
	for _, seed := range seeds {
		if len(seed) > maxSeedLength {
			return nil, fmt.Errorf("seed exceeds %d bytes", maxSeedLength)
		}
		h.Write(seed)
	}
	h.Write(programID)
	h.Write([]byte(pdaMarker))
	hash := h.Sum(nil)

	if IsOnCurve(hash) {
		return nil, errors.New("derived address is on the ed25519 curve")
	}
	return hash, nil
}

// FindProgramAddress searches bumps from 255 downward and returns the first
// off-curve address along with its bump.
func FindProgramAddress(seeds [][]byte, programID []byte) ([]byte, uint8, error) {
	withBump := make([][]byte, len(seeds)+1)
	copy(withBump, seeds)

	for bump := 255; bump > 0; bump-- {
		withBump[len(seeds)] = []byte{byte(bump)}
		addr, err := CreateProgramAddress(withBump, programID)
		if err == nil {
			return addr, uint8(bump), nil
		}
	}
	return nil, 0, ErrNoViableBump
}

// MetadataAddress derives the metadata account for a mint:
// seeds ["metadata", metadata program id, mint] under the metadata program.
func MetadataAddress(mint string) (string, error) {
	mintKey, err := DecodeAddress(mint)
	if err != nil {
		return "", err
	}
	programKey, err := DecodeAddress(MetadataProgramID)
	if err != nil {
		return "", err
	}

	addr, _, err := FindProgramAddress([][]byte{[]byte("metadata"), programKey, mintKey}, programKey)
	if err != nil {
		return "", fmt.Errorf("derive metadata address for %s: %w", mint, err)
	}
	return base58.Encode(addr), nil
}
