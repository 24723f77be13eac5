package token

import (
	"strings"
)

// Sentinel values used when a mint cannot be enriched
const (
	UnknownName   = "UnknownToken"
	UnknownSymbol = "UNKNOWN"
)

// Metadata account layout (fixed offsets)
const (
	keyOffset        = 0  // format discriminant
	updateAuthOffset = 1  // [1,33)
	mintOffset       = 33 // [33,65)
	nameOffset       = 65
	nameLength       = 32
	symbolOffset     = nameOffset + nameLength // 97
	symbolLength     = 10

	minMetadataLength = symbolOffset + symbolLength // 107
)

// TokenMetadata is the display information for a mint
type TokenMetadata struct {
	Mint     string
	Name     string
	Symbol   string
	Decimals uint8
}

// Unknown returns the sentinel metadata for mint
func Unknown(mint string) TokenMetadata {
	return TokenMetadata{Mint: mint, Name: UnknownName, Symbol: UnknownSymbol}
}

// IsUnknown reports whether m carries the placeholder name and symbol.
// Decimals may still be real.
func (m TokenMetadata) IsUnknown() bool {
	return m.Name == UnknownName && m.Symbol == UnknownSymbol
}

// DecodeMetadataAccount extracts name and symbol from raw metadata account bytes.
// ok is false for buffers shorter than the fixed layout or with neither field set.
func DecodeMetadataAccount(data []byte) (name, symbol string, ok bool) {
	if len(data) < minMetadataLength {
		return "", "", false
	}

	name = trimField(data[nameOffset : nameOffset+nameLength])
	symbol = trimField(data[symbolOffset : symbolOffset+symbolLength])
	if name == "" && symbol == "" {
		return "", "", false
	}
	return name, symbol, true
}

// EncodeMetadataAccount builds a buffer in the fixed layout
func EncodeMetadataAccount(name, symbol string) []byte {
	buf := make([]byte, minMetadataLength)
	buf[keyOffset] = 4 // MetadataV1
	copy(buf[nameOffset:nameOffset+nameLength], name)
	copy(buf[symbolOffset:symbolOffset+symbolLength], symbol)
	return buf
}

func trimField(b []byte) string {
	s := strings.TrimRight(string(b), "\x00")
	s = strings.ToValidUTF8(s, "")
	return strings.TrimSpace(s)
}
