package models

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

/*
	Identifiers live in exactly one canonical form inside the module: a fixed
	32 byte array. The "0x" display prefix (object ids, package ids, policy
	ids, addresses) and the url-safe base64 form (blob ids) are applied when
	rendering and stripped when parsing. Nothing past Parse* ever sees them.
*/

const IDLength = 32

// ID is an on-chain object, package, or policy identifier.
type ID [IDLength]byte

// Address is an account address.
type Address [IDLength]byte

// BlobID is the content derived identifier of a blob.
type BlobID [IDLength]byte

var ZeroID ID

func parseHex32(field, s string) ([IDLength]byte, error) {
	var out [IDLength]byte
	raw := strings.TrimSpace(s)
	raw = strings.TrimPrefix(strings.TrimPrefix(raw, "0x"), "0X")
	if raw == "" {
		return out, &ValidationError{Field: field, Reason: "empty identifier"}
	}
	if len(raw) > IDLength*2 {
		return out, &ValidationError{Field: field, Reason: fmt.Sprintf("identifier too long (%d hex chars)", len(raw))}
	}
	if len(raw)%2 == 1 {
		raw = "0" + raw
	}
	decoded, err := hex.DecodeString(raw)
	if err != nil {
		return out, &ValidationError{Field: field, Reason: "identifier is not hex"}
	}
	// short forms such as 0x2 are left padded
	copy(out[IDLength-len(decoded):], decoded)
	return out, nil
}

// ParseID accepts prefixed or bare hex in any case.
func ParseID(s string) (ID, error) {
	b, err := parseHex32("id", s)
	return ID(b), err
}

// MustParseID panics on malformed input. Intended for constants and tests.
func MustParseID(s string) ID {
	id, err := ParseID(s)
	if err != nil {
		panic(err)
	}
	return id
}

func (id ID) String() string { return "0x" + hex.EncodeToString(id[:]) }
func (id ID) IsZero() bool   { return id == ZeroID }
func (id ID) Bytes() []byte  { return append([]byte(nil), id[:]...) }

func IDFromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != IDLength {
		return id, &ValidationError{Field: "id", Reason: fmt.Sprintf("expected %d bytes, got %d", IDLength, len(b))}
	}
	copy(id[:], b)
	return id, nil
}

func (id ID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func ParseAddress(s string) (Address, error) {
	b, err := parseHex32("address", s)
	return Address(b), err
}

func (a Address) String() string { return "0x" + hex.EncodeToString(a[:]) }
func (a Address) IsZero() bool   { return a == Address{} }

func (a Address) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseBlobID decodes the unpadded url-safe base64 form used by publishers
// and aggregators.
func ParseBlobID(s string) (BlobID, error) {
	var id BlobID
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(strings.TrimSpace(s), "="))
	if err != nil {
		return id, &ValidationError{Field: "blob_id", Reason: "not url-safe base64"}
	}
	if len(raw) != IDLength {
		return id, &ValidationError{Field: "blob_id", Reason: fmt.Sprintf("expected %d bytes, got %d", IDLength, len(raw))}
	}
	copy(id[:], raw)
	return id, nil
}

func (b BlobID) String() string { return base64.RawURLEncoding.EncodeToString(b[:]) }
func (b BlobID) IsZero() bool   { return b == BlobID{} }

func (b BlobID) MarshalText() ([]byte, error) { return []byte(b.String()), nil }

func (b *BlobID) UnmarshalText(text []byte) error {
	parsed, err := ParseBlobID(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}
