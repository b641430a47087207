package seal

import (
	"encoding/binary"
	"fmt"

	"github.com/InsulaLabs/vessel/models"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	envelopeMagic = "VSL"
	Version1      = 1
)

// ServerShare is one key server's slot in the header: the server's share of
// the data key, masked with the key only that server can help derive.
type ServerShare struct {
	Server         models.ID
	Index          byte
	EncryptedShare [32]byte
}

// EncryptedObjectV1 is the parsed envelope.
//
//	magic "VSL" | version | package | policy | variant | threshold |
//	n | n * (server | index | share) | encapsulation | nonce |
//	uvarint len | ciphertext
type EncryptedObjectV1 struct {
	PackageID     models.ID
	PolicyID      models.ID
	Variant       models.PolicyVariant
	Threshold     byte
	Shares        []ServerShare
	Encapsulation [32]byte
	Nonce         [chacha20poly1305.NonceSizeX]byte
	Ciphertext    []byte
}

func (o *EncryptedObjectV1) header() []byte {
	out := make([]byte, 0, 3+1+64+2+1+len(o.Shares)*65+32+chacha20poly1305.NonceSizeX)
	out = append(out, envelopeMagic...)
	out = append(out, Version1)
	out = append(out, o.PackageID[:]...)
	out = append(out, o.PolicyID[:]...)
	out = append(out, byte(o.Variant), o.Threshold, byte(len(o.Shares)))
	for _, s := range o.Shares {
		out = append(out, s.Server[:]...)
		out = append(out, s.Index)
		out = append(out, s.EncryptedShare[:]...)
	}
	out = append(out, o.Encapsulation[:]...)
	return append(out, o.Nonce[:]...)
}

// Marshal encodes the envelope. The header up to and including the nonce
// is the AEAD associated data.
func (o *EncryptedObjectV1) Marshal() []byte {
	out := o.header()
	out = binary.AppendUvarint(out, uint64(len(o.Ciphertext)))
	return append(out, o.Ciphertext...)
}

func malformed(reason string) error {
	return &models.ValidationError{Field: "encrypted object", Reason: reason, Err: models.ErrMalformed}
}

type cursor struct {
	b   []byte
	off int
}

func (c *cursor) take(n int) ([]byte, bool) {
	if n < 0 || len(c.b)-c.off < n {
		return nil, false
	}
	out := c.b[c.off : c.off+n]
	c.off += n
	return out, true
}

// ParseEncryptedObject decodes and structurally validates an envelope.
func ParseEncryptedObject(b []byte) (*EncryptedObjectV1, error) {
	c := &cursor{b: b}
	magic, ok := c.take(len(envelopeMagic))
	if !ok || string(magic) != envelopeMagic {
		return nil, malformed("bad magic")
	}
	v, ok := c.take(1)
	if !ok {
		return nil, malformed("truncated")
	}
	if v[0] != Version1 {
		return nil, malformed(fmt.Sprintf("unsupported version %d", v[0]))
	}

	o := &EncryptedObjectV1{}
	fixed, ok := c.take(2*models.IDLength + 3)
	if !ok {
		return nil, malformed("truncated header")
	}
	copy(o.PackageID[:], fixed[:32])
	copy(o.PolicyID[:], fixed[32:64])
	o.Variant = models.PolicyVariant(fixed[64])
	o.Threshold = fixed[65]
	n := int(fixed[66])
	if o.Variant.Module() == "" {
		return nil, malformed("unknown policy variant")
	}
	if n == 0 || o.Threshold == 0 || int(o.Threshold) > n {
		return nil, malformed(fmt.Sprintf("threshold %d of %d servers", o.Threshold, n))
	}

	seenServer := make(map[models.ID]bool, n)
	seenIndex := make(map[byte]bool, n)
	for i := 0; i < n; i++ {
		raw, ok := c.take(models.IDLength + 1 + 32)
		if !ok {
			return nil, malformed("truncated server entries")
		}
		var s ServerShare
		copy(s.Server[:], raw[:32])
		s.Index = raw[32]
		copy(s.EncryptedShare[:], raw[33:])
		if s.Index == 0 || seenIndex[s.Index] || seenServer[s.Server] {
			return nil, malformed("duplicate or zero share index")
		}
		seenIndex[s.Index] = true
		seenServer[s.Server] = true
		o.Shares = append(o.Shares, s)
	}

	encap, ok := c.take(32)
	if !ok {
		return nil, malformed("truncated encapsulation")
	}
	copy(o.Encapsulation[:], encap)
	nonce, ok := c.take(chacha20poly1305.NonceSizeX)
	if !ok {
		return nil, malformed("truncated nonce")
	}
	copy(o.Nonce[:], nonce)

	size, used := binary.Uvarint(b[c.off:])
	if used <= 0 {
		return nil, malformed("bad ciphertext length")
	}
	c.off += used
	ct, ok := c.take(int(size))
	if !ok || size < chacha20poly1305.Overhead {
		return nil, malformed("truncated ciphertext")
	}
	if c.off != len(b) {
		return nil, malformed("trailing bytes")
	}
	o.Ciphertext = append([]byte(nil), ct...)
	return o, nil
}
