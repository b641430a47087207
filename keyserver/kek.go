package keyserver

import (
	"crypto/sha256"
	"io"

	"github.com/InsulaLabs/vessel/models"
	"github.com/pkg/errors"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const kekDomain = "vessel/kek/v1"

// SharedSecret is X25519(priv, pub).
func SharedSecret(priv, pub []byte) ([]byte, error) {
	s, err := curve25519.X25519(priv, pub)
	if err != nil {
		return nil, errors.Wrap(err, "x25519")
	}
	return s, nil
}

// DeriveKEK derives the key-encryption key one server contributes for one
// policy id. Encryptor and server reach the same value from opposite
// halves of the x25519 exchange.
func DeriveKEK(shared, encapsulation []byte, pkg, policy, server models.ID) ([32]byte, error) {
	info := make([]byte, 0, len(kekDomain)+3*models.IDLength)
	info = append(info, kekDomain...)
	info = append(info, pkg[:]...)
	info = append(info, policy[:]...)
	info = append(info, server[:]...)

	var kek [32]byte
	r := hkdf.New(sha256.New, shared, encapsulation, info)
	if _, err := io.ReadFull(r, kek[:]); err != nil {
		return kek, errors.Wrap(err, "hkdf")
	}
	return kek, nil
}
