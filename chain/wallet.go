package chain

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/InsulaLabs/vessel/models"
	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
)

type Intent byte

const (
	IntentTransaction     Intent = 0
	IntentPersonalMessage Intent = 3
)

// IntentMessage prefixes msg with its intent so a signature over a personal
// message can never be replayed as a transaction signature.
func IntentMessage(intent Intent, msg []byte) []byte {
	out := make([]byte, 0, 3+len(msg))
	out = append(out, byte(intent), 0, 0)
	return append(out, msg...)
}

// AddressFromPublicKey derives an account address: blake2b-256(flag || pk).
func AddressFromPublicKey(scheme models.SignatureScheme, pk []byte) models.Address {
	h, _ := blake2b.New256(nil)
	h.Write([]byte{byte(scheme)})
	h.Write(pk)
	var addr models.Address
	copy(addr[:], h.Sum(nil))
	return addr
}

// VerifySignature checks sig over msg and that it was produced by addr.
func VerifySignature(addr models.Address, msg []byte, sig models.Signature) error {
	if sig.Scheme != models.SchemeEd25519 || len(sig.PublicKey) != ed25519.PublicKeySize {
		return &models.ValidationError{Field: "signature", Reason: "unsupported scheme"}
	}
	if AddressFromPublicKey(sig.Scheme, sig.PublicKey) != addr {
		return &models.ValidationError{Field: "signature", Reason: "public key does not belong to " + addr.String()}
	}
	if !ed25519.Verify(ed25519.PublicKey(sig.PublicKey), msg, sig.Sig) {
		return &models.ValidationError{Field: "signature", Reason: "verification failed"}
	}
	return nil
}

// Ed25519Wallet is a local Signer backed by a single ed25519 key.
type Ed25519Wallet struct {
	priv ed25519.PrivateKey
	addr models.Address
}

var _ Signer = (*Ed25519Wallet)(nil)

func NewEd25519Wallet(r io.Reader) (*Ed25519Wallet, error) {
	if r == nil {
		r = rand.Reader
	}
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, errors.Wrap(err, "generate wallet seed")
	}
	return WalletFromSeed(seed)
}

func WalletFromSeed(seed []byte) (*Ed25519Wallet, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, &models.ValidationError{Field: "wallet.seed", Reason: fmt.Sprintf("expected %d bytes", ed25519.SeedSize)}
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &Ed25519Wallet{
		priv: priv,
		addr: AddressFromPublicKey(models.SchemeEd25519, pub),
	}, nil
}

func (w *Ed25519Wallet) Address() models.Address {
	return w.addr
}

func (w *Ed25519Wallet) PublicKey() ed25519.PublicKey {
	return w.priv.Public().(ed25519.PublicKey)
}

func (w *Ed25519Wallet) Sign(ctx context.Context, msg []byte) (models.Signature, error) {
	if err := ctx.Err(); err != nil {
		return models.Signature{}, err
	}
	return models.Signature{
		Scheme:    models.SchemeEd25519,
		Sig:       ed25519.Sign(w.priv, msg),
		PublicKey: w.PublicKey(),
	}, nil
}

// SignTransaction signs tx bytes under the transaction intent.
func SignTransaction(ctx context.Context, s Signer, tx []byte) (models.Signature, error) {
	return s.Sign(ctx, IntentMessage(IntentTransaction, tx))
}

// SignPersonalMessage signs msg under the personal message intent.
func SignPersonalMessage(ctx context.Context, s Signer, msg []byte) (models.Signature, error) {
	return s.Sign(ctx, IntentMessage(IntentPersonalMessage, msg))
}

// LoadWallet reads a hex encoded seed written by SaveWallet.
func LoadWallet(path string) (*Ed25519Wallet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read wallet %s", path)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, errors.Wrapf(err, "decode wallet %s", path)
	}
	return WalletFromSeed(seed)
}

func SaveWallet(path string, w *Ed25519Wallet) error {
	seed := w.priv.Seed()
	if err := os.WriteFile(path, []byte(hex.EncodeToString(seed)+"\n"), 0600); err != nil {
		return errors.Wrapf(err, "write wallet %s", path)
	}
	return nil
}
