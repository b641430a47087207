// Package session manages short-lived session keys. A user wallet signs a
// personal message once; the session key then signs key server requests on
// the user's behalf until it expires.
package session

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/InsulaLabs/vessel/chain"
	"github.com/InsulaLabs/vessel/models"
	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

const (
	MinTTLMinutes = 1
	MaxTTLMinutes = 30
)

// Key is a session key bound to one package and one user address.
type Key struct {
	ID         string
	Address    models.Address
	PackageID  models.ID
	CreatedAt  time.Time
	TTLMinutes uint16

	priv      ed25519.PrivateKey
	signature *models.Signature
}

func (k *Key) ExpiresAt() time.Time {
	return k.CreatedAt.Add(time.Duration(k.TTLMinutes) * time.Minute)
}

func (k *Key) PublicKey() ed25519.PublicKey {
	return k.priv.Public().(ed25519.PublicKey)
}

func (k *Key) Signed() bool { return k.signature != nil }

// PersonalMessage is the text the user's wallet signs to activate the key.
func (k *Key) PersonalMessage() []byte {
	return PersonalMessage(k.PackageID, k.TTLMinutes, k.CreatedAt, k.PublicKey())
}

func PersonalMessage(pkg models.ID, ttlMinutes uint16, created time.Time, sessionVK []byte) []byte {
	return []byte(fmt.Sprintf("Accessing keys of package %s for %d mins from %s, session key %s",
		pkg, ttlMinutes, created.UTC().Format(time.RFC3339), base64.StdEncoding.EncodeToString(sessionVK)))
}

// Certificate is what a key server needs to authenticate a session.
type Certificate struct {
	User         models.Address `json:"user"`
	SessionVK    string         `json:"session_vk"`
	CreationTime int64          `json:"creation_time"`
	TTLMin       uint16         `json:"ttl_min"`
	Signature    string         `json:"signature"`
}

func (k *Key) Certificate() (*Certificate, error) {
	if k.signature == nil {
		return nil, &models.ValidationError{Field: "session", Reason: "not signed", Err: models.ErrNotSigned}
	}
	return &Certificate{
		User:         k.Address,
		SessionVK:    base64.StdEncoding.EncodeToString(k.PublicKey()),
		CreationTime: k.CreatedAt.UnixMilli(),
		TTLMin:       k.TTLMinutes,
		Signature:    k.signature.String(),
	}, nil
}

func (c *Certificate) ExpiresAt() time.Time {
	return time.UnixMilli(c.CreationTime).Add(time.Duration(c.TTLMin) * time.Minute)
}

// Verify checks the user's signature over the personal message for pkg and
// that the certificate is live at now. It returns the session verifying key.
func (c *Certificate) Verify(pkg models.ID, now time.Time) (ed25519.PublicKey, error) {
	vk, err := base64.StdEncoding.DecodeString(c.SessionVK)
	if err != nil || len(vk) != ed25519.PublicKeySize {
		return nil, &models.ValidationError{Field: "certificate.session_vk", Reason: "malformed"}
	}
	if c.TTLMin < MinTTLMinutes || c.TTLMin > MaxTTLMinutes {
		return nil, &models.ValidationError{Field: "certificate.ttl_min", Reason: "out of range"}
	}
	if !now.Before(c.ExpiresAt()) {
		return nil, &models.ExpiredSessionError{Session: c.SessionVK, ExpiredAt: c.ExpiresAt()}
	}
	sig, err := models.ParseSignatureString(c.Signature)
	if err != nil {
		return nil, err
	}
	msg := PersonalMessage(pkg, c.TTLMin, time.UnixMilli(c.CreationTime), vk)
	if err := chain.VerifySignature(c.User, chain.IntentMessage(chain.IntentPersonalMessage, msg), sig); err != nil {
		return nil, err
	}
	return ed25519.PublicKey(vk), nil
}

// RequestMessage is the digest a session key signs for one fetch request.
func RequestMessage(ptb, encKey, encapsulation []byte) []byte {
	h, _ := blake2b.New256(nil)
	for _, part := range [][]byte{ptb, encKey, encapsulation} {
		h.Write(binary.AppendUvarint(nil, uint64(len(part))))
		h.Write(part)
	}
	return h.Sum(nil)
}

// SignRequest signs a fetch request with the session key.
func (k *Key) SignRequest(ptb, encKey, encapsulation []byte) ([]byte, error) {
	if k.signature == nil {
		return nil, &models.ValidationError{Field: "session", Reason: "not signed", Err: models.ErrNotSigned}
	}
	return ed25519.Sign(k.priv, RequestMessage(ptb, encKey, encapsulation)), nil
}

type Config struct {
	Store  *Store
	Now    func() time.Time
	Logger *slog.Logger
}

// Lifecycle creates, activates and checks session keys.
type Lifecycle struct {
	store  *Store
	now    func() time.Time
	logger *slog.Logger
}

func New(cfg Config) *Lifecycle {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Lifecycle{store: cfg.Store, now: cfg.Now, logger: cfg.Logger.WithGroup("session")}
}

func (l *Lifecycle) Now() time.Time { return l.now() }

// Create makes a fresh unsigned key. ttlMinutes must be within [1, 30].
func (l *Lifecycle) Create(pkg models.ID, ttlMinutes int, addr models.Address) (*Key, error) {
	if ttlMinutes < MinTTLMinutes || ttlMinutes > MaxTTLMinutes {
		return nil, &models.ValidationError{Field: "ttl", Reason: fmt.Sprintf("%d minutes is outside [%d, %d]", ttlMinutes, MinTTLMinutes, MaxTTLMinutes)}
	}
	if pkg.IsZero() {
		return nil, &models.ValidationError{Field: "packageId", Reason: "cannot be zero"}
	}
	if addr.IsZero() {
		return nil, &models.ValidationError{Field: "address", Reason: "cannot be zero"}
	}
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, err
	}
	k := &Key{
		ID:         uuid.New().String(),
		Address:    addr,
		PackageID:  pkg,
		CreatedAt:  l.now().UTC().Truncate(time.Millisecond),
		TTLMinutes: uint16(ttlMinutes),
		priv:       priv,
	}
	l.logger.Debug("Session key created", "id", k.ID, "package", pkg.String(), "ttl_min", ttlMinutes)
	return k, nil
}

// Sign attaches the user's personal-message signature. The signature must
// verify against the key's bound address.
func (l *Lifecycle) Sign(k *Key, sig models.Signature) error {
	if k.signature != nil {
		return &models.ValidationError{Field: "session", Reason: "already signed"}
	}
	if err := l.expired(k); err != nil {
		return err
	}
	msg := chain.IntentMessage(chain.IntentPersonalMessage, k.PersonalMessage())
	if err := chain.VerifySignature(k.Address, msg, sig); err != nil {
		return err
	}
	k.signature = &sig
	if l.store != nil {
		l.store.Put(k, k.ExpiresAt().Sub(l.now()))
	}
	l.logger.Info("Session key activated", "id", k.ID, "address", k.Address.String(), "expires_at", k.ExpiresAt())
	return nil
}

// SignWith asks signer for the personal-message signature and attaches it.
func (l *Lifecycle) SignWith(ctx context.Context, k *Key, signer chain.Signer) error {
	if signer.Address() != k.Address {
		return &models.ValidationError{Field: "signer", Reason: "address does not match session key"}
	}
	sig, err := chain.SignPersonalMessage(ctx, signer, k.PersonalMessage())
	if err != nil {
		return err
	}
	return l.Sign(k, sig)
}

func (l *Lifecycle) expired(k *Key) error {
	if !l.now().Before(k.ExpiresAt()) {
		return &models.ExpiredSessionError{Session: k.ID, ExpiredAt: k.ExpiresAt()}
	}
	return nil
}

// Check reports why k cannot be used for pkg. Expiry is reported before a
// package mismatch, and both before a missing signature.
func (l *Lifecycle) Check(k *Key, pkg models.ID) error {
	if k == nil {
		return &models.ValidationError{Field: "session", Reason: "missing"}
	}
	if err := l.expired(k); err != nil {
		return err
	}
	if k.PackageID != pkg {
		return &models.IncompatibleSessionError{SessionPackage: k.PackageID, PolicyPackage: pkg}
	}
	if k.signature == nil {
		return &models.ValidationError{Field: "session", Reason: "not signed", Err: models.ErrNotSigned}
	}
	return nil
}

func (l *Lifecycle) IsValid(k *Key, pkg models.ID) bool {
	return l.Check(k, pkg) == nil
}

// Active returns a stored, still valid key for (pkg, addr).
func (l *Lifecycle) Active(pkg models.ID, addr models.Address) (*Key, bool) {
	if l.store == nil {
		return nil, false
	}
	k, ok := l.store.Get(pkg, addr)
	if !ok {
		return nil, false
	}
	if err := l.Check(k, pkg); err != nil {
		var expired *models.ExpiredSessionError
		if errors.As(err, &expired) {
			l.store.Revoke(pkg, addr)
		}
		return nil, false
	}
	return k, true
}
