// Package seal encrypts payloads so that they can only be decrypted with
// the cooperation of a threshold of key servers, each of which releases
// its part only after an on-chain policy check passes.
package seal

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"

	"github.com/InsulaLabs/vessel/chain"
	"github.com/InsulaLabs/vessel/keyserver"
	"github.com/InsulaLabs/vessel/models"
	"github.com/InsulaLabs/vessel/session"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

type DecryptState int

const (
	StateSessionCreated DecryptState = iota
	StateSessionSigned
	StateSharesFetched
	StateDecrypted
)

func (s DecryptState) String() string {
	switch s {
	case StateSessionCreated:
		return "session-created"
	case StateSessionSigned:
		return "session-signed"
	case StateSharesFetched:
		return "shares-fetched"
	case StateDecrypted:
		return "decrypted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// DecryptError records the last state a decryption reached.
type DecryptError struct {
	State DecryptState
	Err   error
}

func (e *DecryptError) Error() string {
	return fmt.Sprintf("decrypt failed after %s: %v", e.State, e.Err)
}

func (e *DecryptError) Unwrap() error { return e.Err }

// BackupKey is the raw data key. Whoever holds it can decrypt without any
// key server, so it is only for disaster recovery.
type BackupKey struct {
	Key              [32]byte
	DisasterRecovery bool
}

type EncryptOptions struct {
	// Address, when set together with SessionTTL, gets an unsigned session
	// key for the policy's package in the result.
	Address    models.Address
	SessionTTL int
	Backup     bool
	// VerifyServers checks every key server's identity before encrypting.
	VerifyServers bool
}

type EncryptResult struct {
	Object   []byte
	Envelope *EncryptedObjectV1
	Session  *session.Key
	Backup   *BackupKey
}

type Config struct {
	KeyServers *keyserver.Client
	Sessions   *session.Lifecycle
	// Registry resolves header server ids to reachable servers on decrypt.
	Registry []models.KeyServer
	Logger   *slog.Logger
}

type Client struct {
	ks       *keyserver.Client
	sessions *session.Lifecycle
	registry map[models.ID]models.KeyServer
	logger   *slog.Logger
}

func NewClient(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.KeyServers == nil {
		cfg.KeyServers = keyserver.NewClient(keyserver.Config{Logger: cfg.Logger})
	}
	if cfg.Sessions == nil {
		cfg.Sessions = session.New(session.Config{Logger: cfg.Logger})
	}
	reg := make(map[models.ID]models.KeyServer, len(cfg.Registry))
	for _, ks := range cfg.Registry {
		reg[ks.ObjectID] = ks
	}
	return &Client{ks: cfg.KeyServers, sessions: cfg.Sessions, registry: reg, logger: cfg.Logger.WithGroup("seal")}
}

// Register adds or replaces key servers usable for decryption.
func (c *Client) Register(servers ...models.KeyServer) {
	for _, ks := range servers {
		c.registry[ks.ObjectID] = ks
	}
}

// Encrypt seals data under policy. Encryption needs no network unless
// VerifyServers is set.
func (c *Client) Encrypt(ctx context.Context, data []byte, policy *models.EncryptionPolicy, opts EncryptOptions) (*EncryptResult, error) {
	if policy == nil {
		return nil, &models.ValidationError{Field: "policy", Reason: "missing"}
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if opts.VerifyServers {
		if err := c.ks.Verify(ctx, policy.Servers); err != nil {
			return nil, err
		}
	}

	var dek [32]byte
	if _, err := rand.Read(dek[:]); err != nil {
		return nil, err
	}
	eph := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(eph); err != nil {
		return nil, err
	}
	epk, err := curve25519.X25519(eph, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}

	shares, err := splitSecret(dek, len(policy.Servers), policy.Threshold)
	if err != nil {
		return nil, &models.ValidationError{Field: "policy.threshold", Reason: err.Error()}
	}

	obj := &EncryptedObjectV1{
		PackageID: policy.PackageID,
		PolicyID:  policy.PolicyID,
		Variant:   policy.Variant,
		Threshold: byte(policy.Threshold),
	}
	copy(obj.Encapsulation[:], epk)
	for i, ks := range policy.Servers {
		shared, err := keyserver.SharedSecret(eph, ks.PublicKey[:])
		if err != nil {
			return nil, &models.ValidationError{Field: "key_server.public_key", Reason: ks.ObjectID.String(), Err: err}
		}
		kek, err := keyserver.DeriveKEK(shared, epk, policy.PackageID, policy.PolicyID, ks.ObjectID)
		if err != nil {
			return nil, err
		}
		entry := ServerShare{Server: ks.ObjectID, Index: shares[i].x}
		for b := range entry.EncryptedShare {
			entry.EncryptedShare[b] = shares[i].y[b] ^ kek[b]
		}
		obj.Shares = append(obj.Shares, entry)
	}

	if _, err := rand.Read(obj.Nonce[:]); err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(dek[:])
	if err != nil {
		return nil, err
	}
	obj.Ciphertext = aead.Seal(nil, obj.Nonce[:], data, obj.header())

	res := &EncryptResult{Object: obj.Marshal(), Envelope: obj}
	if opts.Backup {
		res.Backup = &BackupKey{Key: dek, DisasterRecovery: true}
	}
	if opts.SessionTTL > 0 && !opts.Address.IsZero() {
		sk, err := c.sessions.Create(policy.PackageID, opts.SessionTTL, opts.Address)
		if err != nil {
			return nil, err
		}
		res.Session = sk
	}
	c.logger.Info("Object encrypted",
		"package", policy.PackageID.String(),
		"policy", policy.PolicyID.String(),
		"threshold", policy.Threshold,
		"servers", len(policy.Servers),
		"size", len(data))
	return res, nil
}

func open(obj *EncryptedObjectV1, key [32]byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, obj.Nonce[:], obj.Ciphertext, obj.header())
	if err != nil {
		return nil, &models.ValidationError{Field: "encrypted object", Reason: "authentication failed", Err: err}
	}
	return pt, nil
}

// DecryptWithBackup opens an object with its disaster-recovery key.
func DecryptWithBackup(object []byte, backup *BackupKey) ([]byte, error) {
	if backup == nil || !backup.DisasterRecovery {
		return nil, &models.ValidationError{Field: "backup", Reason: "not a disaster-recovery key"}
	}
	obj, err := ParseEncryptedObject(object)
	if err != nil {
		return nil, err
	}
	return open(obj, backup.Key)
}

// Decrypt recovers the plaintext of object. ptb must be a policy check into
// the object's package approving the object's policy id. Checks run in
// order: envelope, session expiry, package match, signature, policy check.
func (c *Client) Decrypt(ctx context.Context, object []byte, sk *session.Key, ptb []byte) ([]byte, error) {
	obj, err := ParseEncryptedObject(object)
	if err != nil {
		return nil, err
	}
	state := StateSessionCreated
	fail := func(err error) error {
		c.logger.Warn("Decrypt failed", "state", state.String(), "policy", obj.PolicyID.String(), "error", err)
		return &DecryptError{State: state, Err: err}
	}

	if err := c.sessions.Check(sk, obj.PackageID); err != nil {
		return nil, fail(err)
	}
	state = StateSessionSigned

	approved, err := chain.ApprovedID(ptb, obj.PackageID)
	if err != nil {
		return nil, fail(err)
	}
	if approved != obj.PolicyID {
		return nil, fail(&models.ValidationError{Field: "ptb", Reason: fmt.Sprintf("approves %s, object is sealed under %s", approved, obj.PolicyID)})
	}

	servers := make([]models.KeyServer, 0, len(obj.Shares))
	entries := make(map[models.ID]ServerShare, len(obj.Shares))
	for _, s := range obj.Shares {
		ks, ok := c.registry[s.Server]
		if !ok {
			c.logger.Debug("Skipping unknown key server", "server", s.Server.String())
			continue
		}
		servers = append(servers, ks)
		entries[s.Server] = s
	}
	if len(servers) < int(obj.Threshold) {
		return nil, fail(&models.QuorumError{What: "known key servers", Have: len(servers), Need: int(obj.Threshold)})
	}

	fetched, err := c.ks.FetchShares(ctx, keyserver.FetchRequest{
		Servers:       servers,
		PTB:           ptb,
		Session:       sk,
		Threshold:     int(obj.Threshold),
		Encapsulation: obj.Encapsulation[:],
	})
	if err != nil {
		return nil, fail(err)
	}
	state = StateSharesFetched

	points := make([]share, 0, len(fetched))
	for _, f := range fetched {
		e := entries[f.Server]
		p := share{x: e.Index}
		for b := range p.y {
			p.y[b] = e.EncryptedShare[b] ^ f.Key[b]
		}
		points = append(points, p)
	}
	dek, err := combineShares(points)
	if err != nil {
		return nil, fail(&models.ValidationError{Field: "shares", Reason: err.Error()})
	}
	pt, err := open(obj, dek)
	if err != nil {
		return nil, fail(err)
	}
	state = StateDecrypted
	c.logger.Info("Object decrypted", "policy", obj.PolicyID.String(), "state", state.String(), "size", len(pt))
	return pt, nil
}

// IsDecryptState reports whether err came from a decryption that reached
// at least state.
func IsDecryptState(err error, state DecryptState) bool {
	var de *DecryptError
	return errors.As(err, &de) && de.State >= state
}
