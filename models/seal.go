package models

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

type PolicyVariant int

const (
	PolicyOwnerOnly PolicyVariant = iota
	PolicyAllowlist
	PolicySubscription
	PolicyTimelock
	PolicyVoting
)

// Module is the on-chain module that hosts the variant's seal_approve.
func (v PolicyVariant) Module() string {
	switch v {
	case PolicyOwnerOnly:
		return "private_data"
	case PolicyAllowlist:
		return "allowlist"
	case PolicySubscription:
		return "subscription"
	case PolicyTimelock:
		return "tle"
	case PolicyVoting:
		return "voting"
	default:
		return ""
	}
}

func (v PolicyVariant) String() string {
	switch v {
	case PolicyOwnerOnly:
		return "owner-only"
	case PolicyAllowlist:
		return "allowlist"
	case PolicySubscription:
		return "subscription"
	case PolicyTimelock:
		return "timelock"
	case PolicyVoting:
		return "voting"
	default:
		return fmt.Sprintf("variant(%d)", int(v))
	}
}

func ParsePolicyVariant(s string) (PolicyVariant, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "owner-only", "owner", "private_data", "private":
		return PolicyOwnerOnly, nil
	case "allowlist":
		return PolicyAllowlist, nil
	case "subscription":
		return PolicySubscription, nil
	case "timelock", "tle":
		return PolicyTimelock, nil
	case "voting":
		return PolicyVoting, nil
	}
	return 0, &ValidationError{Field: "policy.variant", Reason: fmt.Sprintf("unknown variant %q", s)}
}

const KeyServerPublicKeyLength = 32

// KeyServer describes one registered key server.
type KeyServer struct {
	ObjectID  ID
	Name      string
	URL       string
	PublicKey [KeyServerPublicKeyLength]byte
}

func ParsePublicKey(s string) ([KeyServerPublicKeyLength]byte, error) {
	var pk [KeyServerPublicKeyLength]byte
	raw := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	b, err := hex.DecodeString(raw)
	if err != nil {
		b, err = base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	}
	if err != nil || len(b) != KeyServerPublicKeyLength {
		return pk, &ValidationError{Field: "key_server.public_key", Reason: "expected 32 bytes of hex or base64"}
	}
	copy(pk[:], b)
	return pk, nil
}

// EncryptionPolicy is the N-of-M access policy an object is sealed under.
type EncryptionPolicy struct {
	Threshold int
	PackageID ID
	PolicyID  ID
	Servers   []KeyServer
	Variant   PolicyVariant
}

// MaxKeyServers bounds the share index space (one byte, zero reserved).
const MaxKeyServers = 255

func (p *EncryptionPolicy) Validate() error {
	if p.PackageID.IsZero() {
		return &ValidationError{Field: "policy.package_id", Reason: "must be set"}
	}
	if len(p.Servers) == 0 {
		return &ValidationError{Field: "policy.servers", Reason: "at least one key server is required"}
	}
	if len(p.Servers) > MaxKeyServers {
		return &ValidationError{Field: "policy.servers", Reason: fmt.Sprintf("at most %d key servers", MaxKeyServers)}
	}
	if p.Threshold < 1 || p.Threshold > len(p.Servers) {
		return &ValidationError{
			Field:  "policy.threshold",
			Reason: fmt.Sprintf("threshold %d outside [1, %d]", p.Threshold, len(p.Servers)),
		}
	}
	if p.Variant.Module() == "" {
		return &ValidationError{Field: "policy.variant", Reason: p.Variant.String()}
	}
	seen := make(map[ID]struct{}, len(p.Servers))
	for _, s := range p.Servers {
		if s.ObjectID.IsZero() {
			return &ValidationError{Field: "policy.servers", Reason: "key server without object id"}
		}
		if _, dup := seen[s.ObjectID]; dup {
			return &ValidationError{Field: "policy.servers", Reason: fmt.Sprintf("duplicate key server %s", s.ObjectID)}
		}
		seen[s.ObjectID] = struct{}{}
	}
	return nil
}

// DecryptionShare is one key server's contribution for one object.
type DecryptionShare struct {
	Server ID
	Index  byte
	Key    [32]byte
}

type SignatureScheme byte

const (
	SchemeEd25519 SignatureScheme = 0x00
)

// Signature is a wallet signature in flag || sig || pubkey form.
type Signature struct {
	Scheme    SignatureScheme
	Sig       []byte
	PublicKey []byte
}

func (s Signature) Bytes() []byte {
	out := make([]byte, 0, 1+len(s.Sig)+len(s.PublicKey))
	out = append(out, byte(s.Scheme))
	out = append(out, s.Sig...)
	return append(out, s.PublicKey...)
}

func (s Signature) String() string {
	return base64.StdEncoding.EncodeToString(s.Bytes())
}

const (
	ed25519SigLen = 64
	ed25519PkLen  = 32
)

func ParseSignature(b []byte) (Signature, error) {
	if len(b) != 1+ed25519SigLen+ed25519PkLen || SignatureScheme(b[0]) != SchemeEd25519 {
		return Signature{}, &ValidationError{Field: "signature", Reason: "unsupported scheme or length"}
	}
	return Signature{
		Scheme:    SchemeEd25519,
		Sig:       append([]byte(nil), b[1:1+ed25519SigLen]...),
		PublicKey: append([]byte(nil), b[1+ed25519SigLen:]...),
	}, nil
}

func ParseSignatureString(s string) (Signature, error) {
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return Signature{}, &ValidationError{Field: "signature", Reason: "not base64"}
	}
	return ParseSignature(b)
}
