package models

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseID(t *testing.T) {
	full := "0x" + strings.Repeat("ab", 32)

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: full, want: full},
		{in: strings.ToUpper(full[2:]), want: full},
		{in: "0X" + strings.Repeat("AB", 32), want: full},
		{in: "0x2", want: "0x" + strings.Repeat("0", 63) + "2"},
		{in: "  0x2a  ", want: "0x" + strings.Repeat("0", 62) + "2a"},
		{in: "", wantErr: true},
		{in: "0x", wantErr: true},
		{in: "0xzz", wantErr: true},
		{in: "0x" + strings.Repeat("a", 65), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			id, err := ParseID(tt.in)
			if tt.wantErr {
				var verr *ValidationError
				require.True(t, errors.As(err, &verr))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, id.String())
		})
	}
}

func TestIdentifierText(t *testing.T) {
	type doc struct {
		ID   ID      `json:"id"`
		Addr Address `json:"addr"`
		Blob BlobID  `json:"blob"`
	}
	in := doc{ID: MustParseID("0x1"), Addr: Address(MustParseID("0x2")), Blob: BlobID{1, 2, 3}}
	raw, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"id":"0x00`)
	assert.NotContains(t, string(raw), "=", "blob ids are unpadded")

	var out doc
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, in, out)

	_, err = ParseBlobID("not*base64")
	require.Error(t, err)
}

func TestCertificateCheck(t *testing.T) {
	a, b := Address{1}, Address{2}
	cert := &AvailabilityCertificate{Nodes: []Address{a, b}, Signatures: [][]byte{{1}, {2}}}
	require.NoError(t, cert.Check(2))

	var qerr *QuorumError
	require.True(t, errors.As(cert.Check(3), &qerr))
	assert.Equal(t, 2, qerr.Have)

	dup := &AvailabilityCertificate{Nodes: []Address{a, a}, Signatures: [][]byte{{1}, {1}}}
	require.True(t, errors.As(dup.Check(2), &qerr), "duplicate signers count once")

	mismatch := &AvailabilityCertificate{Nodes: []Address{a}, Signatures: nil}
	var verr *ValidationError
	require.True(t, errors.As(mismatch.Check(1), &verr))

	var missing *AvailabilityCertificate
	require.True(t, errors.As(missing.Check(1), &qerr))
}

func TestBlobObjectAdvance(t *testing.T) {
	o := &BlobObject{State: BlobRegistered}
	require.NoError(t, o.Advance(BlobCertified))
	require.NoError(t, o.Advance(BlobCertified))
	require.Error(t, o.Advance(BlobRegistered))
	assert.Equal(t, BlobCertified, o.State)
}

func TestEncryptionPolicyValidate(t *testing.T) {
	servers := []KeyServer{{ObjectID: MustParseID("0x1")}, {ObjectID: MustParseID("0x2")}}
	valid := EncryptionPolicy{Threshold: 2, PackageID: MustParseID("0x9"), Servers: servers, Variant: PolicyAllowlist}
	require.NoError(t, valid.Validate())

	cases := map[string]func(p *EncryptionPolicy){
		"zero threshold":     func(p *EncryptionPolicy) { p.Threshold = 0 },
		"threshold too high": func(p *EncryptionPolicy) { p.Threshold = 3 },
		"no package":         func(p *EncryptionPolicy) { p.PackageID = ZeroID },
		"no servers":         func(p *EncryptionPolicy) { p.Servers = nil },
		"duplicate server":   func(p *EncryptionPolicy) { p.Servers = []KeyServer{servers[0], servers[0]} },
		"unknown variant":    func(p *EncryptionPolicy) { p.Variant = PolicyVariant(42) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := valid
			mutate(&p)
			var verr *ValidationError
			require.True(t, errors.As(p.Validate(), &verr))
		})
	}
}

func TestSignatureEncoding(t *testing.T) {
	sig := Signature{Scheme: SchemeEd25519, Sig: make([]byte, 64), PublicKey: make([]byte, 32)}
	sig.Sig[0], sig.PublicKey[31] = 7, 9
	assert.Len(t, sig.Bytes(), 97)

	back, err := ParseSignatureString(sig.String())
	require.NoError(t, err)
	assert.Equal(t, sig, back)

	_, err = ParseSignature(sig.Bytes()[:50])
	require.Error(t, err)
}

func TestCommitErrorUnwrap(t *testing.T) {
	inner := &ChainCallError{Kind: ChainInsufficientFunds, Call: "purchase"}
	err := error(&CommitError{Phase: PhaseReserving, Err: inner})
	var ce *ChainCallError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, ChainInsufficientFunds, ce.Kind)
	assert.Contains(t, err.Error(), "reserving")
}

func TestNetworkErrorTemporary(t *testing.T) {
	assert.True(t, (&NetworkError{}).Temporary())
	assert.True(t, (&NetworkError{Status: 503}).Temporary())
	assert.True(t, (&NetworkError{Status: 429}).Temporary())
	assert.False(t, (&NetworkError{Status: 404}).Temporary())
}
