package memchain_test

import (
	"context"
	"crypto/ed25519"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/InsulaLabs/vessel/chain"
	"github.com/InsulaLabs/vessel/chain/memchain"
	"github.com/InsulaLabs/vessel/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sysPkg = models.MustParseID("0x5")

type node struct {
	addr models.Address
	priv ed25519.PrivateKey
}

type fixture struct {
	t       *testing.T
	ledger  *memchain.Ledger
	builder *chain.Builder
	wallet  *chain.Ed25519Wallet
	nodes   []node
}

func newFixture(t *testing.T, quorum int) *fixture {
	t.Helper()
	l := memchain.New(memchain.Config{SystemPackage: sysPkg, PricePerUnit: 1, Epoch: 3, Quorum: quorum})
	w, err := chain.NewEd25519Wallet(nil)
	require.NoError(t, err)
	l.Fund(w.Address(), 10_000)

	f := &fixture{t: t, ledger: l, builder: chain.NewBuilder(sysPkg), wallet: w}
	for i := 0; i < 3; i++ {
		pub, priv, err := ed25519.GenerateKey(nil)
		require.NoError(t, err)
		addr := chain.AddressFromPublicKey(models.SchemeEd25519, pub)
		l.AddCommitteeMember(addr, pub)
		f.nodes = append(f.nodes, node{addr: addr, priv: priv})
	}
	return f
}

func (f *fixture) exec(tx []byte, err error) (*chain.Effects, error) {
	f.t.Helper()
	require.NoError(f.t, err)
	sig, err := chain.SignTransaction(context.Background(), f.wallet, tx)
	require.NoError(f.t, err)
	return f.ledger.Execute(context.Background(), tx, sig)
}

func (f *fixture) certificate(blob models.BlobID, epoch uint32, signers int) *models.AvailabilityCertificate {
	cert := &models.AvailabilityCertificate{BlobID: blob, Epoch: epoch}
	msg := models.CertificateMessage(blob, epoch)
	for _, n := range f.nodes[:signers] {
		cert.Nodes = append(cert.Nodes, n.addr)
		cert.Signatures = append(cert.Signatures, ed25519.Sign(n.priv, msg))
	}
	return cert
}

func (f *fixture) register(t *testing.T, blob models.BlobID, size uint64, deletable bool) models.ID {
	t.Helper()
	fx, err := f.exec(f.builder.Purchase(f.wallet.Address(), 2, size))
	require.NoError(t, err)
	res, ok := fx.CreatedOf(chain.ObjectTypeStorage)
	require.True(t, ok)

	fx, err = f.exec(f.builder.Register(f.wallet.Address(), blob, res, deletable))
	require.NoError(t, err)
	obj, ok := fx.CreatedOf(chain.ObjectTypeBlob)
	require.True(t, ok)
	return obj
}

func chainErr(t *testing.T, err error) *models.ChainCallError {
	t.Helper()
	var ce *models.ChainCallError
	require.True(t, errors.As(err, &ce), "expected a chain call error, got %v", err)
	return ce
}

func TestPurchase(t *testing.T) {
	f := newFixture(t, 2)

	fx, err := f.exec(f.builder.Purchase(f.wallet.Address(), 5, 100))
	require.NoError(t, err)
	var ev chain.PurchasedEvent
	require.NoError(t, fx.Event(chain.EventPurchased, &ev))
	assert.Equal(t, uint64(500), ev.Cost)
	assert.Equal(t, uint64(9_500), f.ledger.Balance(f.wallet.Address()))
	assert.Equal(t, 1, f.ledger.PurchaseCount(f.wallet.Address()))

	_, err = f.exec(f.builder.Purchase(f.wallet.Address(), 100, 1000))
	assert.Equal(t, models.ChainInsufficientFunds, chainErr(t, err).Kind)
	assert.Equal(t, 1, f.ledger.PurchaseCount(f.wallet.Address()), "failed purchases reserve nothing")
}

func TestExecuteRejectsBadSignature(t *testing.T) {
	f := newFixture(t, 1)
	tx, err := f.builder.Purchase(f.wallet.Address(), 1, 1)
	require.NoError(t, err)

	other, err := chain.NewEd25519Wallet(nil)
	require.NoError(t, err)
	sig, err := chain.SignTransaction(context.Background(), other, tx)
	require.NoError(t, err)

	_, err = f.ledger.Execute(context.Background(), tx, sig)
	assert.Equal(t, models.ChainAborted, chainErr(t, err).Kind)
}

func TestRegisterRequiresReservation(t *testing.T) {
	f := newFixture(t, 1)
	_, err := f.exec(f.builder.Register(f.wallet.Address(), models.BlobID{1}, models.MustParseID("0xdead"), true))
	assert.Equal(t, models.ChainObjectNotFound, chainErr(t, err).Kind)

	fx, err := f.exec(f.builder.Purchase(f.wallet.Address(), 1, 10))
	require.NoError(t, err)
	res, _ := fx.CreatedOf(chain.ObjectTypeStorage)
	_, err = f.exec(f.builder.Register(f.wallet.Address(), models.BlobID{1}, res, true))
	require.NoError(t, err)

	_, err = f.exec(f.builder.Register(f.wallet.Address(), models.BlobID{2}, res, true))
	assert.Equal(t, models.ChainAborted, chainErr(t, err).Kind, "a reservation backs one blob")
}

func TestCertify(t *testing.T) {
	blob := models.BlobID{7}

	t.Run("quorum reached", func(t *testing.T) {
		f := newFixture(t, 2)
		obj := f.register(t, blob, 10, true)
		assert.False(t, f.ledger.IsCertified(blob))

		fx, err := f.exec(f.builder.Certify(f.wallet.Address(), f.certificate(blob, 3, 2)))
		require.NoError(t, err)
		var ev chain.BlobEvent
		require.NoError(t, fx.Event(chain.EventCertified, &ev))
		assert.Equal(t, obj, ev.ObjectID)
		assert.True(t, f.ledger.IsCertified(blob))

		calls := f.ledger.Calls()
		require.Len(t, calls, 2)
		assert.Equal(t, chain.FnRegister, calls[0].Function)
		assert.Equal(t, chain.FnCertify, calls[1].Function)
	})

	t.Run("below quorum", func(t *testing.T) {
		f := newFixture(t, 3)
		f.register(t, blob, 10, true)
		_, err := f.exec(f.builder.Certify(f.wallet.Address(), f.certificate(blob, 3, 2)))
		assert.Equal(t, models.ChainAborted, chainErr(t, err).Kind)
		assert.False(t, f.ledger.IsCertified(blob))
	})

	t.Run("wrong epoch", func(t *testing.T) {
		f := newFixture(t, 1)
		f.register(t, blob, 10, true)
		_, err := f.exec(f.builder.Certify(f.wallet.Address(), f.certificate(blob, 2, 3)))
		assert.Contains(t, chainErr(t, err).Abort, "epoch")
	})

	t.Run("forged signature", func(t *testing.T) {
		f := newFixture(t, 1)
		f.register(t, blob, 10, true)
		cert := f.certificate(blob, 3, 1)
		cert.Signatures[0][0] ^= 0xff
		_, err := f.exec(f.builder.Certify(f.wallet.Address(), cert))
		assert.Contains(t, chainErr(t, err).Abort, "invalid signature")
	})

	t.Run("before register", func(t *testing.T) {
		f := newFixture(t, 1)
		_, err := f.exec(f.builder.Certify(f.wallet.Address(), f.certificate(blob, 3, 1)))
		assert.Equal(t, models.ChainObjectNotFound, chainErr(t, err).Kind)
	})
}

func TestExtendAndDelete(t *testing.T) {
	f := newFixture(t, 1)
	blob := models.BlobID{9}
	obj := f.register(t, blob, 10, true)
	before := f.ledger.Balance(f.wallet.Address())

	fx, err := f.exec(f.builder.ExtendEpochs(f.wallet.Address(), obj, 4))
	require.NoError(t, err)
	var ev chain.BlobEvent
	require.NoError(t, fx.Event(chain.EventExtended, &ev))
	assert.Equal(t, uint32(3+2+4), ev.EndEpoch)
	assert.Equal(t, before-40, f.ledger.Balance(f.wallet.Address()))

	_, err = f.exec(f.builder.DeleteBlob(f.wallet.Address(), obj))
	require.NoError(t, err)
	_, ok := f.ledger.BlobObject(obj)
	assert.False(t, ok)

	_, err = f.exec(f.builder.DeleteBlob(f.wallet.Address(), obj))
	assert.Equal(t, models.ChainObjectNotFound, chainErr(t, err).Kind)
}

func TestDeletePermanentBlob(t *testing.T) {
	f := newFixture(t, 1)
	blob := models.BlobID{10}
	obj := f.register(t, blob, 10, false)

	o, ok := f.ledger.BlobObject(obj)
	require.True(t, ok)
	assert.False(t, o.Deletable)

	fx, err := f.exec(f.builder.Certify(f.wallet.Address(), f.certificate(blob, 3, 1)))
	require.NoError(t, err)
	var ev chain.BlobEvent
	require.NoError(t, fx.Event(chain.EventCertified, &ev))
	assert.False(t, ev.Deletable)

	_, err = f.exec(f.builder.DeleteBlob(f.wallet.Address(), obj))
	ce := chainErr(t, err)
	assert.Equal(t, models.ChainAborted, ce.Kind)
	assert.Contains(t, ce.Abort, "permanent")
	_, ok = f.ledger.BlobObject(obj)
	assert.True(t, ok, "a permanent blob survives the delete attempt")
}

func TestDryRunPolicies(t *testing.T) {
	ctx := context.Background()
	pkg := models.MustParseID("0xc0de")
	l := memchain.New(memchain.Config{SystemPackage: sysPkg})
	alice, bob := models.Address{1}, models.Address{2}
	l.RegisterPolicy(pkg, models.PolicyOwnerOnly.Module(), memchain.OwnerOnly)
	l.RegisterPolicy(pkg, models.PolicyAllowlist.Module(), memchain.Allowlist(alice))

	own, err := chain.PolicyCheck(pkg, models.PolicyOwnerOnly, models.ID(alice))
	require.NoError(t, err)
	require.NoError(t, l.DryRun(ctx, own, alice))
	assert.Equal(t, "ENoAccess", chainErr(t, l.DryRun(ctx, own, bob)).Abort)

	list, err := chain.PolicyCheck(pkg, models.PolicyAllowlist, models.MustParseID("0x77"))
	require.NoError(t, err)
	require.NoError(t, l.DryRun(ctx, list, alice))
	require.Error(t, l.DryRun(ctx, list, bob))

	unknown, err := chain.PolicyCheck(models.MustParseID("0xbad"), models.PolicyAllowlist, models.MustParseID("0x77"))
	require.NoError(t, err)
	assert.Equal(t, models.ChainObjectNotFound, chainErr(t, l.DryRun(ctx, unknown, alice)).Kind)
}

func TestRPCRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	pkg := models.MustParseID("0xc0de")
	f.ledger.RegisterPolicy(pkg, models.PolicyOwnerOnly.Module(), memchain.OwnerOnly)

	srv := httptest.NewServer(f.ledger.Handler(500))
	defer srv.Close()
	rpc := chain.NewRPC(srv.URL, time.Second, nil)

	tx, err := f.builder.Purchase(f.wallet.Address(), 1, 10)
	require.NoError(t, err)
	sig, err := chain.SignTransaction(ctx, f.wallet, tx)
	require.NoError(t, err)
	fx, err := rpc.Execute(ctx, tx, sig)
	require.NoError(t, err)
	_, ok := fx.CreatedOf(chain.ObjectTypeStorage)
	assert.True(t, ok)

	tx, err = f.builder.Purchase(f.wallet.Address(), 1000, 1000)
	require.NoError(t, err)
	sig, err = chain.SignTransaction(ctx, f.wallet, tx)
	require.NoError(t, err)
	_, err = rpc.Execute(ctx, tx, sig)
	ce := chainErr(t, err)
	assert.Equal(t, models.ChainInsufficientFunds, ce.Kind)
	assert.Equal(t, chain.FnPurchase, ce.Call)

	ptb, err := chain.PolicyCheck(pkg, models.PolicyOwnerOnly, models.ID(f.wallet.Address()))
	require.NoError(t, err)
	require.NoError(t, rpc.DryRun(ctx, ptb, f.wallet.Address()))
	assert.Equal(t, "ENoAccess", chainErr(t, rpc.DryRun(ctx, ptb, models.Address{3})).Abort)

	fresh := models.Address{4}
	require.NoError(t, rpc.Faucet(ctx, fresh, 10_000))
	assert.Equal(t, uint64(500), f.ledger.Balance(fresh), "grants are capped")
}
