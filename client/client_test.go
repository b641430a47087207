package client_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/InsulaLabs/vessel/chain"
	"github.com/InsulaLabs/vessel/chain/memchain"
	"github.com/InsulaLabs/vessel/client"
	"github.com/InsulaLabs/vessel/config"
	"github.com/InsulaLabs/vessel/internal/devnet"
	"github.com/InsulaLabs/vessel/keyserver"
	"github.com/InsulaLabs/vessel/models"
	"github.com/InsulaLabs/vessel/seal"
	"github.com/InsulaLabs/vessel/storage"
	"github.com/InsulaLabs/vessel/storage/journal"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

var (
	systemPackage = models.MustParseID("0x2")
	policyPackage = models.MustParseID("0xc0de")
)

// ClientTestSuite runs the client against a local devnet, a memory ledger
// and three key servers.
type ClientTestSuite struct {
	suite.Suite
	ctx     context.Context
	logger  *slog.Logger
	ledger  *memchain.Ledger
	servers []*httptest.Server
	wallet  *chain.Ed25519Wallet
	cfg     *config.Config
	client  *client.Client
}

func (s *ClientTestSuite) SetupSuite() {
	s.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	s.ctx = context.Background()

	s.ledger = memchain.New(memchain.Config{SystemPackage: systemPackage, PricePerUnit: 1, Quorum: 3, Logger: s.logger})
	s.ledger.RegisterPolicy(policyPackage, models.PolicyOwnerOnly.Module(), memchain.OwnerOnly)

	network, err := devnet.New(devnet.Config{
		Ledger:  s.ledger,
		Builder: chain.NewBuilder(systemPackage),
		Nodes:   4,
		Faucet:  1 << 30,
		Logger:  s.logger,
	})
	s.Require().NoError(err)
	storageSrv := httptest.NewServer(network.Handler())
	s.servers = append(s.servers, storageSrv)

	var keyServers []config.KeyServer
	for i, id := range []string{"0x100", "0x101", "0x102"} {
		ks, err := keyserver.NewServer(keyserver.ServerConfig{
			ObjectID: models.MustParseID(id),
			Name:     "ks-" + string(rune('a'+i)),
			Policy:   s.ledger,
			Logger:   s.logger,
		})
		s.Require().NoError(err)
		srv := httptest.NewServer(ks.Handler())
		s.servers = append(s.servers, srv)
		pk := ks.PublicKey()
		keyServers = append(keyServers, config.KeyServer{
			ObjectID:  id,
			URL:       srv.URL,
			PublicKey: base64.StdEncoding.EncodeToString(pk[:]),
		})
	}

	s.cfg, err = config.GenerateConfig("")
	s.Require().NoError(err)
	s.cfg.Publisher = storageSrv.URL
	s.cfg.Aggregator = storageSrv.URL
	s.cfg.Chain = storageSrv.URL
	s.cfg.Storage.SystemPackage = systemPackage.String()
	s.cfg.KeyServers = keyServers
	s.cfg.Threshold = 2
	s.cfg.Fetch.Timeout = 5 * time.Second
	s.cfg.JournalDir = s.T().TempDir()

	s.wallet, err = chain.NewEd25519Wallet(nil)
	s.Require().NoError(err)

	s.client, err = client.New(s.cfg, client.Options{Logger: s.logger, Signer: s.wallet})
	s.Require().NoError(err)
	s.Require().NoError(s.client.Faucet(s.ctx, 1<<30))
}

func (s *ClientTestSuite) TearDownSuite() {
	if s.client != nil {
		s.client.Close()
	}
	for _, srv := range s.servers {
		srv.Close()
	}
}

func TestClientSuite(t *testing.T) {
	suite.Run(t, new(ClientTestSuite))
}

func (s *ClientTestSuite) TestStoreReadLifecycle() {
	data := bytes.Repeat([]byte("vessel"), 200)

	blob, err := s.client.Store(s.ctx, data, storage.StoreOptions{Epochs: 2})
	s.Require().NoError(err)
	s.Equal(storage.BlobIDFor(data), blob.ID)
	s.True(blob.Deletable)
	s.False(blob.ObjectID.IsZero())

	got, err := s.client.Read(s.ctx, blob.ID)
	s.Require().NoError(err)
	s.Equal(data, got)

	status, err := s.client.Status(s.ctx, blob.ID)
	s.Require().NoError(err)
	s.Equal(models.AvailabilityAvailable, status.State)

	pending, err := s.client.Pending()
	s.Require().NoError(err)
	for _, rec := range pending {
		s.NotEqual(blob.ID, rec.BlobID, "committed blobs leave no pending record")
	}

	fx, err := s.client.Extend(s.ctx, blob.ObjectID, 3)
	s.Require().NoError(err)
	var ev chain.BlobEvent
	s.Require().NoError(fx.Event(chain.EventExtended, &ev))
	s.Equal(blob.ObjectID, ev.ObjectID)

	_, err = s.client.Delete(s.ctx, blob.ObjectID)
	s.Require().NoError(err)
	_, ok := s.ledger.BlobObject(blob.ObjectID)
	s.False(ok)
}

func (s *ClientTestSuite) TestQuilt() {
	q, err := s.client.StoreQuilt(s.ctx, []storage.QuiltFile{
		{Identifier: "a.txt", Data: []byte("alpha")},
		{Identifier: "b.txt", Data: []byte("beta")},
	}, storage.StoreOptions{})
	s.Require().NoError(err)

	got, err := s.client.ReadQuiltFile(s.ctx, q.Blob.ID, "b.txt")
	s.Require().NoError(err)
	s.Equal([]byte("beta"), got)
}

func (s *ClientTestSuite) TestEncryptDecrypt() {
	s.Require().NoError(s.client.VerifyKeyServers(s.ctx))

	policy, err := s.client.Policy(policyPackage, models.PolicyOwnerOnly, models.ID(s.wallet.Address()))
	s.Require().NoError(err)
	res, err := s.client.Encrypt(s.ctx, []byte("top secret"), policy, seal.EncryptOptions{})
	s.Require().NoError(err)

	ptb, err := client.PolicyCheck(res.Object)
	s.Require().NoError(err)

	pt, err := s.client.Decrypt(s.ctx, res.Object, ptb)
	s.Require().NoError(err)
	s.Equal([]byte("top secret"), pt)

	first, err := s.client.Session(s.ctx, policyPackage)
	s.Require().NoError(err)
	_, err = s.client.Decrypt(s.ctx, res.Object, ptb)
	s.Require().NoError(err)
	again, err := s.client.Session(s.ctx, policyPackage)
	s.Require().NoError(err)
	s.Equal(first.ID, again.ID, "an active session is reused")
}

func (s *ClientTestSuite) TestDecryptDeniedForOtherOwner() {
	other, err := chain.NewEd25519Wallet(nil)
	s.Require().NoError(err)
	policy, err := s.client.Policy(policyPackage, models.PolicyOwnerOnly, models.ID(other.Address()))
	s.Require().NoError(err)
	res, err := s.client.Encrypt(s.ctx, []byte("not yours"), policy, seal.EncryptOptions{})
	s.Require().NoError(err)

	ptb, err := client.PolicyCheck(res.Object)
	s.Require().NoError(err)
	_, err = s.client.Decrypt(s.ctx, res.Object, ptb)
	var denied *models.PolicyDeniedError
	s.True(errors.As(err, &denied), "got %v", err)
}

func (s *ClientTestSuite) TestWithoutSigner() {
	c, err := client.New(s.cfg, client.Options{Logger: s.logger})
	s.Require().NoError(err)
	defer c.Close()

	var unsupported *models.UnsupportedOperationError
	_, err = c.Store(s.ctx, []byte("x"), storage.StoreOptions{})
	s.True(errors.As(err, &unsupported))
	_, err = c.Extend(s.ctx, models.MustParseID("0x1"), 1)
	s.True(errors.As(err, &unsupported))
	_, err = c.Session(s.ctx, policyPackage)
	s.True(errors.As(err, &unsupported))
}

func (s *ClientTestSuite) TestPublisherMode() {
	cfg := *s.cfg
	cfg.CommitMode = config.CommitModePublisher
	c, err := client.New(&cfg, client.Options{Logger: s.logger})
	s.Require().NoError(err)
	defer c.Close()

	data := []byte("published without a wallet")
	blob, err := c.Store(s.ctx, data, storage.StoreOptions{Epochs: 1})
	s.Require().NoError(err)
	s.Equal(storage.BlobIDFor(data), blob.ID)

	got, err := c.Read(s.ctx, blob.ID)
	s.Require().NoError(err)
	s.Equal(data, got)
}

// closeTracking records whether Close reached the journal.
type closeTracking struct {
	journal.Journal
	closed bool
}

func (c *closeTracking) Close() error {
	c.closed = true
	return c.Journal.Close()
}

func (s *ClientTestSuite) TestCallerJournalStaysOpen() {
	j := &closeTracking{Journal: journal.NewMemory()}
	c, err := client.New(s.cfg, client.Options{Logger: s.logger, Signer: s.wallet, Journal: j})
	s.Require().NoError(err)

	data := []byte("journaled by the caller")
	blob, err := c.Store(s.ctx, data, storage.StoreOptions{Epochs: 1})
	s.Require().NoError(err)
	s.Require().NoError(c.Close())
	s.False(j.closed, "a journal passed in by the caller is not closed by the client")

	rec, err := j.Load(blob.ID)
	s.Require().NoError(err)
	s.Equal(models.PhaseCommitted, rec.Phase)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg, err := config.GenerateConfig("")
	require.NoError(t, err)
	cfg.CommitMode = "sideways"
	_, err = client.New(cfg, client.Options{})
	require.ErrorIs(t, err, config.ErrCommitModeInvalid)
}
