package keyserver

import (
	"context"
	"crypto/rand"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/InsulaLabs/vessel/chain"
	"github.com/InsulaLabs/vessel/chain/memchain"
	"github.com/InsulaLabs/vessel/models"
	"github.com/InsulaLabs/vessel/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/curve25519"
)

var (
	testPkg    = models.MustParseID("0xabc")
	testPolicy = models.MustParseID("0x1234")
)

type fixture struct {
	ledger   *memchain.Ledger
	user     *chain.Ed25519Wallet
	sessions *session.Lifecycle
	servers  []*Server
	infos    []models.KeyServer
	allowed  map[models.Address]bool
}

func newFixture(t *testing.T, n int, wrap func(i int, h http.Handler) http.Handler) *fixture {
	t.Helper()
	f := &fixture{
		ledger:   memchain.New(memchain.Config{}),
		sessions: session.New(session.Config{}),
		allowed:  make(map[models.Address]bool),
	}
	user, err := chain.NewEd25519Wallet(nil)
	require.NoError(t, err)
	f.user = user
	f.allowed[user.Address()] = true

	f.ledger.RegisterPolicy(testPkg, models.PolicyAllowlist.Module(), func(ctx context.Context, call chain.Call, sender models.Address) error {
		if !f.allowed[sender] {
			return &models.ChainCallError{Kind: models.ChainAborted, Call: call.Target(), Abort: "not on allowlist"}
		}
		return nil
	})

	for i := 0; i < n; i++ {
		var oid models.ID
		oid[31] = byte(i + 1)
		s, err := NewServer(ServerConfig{ObjectID: oid, Name: "ks", Policy: f.ledger})
		require.NoError(t, err)
		var h http.Handler = s.Handler()
		if wrap != nil {
			h = wrap(i, h)
		}
		srv := httptest.NewServer(h)
		t.Cleanup(srv.Close)
		f.servers = append(f.servers, s)
		f.infos = append(f.infos, s.Descriptor(srv.URL))
	}
	return f
}

func (f *fixture) session(t *testing.T) *session.Key {
	t.Helper()
	k, err := f.sessions.Create(testPkg, 10, f.user.Address())
	require.NoError(t, err)
	require.NoError(t, f.sessions.SignWith(context.Background(), k, f.user))
	return k
}

func ptb(t *testing.T) []byte {
	t.Helper()
	b, err := chain.PolicyCheck(testPkg, models.PolicyAllowlist, testPolicy)
	require.NoError(t, err)
	return b
}

func encapsulation(t *testing.T) (eph, epk []byte) {
	t.Helper()
	eph = make([]byte, curve25519.ScalarSize)
	_, err := rand.Read(eph)
	require.NoError(t, err)
	epk, err = curve25519.X25519(eph, curve25519.Basepoint)
	require.NoError(t, err)
	return eph, epk
}

func slow(d time.Duration) func(int, http.Handler) http.Handler {
	return func(i int, h http.Handler) http.Handler {
		if i != 0 {
			return h
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-time.After(d):
			case <-r.Context().Done():
				return
			}
			h.ServeHTTP(w, r)
		})
	}
}

func TestVerify(t *testing.T) {
	f := newFixture(t, 3, nil)
	c := NewClient(Config{})
	ctx := context.Background()

	require.NoError(t, c.Verify(ctx, f.infos))

	t.Run("wrong public key", func(t *testing.T) {
		bad := append([]models.KeyServer(nil), f.infos...)
		bad[1].PublicKey[0] ^= 0xff
		err := c.Verify(ctx, bad)
		var verr *models.ValidationError
		require.True(t, errors.As(err, &verr))
		assert.Equal(t, "public_key", verr.Field)
	})

	t.Run("wrong object id", func(t *testing.T) {
		bad := append([]models.KeyServer(nil), f.infos...)
		bad[0].ObjectID = models.MustParseID("0xdead")
		require.Error(t, c.Verify(ctx, bad))
	})
}

func TestFetchSharesDerivesServerKeys(t *testing.T) {
	f := newFixture(t, 3, nil)
	c := NewClient(Config{})
	eph, epk := encapsulation(t)

	shares, err := c.FetchShares(context.Background(), FetchRequest{
		Servers:       f.infos,
		PTB:           ptb(t),
		Session:       f.session(t),
		Threshold:     3,
		Encapsulation: epk,
	})
	require.NoError(t, err)
	require.Len(t, shares, 3)

	for _, s := range shares {
		var info models.KeyServer
		for _, ks := range f.infos {
			if ks.ObjectID == s.Server {
				info = ks
			}
		}
		shared, err := SharedSecret(eph, info.PublicKey[:])
		require.NoError(t, err)
		want, err := DeriveKEK(shared, epk, testPkg, testPolicy, info.ObjectID)
		require.NoError(t, err)
		assert.Equal(t, want, s.Key)
	}
}

func TestFetchSharesQuorumWithSlowServer(t *testing.T) {
	f := newFixture(t, 3, slow(3*time.Second))
	c := NewClient(Config{Timeout: 10 * time.Second})
	_, epk := encapsulation(t)

	start := time.Now()
	shares, err := c.FetchShares(context.Background(), FetchRequest{
		Servers:       f.infos,
		PTB:           ptb(t),
		Session:       f.session(t),
		Threshold:     2,
		Encapsulation: epk,
	})
	require.NoError(t, err)
	assert.Len(t, shares, 2)
	assert.Less(t, time.Since(start), 2*time.Second, "the slow server must not hold up the quorum")
	for _, s := range shares {
		assert.NotEqual(t, f.infos[0].ObjectID, s.Server)
	}
}

func TestFetchSharesQuorumError(t *testing.T) {
	t.Run("slow servers past the deadline", func(t *testing.T) {
		f := newFixture(t, 2, slow(3*time.Second))
		c := NewClient(Config{Timeout: 300 * time.Millisecond, Retries: 0})
		_, epk := encapsulation(t)

		_, err := c.FetchShares(context.Background(), FetchRequest{
			Servers:       f.infos,
			PTB:           ptb(t),
			Session:       f.session(t),
			Threshold:     2,
			Encapsulation: epk,
		})
		var qerr *models.QuorumError
		require.True(t, errors.As(err, &qerr))
		assert.Equal(t, 1, qerr.Have)
		assert.Equal(t, 2, qerr.Need)
	})

	t.Run("failing server is retried then dropped", func(t *testing.T) {
		var hits atomic.Int32
		f := newFixture(t, 2, func(i int, h http.Handler) http.Handler {
			if i != 1 {
				return h
			}
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				http.Error(w, "boom", http.StatusBadGateway)
			})
		})
		c := NewClient(Config{Retries: 2, Backoff: 10 * time.Millisecond})
		_, epk := encapsulation(t)

		_, err := c.FetchShares(context.Background(), FetchRequest{
			Servers:       f.infos,
			PTB:           ptb(t),
			Session:       f.session(t),
			Threshold:     2,
			Encapsulation: epk,
		})
		var qerr *models.QuorumError
		require.True(t, errors.As(err, &qerr))
		assert.Equal(t, int32(3), hits.Load())
	})
}

func TestFetchSharesPolicyDenied(t *testing.T) {
	f := newFixture(t, 2, nil)
	c := NewClient(Config{})
	_, epk := encapsulation(t)
	sk := f.session(t)
	f.allowed[f.user.Address()] = false

	_, err := c.FetchShares(context.Background(), FetchRequest{
		Servers:       f.infos,
		PTB:           ptb(t),
		Session:       sk,
		Threshold:     1,
		Encapsulation: epk,
	})
	var denied *models.PolicyDeniedError
	require.True(t, errors.As(err, &denied))
}

func TestFetchSharesExpiredAtServer(t *testing.T) {
	f := newFixture(t, 1, nil)
	sk := f.session(t)
	for _, s := range f.servers {
		s.now = func() time.Time { return time.Now().Add(time.Hour) }
	}
	c := NewClient(Config{})
	_, epk := encapsulation(t)

	_, err := c.FetchShares(context.Background(), FetchRequest{
		Servers:       f.infos,
		PTB:           ptb(t),
		Session:       sk,
		Threshold:     1,
		Encapsulation: epk,
	})
	var expired *models.ExpiredSessionError
	require.True(t, errors.As(err, &expired))
	assert.Equal(t, sk.ID, expired.Session)
	assert.Equal(t, sk.ExpiresAt(), expired.ExpiredAt)
}

func TestFetchSharesRejectsForeignPackage(t *testing.T) {
	f := newFixture(t, 1, nil)
	c := NewClient(Config{})
	_, epk := encapsulation(t)
	other, err := chain.PolicyCheck(models.MustParseID("0xbeef"), models.PolicyAllowlist, testPolicy)
	require.NoError(t, err)

	_, err = c.FetchShares(context.Background(), FetchRequest{
		Servers:       f.infos,
		PTB:           other,
		Session:       f.session(t),
		Threshold:     1,
		Encapsulation: epk,
	})
	require.Error(t, err)
	var qerr *models.QuorumError
	assert.True(t, errors.As(err, &qerr))
}

func TestFetchSharesValidation(t *testing.T) {
	f := newFixture(t, 2, nil)
	c := NewClient(Config{})
	_, err := c.FetchShares(context.Background(), FetchRequest{Servers: f.infos, Threshold: 3, Session: f.session(t)})
	var verr *models.ValidationError
	require.True(t, errors.As(err, &verr))

	unsigned, err := f.sessions.Create(testPkg, 5, f.user.Address())
	require.NoError(t, err)
	_, err = c.FetchShares(context.Background(), FetchRequest{Servers: f.infos, Threshold: 1, Session: unsigned})
	assert.ErrorIs(t, err, models.ErrNotSigned)
}
