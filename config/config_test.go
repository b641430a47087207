package config

import (
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vessel.yaml")
	generated, err := GenerateConfig(path)
	require.NoError(t, err)

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, generated.Publisher, loaded.Publisher)
	assert.Equal(t, generated.Storage, loaded.Storage)
	assert.Equal(t, generated.Fetch, loaded.Fetch)
	assert.Equal(t, generated.Wallet, loaded.Wallet)
	assert.Equal(t, 10*time.Second, loaded.Fetch.Timeout)
	assert.Equal(t, "0x"+"0000000000000000000000000000000000000000000000000000000000000002", loaded.SystemPackage().String())
}

func TestChainURLDefaultsToPublisher(t *testing.T) {
	cfg, err := GenerateConfig("")
	require.NoError(t, err)
	cfg.Chain = ""
	assert.Equal(t, cfg.Publisher, cfg.ChainURL())
	cfg.Chain = "http://chain"
	assert.Equal(t, "http://chain", cfg.ChainURL())
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, ErrConfigFileUnreadable)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("publisher: [unterminated"), 0644))
	_, err = LoadConfig(bad)
	assert.ErrorIs(t, err, ErrConfigFileUnmarshallable)
}

func TestValidate(t *testing.T) {
	pk := base64.StdEncoding.EncodeToString(make([]byte, 32))
	server := func(id string) KeyServer {
		return KeyServer{ObjectID: id, URL: "http://ks", PublicKey: pk}
	}

	cases := []struct {
		name   string
		mutate func(c *Config)
		want   error
	}{
		{"publisher", func(c *Config) { c.Publisher = "" }, ErrPublisherMissing},
		{"aggregator", func(c *Config) { c.Aggregator = "" }, ErrAggregatorMissing},
		{"commit mode", func(c *Config) { c.CommitMode = "direct" }, ErrCommitModeInvalid},
		{"system package", func(c *Config) { c.Storage.SystemPackage = "nope" }, ErrSystemPackageMissing},
		{"quorum", func(c *Config) { c.Storage.Quorum = 0 }, ErrQuorumMissing},
		{"epochs", func(c *Config) { c.Storage.DefaultEpochs = 0 }, ErrDefaultEpochsMissing},
		{"key server", func(c *Config) {
			c.KeyServers = []KeyServer{{ObjectID: "0x1", URL: "http://ks", PublicKey: "short"}}
			c.Threshold = 1
		}, ErrKeyServerInvalid},
		{"duplicate key server", func(c *Config) {
			c.KeyServers = []KeyServer{server("0x1"), server("0x1")}
			c.Threshold = 1
		}, ErrDuplicateKeyServer},
		{"threshold", func(c *Config) {
			c.KeyServers = []KeyServer{server("0x1"), server("0x2")}
			c.Threshold = 3
		}, ErrThresholdInvalid},
		{"fetch timeout", func(c *Config) { c.Fetch.Timeout = 0 }, ErrFetchTimeoutMissing},
		{"session ttl", func(c *Config) { c.Session.TTLMinutes = 31 }, ErrSessionTTLInvalid},
		{"session package", func(c *Config) { c.Session.PackageID = "0xq" }, ErrSessionPackageIDMalformed},
		{"timeout", func(c *Config) { c.Timeout = 0 }, ErrTimeoutMissing},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := GenerateConfig("")
			require.NoError(t, err)
			require.NoError(t, cfg.Validate())
			tc.mutate(cfg)
			assert.True(t, errors.Is(cfg.Validate(), tc.want), "got %v", cfg.Validate())
		})
	}

	t.Run("servers parse", func(t *testing.T) {
		cfg, err := GenerateConfig("")
		require.NoError(t, err)
		cfg.KeyServers = []KeyServer{server("0x1"), server("0x2")}
		cfg.Threshold = 2
		require.NoError(t, cfg.Validate())
		servers, err := cfg.Servers()
		require.NoError(t, err)
		require.Len(t, servers, 2)
		assert.Equal(t, "http://ks", servers[1].URL)
	})
}

func TestDaemonConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vesseld.yaml")
	generated, err := GenerateDaemonConfig(path)
	require.NoError(t, err)

	loaded, err := LoadDaemonConfig(path)
	require.NoError(t, err)
	assert.Equal(t, generated, loaded)
	assert.Len(t, loaded.KeyServers, 3)

	require.NoError(t, os.WriteFile(path, []byte("storageBinding: 127.0.0.1:1\nnodes: 2\nquorum: 3\nsystemPackage: \"0x2\"\n"), 0644))
	_, err = LoadDaemonConfig(path)
	assert.ErrorIs(t, err, ErrDaemonQuorumInvalid)

	require.NoError(t, os.WriteFile(path, []byte("storageBinding: 127.0.0.1:1\nnodes: 2\nquorum: 1\nsystemPackage: \"0x2\"\nallowlist: [\"zz\"]\n"), 0644))
	_, err = LoadDaemonConfig(path)
	assert.ErrorIs(t, err, ErrAllowlistInvalid)
}
