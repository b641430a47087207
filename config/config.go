package config

import (
	"errors"
	"os"
	"time"

	"github.com/InsulaLabs/vessel/models"
	pkgerrors "github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	CommitModePipeline  = "pipeline"
	CommitModePublisher = "publisher"

	JournalDirName = "journal"
)

type Storage struct {
	SystemPackage string `yaml:"systemPackage"`
	Quorum        int    `yaml:"quorum"`
	DefaultEpochs uint32 `yaml:"defaultEpochs"`
	Deletable     bool   `yaml:"deletable"`
	MaxReadSize   int64  `yaml:"maxReadSize,omitempty"`
}

type KeyServer struct {
	ObjectID  string `yaml:"objectId"`
	Name      string `yaml:"name,omitempty"`
	URL       string `yaml:"url"`
	PublicKey string `yaml:"publicKey"`
}

type Fetch struct {
	Timeout       time.Duration `yaml:"timeout"`
	Retries       int           `yaml:"retries"`
	Backoff       time.Duration `yaml:"backoff"`
	RatePerSecond float64       `yaml:"ratePerSecond"` // per key server, 0 = unlimited
	Burst         int           `yaml:"burst"`
}

type Session struct {
	TTLMinutes int    `yaml:"ttlMinutes"`
	PackageID  string `yaml:"packageId,omitempty"`
}

type Wallet struct {
	KeyFile string `yaml:"keyFile,omitempty"`
}

type Config struct {
	Publisher  string        `yaml:"publisher"`
	Aggregator string        `yaml:"aggregator"`
	Chain      string        `yaml:"chain,omitempty"` // defaults to the publisher
	CommitMode string        `yaml:"commitMode"`
	Storage    Storage       `yaml:"storage"`
	KeyServers []KeyServer   `yaml:"keyServers"`
	Threshold  int           `yaml:"threshold"`
	Fetch      Fetch         `yaml:"fetch"`
	Session    Session       `yaml:"session"`
	JournalDir string        `yaml:"journalDir,omitempty"` // empty keeps the journal in memory
	Timeout    time.Duration `yaml:"timeout"`
	SkipVerify bool          `yaml:"skipVerify"`
	Wallet     Wallet        `yaml:"wallet"`
}

var (
	ErrConfigFileUnreadable      = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable  = errors.New("config file is unmarshallable")
	ErrPublisherMissing          = errors.New("publisher url is missing in config")
	ErrAggregatorMissing         = errors.New("aggregator url is missing in config")
	ErrCommitModeInvalid         = errors.New("commitMode must be either pipeline or publisher")
	ErrSystemPackageMissing      = errors.New("storage.systemPackage is missing or malformed in config")
	ErrQuorumMissing             = errors.New("storage.quorum must be at least 1")
	ErrDefaultEpochsMissing      = errors.New("storage.defaultEpochs must be at least 1")
	ErrKeyServerInvalid          = errors.New("keyServers entries need objectId, url and a 32 byte publicKey")
	ErrDuplicateKeyServer        = errors.New("duplicate key server objectId in config")
	ErrThresholdInvalid          = errors.New("threshold must be between 1 and the number of key servers")
	ErrFetchTimeoutMissing       = errors.New("fetch.timeout is missing in config")
	ErrSessionTTLInvalid         = errors.New("session.ttlMinutes must be between 1 and 30")
	ErrSessionPackageIDMalformed = errors.New("session.packageId is malformed")
	ErrTimeoutMissing            = errors.New("timeout is missing in config")
)

func LoadConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, ErrConfigFileUnreadable
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, pkgerrors.Wrap(ErrConfigFileUnmarshallable, err.Error())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) Validate() error {
	if cfg.Publisher == "" {
		return ErrPublisherMissing
	}
	if cfg.Aggregator == "" {
		return ErrAggregatorMissing
	}
	if cfg.CommitMode != CommitModePipeline && cfg.CommitMode != CommitModePublisher {
		return ErrCommitModeInvalid
	}
	if _, err := models.ParseID(cfg.Storage.SystemPackage); err != nil {
		return ErrSystemPackageMissing
	}
	if cfg.Storage.Quorum < 1 {
		return ErrQuorumMissing
	}
	if cfg.Storage.DefaultEpochs < 1 {
		return ErrDefaultEpochsMissing
	}

	if _, err := cfg.Servers(); err != nil {
		return err
	}
	if len(cfg.KeyServers) > 0 && (cfg.Threshold < 1 || cfg.Threshold > len(cfg.KeyServers)) {
		return ErrThresholdInvalid
	}
	if cfg.Fetch.Timeout == 0 {
		return ErrFetchTimeoutMissing
	}
	if cfg.Session.TTLMinutes < 1 || cfg.Session.TTLMinutes > 30 {
		return ErrSessionTTLInvalid
	}
	if cfg.Session.PackageID != "" {
		if _, err := models.ParseID(cfg.Session.PackageID); err != nil {
			return ErrSessionPackageIDMalformed
		}
	}
	if cfg.Timeout == 0 {
		return ErrTimeoutMissing
	}
	return nil
}

// Servers parses the configured key servers.
func (cfg *Config) Servers() ([]models.KeyServer, error) {
	out := make([]models.KeyServer, 0, len(cfg.KeyServers))
	seen := make(map[models.ID]bool, len(cfg.KeyServers))
	for _, ks := range cfg.KeyServers {
		id, err := models.ParseID(ks.ObjectID)
		if err != nil || ks.URL == "" {
			return nil, ErrKeyServerInvalid
		}
		pk, err := models.ParsePublicKey(ks.PublicKey)
		if err != nil {
			return nil, ErrKeyServerInvalid
		}
		if seen[id] {
			return nil, ErrDuplicateKeyServer
		}
		seen[id] = true
		out = append(out, models.KeyServer{ObjectID: id, Name: ks.Name, URL: ks.URL, PublicKey: pk})
	}
	return out, nil
}

// ChainURL is the node the pipeline committer submits transactions to.
func (cfg *Config) ChainURL() string {
	if cfg.Chain != "" {
		return cfg.Chain
	}
	return cfg.Publisher
}

func (cfg *Config) SessionPackage() (models.ID, bool) {
	if cfg.Session.PackageID == "" {
		return models.ID{}, false
	}
	id, err := models.ParseID(cfg.Session.PackageID)
	return id, err == nil
}

func (cfg *Config) SystemPackage() models.ID {
	id, _ := models.ParseID(cfg.Storage.SystemPackage)
	return id
}

func GenerateConfig(configFile string) (*Config, error) {
	cfg := Config{
		Publisher:  "http://127.0.0.1:31001",
		Aggregator: "http://127.0.0.1:31001",
		Chain:      "http://127.0.0.1:31001",
		CommitMode: CommitModePipeline,
		Storage: Storage{
			SystemPackage: "0x2",
			Quorum:        3,
			DefaultEpochs: 1,
			Deletable:     true,
		},
		KeyServers: []KeyServer{},
		Threshold:  0,
		Fetch: Fetch{
			Timeout: 10 * time.Second,
			Retries: 2,
			Backoff: 200 * time.Millisecond,
			Burst:   4,
		},
		Session: Session{
			TTLMinutes: 10,
		},
		JournalDir: "data",
		Timeout:    30 * time.Second,
		Wallet: Wallet{
			KeyFile: "wallet.key",
		},
	}

	if configFile != "" {
		data, err := yaml.Marshal(&cfg)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "marshal config")
		}
		if err := os.WriteFile(configFile, data, 0644); err != nil {
			return nil, pkgerrors.Wrap(err, "write config")
		}
	}
	return &cfg, nil
}

// Daemon configures the development daemon.
type Daemon struct {
	StorageBinding string        `yaml:"storageBinding"`
	KeyServers     []DaemonKey   `yaml:"keyServers"`
	Nodes          int           `yaml:"nodes"`
	Quorum         int           `yaml:"quorum"`
	SystemPackage  string        `yaml:"systemPackage"`
	PricePerUnit   uint64        `yaml:"pricePerUnit"`
	Epoch          uint32        `yaml:"epoch"`
	ShutdownGrace  time.Duration `yaml:"shutdownGrace"`
	// PolicyPackage hosts the private_data and allowlist seal_approve
	// modules served by the dev ledger.
	PolicyPackage string   `yaml:"policyPackage"`
	Allowlist     []string `yaml:"allowlist,omitempty"`
	// Faucet funds addresses on request. Only for local use.
	Faucet uint64 `yaml:"faucet"`
}

type DaemonKey struct {
	Name          string  `yaml:"name"`
	Binding       string  `yaml:"binding"`
	ObjectID      string  `yaml:"objectId"`
	MasterKey     string  `yaml:"masterKey,omitempty"` // hex, generated when empty
	RatePerSecond float64 `yaml:"ratePerSecond,omitempty"`
}

var (
	ErrStorageBindingMissing = errors.New("storageBinding is missing in daemon config")
	ErrNodesMissing          = errors.New("nodes must be at least 1 in daemon config")
	ErrDaemonQuorumInvalid   = errors.New("quorum must be between 1 and nodes in daemon config")
	ErrDaemonKeyInvalid      = errors.New("keyServers entries need a binding and an objectId")
	ErrPolicyPackageInvalid  = errors.New("policyPackage is malformed in daemon config")
	ErrAllowlistInvalid      = errors.New("allowlist entries must be addresses")
)

func LoadDaemonConfig(configFile string) (*Daemon, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, ErrConfigFileUnreadable
	}
	var cfg Daemon
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, pkgerrors.Wrap(ErrConfigFileUnmarshallable, err.Error())
	}
	if cfg.StorageBinding == "" {
		return nil, ErrStorageBindingMissing
	}
	if cfg.Nodes < 1 {
		return nil, ErrNodesMissing
	}
	if cfg.Quorum < 1 || cfg.Quorum > cfg.Nodes {
		return nil, ErrDaemonQuorumInvalid
	}
	if _, err := models.ParseID(cfg.SystemPackage); err != nil {
		return nil, ErrSystemPackageMissing
	}
	if cfg.PolicyPackage != "" {
		if _, err := models.ParseID(cfg.PolicyPackage); err != nil {
			return nil, ErrPolicyPackageInvalid
		}
	}
	for _, a := range cfg.Allowlist {
		if _, err := models.ParseAddress(a); err != nil {
			return nil, ErrAllowlistInvalid
		}
	}
	for _, k := range cfg.KeyServers {
		if k.Binding == "" {
			return nil, ErrDaemonKeyInvalid
		}
		if _, err := models.ParseID(k.ObjectID); err != nil {
			return nil, ErrDaemonKeyInvalid
		}
	}
	if cfg.ShutdownGrace == 0 {
		cfg.ShutdownGrace = 5 * time.Second
	}
	return &cfg, nil
}

func GenerateDaemonConfig(configFile string) (*Daemon, error) {
	cfg := Daemon{
		StorageBinding: "127.0.0.1:31001",
		KeyServers: []DaemonKey{
			{Name: "ks-0", Binding: "127.0.0.1:31100", ObjectID: "0x100"},
			{Name: "ks-1", Binding: "127.0.0.1:31101", ObjectID: "0x101"},
			{Name: "ks-2", Binding: "127.0.0.1:31102", ObjectID: "0x102"},
		},
		Nodes:         4,
		Quorum:        3,
		SystemPackage: "0x2",
		PricePerUnit:  1,
		Epoch:         1,
		ShutdownGrace: 5 * time.Second,
		PolicyPackage: "0xc0de",
		Faucet:        1 << 40,
	}
	if configFile != "" {
		data, err := yaml.Marshal(&cfg)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "marshal daemon config")
		}
		if err := os.WriteFile(configFile, data, 0644); err != nil {
			return nil, pkgerrors.Wrap(err, "write daemon config")
		}
	}
	return &cfg, nil
}
