// Package client assembles the storage, session, key server and sealing
// components from a single configuration.
package client

import (
	"context"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/InsulaLabs/vessel/chain"
	"github.com/InsulaLabs/vessel/config"
	"github.com/InsulaLabs/vessel/keyserver"
	"github.com/InsulaLabs/vessel/models"
	"github.com/InsulaLabs/vessel/seal"
	"github.com/InsulaLabs/vessel/session"
	"github.com/InsulaLabs/vessel/storage"
	"github.com/InsulaLabs/vessel/storage/journal"
)

type Options struct {
	Logger *slog.Logger
	// Signer is the user's wallet. Without it the pipeline commit, the
	// lifecycle calls and session signing are unavailable.
	Signer chain.Signer
	// Executor defaults to the chain RPC at the configured chain url.
	Executor chain.Executor
	// Journal defaults to badger under JournalDir, or memory when unset.
	Journal    journal.Journal
	HTTPClient *http.Client
	Now        func() time.Time
}

type Client struct {
	cfg    *config.Config
	logger *slog.Logger
	signer chain.Signer

	publisher  *storage.Publisher
	reader     *storage.Reader
	committer  storage.Committer
	lifecycle  *storage.Lifecycle
	journal    journal.Journal
	rpc        *chain.RPC
	sessions   *session.Lifecycle
	store      *session.Store
	keyServers *keyserver.Client
	seal       *seal.Client

	// ownsJournal is set when New opened the journal itself.
	ownsJournal bool
}

func New(cfg *config.Config, opts Options) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.WithGroup("vessel")

	storageCfg := storage.Config{
		PublisherURL:  cfg.Publisher,
		AggregatorURL: cfg.Aggregator,
		Timeout:       cfg.Timeout,
		SkipVerify:    cfg.SkipVerify,
		MaxReadSize:   cfg.Storage.MaxReadSize,
		HTTPClient:    opts.HTTPClient,
		Logger:        opts.Logger,
	}
	publisher, err := storage.NewPublisher(storageCfg)
	if err != nil {
		return nil, err
	}
	reader, err := storage.NewReader(storageCfg)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:       cfg,
		logger:    logger,
		signer:    opts.Signer,
		publisher: publisher,
		reader:    reader,
	}

	executor := opts.Executor
	if executor == nil {
		c.rpc = chain.NewRPC(cfg.ChainURL(), cfg.Timeout, opts.Logger)
		executor = c.rpc
	}
	builder := chain.NewBuilder(cfg.SystemPackage())
	c.lifecycle = storage.NewLifecycle(builder, opts.Signer, executor, opts.Logger)

	switch cfg.CommitMode {
	case config.CommitModePublisher:
		c.committer = storage.NewPublisherCommitter(publisher, opts.Logger)
	case config.CommitModePipeline:
		if opts.Signer == nil {
			logger.Warn("No signer configured, pipeline commits are unavailable")
			break
		}
		j := opts.Journal
		owned := j == nil
		if owned {
			j, err = openJournal(cfg, opts.Logger)
			if err != nil {
				return nil, err
			}
			c.ownsJournal = true
		}
		c.journal = j
		c.committer, err = storage.NewPipeline(storage.PipelineConfig{
			Publisher: publisher,
			Builder:   builder,
			Signer:    opts.Signer,
			Executor:  executor,
			Journal:   j,
			Quorum:    cfg.Storage.Quorum,
			Logger:    opts.Logger,
		})
		if err != nil {
			if owned {
				j.Close()
			}
			return nil, err
		}
	}

	c.store = session.NewStore()
	c.sessions = session.New(session.Config{Store: c.store, Now: opts.Now, Logger: opts.Logger})
	c.keyServers = keyserver.NewClient(keyserver.Config{
		Timeout:       cfg.Fetch.Timeout,
		Retries:       cfg.Fetch.Retries,
		Backoff:       cfg.Fetch.Backoff,
		RatePerSecond: cfg.Fetch.RatePerSecond,
		Burst:         cfg.Fetch.Burst,
		HTTPClient:    opts.HTTPClient,
		Logger:        opts.Logger,
	})
	servers, err := cfg.Servers()
	if err != nil {
		c.Close()
		return nil, err
	}
	c.seal = seal.NewClient(seal.Config{
		KeyServers: c.keyServers,
		Sessions:   c.sessions,
		Registry:   servers,
		Logger:     opts.Logger,
	})

	logger.Debug("Client ready", "commit_mode", cfg.CommitMode, "key_servers", len(servers), "threshold", cfg.Threshold)
	return c, nil
}

func openJournal(cfg *config.Config, logger *slog.Logger) (journal.Journal, error) {
	if cfg.JournalDir == "" {
		return journal.NewMemory(), nil
	}
	return journal.NewBadger(journal.BadgerConfig{
		Logger:         logger,
		BadgerLogLevel: slog.LevelWarn,
		Directory:      filepath.Join(cfg.JournalDir, config.JournalDirName),
	})
}

// Close stops the session store and closes the journal if New opened it.
// A journal passed in through Options stays open.
func (c *Client) Close() error {
	if c.store != nil {
		c.store.Close()
	}
	if c.journal != nil && c.ownsJournal {
		return c.journal.Close()
	}
	return nil
}

func (c *Client) Config() *config.Config { return c.cfg }

func (c *Client) Sessions() *session.Lifecycle { return c.sessions }

func (c *Client) defaults(opts storage.StoreOptions) storage.StoreOptions {
	if opts.Epochs == 0 {
		opts.Epochs = c.cfg.Storage.DefaultEpochs
	}
	if !opts.Permanent && !opts.Deletable {
		opts.Deletable = c.cfg.Storage.Deletable
		opts.Permanent = !c.cfg.Storage.Deletable
	}
	return opts
}

// Store commits data with the configured commit variant.
func (c *Client) Store(ctx context.Context, data []byte, opts storage.StoreOptions) (*models.Blob, error) {
	if c.committer == nil {
		return nil, &models.UnsupportedOperationError{Op: "store", Reason: "pipeline commits need a signer"}
	}
	return c.committer.Commit(ctx, data, c.defaults(opts))
}

func (c *Client) StoreQuilt(ctx context.Context, files []storage.QuiltFile, opts storage.StoreOptions) (*models.Quilt, error) {
	return c.publisher.StoreQuilt(ctx, files, c.defaults(opts))
}

func (c *Client) Read(ctx context.Context, id models.BlobID) ([]byte, error) {
	return c.reader.Read(ctx, id)
}

func (c *Client) ReadQuiltFile(ctx context.Context, quilt models.BlobID, identifier string) ([]byte, error) {
	return c.reader.ReadQuiltFile(ctx, quilt, identifier)
}

func (c *Client) Status(ctx context.Context, id models.BlobID) (models.BlobStatus, error) {
	return c.reader.Status(ctx, id)
}

func (c *Client) Extend(ctx context.Context, blobObject models.ID, epochs uint32) (*chain.Effects, error) {
	return c.lifecycle.Extend(ctx, blobObject, epochs)
}

func (c *Client) Delete(ctx context.Context, blobObject models.ID) (*chain.Effects, error) {
	return c.lifecycle.Delete(ctx, blobObject)
}

// Pending lists interrupted pipeline commits.
func (c *Client) Pending() ([]*journal.Record, error) {
	if c.journal == nil {
		return nil, nil
	}
	recs, err := c.journal.List()
	if err != nil {
		return nil, err
	}
	out := recs[:0]
	for _, r := range recs {
		if r.Phase != models.PhaseCommitted {
			out = append(out, r)
		}
	}
	return out, nil
}

// Faucet asks the configured dev chain to fund the signer.
func (c *Client) Faucet(ctx context.Context, amount uint64) error {
	if c.rpc == nil || c.signer == nil {
		return &models.UnsupportedOperationError{Op: "faucet", Reason: "needs a signer and the chain rpc"}
	}
	return c.rpc.Faucet(ctx, c.signer.Address(), amount)
}

// Policy builds an encryption policy over the configured key servers.
func (c *Client) Policy(pkg models.ID, variant models.PolicyVariant, policyID models.ID) (*models.EncryptionPolicy, error) {
	servers, err := c.cfg.Servers()
	if err != nil {
		return nil, err
	}
	p := &models.EncryptionPolicy{
		Threshold: c.cfg.Threshold,
		PackageID: pkg,
		PolicyID:  policyID,
		Servers:   servers,
		Variant:   variant,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (c *Client) VerifyKeyServers(ctx context.Context) error {
	servers, err := c.cfg.Servers()
	if err != nil {
		return err
	}
	return c.keyServers.Verify(ctx, servers)
}

func (c *Client) Encrypt(ctx context.Context, data []byte, policy *models.EncryptionPolicy, opts seal.EncryptOptions) (*seal.EncryptResult, error) {
	return c.seal.Encrypt(ctx, data, policy, opts)
}

// Session returns the signer's active session key for pkg, creating and
// signing a new one when none is stored.
func (c *Client) Session(ctx context.Context, pkg models.ID) (*session.Key, error) {
	if c.signer == nil {
		return nil, &models.UnsupportedOperationError{Op: "session", Reason: "no signer configured"}
	}
	if k, ok := c.sessions.Active(pkg, c.signer.Address()); ok {
		return k, nil
	}
	k, err := c.sessions.Create(pkg, c.cfg.Session.TTLMinutes, c.signer.Address())
	if err != nil {
		return nil, err
	}
	if err := c.sessions.SignWith(ctx, k, c.signer); err != nil {
		return nil, err
	}
	return k, nil
}

// Decrypt opens object using the signer's session for the object's
// package. ptb is the policy check the key servers evaluate.
func (c *Client) Decrypt(ctx context.Context, object []byte, ptb []byte) ([]byte, error) {
	obj, err := seal.ParseEncryptedObject(object)
	if err != nil {
		return nil, err
	}
	sk, err := c.Session(ctx, obj.PackageID)
	if err != nil {
		return nil, err
	}
	return c.seal.Decrypt(ctx, object, sk, ptb)
}

// DecryptWithSession opens object with a caller managed session key.
func (c *Client) DecryptWithSession(ctx context.Context, object []byte, sk *session.Key, ptb []byte) ([]byte, error) {
	return c.seal.Decrypt(ctx, object, sk, ptb)
}

// PolicyCheck builds the payload that approves the object's policy id.
func PolicyCheck(object []byte, extra ...chain.Arg) ([]byte, error) {
	obj, err := seal.ParseEncryptedObject(object)
	if err != nil {
		return nil, err
	}
	return chain.PolicyCheck(obj.PackageID, obj.Variant, obj.PolicyID, extra...)
}
