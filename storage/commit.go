package storage

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/InsulaLabs/vessel/chain"
	"github.com/InsulaLabs/vessel/models"
	"github.com/InsulaLabs/vessel/storage/journal"
	"golang.org/x/crypto/blake2b"
)

/*
	Two commit variants exist and they are alternates, never fallbacks:

	  Pipeline   reserve -> upload -> register -> certify, each chain call
	             signed locally and submitted through an Executor.
	  Publisher  a single PUT /v1/blobs; the publisher does all chain work.

	Which one a deployment uses is a configuration decision.
*/

type CommitOptions = StoreOptions

// Committer stores a payload and returns the certified blob.
type Committer interface {
	Commit(ctx context.Context, data []byte, opts CommitOptions) (*models.Blob, error)
}

// BlobIDFor derives the content id of a payload.
func BlobIDFor(data []byte) models.BlobID {
	return models.BlobID(blake2b.Sum256(data))
}

// PublisherCommitter is the single-PUT variant.
type PublisherCommitter struct {
	publisher *Publisher
	logger    *slog.Logger
}

var _ Committer = (*PublisherCommitter)(nil)

func NewPublisherCommitter(p *Publisher, logger *slog.Logger) *PublisherCommitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &PublisherCommitter{publisher: p, logger: logger.WithGroup("commit")}
}

func (c *PublisherCommitter) Commit(ctx context.Context, data []byte, opts CommitOptions) (*models.Blob, error) {
	id := BlobIDFor(data)
	if len(data) == 0 {
		return nil, &models.CommitError{Phase: models.PhaseUploading, BlobID: id, Err: &models.ValidationError{Field: "data", Reason: "empty payload"}}
	}
	out, err := c.publisher.StoreBlob(ctx, data, opts)
	if err != nil {
		return nil, &models.CommitError{Phase: models.PhaseUploading, BlobID: id, Err: err}
	}
	blob := out.Blob()
	if blob.Epochs == 0 {
		blob.Epochs = opts.Epochs
	}
	return &blob, nil
}

type PipelineConfig struct {
	Publisher *Publisher
	Builder   *chain.Builder
	Signer    chain.Signer
	Executor  chain.Executor
	Journal   journal.Journal
	Quorum    int
	Logger    *slog.Logger
}

// Pipeline is the explicit reserve/upload/register/certify variant.
type Pipeline struct {
	publisher *Publisher
	builder   *chain.Builder
	signer    chain.Signer
	executor  chain.Executor
	journal   journal.Journal
	quorum    int
	logger    *slog.Logger

	mu    sync.Mutex
	locks map[models.BlobID]*blobLock
}

// blobLock serializes runs for one blob id. refs counts holders and
// waiters; the entry is dropped when it reaches zero.
type blobLock struct {
	ch   chan struct{}
	refs int
}

var _ Committer = (*Pipeline)(nil)

func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Publisher == nil || cfg.Builder == nil {
		return nil, &models.ValidationError{Field: "pipeline", Reason: "publisher and builder are required"}
	}
	if cfg.Signer == nil || cfg.Executor == nil {
		return nil, &models.UnsupportedOperationError{Op: "commit pipeline", Reason: "no chain signing capability configured"}
	}
	if cfg.Quorum < 1 {
		return nil, &models.ValidationError{Field: "quorum", Reason: "must be at least 1"}
	}
	if cfg.Journal == nil {
		cfg.Journal = journal.NewMemory()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{
		publisher: cfg.Publisher,
		builder:   cfg.Builder,
		signer:    cfg.Signer,
		executor:  cfg.Executor,
		journal:   cfg.Journal,
		quorum:    cfg.Quorum,
		logger:    cfg.Logger.WithGroup("pipeline"),
		locks:     make(map[models.BlobID]*blobLock),
	}, nil
}

func (p *Pipeline) lock(ctx context.Context, id models.BlobID) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	l, ok := p.locks[id]
	if !ok {
		l = &blobLock{ch: make(chan struct{}, 1)}
		p.locks[id] = l
	}
	l.refs++
	p.mu.Unlock()

	release := func() {
		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.locks, id)
		}
		p.mu.Unlock()
	}
	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			release()
		}, nil
	case <-ctx.Done():
		release()
		return nil, ctx.Err()
	}
}

// Commit runs every remaining phase for data in order. A previous
// attempt for the same payload is resumed from its journal record.
// Concurrent commits of the same payload run one after the other, so the
// second finds the first's record instead of buying storage again.
// Callers driving a Commit handle directly serialize it themselves.
func (p *Pipeline) Commit(ctx context.Context, data []byte, opts CommitOptions) (*models.Blob, error) {
	id := BlobIDFor(data)
	unlock, err := p.lock(ctx, id)
	if err != nil {
		return nil, &models.CommitError{Phase: models.PhaseReserving, BlobID: id, Err: err}
	}
	defer unlock()

	c, err := p.Begin(data, opts)
	if err != nil {
		return nil, err
	}
	steps := []struct {
		phase models.CommitPhase
		run   func(context.Context) error
	}{
		{models.PhaseReserving, c.Reserve},
		{models.PhaseUploading, c.Upload},
		{models.PhaseRegistering, c.Register},
		{models.PhaseCertifying, c.Certify},
	}
	for _, s := range steps {
		if c.Next() > s.phase {
			continue
		}
		if err := s.run(ctx); err != nil {
			return nil, err
		}
	}
	return c.Blob(), nil
}

// Commit is the handle of one pipeline run. It exposes each phase so a
// caller can drive, inspect and resume the state machine itself.
type Commit struct {
	p    *Pipeline
	data []byte
	rec  *journal.Record
}

// Begin loads or creates the journal record for data.
func (p *Pipeline) Begin(data []byte, opts CommitOptions) (*Commit, error) {
	id := BlobIDFor(data)
	if len(data) == 0 {
		return nil, &models.CommitError{Phase: models.PhaseReserving, BlobID: id, Err: &models.ValidationError{Field: "data", Reason: "empty payload"}}
	}
	if _, err := opts.query(); err != nil {
		return nil, &models.CommitError{Phase: models.PhaseReserving, BlobID: id, Err: err}
	}

	rec, err := p.journal.Load(id)
	var nf *journal.ErrRecordNotFound
	switch {
	case errors.As(err, &nf):
		rec = &journal.Record{
			BlobID:    id,
			Phase:     models.PhaseReserving,
			Size:      uint64(len(data)),
			Epochs:    opts.Epochs,
			Permanent: !opts.Deletable,
			Deletable: opts.Deletable,
			Owner:     p.signer.Address(),
		}
	case err != nil:
		return nil, &models.CommitError{Phase: models.PhaseReserving, BlobID: id, Err: err}
	default:
		p.logger.Info("Resuming commit", "blob_id", id.String(), "phase", rec.Phase.String(), "next", next(rec).String())
		if rec.Epochs != opts.Epochs {
			p.logger.Warn("Resumed commit keeps its original epochs", "blob_id", id.String(), "recorded", rec.Epochs, "requested", opts.Epochs)
		}
	}
	return &Commit{p: p, data: data, rec: rec}, nil
}

func next(rec *journal.Record) models.CommitPhase {
	switch {
	case rec.Reservation == nil:
		return models.PhaseReserving
	case rec.Certificate == nil:
		return models.PhaseUploading
	case rec.BlobObject.IsZero():
		return models.PhaseRegistering
	case rec.Phase != models.PhaseCommitted:
		return models.PhaseCertifying
	default:
		return models.PhaseCommitted
	}
}

func (c *Commit) BlobID() models.BlobID { return c.rec.BlobID }

// Phase is the recorded state, Aborted included.
func (c *Commit) Phase() models.CommitPhase { return c.rec.Phase }

// Next is the first phase that has not completed.
func (c *Commit) Next() models.CommitPhase { return next(c.rec) }

// Record returns a snapshot of the journal record.
func (c *Commit) Record() journal.Record { return *c.rec }

// Blob is nil until the commit reached Committed.
func (c *Commit) Blob() *models.Blob {
	if c.rec.Phase != models.PhaseCommitted {
		return nil
	}
	var cost uint64
	if c.rec.Reservation != nil {
		cost = c.rec.Reservation.Cost
	}
	return &models.Blob{
		ID:        c.rec.BlobID,
		ObjectID:  c.rec.BlobObject,
		Size:      c.rec.Size,
		Epochs:    c.rec.Epochs,
		Permanent: c.rec.Permanent,
		Deletable: c.rec.Deletable,
		Owner:     c.rec.Owner,
		Cost:      cost,
	}
}

func (c *Commit) fail(phase models.CommitPhase, err error) error {
	c.rec.Phase = models.PhaseAborted
	c.rec.FailedAt = phase
	c.rec.LastError = err.Error()
	if saveErr := c.p.journal.Save(c.rec); saveErr != nil {
		c.p.logger.Error("Failed to journal aborted commit", "blob_id", c.rec.BlobID.String(), "error", saveErr)
	}
	c.p.logger.Error("Commit aborted", "blob_id", c.rec.BlobID.String(), "phase", phase.String(), "error", err)
	return c.violation(phase, err)
}

// violation reports an error without touching the journal.
func (c *Commit) violation(phase models.CommitPhase, err error) error {
	return &models.CommitError{Phase: phase, BlobID: c.rec.BlobID, Reservation: c.rec.Reservation, Err: err}
}

func (c *Commit) advance(phase models.CommitPhase) error {
	c.rec.Phase = phase
	c.rec.LastError = ""
	if err := c.p.journal.Save(c.rec); err != nil {
		return c.violation(phase, err)
	}
	c.p.logger.Info("Commit phase complete", "blob_id", c.rec.BlobID.String(), "now", phase.String())
	return nil
}

func (c *Commit) execute(ctx context.Context, tx []byte) (*chain.Effects, error) {
	sig, err := chain.SignTransaction(ctx, c.p.signer, tx)
	if err != nil {
		return nil, err
	}
	return c.p.executor.Execute(ctx, tx, sig)
}

// Reserve buys size x epochs of storage. Never repeated once it succeeded
// for this blob id.
func (c *Commit) Reserve(ctx context.Context) error {
	if c.rec.Reservation != nil {
		return nil
	}
	tx, err := c.p.builder.Purchase(c.rec.Owner, c.rec.Epochs, c.rec.Size)
	if err != nil {
		return c.violation(models.PhaseReserving, err)
	}
	fx, err := c.execute(ctx, tx)
	if err != nil {
		return c.fail(models.PhaseReserving, err)
	}
	var ev chain.PurchasedEvent
	if err := fx.Event(chain.EventPurchased, &ev); err != nil {
		return c.fail(models.PhaseReserving, &models.ChainCallError{Kind: models.ChainAborted, Call: chain.FnPurchase, Err: err})
	}
	c.rec.Reservation = &models.StorageReservation{
		ObjectID: ev.Reservation,
		Epochs:   ev.Epochs,
		Size:     ev.Size,
		Cost:     ev.Cost,
	}
	return c.advance(models.PhaseUploading)
}

// Upload hands the bytes to the storage nodes and keeps the certificate
// only if it carries a signature quorum.
func (c *Commit) Upload(ctx context.Context) error {
	if c.rec.Certificate != nil {
		return nil
	}
	if c.rec.Reservation == nil {
		return c.violation(models.PhaseUploading, &models.ValidationError{Field: "phase", Reason: "upload before reserve"})
	}
	cert, err := c.p.publisher.Upload(ctx, c.rec.BlobID, c.data)
	if err != nil {
		return c.fail(models.PhaseUploading, err)
	}
	if err := cert.Check(c.p.quorum); err != nil {
		return c.fail(models.PhaseUploading, err)
	}
	c.rec.Certificate = cert
	return c.advance(models.PhaseRegistering)
}

// Register binds the blob id to the reservation on chain.
func (c *Commit) Register(ctx context.Context) error {
	if !c.rec.BlobObject.IsZero() {
		return nil
	}
	if c.rec.Reservation == nil || c.rec.Certificate == nil {
		return c.violation(models.PhaseRegistering, &models.ValidationError{Field: "phase", Reason: "register before reserve and upload"})
	}
	tx, err := c.p.builder.Register(c.rec.Owner, c.rec.BlobID, c.rec.Reservation.ObjectID, c.rec.Deletable)
	if err != nil {
		return c.violation(models.PhaseRegistering, err)
	}
	fx, err := c.execute(ctx, tx)
	if err != nil {
		return c.fail(models.PhaseRegistering, err)
	}
	obj, ok := fx.CreatedOf(chain.ObjectTypeBlob)
	if !ok {
		return c.fail(models.PhaseRegistering, &models.ChainCallError{Kind: models.ChainAborted, Call: chain.FnRegister, Abort: "no blob object created"})
	}
	c.rec.BlobObject = obj
	var ev chain.BlobEvent
	if err := fx.Event(chain.EventRegistered, &ev); err == nil {
		c.rec.Deletable = ev.Deletable
		c.rec.Permanent = !ev.Deletable
	}
	return c.advance(models.PhaseCertifying)
}

// Certify submits the availability certificate. It refuses to run unless
// register has produced a blob object: certifying first is a protocol
// violation, not a retryable error.
func (c *Commit) Certify(ctx context.Context) error {
	if c.rec.Phase == models.PhaseCommitted {
		return nil
	}
	if c.rec.BlobObject.IsZero() {
		return c.violation(models.PhaseCertifying, &models.ValidationError{
			Field:  "phase",
			Reason: "no blob object id",
			Err:    models.ErrCertifyBeforeRegister,
		})
	}
	if err := c.rec.Certificate.Check(c.p.quorum); err != nil {
		return c.violation(models.PhaseCertifying, &models.ValidationError{Field: "certificate", Reason: "below quorum", Err: err})
	}
	tx, err := c.p.builder.Certify(c.rec.Owner, c.rec.Certificate)
	if err != nil {
		return c.violation(models.PhaseCertifying, err)
	}
	if _, err := c.execute(ctx, tx); err != nil {
		return c.fail(models.PhaseCertifying, err)
	}
	return c.advance(models.PhaseCommitted)
}
