package storage

import (
	"context"
	"log/slog"

	"github.com/InsulaLabs/vessel/chain"
	"github.com/InsulaLabs/vessel/models"
)

// Lifecycle covers the administrative blob calls that exist only on chain.
// Without a signer and executor there is no path for them and they fail
// with UnsupportedOperationError instead of being emulated over HTTP.
type Lifecycle struct {
	builder  *chain.Builder
	signer   chain.Signer
	executor chain.Executor
	logger   *slog.Logger
}

func NewLifecycle(builder *chain.Builder, signer chain.Signer, executor chain.Executor, logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{builder: builder, signer: signer, executor: executor, logger: logger.WithGroup("lifecycle")}
}

func (l *Lifecycle) capable(op string) error {
	if l.builder == nil || l.signer == nil || l.executor == nil {
		return &models.UnsupportedOperationError{Op: op, Reason: "no chain signing capability configured"}
	}
	return nil
}

func (l *Lifecycle) run(ctx context.Context, op string, tx []byte) (*chain.Effects, error) {
	sig, err := chain.SignTransaction(ctx, l.signer, tx)
	if err != nil {
		return nil, err
	}
	fx, err := l.executor.Execute(ctx, tx, sig)
	if err != nil {
		l.logger.Error("Lifecycle call failed", "op", op, "error", err)
		return nil, err
	}
	l.logger.Info("Lifecycle call executed", "op", op, "digest", fx.Digest)
	return fx, nil
}

// Extend adds epochs to a blob object's lifetime.
func (l *Lifecycle) Extend(ctx context.Context, blobObject models.ID, epochs uint32) (*chain.Effects, error) {
	if err := l.capable("extend"); err != nil {
		return nil, err
	}
	tx, err := l.builder.ExtendEpochs(l.signer.Address(), blobObject, epochs)
	if err != nil {
		return nil, err
	}
	return l.run(ctx, "extend", tx)
}

// Delete removes a deletable blob object.
func (l *Lifecycle) Delete(ctx context.Context, blobObject models.ID) (*chain.Effects, error) {
	if err := l.capable("delete"); err != nil {
		return nil, err
	}
	tx, err := l.builder.DeleteBlob(l.signer.Address(), blobObject)
	if err != nil {
		return nil, err
	}
	return l.run(ctx, "delete", tx)
}

// SystemInfo has no wire-protocol equivalent.
func (l *Lifecycle) SystemInfo(ctx context.Context) error {
	return &models.UnsupportedOperationError{Op: "info", Reason: "network-wide system info is only available to the operator CLI"}
}
