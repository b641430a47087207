package chain

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/InsulaLabs/vessel/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	PathExecute = "/v1/chain/execute"
	PathDryRun  = "/v1/chain/dry_run"
	PathFaucet  = "/v1/chain/faucet"
)

type ExecuteRequest struct {
	Tx        string `json:"tx"`
	Signature string `json:"signature"`
}

type DryRunRequest struct {
	Tx     string         `json:"tx"`
	Sender models.Address `json:"sender"`
}

type FaucetRequest struct {
	Address models.Address `json:"address"`
	Amount  uint64         `json:"amount"`
}

// CallErrorResponse carries a ChainCallError across HTTP.
type CallErrorResponse struct {
	Kind    models.ChainErrorKind `json:"kind,omitempty"`
	Call    string                `json:"call,omitempty"`
	Abort   string                `json:"abort,omitempty"`
	Message string                `json:"message"`
}

// RPC is an Executor and DryRunner backed by a node's HTTP endpoint.
type RPC struct {
	base   string
	http   *http.Client
	logger *slog.Logger
}

var (
	_ Executor  = (*RPC)(nil)
	_ DryRunner = (*RPC)(nil)
)

func NewRPC(baseURL string, timeout time.Duration, logger *slog.Logger) *RPC {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RPC{
		base:   strings.TrimRight(baseURL, "/"),
		http:   &http.Client{Timeout: timeout},
		logger: logger.WithGroup("rpc"),
	}
}

func (r *RPC) post(ctx context.Context, path string, body any) (*http.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "encode rpc request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.base+path, bytes.NewReader(raw))
	if err != nil {
		return nil, &models.ValidationError{Field: "chain url", Reason: r.base, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Request-Id", uuid.New().String())
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, &models.NetworkError{Op: path, URL: req.URL.String(), Err: err}
	}
	return resp, nil
}

func decodeCallError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var ce CallErrorResponse
	if err := json.Unmarshal(raw, &ce); err == nil && ce.Kind != "" {
		return &models.ChainCallError{Kind: ce.Kind, Call: ce.Call, Abort: ce.Abort}
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return &models.NetworkError{Op: "chain", URL: resp.Request.URL.String(), Status: resp.StatusCode, Err: fmt.Errorf("%s", strings.TrimSpace(string(raw)))}
	}
	msg := ce.Message
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	return &models.ValidationError{Field: "chain request", Reason: msg}
}

func (r *RPC) Execute(ctx context.Context, tx []byte, sig models.Signature) (*Effects, error) {
	resp, err := r.post(ctx, PathExecute, ExecuteRequest{
		Tx:        base64.StdEncoding.EncodeToString(tx),
		Signature: sig.String(),
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, decodeCallError(resp)
	}
	var fx Effects
	if err := json.NewDecoder(resp.Body).Decode(&fx); err != nil {
		return nil, &models.ValidationError{Field: "effects", Reason: "undecodable", Err: err}
	}
	r.logger.Debug("Transaction executed", "digest", fx.Digest)
	return &fx, nil
}

func (r *RPC) DryRun(ctx context.Context, tx []byte, sender models.Address) error {
	resp, err := r.post(ctx, PathDryRun, DryRunRequest{Tx: base64.StdEncoding.EncodeToString(tx), Sender: sender})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return decodeCallError(resp)
	}
	return nil
}

// Faucet asks a development node to fund addr.
func (r *RPC) Faucet(ctx context.Context, addr models.Address, amount uint64) error {
	resp, err := r.post(ctx, PathFaucet, FaucetRequest{Address: addr, Amount: amount})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return decodeCallError(resp)
	}
	return nil
}
