// Package devnet serves the publisher, upload relay and aggregator HTTP
// surfaces over an in-memory ledger and a committee of local storage
// node keys.
package devnet

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"sync"

	"github.com/InsulaLabs/vessel/chain"
	"github.com/InsulaLabs/vessel/chain/memchain"
	"github.com/InsulaLabs/vessel/models"
	"golang.org/x/crypto/blake2b"
)

const (
	DefaultMaxBlobSize = 32 << 20
	publisherFunds     = 1 << 60
)

type Config struct {
	Ledger      *memchain.Ledger
	Builder     *chain.Builder
	Nodes       int
	MaxBlobSize int64
	// Faucet caps chain faucet grants. Zero disables the route.
	Faucet uint64
	Logger *slog.Logger
}

type node struct {
	addr models.Address
	priv ed25519.PrivateKey
}

type quilt struct {
	files map[string][]byte
	order []string
}

type Network struct {
	logger  *slog.Logger
	ledger  *memchain.Ledger
	builder *chain.Builder
	wallet  *chain.Ed25519Wallet
	nodes   []node
	maxBlob int64
	faucet  uint64

	mu      sync.RWMutex
	blobs   map[models.BlobID][]byte
	quilts  map[models.BlobID]*quilt
	signers int
	uploads int
}

func New(cfg Config) (*Network, error) {
	if cfg.Ledger == nil || cfg.Builder == nil {
		return nil, fmt.Errorf("devnet needs a ledger and a builder")
	}
	if cfg.Nodes <= 0 {
		cfg.Nodes = 4
	}
	if cfg.MaxBlobSize <= 0 {
		cfg.MaxBlobSize = DefaultMaxBlobSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	wallet, err := chain.NewEd25519Wallet(nil)
	if err != nil {
		return nil, err
	}
	cfg.Ledger.Fund(wallet.Address(), publisherFunds)

	n := &Network{
		logger:  cfg.Logger.WithGroup("devnet"),
		ledger:  cfg.Ledger,
		builder: cfg.Builder,
		wallet:  wallet,
		maxBlob: cfg.MaxBlobSize,
		faucet:  cfg.Faucet,
		blobs:   make(map[models.BlobID][]byte),
		quilts:  make(map[models.BlobID]*quilt),
		signers: cfg.Nodes,
	}
	for i := 0; i < cfg.Nodes; i++ {
		pub, priv, err := ed25519.GenerateKey(nil)
		if err != nil {
			return nil, err
		}
		addr := chain.AddressFromPublicKey(models.SchemeEd25519, pub)
		cfg.Ledger.AddCommitteeMember(addr, pub)
		n.nodes = append(n.nodes, node{addr: addr, priv: priv})
	}
	return n, nil
}

// SetSigners limits how many storage nodes sign upload certificates.
func (n *Network) SetSigners(k int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.signers = k
}

// Uploads counts accepted relay uploads.
func (n *Network) Uploads() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.uploads
}

func (n *Network) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/blob-upload-relay", n.uploadRelayHandler)
	mux.HandleFunc("PUT /v1/blobs", n.storeBlobHandler)
	mux.HandleFunc("PUT /v1/quilts", n.storeQuiltHandler)
	mux.HandleFunc("GET /v1/blobs/{blobId}", n.readBlobHandler)
	mux.HandleFunc("GET /v1/blobs/by-quilt-id/{quiltId}/{identifier}", n.readQuiltHandler)
	mux.Handle("/v1/chain/", n.ledger.Handler(n.faucet))
	return mux
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]any{"error": map[string]any{"code": status, "status": http.StatusText(status), "message": msg}}
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (n *Network) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	data, err := io.ReadAll(io.LimitReader(r.Body, n.maxBlob+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return nil, false
	}
	if int64(len(data)) > n.maxBlob {
		writeError(w, http.StatusRequestEntityTooLarge, "blob too large")
		return nil, false
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "empty blob")
		return nil, false
	}
	return data, true
}

func (n *Network) certificate(blob models.BlobID) map[string]any {
	n.mu.RLock()
	k := n.signers
	n.mu.RUnlock()
	if k > len(n.nodes) {
		k = len(n.nodes)
	}
	epoch := n.ledger.Epoch()
	msg := models.CertificateMessage(blob, epoch)
	nodes := make([]models.Address, 0, k)
	sigs := make([]string, 0, k)
	for _, nd := range n.nodes[:k] {
		nodes = append(nodes, nd.addr)
		sigs = append(sigs, base64.StdEncoding.EncodeToString(ed25519.Sign(nd.priv, msg)))
	}
	return map[string]any{"epoch": epoch, "nodes": nodes, "signatures": sigs}
}

func (n *Network) certificateFor(blob models.BlobID) *models.AvailabilityCertificate {
	epoch := n.ledger.Epoch()
	msg := models.CertificateMessage(blob, epoch)
	cert := &models.AvailabilityCertificate{BlobID: blob, Epoch: epoch}
	for _, nd := range n.nodes {
		cert.Nodes = append(cert.Nodes, nd.addr)
		cert.Signatures = append(cert.Signatures, ed25519.Sign(nd.priv, msg))
	}
	return cert
}

func (n *Network) uploadRelayHandler(w http.ResponseWriter, r *http.Request) {
	blob, err := models.ParseBlobID(r.URL.Query().Get("blob_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	data, ok := n.readBody(w, r)
	if !ok {
		return
	}
	if models.BlobID(blake2b.Sum256(data)) != blob {
		writeError(w, http.StatusBadRequest, "blob id does not match content")
		return
	}
	n.mu.Lock()
	n.blobs[blob] = data
	n.uploads++
	n.mu.Unlock()

	n.logger.Debug("relay upload accepted", "blob_id", blob.String(), "size", len(data))
	writeJSON(w, map[string]any{
		"blob_id":     blob,
		"certificate": n.certificate(blob),
	})
}

func parseStoreQuery(r *http.Request) (uint32, bool, error) {
	q := r.URL.Query()
	epochs, err := strconv.ParseUint(q.Get("epochs"), 10, 32)
	if err != nil || epochs == 0 {
		return 0, false, fmt.Errorf("epochs must be a positive integer")
	}
	return uint32(epochs), q.Get("deletable") == "true", nil
}

func (n *Network) exec(ctx context.Context, tx []byte, err error) (*chain.Effects, error) {
	if err != nil {
		return nil, err
	}
	sig, err := chain.SignTransaction(ctx, n.wallet, tx)
	if err != nil {
		return nil, err
	}
	return n.ledger.Execute(ctx, tx, sig)
}

// commitOnChain runs purchase, register and certify with the publisher's
// own wallet. It returns the response body for newlyCreated/alreadyCertified.
func (n *Network) commitOnChain(ctx context.Context, blob models.BlobID, size uint64, epochs uint32, deletable bool) (map[string]any, error) {
	wireObject := func(obj models.BlobObject, start, end uint32) map[string]any {
		return map[string]any{
			"id":              obj.ID,
			"blobId":          obj.BlobID,
			"size":            size,
			"registeredEpoch": start,
			"certifiedEpoch":  start,
			"deletable":       obj.Deletable,
			"storage": map[string]any{
				"id":          obj.Reservation,
				"startEpoch":  start,
				"endEpoch":    end,
				"storageSize": size,
			},
		}
	}

	if obj, ok := n.ledger.CertifiedObject(blob); ok {
		return map[string]any{"alreadyCertified": map[string]any{
			"blobObject": wireObject(obj, n.ledger.Epoch(), n.ledger.Epoch()+epochs),
			"blobId":     blob,
			"cost":       0,
			"endEpoch":   n.ledger.Epoch() + epochs,
		}}, nil
	}

	sender := n.wallet.Address()
	tx, err := n.builder.Purchase(sender, epochs, size)
	fx, err := n.exec(ctx, tx, err)
	if err != nil {
		return nil, err
	}
	var purchased chain.PurchasedEvent
	if err := fx.Event(chain.EventPurchased, &purchased); err != nil {
		return nil, err
	}
	tx, err = n.builder.Register(sender, blob, purchased.Reservation, deletable)
	fx, err = n.exec(ctx, tx, err)
	if err != nil {
		return nil, err
	}
	objID, _ := fx.CreatedOf(chain.ObjectTypeBlob)
	tx, err = n.builder.Certify(sender, n.certificateFor(blob))
	if _, err := n.exec(ctx, tx, err); err != nil {
		return nil, err
	}
	obj, _ := n.ledger.BlobObject(objID)
	start := n.ledger.Epoch()
	return map[string]any{"newlyCreated": map[string]any{
		"blobObject": wireObject(obj, start, start+epochs),
		"cost":       purchased.Cost,
	}}, nil
}

func (n *Network) storeBlobHandler(w http.ResponseWriter, r *http.Request) {
	epochs, deletable, err := parseStoreQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	data, ok := n.readBody(w, r)
	if !ok {
		return
	}
	blob := models.BlobID(blake2b.Sum256(data))
	n.mu.Lock()
	n.blobs[blob] = data
	n.mu.Unlock()

	out, err := n.commitOnChain(r.Context(), blob, uint64(len(data)), epochs, deletable)
	if err != nil {
		n.logger.Error("publisher commit failed", "blob_id", blob.String(), "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, out)
}

// encodeQuilt lays files out as sorted (identifier, data) pairs. The quilt
// id is the content id of that layout.
func encodeQuilt(files map[string][]byte) ([]byte, []string) {
	order := make([]string, 0, len(files))
	for id := range files {
		order = append(order, id)
	}
	sort.Strings(order)
	var out []byte
	for _, id := range order {
		out = binary.AppendUvarint(out, uint64(len(id)))
		out = append(out, id...)
		out = binary.AppendUvarint(out, uint64(len(files[id])))
		out = append(out, files[id]...)
	}
	return out, order
}

func patchID(quiltID models.BlobID, index int) string {
	raw := append(quiltID[:], byte(index), byte(index>>8))
	return base64.RawURLEncoding.EncodeToString(raw)
}

func (n *Network) storeQuiltHandler(w http.ResponseWriter, r *http.Request) {
	epochs, deletable, err := parseStoreQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := r.ParseMultipartForm(n.maxBlob); err != nil {
		writeError(w, http.StatusBadRequest, "bad multipart body: "+err.Error())
		return
	}
	files := make(map[string][]byte)
	for field, headers := range r.MultipartForm.File {
		if len(headers) != 1 {
			writeError(w, http.StatusBadRequest, "duplicate identifier "+field)
			return
		}
		f, err := headers[0].Open()
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		files[field] = data
	}
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, "quilt has no files")
		return
	}
	if raw := r.MultipartForm.Value["_metadata"]; len(raw) > 0 {
		var meta []map[string]any
		if err := json.Unmarshal([]byte(raw[0]), &meta); err != nil {
			writeError(w, http.StatusBadRequest, "bad _metadata part")
			return
		}
	}

	layout, order := encodeQuilt(files)
	quiltID := models.BlobID(blake2b.Sum256(layout))
	n.mu.Lock()
	n.blobs[quiltID] = layout
	n.quilts[quiltID] = &quilt{files: files, order: order}
	n.mu.Unlock()

	result, err := n.commitOnChain(r.Context(), quiltID, uint64(len(layout)), epochs, deletable)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	stored := make([]models.StoredQuiltBlob, 0, len(order))
	for i, id := range order {
		stored = append(stored, models.StoredQuiltBlob{Identifier: id, QuiltPatchID: patchID(quiltID, i)})
	}
	writeJSON(w, map[string]any{
		"blobStoreResult":  result,
		"storedQuiltBlobs": stored,
	})
}

func (n *Network) serveBytes(w http.ResponseWriter, r *http.Request, data []byte) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(data)
	}
}

func (n *Network) readBlobHandler(w http.ResponseWriter, r *http.Request) {
	blob, err := models.ParseBlobID(r.PathValue("blobId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	n.mu.RLock()
	data, ok := n.blobs[blob]
	n.mu.RUnlock()
	if !ok || !n.ledger.IsCertified(blob) {
		writeError(w, http.StatusNotFound, "blob not found")
		return
	}
	n.serveBytes(w, r, data)
}

func (n *Network) readQuiltHandler(w http.ResponseWriter, r *http.Request) {
	quiltID, err := models.ParseBlobID(r.PathValue("quiltId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	n.mu.RLock()
	q, ok := n.quilts[quiltID]
	n.mu.RUnlock()
	if !ok || !n.ledger.IsCertified(quiltID) {
		writeError(w, http.StatusNotFound, "quilt not found")
		return
	}
	data, ok := q.files[r.PathValue("identifier")]
	if !ok {
		writeError(w, http.StatusNotFound, "identifier not found in quilt")
		return
	}
	n.serveBytes(w, r, data)
}
