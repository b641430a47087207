package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/InsulaLabs/vessel/models"
)

type Config struct {
	PublisherURL  string
	AggregatorURL string
	Timeout       time.Duration
	SkipVerify    bool
	MaxReadSize   int64
	HTTPClient    *http.Client
	Logger        *slog.Logger
}

// StoreOptions are the query parameters shared by blob and quilt stores.
type StoreOptions struct {
	Epochs    uint32
	Permanent bool
	Deletable bool
}

func (o StoreOptions) query() (url.Values, error) {
	if o.Epochs == 0 {
		return nil, &models.ValidationError{Field: "epochs", Reason: "must be at least 1"}
	}
	if o.Permanent && o.Deletable {
		return nil, &models.ValidationError{Field: "permanent", Reason: "a blob cannot be both permanent and deletable"}
	}
	q := url.Values{}
	q.Set("epochs", strconv.FormatUint(uint64(o.Epochs), 10))
	if o.Permanent {
		q.Set("permanent", "true")
	}
	if o.Deletable {
		q.Set("deletable", "true")
	}
	return q, nil
}

type wireStorage struct {
	ID          models.ID `json:"id"`
	StartEpoch  uint32    `json:"startEpoch"`
	EndEpoch    uint32    `json:"endEpoch"`
	StorageSize uint64    `json:"storageSize"`
}

type wireBlobObject struct {
	ID              models.ID     `json:"id"`
	BlobID          models.BlobID `json:"blobId"`
	Size            uint64        `json:"size"`
	RegisteredEpoch uint32        `json:"registeredEpoch"`
	CertifiedEpoch  *uint32       `json:"certifiedEpoch"`
	Deletable       bool          `json:"deletable"`
	Storage         wireStorage   `json:"storage"`
}

// StoreOutcome is the discriminated publisher response. It is either
// *NewlyCreated or *AlreadyCertified.
type StoreOutcome interface {
	Blob() models.Blob
	isStoreOutcome()
}

type NewlyCreated struct {
	BlobObject wireBlobObject `json:"blobObject"`
	Cost       uint64         `json:"cost"`
}

func (n *NewlyCreated) isStoreOutcome() {}

func (n *NewlyCreated) Blob() models.Blob {
	o := n.BlobObject
	return models.Blob{
		ID:        o.BlobID,
		ObjectID:  o.ID,
		Size:      o.Size,
		Epochs:    o.Storage.EndEpoch - o.Storage.StartEpoch,
		Deletable: o.Deletable,
		Permanent: !o.Deletable,
		Cost:      n.Cost,
	}
}

type AlreadyCertified struct {
	BlobObject wireBlobObject `json:"blobObject"`
	BlobID     models.BlobID  `json:"blobId"`
	Cost       uint64         `json:"cost"`
	EndEpoch   uint32         `json:"endEpoch"`
}

func (a *AlreadyCertified) isStoreOutcome() {}

func (a *AlreadyCertified) Blob() models.Blob {
	o := a.BlobObject
	id := o.BlobID
	if id.IsZero() {
		id = a.BlobID
	}
	return models.Blob{
		ID:        id,
		ObjectID:  o.ID,
		Size:      o.Size,
		Deletable: o.Deletable,
		Permanent: !o.Deletable,
		Cost:      a.Cost,
	}
}

type storeResponse struct {
	NewlyCreated     *NewlyCreated     `json:"newlyCreated"`
	AlreadyCertified *AlreadyCertified `json:"alreadyCertified"`
}

func (r *storeResponse) outcome() (StoreOutcome, error) {
	switch {
	case r.NewlyCreated != nil && r.AlreadyCertified == nil:
		return r.NewlyCreated, nil
	case r.AlreadyCertified != nil && r.NewlyCreated == nil:
		return r.AlreadyCertified, nil
	}
	return nil, &models.ValidationError{Field: "publisher response", Reason: "expected exactly one of newlyCreated or alreadyCertified"}
}

// Publisher talks to the publisher HTTP surface.
type Publisher struct {
	hc     *httpClient
	logger *slog.Logger
}

func NewPublisher(cfg Config) (*Publisher, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.WithGroup("publisher")
	hc, err := newHTTPClient(cfg.PublisherURL, cfg.Timeout, cfg.SkipVerify, cfg.HTTPClient, logger)
	if err != nil {
		return nil, err
	}
	return &Publisher{hc: hc, logger: logger}, nil
}

// StoreBlob is PUT /v1/blobs. The publisher performs reservation,
// registration and certification itself.
func (p *Publisher) StoreBlob(ctx context.Context, data []byte, opts StoreOptions) (StoreOutcome, error) {
	q, err := opts.query()
	if err != nil {
		return nil, err
	}
	resp, err := p.hc.do(ctx, http.MethodPut, "/v1/blobs", q, bytes.NewReader(data), "application/octet-stream")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError("store blob", resp)
	}
	var sr storeResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, &models.ValidationError{Field: "publisher response", Reason: "undecodable", Err: err}
	}
	out, err := sr.outcome()
	if err != nil {
		return nil, err
	}
	p.logger.Info("Blob stored", "blob_id", out.Blob().ID.String(), "outcome", fmt.Sprintf("%T", out))
	return out, nil
}

type wireCertificate struct {
	Epoch      uint32           `json:"epoch"`
	Nodes      []models.Address `json:"nodes"`
	Signatures []string         `json:"signatures"`
}

type relayResponse struct {
	BlobID      models.BlobID    `json:"blob_id"`
	Certificate *wireCertificate `json:"certificate"`
}

// Upload is POST /v1/blob-upload-relay: hands raw bytes to the storage
// nodes and returns their availability certificate without touching the
// chain.
func (p *Publisher) Upload(ctx context.Context, blob models.BlobID, data []byte) (*models.AvailabilityCertificate, error) {
	q := url.Values{}
	q.Set("blob_id", blob.String())
	resp, err := p.hc.do(ctx, http.MethodPost, "/v1/blob-upload-relay", q, bytes.NewReader(data), "application/octet-stream")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError("upload", resp)
	}
	var rr relayResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return nil, &models.ValidationError{Field: "relay response", Reason: "undecodable", Err: err}
	}
	if rr.BlobID != blob {
		return nil, &models.ValidationError{Field: "relay response", Reason: fmt.Sprintf("certificate for blob %s, uploaded %s", rr.BlobID, blob)}
	}
	if rr.Certificate == nil {
		return nil, &models.QuorumError{What: "certificate signatures", Have: 0, Need: 1}
	}
	cert := &models.AvailabilityCertificate{
		BlobID: rr.BlobID,
		Epoch:  rr.Certificate.Epoch,
		Nodes:  rr.Certificate.Nodes,
	}
	for _, s := range rr.Certificate.Signatures {
		sig, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, &models.ValidationError{Field: "certificate.signatures", Reason: "not base64", Err: err}
		}
		cert.Signatures = append(cert.Signatures, sig)
	}
	return cert, nil
}

// QuiltFile is one entry of a quilt.
type QuiltFile struct {
	Identifier string
	Data       []byte
	Tags       map[string]string
}

type quiltMetadata struct {
	Identifier string            `json:"identifier"`
	Tags       map[string]string `json:"tags,omitempty"`
}

type quiltResponse struct {
	BlobStoreResult  storeResponse            `json:"blobStoreResult"`
	StoredQuiltBlobs []models.StoredQuiltBlob `json:"storedQuiltBlobs"`
}

const quiltMetadataPart = "_metadata"

// StoreQuilt is PUT /v1/quilts with one multipart part per identifier and
// an optional _metadata part carrying tags.
func (p *Publisher) StoreQuilt(ctx context.Context, files []QuiltFile, opts StoreOptions) (*models.Quilt, error) {
	if len(files) == 0 {
		return nil, &models.ValidationError{Field: "quilt", Reason: "no files"}
	}
	q, err := opts.query()
	if err != nil {
		return nil, err
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	seen := make(map[string]struct{}, len(files))
	var meta []quiltMetadata
	for _, f := range files {
		if f.Identifier == "" || f.Identifier == quiltMetadataPart {
			return nil, &models.ValidationError{Field: "quilt.identifier", Reason: fmt.Sprintf("%q is reserved or empty", f.Identifier)}
		}
		if _, dup := seen[f.Identifier]; dup {
			return nil, &models.ValidationError{Field: "quilt.identifier", Reason: "duplicate " + f.Identifier}
		}
		seen[f.Identifier] = struct{}{}
		part, err := mw.CreateFormFile(f.Identifier, f.Identifier)
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, err
		}
		if len(f.Tags) > 0 {
			meta = append(meta, quiltMetadata{Identifier: f.Identifier, Tags: f.Tags})
		}
	}
	if len(meta) > 0 {
		raw, err := json.Marshal(meta)
		if err != nil {
			return nil, err
		}
		if err := mw.WriteField(quiltMetadataPart, string(raw)); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	resp, err := p.hc.do(ctx, http.MethodPut, "/v1/quilts", q, &body, mw.FormDataContentType())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError("store quilt", resp)
	}
	var qr quiltResponse
	if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
		return nil, &models.ValidationError{Field: "quilt response", Reason: "undecodable", Err: err}
	}
	out, err := qr.BlobStoreResult.outcome()
	if err != nil {
		return nil, err
	}
	p.logger.Info("Quilt stored", "quilt_id", out.Blob().ID.String(), "files", len(qr.StoredQuiltBlobs))
	return &models.Quilt{Blob: out.Blob(), Files: qr.StoredQuiltBlobs}, nil
}
