package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/InsulaLabs/vessel/models"
)

// Reader fetches certified content from an aggregator. It is stateless.
type Reader struct {
	hc      *httpClient
	maxSize int64
	logger  *slog.Logger
}

func NewReader(cfg Config) (*Reader, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.WithGroup("aggregator")
	hc, err := newHTTPClient(cfg.AggregatorURL, cfg.Timeout, cfg.SkipVerify, cfg.HTTPClient, logger)
	if err != nil {
		return nil, err
	}
	return &Reader{hc: hc, maxSize: cfg.MaxReadSize, logger: logger}, nil
}

func (r *Reader) get(ctx context.Context, path, name string) ([]byte, error) {
	resp, err := r.hc.do(ctx, http.MethodGet, path, nil, nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, &models.NotFoundError{BlobID: name}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &models.NetworkError{
			Op:     "read",
			URL:    resp.Request.URL.String(),
			Status: resp.StatusCode,
			Err:    fmt.Errorf("%s", readError(resp)),
		}
	}

	body := io.Reader(resp.Body)
	if r.maxSize > 0 {
		if resp.ContentLength > r.maxSize {
			return nil, &models.ValidationError{Field: "blob size", Reason: fmt.Sprintf("%d exceeds limit %d", resp.ContentLength, r.maxSize)}
		}
		body = io.LimitReader(resp.Body, r.maxSize+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, &models.NetworkError{Op: "read", URL: resp.Request.URL.String(), Err: err}
	}
	if r.maxSize > 0 && int64(len(data)) > r.maxSize {
		return nil, &models.ValidationError{Field: "blob size", Reason: fmt.Sprintf("exceeds limit %d", r.maxSize)}
	}
	return data, nil
}

// Read is GET /v1/blobs/{blobId}.
func (r *Reader) Read(ctx context.Context, id models.BlobID) ([]byte, error) {
	data, err := r.get(ctx, "/v1/blobs/"+id.String(), id.String())
	if err != nil {
		return nil, err
	}
	r.logger.Debug("Blob read", "blob_id", id.String(), "size", len(data))
	return data, nil
}

// ReadQuiltFile is GET /v1/blobs/by-quilt-id/{quiltId}/{identifier}.
func (r *Reader) ReadQuiltFile(ctx context.Context, quilt models.BlobID, identifier string) ([]byte, error) {
	if identifier == "" {
		return nil, &models.ValidationError{Field: "quilt.identifier", Reason: "cannot be empty"}
	}
	path := "/v1/blobs/by-quilt-id/" + quilt.String() + "/" + url.PathEscape(identifier)
	return r.get(ctx, path, quilt.String()+"/"+identifier)
}

// Status probes existence with HEAD. A 404 is reported as unknown rather
// than as an error since absence and not-yet-certified look the same.
func (r *Reader) Status(ctx context.Context, id models.BlobID) (models.BlobStatus, error) {
	resp, err := r.hc.do(ctx, http.MethodHead, "/v1/blobs/"+id.String(), nil, nil, "")
	if err != nil {
		return models.BlobStatus{State: models.AvailabilityUnknown}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return models.BlobStatus{State: models.AvailabilityUnknown}, nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return models.BlobStatus{State: models.AvailabilityUnknown}, &models.NetworkError{
			Op:     "status",
			URL:    resp.Request.URL.String(),
			Status: resp.StatusCode,
			Err:    fmt.Errorf("%s", http.StatusText(resp.StatusCode)),
		}
	}

	st := models.BlobStatus{
		State:       models.AvailabilityAvailable,
		ContentType: resp.Header.Get("Content-Type"),
		Size:        resp.ContentLength,
	}
	if st.Size < 0 {
		if n, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64); err == nil {
			st.Size = n
		}
	}
	return st, nil
}
