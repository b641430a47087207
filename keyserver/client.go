// Package keyserver talks to the key server committee: verifying their
// identities and collecting decryption shares for a signed session.
package keyserver

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/InsulaLabs/vessel/models"
	"github.com/InsulaLabs/vessel/session"
	"github.com/google/uuid"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	DefaultTimeout = 10 * time.Second
	DefaultRetries = 2
	DefaultBackoff = 200 * time.Millisecond
)

type Config struct {
	// Timeout bounds a whole fan-out, retries included.
	Timeout       time.Duration
	Retries       int
	Backoff       time.Duration
	RatePerSecond float64
	Burst         int
	HTTPClient    *http.Client
	Logger        *slog.Logger
}

type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger

	mu       sync.Mutex
	limiters map[models.ID]*rate.Limiter
}

func NewClient(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{
		cfg:      cfg,
		http:     hc,
		logger:   cfg.Logger.WithGroup("keyserver"),
		limiters: make(map[models.ID]*rate.Limiter),
	}
}

// limiter paces requests to one server across attempts and concurrent
// fetches. A zero rate disables pacing.
func (c *Client) limiter(id models.ID) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.limiters[id]; ok {
		return l
	}
	limit := rate.Inf
	if c.cfg.RatePerSecond > 0 {
		limit = rate.Limit(c.cfg.RatePerSecond)
	}
	l := rate.NewLimiter(limit, c.cfg.Burst)
	c.limiters[id] = l
	return l
}

func (c *Client) newRequest(ctx context.Context, method string, ks models.KeyServer, path string, query url.Values, body []byte) (*http.Request, error) {
	u := strings.TrimRight(ks.URL, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return nil, &models.ValidationError{Field: "keyserver.url", Reason: ks.URL, Err: err}
	}
	req.Header.Set(headerSDKType, SDKType)
	req.Header.Set(headerSDKVersion, SDKVersion)
	req.Header.Set(headerRequestID, uuid.New().String())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func readErrorResponse(resp *http.Response) ErrorResponse {
	var er ErrorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(raw, &er); err != nil || er.Error == "" {
		er.Error = http.StatusText(resp.StatusCode)
		er.Message = strings.TrimSpace(string(raw))
	}
	return er
}

// Verify checks, concurrently, that every server answers for its object id
// with the public key it is registered under.
func (c *Client) Verify(ctx context.Context, servers []models.KeyServer) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for _, ks := range servers {
		g.Go(func() error {
			return c.verifyOne(ctx, ks)
		})
	}
	return g.Wait()
}

func (c *Client) verifyOne(ctx context.Context, ks models.KeyServer) error {
	q := url.Values{}
	q.Set("service_id", ks.ObjectID.String())
	req, err := c.newRequest(ctx, http.MethodGet, ks, "/v1/service", q, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &models.NetworkError{Op: "verify", URL: req.URL.String(), Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		er := readErrorResponse(resp)
		return &models.NetworkError{Op: "verify", URL: req.URL.String(), Status: resp.StatusCode, Err: fmt.Errorf("%s: %s", er.Error, er.Message)}
	}

	var sr ServiceResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return &models.ValidationError{Field: "service response", Reason: "undecodable", Err: err}
	}
	if sr.ServiceID != ks.ObjectID {
		return &models.ValidationError{Field: "service_id", Reason: fmt.Sprintf("%s answered as %s", ks.URL, sr.ServiceID)}
	}
	pk, err := models.ParsePublicKey(sr.PublicKey)
	if err != nil {
		return err
	}
	if pk != ks.PublicKey {
		return &models.ValidationError{Field: "public_key", Reason: fmt.Sprintf("key server %s does not hold its registered key", ks.ObjectID)}
	}
	c.logger.Debug("Key server verified", "server", ks.ObjectID.String(), "url", ks.URL)
	return nil
}

// FetchRequest asks the servers for their shares of one policy id. Servers
// are listed in share-index order; index i+1 belongs to Servers[i].
type FetchRequest struct {
	Servers       []models.KeyServer
	PTB           []byte
	Session       *session.Key
	Threshold     int
	Encapsulation []byte
}

type fetchResult struct {
	share models.DecryptionShare
	err   error
}

// FetchShares fans the signed request out to every server and returns as
// soon as Threshold of them answered. Remaining requests are cancelled. A
// policy denial or an expired session from any server ends the fetch
// immediately.
func (c *Client) FetchShares(ctx context.Context, req FetchRequest) ([]models.DecryptionShare, error) {
	if req.Threshold < 1 || req.Threshold > len(req.Servers) {
		return nil, &models.ValidationError{Field: "threshold", Reason: fmt.Sprintf("%d of %d servers", req.Threshold, len(req.Servers))}
	}
	if req.Session == nil {
		return nil, &models.ValidationError{Field: "session", Reason: "missing"}
	}
	cert, err := req.Session.Certificate()
	if err != nil {
		return nil, err
	}

	encPub, encPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	reqSig, err := req.Session.SignRequest(req.PTB, encPub[:], req.Encapsulation)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(FetchKeyRequest{
		PTB:              base64.StdEncoding.EncodeToString(req.PTB),
		EncKey:           base64.StdEncoding.EncodeToString(encPub[:]),
		Encapsulation:    base64.StdEncoding.EncodeToString(req.Encapsulation),
		Certificate:      *cert,
		RequestSignature: base64.StdEncoding.EncodeToString(reqSig),
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	results := make(chan fetchResult, len(req.Servers))
	for i, ks := range req.Servers {
		go func() {
			key, err := c.fetchWithRetry(ctx, ks, req.Session, body, encPub, encPriv)
			results <- fetchResult{
				share: models.DecryptionShare{Server: ks.ObjectID, Index: byte(i + 1), Key: key},
				err:   err,
			}
		}()
	}

	shares := make([]models.DecryptionShare, 0, req.Threshold)
	failed := 0
	for range req.Servers {
		r := <-results
		if r.err == nil {
			shares = append(shares, r.share)
			if len(shares) == req.Threshold {
				c.logger.Debug("Share quorum reached", "have", len(shares), "failed", failed)
				return shares, nil
			}
			continue
		}

		var denied *models.PolicyDeniedError
		var expired *models.ExpiredSessionError
		if errors.As(r.err, &denied) || errors.As(r.err, &expired) {
			c.logger.Warn("Key fetch refused", "server", r.share.Server.String(), "error", r.err)
			return nil, r.err
		}
		failed++
		c.logger.Warn("Key server failed", "server", r.share.Server.String(), "error", r.err)
	}
	return nil, &models.QuorumError{What: "decryption shares", Have: len(shares), Need: req.Threshold}
}

func (c *Client) fetchWithRetry(ctx context.Context, ks models.KeyServer, sk *session.Key, body []byte, encPub, encPriv *[32]byte) ([32]byte, error) {
	lim := c.limiter(ks.ObjectID)
	var lastErr error
	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		if attempt > 0 {
			wait := c.cfg.Backoff << (attempt - 1)
			c.logger.Debug("Retrying key fetch", "server", ks.ObjectID.String(), "attempt", attempt, "wait", wait)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return [32]byte{}, lastErr
			}
		}
		if err := lim.Wait(ctx); err != nil {
			if lastErr == nil {
				lastErr = &models.NetworkError{Op: "fetch_key", URL: ks.URL, Err: err}
			}
			return [32]byte{}, lastErr
		}

		key, err := c.fetchOnce(ctx, ks, sk, body, encPub, encPriv)
		if err == nil {
			return key, nil
		}
		lastErr = err
		var netErr *models.NetworkError
		if !errors.As(err, &netErr) || !netErr.Temporary() || ctx.Err() != nil {
			return [32]byte{}, err
		}
	}
	return [32]byte{}, lastErr
}

func (c *Client) fetchOnce(ctx context.Context, ks models.KeyServer, sk *session.Key, body []byte, encPub, encPriv *[32]byte) ([32]byte, error) {
	var key [32]byte
	req, err := c.newRequest(ctx, http.MethodPost, ks, "/v1/fetch_key", nil, body)
	if err != nil {
		return key, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return key, &models.NetworkError{Op: "fetch_key", URL: req.URL.String(), Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusForbidden:
		er := readErrorResponse(resp)
		return key, &models.PolicyDeniedError{Server: ks.ObjectID, Message: er.Message}
	case resp.StatusCode == http.StatusUnauthorized:
		er := readErrorResponse(resp)
		if er.Error == CodeExpiredSession {
			return key, &models.ExpiredSessionError{Session: sk.ID, ExpiredAt: sk.ExpiresAt()}
		}
		return key, &models.ValidationError{Field: "certificate", Reason: er.Message}
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		er := readErrorResponse(resp)
		return key, &models.ValidationError{Field: "fetch_key", Reason: er.Error + ": " + er.Message}
	case resp.StatusCode != http.StatusOK:
		er := readErrorResponse(resp)
		return key, &models.NetworkError{Op: "fetch_key", URL: req.URL.String(), Status: resp.StatusCode, Err: fmt.Errorf("%s", er.Error)}
	}

	var fr FetchKeyResponse
	if err := json.NewDecoder(resp.Body).Decode(&fr); err != nil {
		return key, &models.ValidationError{Field: "fetch_key response", Reason: "undecodable", Err: err}
	}
	if len(fr.DecryptionKeys) == 0 {
		return key, &models.ValidationError{Field: "fetch_key response", Reason: "no keys"}
	}
	sealed, err := base64.StdEncoding.DecodeString(fr.DecryptionKeys[0].EncryptedKey)
	if err != nil {
		return key, &models.ValidationError{Field: "encrypted_key", Reason: "not base64", Err: err}
	}
	opened, ok := box.OpenAnonymous(nil, sealed, encPub, encPriv)
	if !ok || len(opened) != len(key) {
		return key, &models.ValidationError{Field: "encrypted_key", Reason: "cannot be opened with the response key"}
	}
	copy(key[:], opened)
	return key, nil
}
