package storage

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/InsulaLabs/vessel/models"
	"github.com/google/uuid"
)

const (
	defaultTimeout = 30 * time.Second
	userAgent      = "vessel-storage/1"
	maxErrorBody   = 4 << 10
)

// ErrorResponse is the JSON error body publishers and aggregators return.
type ErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"error"`
}

type httpClient struct {
	base   *url.URL
	http   *http.Client
	logger *slog.Logger
}

func newHTTPClient(rawURL string, timeout time.Duration, skipVerify bool, override *http.Client, logger *slog.Logger) (*httpClient, error) {
	if rawURL == "" {
		return nil, &models.ValidationError{Field: "url", Reason: "cannot be empty"}
	}
	base, err := url.Parse(strings.TrimRight(rawURL, "/"))
	if err != nil {
		return nil, &models.ValidationError{Field: "url", Reason: rawURL, Err: err}
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, &models.ValidationError{Field: "url", Reason: "scheme must be http or https"}
	}

	hc := override
	if hc == nil {
		if timeout == 0 {
			timeout = defaultTimeout
		}
		hc = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: skipVerify},
			},
		}
	}
	return &httpClient{base: base, http: hc, logger: logger}, nil
}

func (c *httpClient) url(path string, query url.Values) string {
	u := *c.base
	u.Path = c.base.Path + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// do sends a request and returns the response for the caller to
// interpret. Transport failures come back as *models.NetworkError.
func (c *httpClient) do(ctx context.Context, method, path string, query url.Values, body io.Reader, contentType string) (*http.Response, error) {
	target := c.url(path, query)
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, &models.ValidationError{Field: "request", Reason: target, Err: err}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Request-Id", uuid.NewString())

	c.logger.Debug("Sending request", "method", method, "url", target)
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "method", method, "url", target, "error", err)
		return nil, &models.NetworkError{Op: method, URL: target, Err: err}
	}
	c.logger.Debug("Received response", "method", method, "url", target, "status_code", resp.StatusCode)
	return resp, nil
}

// readError drains a non-2xx body into a message.
func readError(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var er ErrorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Error.Message != "" {
		return er.Error.Message
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return msg
}

// statusError maps a non-2xx response to the error taxonomy.
func statusError(op string, resp *http.Response) error {
	msg := readError(resp)
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return &models.NetworkError{
			Op:     op,
			URL:    resp.Request.URL.String(),
			Status: resp.StatusCode,
			Err:    fmt.Errorf("%s", msg),
		}
	}
	return &models.UploadRejectedError{Status: resp.StatusCode, Message: msg}
}
