package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jmerrifield20/ChainLedger/internal/retry"
	"go.uber.org/zap"
)

// Export formats accepted by ExportSnapshot.
const (
	FormatJSON = "json"
	FormatTOML = "toml"
)

// maxResponseBytes bounds decoded responses. Exports are streamed instead.
const maxResponseBytes = 1 << 20

// AppendRequest is the payload for Append.
type AppendRequest struct {
	ChainID     string     `json:"chain_id,omitempty"`
	ProjectID   string     `json:"project_id,omitempty"`
	UserID      string     `json:"user_id,omitempty"`
	EntryType   string     `json:"entry_type"`
	Amount      string     `json:"amount"`
	Currency    string     `json:"currency,omitempty"`
	Description string     `json:"description,omitempty"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`

	// IdempotencyKey is sent as the Idempotency-Key header.
	IdempotencyKey string `json:"-"`
}

// Entry is a stored ledger entry.
type Entry struct {
	ChainID        string     `json:"chain_id"`
	SequenceNumber int64      `json:"sequence_number"`
	PreviousHash   string     `json:"previous_hash"`
	EntryHash      string     `json:"entry_hash"`
	EntryType      string     `json:"entry_type"`
	Amount         string     `json:"amount"`
	Currency       string     `json:"currency"`
	Description    string     `json:"description"`
	CreatedAt      time.Time  `json:"created_at"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	BalanceAfter   string     `json:"balance_after"`
	IsVerified     bool       `json:"is_verified"`
	VerifiedAt     *time.Time `json:"verified_at,omitempty"`

	// Replayed is true when the server matched an earlier idempotency key.
	Replayed bool `json:"-"`
}

// VerifyResult is the outcome of a verification pass.
type VerifyResult struct {
	ChainID         string    `json:"chain_id"`
	Valid           bool      `json:"is_valid"`
	EntriesVerified int64     `json:"entries_verified"`
	FirstBreakAt    *int64    `json:"first_break_at,omitempty"`
	Reason          string    `json:"reason,omitempty"`
	FromSequence    int64     `json:"from_sequence"`
	ToSequence      int64     `json:"to_sequence"`
	ResumedFrom     *int64    `json:"resumed_from_snapshot,omitempty"`
	VerifiedAt      time.Time `json:"verified_at"`
}

// Balance is one currency's totals at a snapshot.
type Balance struct {
	Net      string `json:"net"`
	TotalIn  string `json:"total_in"`
	TotalOut string `json:"total_out"`
	Entries  int64  `json:"entries"`
}

// Snapshot is a chain checkpoint.
type Snapshot struct {
	ID                   string             `json:"id"`
	ChainID              string             `json:"chain_id"`
	AtSequence           int64              `json:"at_sequence"`
	MarkerSequence       int64              `json:"marker_sequence"`
	PreviousSnapshotHash string             `json:"previous_snapshot_hash"`
	TipHash              string             `json:"tip_hash"`
	CumulativeHash       string             `json:"cumulative_hash"`
	Balances             map[string]Balance `json:"balances"`
	Currencies           []string           `json:"currencies"`
	Seal                 string             `json:"seal,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
	CreatedBy            string             `json:"created_by"`
}

// Client talks to a ledger server.
type Client struct {
	base       string
	httpClient *http.Client
	retry      retry.Config
	logger     *zap.Logger
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithTLSConfig talks to the server over TLS with cfg.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *Client) error {
		if cfg == nil {
			return errors.New("nil TLS config")
		}
		c.httpClient = &http.Client{
			Transport: &http.Transport{TLSClientConfig: cfg},
			Timeout:   c.httpClient.Timeout,
		}
		return nil
	}
}

// WithRetry sets how often Append retries a 409 for keyed requests.
// maxAttempts 1 disables retries.
func WithRetry(maxAttempts int, initialDelay, maxDelay time.Duration) Option {
	return func(c *Client) error {
		if maxAttempts < 1 {
			return fmt.Errorf("maxAttempts must be >= 1, got %d", maxAttempts)
		}
		c.retry.MaxAttempts = maxAttempts
		c.retry.InitialDelay = initialDelay
		c.retry.MaxDelay = maxDelay
		return nil
	}
}

// WithLogger logs retries to logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) error {
		c.logger = logger
		return nil
	}
}

// New creates a Client for the server at base, e.g. "http://localhost:8080".
func New(base string, opts ...Option) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", base)
	}
	rc := retry.DefaultConfig()
	rc.Retryable = func(err error) bool { return errors.Is(err, ErrConflict) }

	c := &Client{
		base:       u.Scheme + "://" + u.Host + u.Path,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		retry:      rc,
		logger:     zap.NewNop(),
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(base string, opts ...Option) *Client {
	c, err := New(base, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Append records an entry. With an IdempotencyKey, a 409 is retried and a
// repeat of an earlier request returns the original entry with Replayed set.
func (c *Client) Append(ctx context.Context, req AppendRequest) (*Entry, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode append request: %w", err)
	}

	send := func() (*Entry, error) {
		hreq, err := c.newRequest(ctx, http.MethodPost, "/api/v1/ledger/entries", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		if req.IdempotencyKey != "" {
			hreq.Header.Set("Idempotency-Key", req.IdempotencyKey)
		}
		var e Entry
		status, err := c.doJSON(hreq, &e)
		if err != nil {
			return nil, err
		}
		e.Replayed = status == http.StatusOK
		return &e, nil
	}

	if req.IdempotencyKey == "" {
		return send()
	}
	var entry *Entry
	err = retry.WithBackoff(ctx, c.retry, c.logger, "ledger append", func() error {
		var err error
		entry, err = send()
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// GetEntry fetches one entry.
func (c *Client) GetEntry(ctx context.Context, chainID string, seq int64) (*Entry, error) {
	req, err := c.newRequest(ctx, http.MethodGet, chainPath(chainID, "entries", strconv.FormatInt(seq, 10)), nil)
	if err != nil {
		return nil, err
	}
	var e Entry
	if _, err := c.doJSON(req, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Verify verifies chainID over [from, to]. Nil bounds mean "from the latest
// snapshot" and "to the tip".
func (c *Client) Verify(ctx context.Context, chainID string, from, to *int64) (*VerifyResult, error) {
	req, err := c.newRequest(ctx, http.MethodGet, chainPath(chainID, "verify"), nil)
	if err != nil {
		return nil, err
	}
	q := req.URL.Query()
	if from != nil {
		q.Set("from", strconv.FormatInt(*from, 10))
	}
	if to != nil {
		q.Set("to", strconv.FormatInt(*to, 10))
	}
	req.URL.RawQuery = q.Encode()

	var res VerifyResult
	if _, err := c.doJSON(req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// CreateSnapshot checkpoints chainID. created is false when the server
// returned the existing latest snapshot because nothing was appended since.
func (c *Client) CreateSnapshot(ctx context.Context, chainID string) (*Snapshot, bool, error) {
	req, err := c.newRequest(ctx, http.MethodPost, chainPath(chainID, "snapshots"), nil)
	if err != nil {
		return nil, false, err
	}
	var s Snapshot
	status, err := c.doJSON(req, &s)
	if err != nil {
		return nil, false, err
	}
	return &s, status == http.StatusCreated, nil
}

// LatestSnapshot fetches the newest snapshot of chainID.
func (c *Client) LatestSnapshot(ctx context.Context, chainID string) (*Snapshot, error) {
	req, err := c.newRequest(ctx, http.MethodGet, chainPath(chainID, "snapshots", "latest"), nil)
	if err != nil {
		return nil, err
	}
	var s Snapshot
	if _, err := c.doJSON(req, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ExportSnapshot streams the latest snapshot archive of chainID to w.
func (c *Client) ExportSnapshot(ctx context.Context, chainID, format string, w io.Writer) error {
	req, err := c.newRequest(ctx, http.MethodGet, chainPath(chainID, "snapshots", "latest", "export"), nil)
	if err != nil {
		return err
	}
	req.URL.RawQuery = url.Values{"format": {format}}.Encode()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("read export: %w", err)
	}
	return nil
}

func chainPath(chainID string, rest ...string) string {
	p := "/api/v1/ledger/chains/" + url.PathEscape(chainID)
	for _, r := range rest {
		p += "/" + r
	}
	return p
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// doJSON executes req and decodes a 2xx body into out. Non-2xx responses
// become *APIError.
func (c *Client) doJSON(req *http.Request, out any) (int, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return resp.StatusCode, decodeError(resp)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}

func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var payload struct {
		Error string `json:"error"`
		Field string `json:"field"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		apiErr.Message = payload.Error
		apiErr.Field = payload.Field
	} else {
		apiErr.Message = string(bytes.TrimSpace(body))
	}
	return apiErr
}
