package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/jmerrifield20/ChainLedger/internal/retry"
	"go.uber.org/zap"
)

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-Ledger-Signature"

// WebhookKeyPurpose is the key-derivation label for webhook signing keys.
const WebhookKeyPurpose = "webhook-signature"

// ErrQueueFull is returned by WebhookPublisher.Publish when deliveries are
// backed up.
var ErrQueueFull = errors.New("webhook queue full")

// ErrPublisherClosed is returned by Publish after Close.
var ErrPublisherClosed = errors.New("webhook publisher closed")

// DeliveryRecorder is an optional callback for recording delivery outcomes.
type DeliveryRecorder func(success bool)

type delivery struct {
	url  string
	body []byte
}

// WebhookPublisher POSTs each event as JSON to every configured URL. Publish
// only enqueues; a background worker delivers with retries so a slow
// receiver never delays a ledger operation.
type WebhookPublisher struct {
	urls       []string
	key        []byte
	httpClient *http.Client
	retry      retry.Config
	queue      chan delivery
	onDelivery DeliveryRecorder
	logger     *zap.Logger

	// mu guards closed; Publish holds it shared while enqueueing so Close
	// never closes the queue under a sender.
	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewWebhookPublisher creates a WebhookPublisher and starts its worker. key
// signs request bodies; a nil key sends them unsigned.
func NewWebhookPublisher(urls []string, key []byte, logger *zap.Logger) *WebhookPublisher {
	rc := retry.Config{
		MaxAttempts:   3,
		InitialDelay:  time.Second,
		MaxDelay:      25 * time.Second,
		Multiplier:    5,
		JitterEnabled: true,
		Retryable:     func(error) bool { return true },
	}
	p := &WebhookPublisher{
		urls:       urls,
		key:        key,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		retry:      rc,
		queue:      make(chan delivery, 1024),
		logger:     logger,
		done:       make(chan struct{}),
	}
	go p.run()
	return p
}

// SetDeliveryRecorder configures the metrics callback. Call before the first
// Publish.
func (p *WebhookPublisher) SetDeliveryRecorder(fn DeliveryRecorder) {
	p.onDelivery = fn
}

// Publish implements Publisher.
func (p *WebhookPublisher) Publish(_ context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return fmt.Errorf("deliver %s: %w", e.Type, ErrPublisherClosed)
	}
	for _, url := range p.urls {
		select {
		case p.queue <- delivery{url: url, body: body}:
		default:
			return fmt.Errorf("deliver %s to %s: %w", e.Type, url, ErrQueueFull)
		}
	}
	return nil
}

// Close stops accepting events and waits for queued deliveries.
func (p *WebhookPublisher) Close() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	<-p.done
	return nil
}

func (p *WebhookPublisher) run() {
	defer close(p.done)
	for d := range p.queue {
		p.deliver(d)
	}
}

// deliver sends one body to one URL with retries.
func (p *WebhookPublisher) deliver(d delivery) {
	ctx := context.Background()
	err := retry.WithBackoff(ctx, p.retry, p.logger, "webhook delivery", func() error {
		err := p.post(ctx, d.url, d.body)
		if p.onDelivery != nil {
			p.onDelivery(err == nil)
		}
		return err
	})
	if err != nil {
		p.logger.Warn("webhook: delivery failed", zap.String("url", d.url), zap.Error(err))
	}
}

// post performs a single HTTP POST delivery.
func (p *WebhookPublisher) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.key != nil {
		req.Header.Set(SignatureHeader, SignPayload(body, p.key))
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

// SignPayload computes the signature receivers check against SignatureHeader.
func SignPayload(body, key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
