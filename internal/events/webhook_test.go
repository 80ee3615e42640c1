package events

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func fastWebhookPublisher(t *testing.T, urls []string, key []byte) *WebhookPublisher {
	t.Helper()
	p := NewWebhookPublisher(urls, key, zaptest.NewLogger(t))
	p.retry.InitialDelay = time.Millisecond
	p.retry.MaxDelay = 5 * time.Millisecond
	p.retry.JitterEnabled = false
	return p
}

func TestWebhookPublisher_signsAndDelivers(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")

	var mu sync.Mutex
	var got []Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, SignPayload(body, key), r.Header.Get(SignatureHeader))
		var e Event
		assert.NoError(t, json.Unmarshal(body, &e))
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	}))
	defer srv.Close()

	p := fastWebhookPublisher(t, []string{srv.URL}, key)
	var delivered atomic.Int32
	p.SetDeliveryRecorder(func(ok bool) {
		if ok {
			delivered.Add(1)
		}
	})

	require.NoError(t, p.Publish(context.Background(), sampleEvent()))
	require.NoError(t, p.Close())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "acct-1", got[0].ChainID)
	assert.Equal(t, int32(1), delivered.Load())
}

func TestWebhookPublisher_retriesFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := fastWebhookPublisher(t, []string{srv.URL}, nil)
	require.NoError(t, p.Publish(context.Background(), sampleEvent()))
	require.NoError(t, p.Close())

	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhookPublisher_unsigned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get(SignatureHeader))
	}))
	defer srv.Close()

	p := fastWebhookPublisher(t, []string{srv.URL}, nil)
	require.NoError(t, p.Publish(context.Background(), sampleEvent()))
	require.NoError(t, p.Close())
}

func TestWebhookPublisher_publishAfterClose(t *testing.T) {
	p := fastWebhookPublisher(t, []string{"http://127.0.0.1:1"}, nil)
	require.NoError(t, p.Close())

	err := p.Publish(context.Background(), sampleEvent())
	assert.ErrorIs(t, err, ErrPublisherClosed)
	require.NoError(t, p.Close(), "Close is idempotent")
}
