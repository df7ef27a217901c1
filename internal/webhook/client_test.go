package webhook

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

	"github.com/aisha/backend/internal/circuitbreaker"
)

func testEvent() *Event {
	return NewEvent(EventSuggestionCreated, "22222222-2222-2222-2222-222222222222",
		Entity{Type: "lead", ID: "33333333-3333-3333-3333-333333333333"},
		map[string]interface{}{"suggestion_id": "sugg-1"})
}

func TestTriggerCareWorkflowSuccess(t *testing.T) {
	var gotBody []byte
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(2, nil)
	ev := testEvent()
	res := c.TriggerCareWorkflow(context.Background(), TriggerRequest{
		URL:     srv.URL,
		Secret:  "s3cret",
		Payload: ev,
	})

	assert.True(t, res.Success)
	assert.Empty(t, res.Error)
	assert.Equal(t, ev.EventID, gotHeaders.Get("X-AISHA-EVENT-ID"))
	assert.Equal(t, "AiSHA-CARE/1.0", gotHeaders.Get("User-Agent"))
	assert.Equal(t, "application/json", gotHeaders.Get("Content-Type"))
	assert.NotEmpty(t, gotHeaders.Get("X-AISHA-SIGNATURE"))

	var sent Event
	require.NoError(t, json.Unmarshal(gotBody, &sent))
	assert.Equal(t, ev.EventID, sent.EventID)
	assert.Equal(t, EventSuggestionCreated, sent.Type)
	assert.Equal(t, "lead", sent.Entity.Type)
}

func TestSignatureMatchesBody(t *testing.T) {
	var signature string
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signature = r.Header.Get("X-AISHA-SIGNATURE")
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(1, nil)
	res := c.TriggerCareWorkflow(context.Background(), TriggerRequest{
		URL:     srv.URL,
		Secret:  "s3cret",
		Payload: testEvent(),
	})
	require.True(t, res.Success)
	assert.Equal(t, SignPayload(body, "s3cret"), signature)
}

func TestSignPayloadDeterministic(t *testing.T) {
	body := []byte(`{"event_id":"e1"}`)
	assert.Equal(t, SignPayload(body, "k"), SignPayload(body, "k"))
	assert.NotEqual(t, SignPayload(body, "k"), SignPayload(body, "other"))
}

func TestRetriesThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(1, nil)
	res := c.TriggerCareWorkflow(context.Background(), TriggerRequest{
		URL:       srv.URL,
		Payload:   testEvent(),
		TimeoutMS: 500,
		Retries:   2,
	})
	assert.True(t, res.Success)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestExhaustedRetriesReturnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(1, nil)
	res := c.TriggerCareWorkflow(context.Background(), TriggerRequest{
		URL:       srv.URL,
		Payload:   testEvent(),
		TimeoutMS: 500,
		Retries:   1,
	})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "502")
}

func TestMissingInputsReturnStructuredError(t *testing.T) {
	c := NewClient(1, nil)

	res := c.TriggerCareWorkflow(context.Background(), TriggerRequest{Payload: testEvent()})
	assert.False(t, res.Success)
	assert.Equal(t, "missing url", res.Error)

	res = c.TriggerCareWorkflow(context.Background(), TriggerRequest{URL: "http://example.invalid"})
	assert.False(t, res.Success)
	assert.Equal(t, "missing payload", res.Error)
}

func TestSemaphoreBoundsConcurrency(t *testing.T) {
	const capacity = 3

	var inFlight, peak int32
	var mu sync.Mutex
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&inFlight, 1)
		mu.Lock()
		if n > peak {
			peak = n
		}
		mu.Unlock()
		<-release
		atomic.AddInt32(&inFlight, -1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(capacity, nil)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.TriggerCareWorkflow(context.Background(), TriggerRequest{
				URL:       srv.URL,
				Payload:   testEvent(),
				TimeoutMS: 5000,
			})
		}()
	}
	close(release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, int32(capacity))
}

func TestBatchCapsAndCounts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	payloads := make([]*Event, 75)
	for i := range payloads {
		payloads[i] = testEvent()
	}

	c := NewClient(5, nil)
	res := c.TriggerCareWorkflowBatch(context.Background(), BatchRequest{
		URL:       srv.URL,
		Payloads:  payloads,
		TimeoutMS: 1000,
		BatchSize: 50,
	})

	assert.Equal(t, 50, res.Sent)
	assert.Equal(t, 25, res.Skipped)
	assert.Equal(t, 0, res.Failed)
	assert.Len(t, res.Errors, res.Failed)
	assert.Equal(t, int32(50), atomic.LoadInt32(&calls))
}

func TestBatchCollectsFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1)%2 == 0 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	payloads := make([]*Event, 6)
	for i := range payloads {
		payloads[i] = testEvent()
	}

	c := NewClient(1, nil)
	res := c.TriggerCareWorkflowBatch(context.Background(), BatchRequest{
		URL:       srv.URL,
		Payloads:  payloads,
		TimeoutMS: 500,
		Retries:   1,
	})

	assert.Equal(t, 6, res.Sent+res.Failed)
	assert.Len(t, res.Errors, res.Failed)
}

func TestDefaultRetryBudgetIsThreeAttempts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(1, nil)
	res := c.TriggerCareWorkflow(context.Background(), TriggerRequest{
		URL:     srv.URL,
		Payload: testEvent(),
	})

	assert.False(t, res.Success)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "unset retries means the default budget of 2 retries")
}

func TestBreakerOpenFailsDeliveryFast(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	breaker := circuitbreaker.New(&circuitbreaker.Config{
		Name:        "webhook-test",
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(c circuitbreaker.Counts) bool {
			return c.ConsecutiveFailures >= 1
		},
	})
	c := NewClient(1, breaker)

	// First delivery trips the breaker on its initial attempt and fails
	// fast instead of burning the retry budget.
	res := c.TriggerCareWorkflow(context.Background(), TriggerRequest{
		URL:     srv.URL,
		Payload: testEvent(),
	})
	assert.False(t, res.Success)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	// Second delivery is rejected without touching the endpoint.
	res = c.TriggerCareWorkflow(context.Background(), TriggerRequest{
		URL:     srv.URL,
		Payload: testEvent(),
	})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "circuit breaker is open")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
