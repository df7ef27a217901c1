package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/aisha/backend/internal/circuitbreaker"
	"github.com/aisha/backend/internal/metrics"
)

// Delivery defaults.
const (
	DefaultTimeoutMS      = 3000
	DefaultRetries        = 2
	DefaultMaxConcurrency = 5
	DefaultBatchSize      = 50

	userAgent = "AiSHA-CARE/1.0"
)

// TriggerRequest is one workflow delivery.
type TriggerRequest struct {
	URL       string
	Secret    string
	Payload   *Event
	TimeoutMS int
	Retries   int
}

// TriggerResult is the structured outcome. Success is always set; Error
// carries the last attempt's failure when Success is false.
type TriggerResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// BatchRequest delivers many payloads to one endpoint.
type BatchRequest struct {
	URL       string
	Secret    string
	Payloads  []*Event
	TimeoutMS int
	Retries   int
	BatchSize int
}

// BatchResult summarizes a batch. len(Errors) == Failed.
type BatchResult struct {
	Sent    int      `json:"sent"`
	Skipped int      `json:"skipped"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors"`
}

// Client posts care events to workflow endpoints. A process-wide counting
// semaphore bounds in-flight requests no matter how many callers fan in.
type Client struct {
	httpClient *http.Client
	sem        chan struct{}
	breaker    *circuitbreaker.CircuitBreaker
	logger     *log.Logger
}

// NewClient builds a client. maxConcurrency <= 0 means the default of 5.
// breaker may be nil; when set, every HTTP attempt runs through it and an
// open circuit fails the delivery fast without retries.
func NewClient(maxConcurrency int, breaker *circuitbreaker.CircuitBreaker) *Client {
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}
	return &Client{
		// Per-attempt deadlines come from the request context; the
		// transport itself carries no timeout.
		httpClient: &http.Client{},
		sem:        make(chan struct{}, maxConcurrency),
		breaker:    breaker,
		logger:     log.New(log.Writer(), "[WEBHOOK] ", log.LstdFlags),
	}
}

// SignPayload creates the HMAC-SHA256 hex signature for webhook verification
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// TriggerCareWorkflow delivers one payload with retries. It never panics
// and always returns a structured result. The semaphore slot is held from
// before the first attempt until after the last.
func (c *Client) TriggerCareWorkflow(ctx context.Context, req TriggerRequest) (result TriggerResult) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Printf("delivery panic: %v", r)
			result = TriggerResult{Success: false, Error: fmt.Sprintf("panic: %v", r)}
		}
	}()

	if req.URL == "" {
		return TriggerResult{Success: false, Error: "missing url"}
	}
	if req.Payload == nil {
		return TriggerResult{Success: false, Error: "missing payload"}
	}

	// Serialize once; every attempt and the signature use the same bytes.
	body, err := req.Payload.JSON()
	if err != nil {
		return TriggerResult{Success: false, Error: fmt.Sprintf("marshal payload: %v", err)}
	}

	signature := ""
	if req.Secret != "" {
		signature = SignPayload(body, req.Secret)
	}

	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	if req.TimeoutMS <= 0 {
		timeout = DefaultTimeoutMS * time.Millisecond
	}
	// Zero means unset, same as TimeoutMS. Tenant rows that never set a
	// retry budget still get the default.
	retries := req.Retries
	if retries <= 0 {
		retries = DefaultRetries
	}

	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return TriggerResult{Success: false, Error: ctx.Err().Error()}
	}
	metrics.WebhookInFlight.Inc()
	defer func() {
		metrics.WebhookInFlight.Dec()
		<-c.sem
	}()

	var lastErr string
	attempts := retries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := c.deliver(ctx, req.URL, body, req.Payload.EventID, signature, timeout); err != nil {
			if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
				// Retrying inside the backoff window cannot close the
				// circuit; fail the delivery immediately.
				metrics.WebhookAttempts.WithLabelValues("failure").Inc()
				c.logger.Printf("delivery rejected, circuit open: %s event=%s",
					req.URL, req.Payload.EventID)
				return TriggerResult{Success: false, Error: err.Error()}
			}
			lastErr = err.Error()
			metrics.WebhookAttempts.WithLabelValues("failure").Inc()
			c.logger.Printf("delivery failed (attempt %d/%d): %s event=%s: %v",
				attempt, attempts, req.URL, req.Payload.EventID, err)
			if attempt < attempts {
				backoff := time.Duration(100*(1<<(attempt-1))) * time.Millisecond
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return TriggerResult{Success: false, Error: ctx.Err().Error()}
				}
			}
			continue
		}
		metrics.WebhookAttempts.WithLabelValues("success").Inc()
		return TriggerResult{Success: true}
	}
	return TriggerResult{Success: false, Error: lastErr}
}

// deliver makes one HTTP attempt, through the breaker when configured.
func (c *Client) deliver(ctx context.Context, url string, body []byte, eventID, signature string, timeout time.Duration) error {
	if c.breaker == nil {
		return c.post(ctx, url, body, eventID, signature, timeout)
	}
	_, err := c.breaker.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, c.post(ctx, url, body, eventID, signature, timeout)
	})
	return err
}

func (c *Client) post(ctx context.Context, url string, body []byte, eventID, signature string, timeout time.Duration) error {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-AISHA-EVENT-ID", eventID)
	httpReq.Header.Set("User-Agent", userAgent)
	if signature != "" {
		httpReq.Header.Set("X-AISHA-SIGNATURE", signature)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// TriggerCareWorkflowBatch delivers up to BatchSize payloads concurrently.
// Overflow is counted as skipped, not queued; one cycle must not flood a
// downstream endpoint. Never panics.
func (c *Client) TriggerCareWorkflowBatch(ctx context.Context, req BatchRequest) (result BatchResult) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Printf("batch panic: %v", r)
		}
	}()

	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	accepted := req.Payloads
	if len(accepted) > batchSize {
		result.Skipped = len(accepted) - batchSize
		accepted = accepted[:batchSize]
		metrics.WebhookBatchSkipped.Add(float64(result.Skipped))
		c.logger.Printf("batch capped at %d, skipping %d payloads: %s",
			batchSize, result.Skipped, req.URL)
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, payload := range accepted {
		wg.Add(1)
		go func(p *Event) {
			defer wg.Done()
			r := c.TriggerCareWorkflow(ctx, TriggerRequest{
				URL:       req.URL,
				Secret:    req.Secret,
				Payload:   p,
				TimeoutMS: req.TimeoutMS,
				Retries:   req.Retries,
			})
			mu.Lock()
			defer mu.Unlock()
			if r.Success {
				result.Sent++
			} else {
				result.Failed++
				result.Errors = append(result.Errors, r.Error)
			}
		}(payload)
	}
	wg.Wait()
	return result
}
