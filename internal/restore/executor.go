package restore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Operation describes one logical call against the target API.
type Operation struct {
	Method  string
	Path    string
	Body    any
	Headers map[string]string
}

// Result is the successful outcome of an Operation.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ETag returns the version token of the fetched resource. Graph-style APIs
// deliver it both as a header and as an @odata.etag body field; the header
// wins when both are present.
func (r Result) ETag() string {
	if etag := strings.TrimSpace(r.Header.Get("ETag")); etag != "" {
		return etag
	}
	var envelope struct {
		ETag string `json:"@odata.etag"`
	}
	if json.Unmarshal(r.Body, &envelope) == nil {
		return strings.TrimSpace(envelope.ETag)
	}
	return ""
}

func (r Result) Decode(out any) error {
	if out == nil || len(r.Body) == 0 {
		return nil
	}
	return json.Unmarshal(r.Body, out)
}

type SleepFunc func(ctx context.Context, delay time.Duration) error

type ExecutorOptions struct {
	BaseURL           string
	Token             string
	HTTPClient        *http.Client
	UserAgent         string
	RequestDelay      time.Duration // minimum spacing between any two requests
	MaxRetries        int
	BaseDelay         time.Duration // linear backoff unit for transient failures
	RateLimitFallback time.Duration // wait when a 429 carries no Retry-After
	Sleep             SleepFunc
	Now               func() time.Time
	Logf              func(format string, args ...any)
}

// Executor issues single logical API operations with fixed throttling,
// rate-limit recovery and retry of transient failures. All requests funnel
// through one executor so the inter-request delay holds across callers.
type Executor struct {
	baseURL           string
	token             string
	httpClient        *http.Client
	userAgent         string
	requestDelay      time.Duration
	maxRetries        int
	baseDelay         time.Duration
	rateLimitFallback time.Duration
	sleep             SleepFunc
	now               func() time.Time
	logf              func(format string, args ...any)

	mu          sync.Mutex
	nextAllowed time.Time
}

func NewExecutor(opts ExecutorOptions) *Executor {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://graph.microsoft.com"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	requestDelay := opts.RequestDelay
	if requestDelay <= 0 {
		requestDelay = 500 * time.Millisecond
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 2 * time.Second
	}
	rateLimitFallback := opts.RateLimitFallback
	if rateLimitFallback <= 0 {
		rateLimitFallback = 30 * time.Second
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logf := opts.Logf
	if logf == nil {
		logf = log.Printf
	}
	return &Executor{
		baseURL:           baseURL,
		token:             strings.TrimSpace(opts.Token),
		httpClient:        httpClient,
		userAgent:         strings.TrimSpace(opts.UserAgent),
		requestDelay:      requestDelay,
		maxRetries:        maxRetries,
		baseDelay:         baseDelay,
		rateLimitFallback: rateLimitFallback,
		sleep:             sleep,
		now:               now,
		logf:              logf,
	}
}

// Do executes one operation. The fixed request delay applies before every
// attempt, first attempt included, so a burst of calls never exceeds the
// remote quota. Rate-limited and transient failures are retried up to
// MaxRetries; permanent client errors surface immediately as *APIError.
func (e *Executor) Do(ctx context.Context, op Operation) (Result, error) {
	if e == nil {
		return Result{}, fmt.Errorf("%w: executor is nil", ErrInvalidInput)
	}
	var bodyBytes []byte
	if op.Body != nil {
		var err error
		bodyBytes, err = json.Marshal(op.Body)
		if err != nil {
			return Result{}, err
		}
	}

	var lastStatus int
	var lastMessage string
	for attempt := 1; ; attempt++ {
		if err := e.throttle(ctx); err != nil {
			return Result{}, err
		}

		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, op.Method, e.baseURL+op.Path, bodyReader)
		if err != nil {
			return Result{}, err
		}
		if e.token != "" {
			req.Header.Set("Authorization", "Bearer "+e.token)
		}
		if op.Body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if e.userAgent != "" {
			req.Header.Set("User-Agent", e.userAgent)
		}
		for key, value := range op.Headers {
			req.Header.Set(key, value)
		}

		resp, err := e.httpClient.Do(req)
		if err != nil {
			// No structured status at all: treat as transient so DNS
			// hiccups and connection resets stay recoverable.
			lastStatus = 0
			lastMessage = err.Error()
			if attempt > e.maxRetries {
				return Result{}, fmt.Errorf("%w: %s %s failed after %d attempts: %v", ErrRetriesExhausted, op.Method, op.Path, attempt, err)
			}
			wait := time.Duration(attempt) * e.baseDelay
			e.logf("retrying request method=%s path=%s attempt=%d class=%s wait=%s", op.Method, op.Path, attempt, classTransient, wait)
			if waitErr := e.sleep(ctx, wait); waitErr != nil {
				return Result{}, waitErr
			}
			continue
		}

		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return Result{}, readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return Result{StatusCode: resp.StatusCode, Header: resp.Header, Body: payload}, nil
		}

		lastStatus = resp.StatusCode
		lastMessage = errorMessageFromBody(payload)
		class := classifyStatus(resp.StatusCode)
		if class == classPermanent {
			return Result{}, apiErrorFromBody(resp.StatusCode, payload)
		}
		if attempt > e.maxRetries {
			return Result{}, fmt.Errorf("%w: %s %s failed after %d attempts, last status=%d message=%s", ErrRetriesExhausted, op.Method, op.Path, attempt, lastStatus, lastMessage)
		}

		var wait time.Duration
		if class == classRateLimited {
			wait = parseRetryAfterSeconds(resp.Header.Get("Retry-After"))
			if wait <= 0 {
				wait = e.rateLimitFallback
			}
		} else {
			wait = time.Duration(attempt) * e.baseDelay
		}
		e.logf("retrying request method=%s path=%s attempt=%d class=%s wait=%s", op.Method, op.Path, attempt, class, wait)
		if waitErr := e.sleep(ctx, wait); waitErr != nil {
			return Result{}, waitErr
		}
	}
}

// throttle blocks until the fixed inter-request delay has elapsed since the
// previous request left, then claims the next slot.
func (e *Executor) throttle(ctx context.Context) error {
	e.mu.Lock()
	now := e.now()
	wait := e.nextAllowed.Sub(now)
	if wait < 0 {
		wait = 0
	}
	e.nextAllowed = now.Add(wait + e.requestDelay)
	e.mu.Unlock()
	if wait == 0 {
		return nil
	}
	return e.sleep(ctx, wait)
}

func apiErrorFromBody(status int, payload []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Message: strings.TrimSpace(string(payload))}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(payload, &envelope) == nil {
		if envelope.Error.Code != "" {
			apiErr.Code = envelope.Error.Code
		}
		if strings.TrimSpace(envelope.Error.Message) != "" {
			apiErr.Message = strings.TrimSpace(envelope.Error.Message)
		}
	}
	return apiErr
}

func errorMessageFromBody(payload []byte) string {
	return apiErrorFromBody(0, payload).Message
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
