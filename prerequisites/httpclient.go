package prerequisites

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/songzhibin97/process-engine/placeholder"
	"github.com/songzhibin97/process-engine/types"
)

const maxResponseBody = 1 << 20

var errServerStatus = errors.New("server error status")

// Request is an outbound external_api call.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
	Timeout time.Duration
}

// HTTPClient performs external_api calls. Implementations must honor ctx.
type HTTPClient interface {
	Do(ctx context.Context, req Request) (status int, body []byte, err error)
}

// HTTPClientFunc is a function adapter for HTTPClient.
type HTTPClientFunc func(ctx context.Context, req Request) (int, []byte, error)

// Do implements HTTPClient.
func (f HTTPClientFunc) Do(ctx context.Context, req Request) (int, []byte, error) {
	return f(ctx, req)
}

// BreakerClient is an HTTPClient on net/http with one circuit breaker per
// host. Transport errors and 5xx responses count as breaker failures; an
// open breaker fails calls immediately.
type BreakerClient struct {
	client   *http.Client
	settings gobreaker.Settings
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerClient wraps client, or http.DefaultClient when nil.
func NewBreakerClient(client *http.Client) *BreakerClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &BreakerClient{
		client: client,
		settings: gobreaker.Settings{
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		},
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

type response struct {
	status int
	body   []byte
}

// Do sends req through the breaker of its host.
func (c *BreakerClient) Do(ctx context.Context, req Request) (int, []byte, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return 0, nil, fmt.Errorf("invalid url %q: %w", req.URL, err)
	}
	if u.Host == "" {
		return 0, nil, fmt.Errorf("invalid url %q: missing host", req.URL)
	}

	out, err := c.breaker(u.Host).Execute(func() (interface{}, error) {
		return c.send(ctx, req)
	})
	if errors.Is(err, errServerStatus) {
		err = nil
	}
	if err != nil {
		return 0, nil, err
	}
	res := out.(response)
	return res.status, res.body, nil
}

func (c *BreakerClient) send(ctx context.Context, req Request) (interface{}, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, err
	}
	hreq.Header.Set("X-Request-ID", uuid.NewString())
	if len(req.Body) > 0 {
		hreq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		hreq.Header.Set(k, v)
	}

	resp, err := c.client.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	res := response{status: resp.StatusCode, body: data}
	if resp.StatusCode >= http.StatusInternalServerError {
		return res, errServerStatus
	}
	return res, nil
}

func (c *BreakerClient) breaker(host string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[host]; ok {
		return cb
	}
	settings := c.settings
	settings.Name = "external_api:" + host
	cb := gobreaker.NewCircuitBreaker(settings)
	c.breakers[host] = cb
	return cb
}

// checkExternalAPI calls the templated URL and compares the status code.
// The call is abandoned once the timeout elapses even if the client ignores ctx.
func (e *Evaluator) checkExternalAPI(ctx context.Context, pre types.Prerequisite, p types.Process) (bool, string) {
	fields := templateFields(p)
	req := Request{
		Method:  strings.ToUpper(pre.Method),
		URL:     placeholder.SubstituteEscaped(pre.URL, fields, url.QueryEscape),
		Timeout: e.apiTimeout,
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if pre.TimeoutSeconds > 0 {
		req.Timeout = time.Duration(pre.TimeoutSeconds * float64(time.Second))
	}
	if pre.Body != "" {
		req.Body = []byte(placeholder.SubstituteEscaped(pre.Body, fields, placeholder.JSONEscape))
	}
	if len(pre.Headers) > 0 {
		req.Headers = make(map[string]string, len(pre.Headers))
		for k, v := range pre.Headers {
			req.Headers[k] = placeholder.Substitute(v, fields)
		}
	}
	want := pre.ExpectedStatus
	if want == 0 {
		want = http.StatusOK
	}

	ctx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	type outcome struct {
		status int
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("http client panicked: %v", r)}
			}
		}()
		status, _, err := e.client.Do(ctx, req)
		ch <- outcome{status: status, err: err}
	}()

	var res outcome
	select {
	case res = <-ch:
	case <-ctx.Done():
		res = outcome{err: fmt.Errorf("timed out after %s: %w", req.Timeout, ctx.Err())}
	}

	if res.err != nil {
		return false, fmt.Sprintf("%s %s failed: %v", req.Method, req.URL, res.err)
	}
	if res.status != want {
		return false, fmt.Sprintf("%s %s returned status %d, expected %d", req.Method, req.URL, res.status, want)
	}
	return true, fmt.Sprintf("%s %s returned status %d", req.Method, req.URL, res.status)
}

// templateFields exposes process metadata next to the data snapshot.
func templateFields(p types.Process) map[string]interface{} {
	fields := types.CopyMap(p.Data)
	if fields == nil {
		fields = make(map[string]interface{}, 4)
	}
	fields["process_id"] = p.ID
	fields["workflow_id"] = p.WorkflowID
	fields["current_state"] = p.CurrentState
	fields["source_record_id"] = p.SourceRecordID
	return fields
}
