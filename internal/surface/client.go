package surface

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/im-red/failed-requests-monitor/internal/failurelog"
	"github.com/im-red/failed-requests-monitor/internal/httpapi"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// RequestError is a protocol request the engine answered with ok=false.
type RequestError struct {
	Type    string
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s rejected: %s", e.Type, e.Message)
}

// Client is what an inspection surface needs from the engine.
type Client interface {
	ListFailures(ctx context.Context) ([]failurelog.FailureRecord, error)
	TabFailures(ctx context.Context, tabID int) ([]failurelog.FailureRecord, error)
	Badge(ctx context.Context, tabID int) (failurelog.BadgeState, error)
	Status(ctx context.Context) (httpapi.StatusResponse, error)
	Clear(ctx context.Context) error
	Remove(ctx context.Context, id string) error
}

type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *HTTPClient) ListFailures(ctx context.Context) ([]failurelog.FailureRecord, error) {
	var resp httpapi.FailuresResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/failures", nil, &resp); err != nil {
		return nil, err
	}
	return resp.FailedRequests, nil
}

func (c *HTTPClient) TabFailures(ctx context.Context, tabID int) ([]failurelog.FailureRecord, error) {
	query := url.Values{}
	query.Set("tabId", strconv.Itoa(tabID))
	var resp httpapi.FailuresResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/failures?"+query.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.FailedRequests, nil
}

func (c *HTTPClient) Badge(ctx context.Context, tabID int) (failurelog.BadgeState, error) {
	var state failurelog.BadgeState
	err := c.doJSON(ctx, http.MethodGet, "/v1/tabs/"+strconv.Itoa(tabID)+"/badge", nil, &state)
	return state, err
}

func (c *HTTPClient) Status(ctx context.Context) (httpapi.StatusResponse, error) {
	var status httpapi.StatusResponse
	err := c.doJSON(ctx, http.MethodGet, "/v1/status", nil, &status)
	return status, err
}

func (c *HTTPClient) Clear(ctx context.Context) error {
	return c.send(ctx, failurelog.Message{Type: failurelog.MessageClearFailures})
}

func (c *HTTPClient) Remove(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return failurelog.ErrInvalidInput
	}
	return c.send(ctx, failurelog.Message{Type: failurelog.MessageRemoveFailure, ID: id})
}

func (c *HTTPClient) send(ctx context.Context, msg failurelog.Message) error {
	var resp failurelog.Response
	if err := c.doJSON(ctx, http.MethodPost, "/v1/messages", msg, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return &RequestError{Type: msg.Type, Message: resp.Error}
	}
	return nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

// IsNotFound reports whether err is a 404 from the engine.
func IsNotFound(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound
}

func correlationID() string {
	return "surface_" + uuid.NewString()
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
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
