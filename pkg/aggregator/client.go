package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultTimeout bounds every outbound aggregator call.
const DefaultTimeout = 30 * time.Second

// httpClient is the transport shared by the provider clients.
type httpClient struct {
	provider   string
	httpClient *http.Client
	headers    map[string]string
}

func newHTTPClient(provider string, timeout time.Duration, headers map[string]string) *httpClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &httpClient{
		provider:   provider,
		httpClient: &http.Client{Timeout: timeout},
		headers:    headers,
	}
}

// postJSON sends payload to url and decodes a 2xx JSON body into a generic map.
// Non-2xx responses and transport failures are returned as *Error.
func (c *httpClient) postJSON(ctx context.Context, op, url string, payload interface{}) (map[string]any, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create %s request: %w", op, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for key, value := range c.headers {
		if strings.TrimSpace(value) != "" {
			req.Header.Set(key, value)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("level=warn component=aggregator_client provider=%s op=%s msg=\"request failed\" err=%v", c.provider, op, err)
		return nil, nil, &Error{
			Kind:      KindTransport,
			Provider:  c.provider,
			Operation: op,
			Message:   transportMessage(err),
			Err:       err,
		}
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, &Error{
			Kind:       KindTransport,
			Provider:   c.provider,
			Operation:  op,
			Message:    "failed to read response body",
			StatusCode: resp.StatusCode,
			Err:        err,
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		kind := KindRejected
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout {
			kind = KindTransport
		}
		message := errorMessage(bodyBytes)
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		log.Printf("level=warn component=aggregator_client provider=%s op=%s status=%d kind=%s msg=%q", c.provider, op, resp.StatusCode, kind, message)
		return nil, bodyBytes, &Error{
			Kind:       kind,
			Provider:   c.provider,
			Operation:  op,
			Message:    message,
			StatusCode: resp.StatusCode,
			RawPayload: bodyBytes,
		}
	}

	decoded := map[string]any{}
	if len(bytes.TrimSpace(bodyBytes)) > 0 {
		if err := json.Unmarshal(bodyBytes, &decoded); err != nil {
			// Outcome unknown: treat like a lost response.
			return nil, bodyBytes, &Error{
				Kind:       KindTransport,
				Provider:   c.provider,
				Operation:  op,
				Message:    "failed to decode success response",
				StatusCode: resp.StatusCode,
				RawPayload: bodyBytes,
				Err:        err,
			}
		}
	}
	return decoded, bodyBytes, nil
}

func (c *httpClient) rejected(op, message string, raw []byte) *Error {
	log.Printf("level=warn component=aggregator_client provider=%s op=%s kind=rejected msg=%q", c.provider, op, message)
	return &Error{
		Kind:       KindRejected,
		Provider:   c.provider,
		Operation:  op,
		Message:    message,
		RawPayload: raw,
	}
}

// unknownOutcome reports a 2xx answer the client cannot classify. The request may
// or may not have been taken, so it is surfaced as a transport failure.
func (c *httpClient) unknownOutcome(op, message string, raw []byte) *Error {
	log.Printf("level=warn component=aggregator_client provider=%s op=%s kind=transport msg=%q", c.provider, op, message)
	return &Error{
		Kind:       KindTransport,
		Provider:   c.provider,
		Operation:  op,
		Message:    message,
		RawPayload: raw,
	}
}

func transportMessage(err error) string {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "aggregator request timed out"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "aggregator request timed out"
	}
	return "aggregator unreachable"
}

// errorMessage pulls a human-readable message out of the common error body shapes.
func errorMessage(body []byte) string {
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return strings.TrimSpace(string(body))
	}
	for _, path := range []string{"message", "failureReason.failureMessage", "error.message", "errorMessage", "response_text", "description", "error"} {
		if value := lookupString(decoded, path); value != "" {
			return value
		}
	}
	return ""
}

// lookupString walks a dotted path through nested JSON objects.
func lookupString(payload map[string]any, path string) string {
	var current any = payload
	for _, segment := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return ""
		}
		current, ok = obj[segment]
		if !ok {
			return ""
		}
	}
	switch v := current.(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

func joinURL(base, path string) string {
	return strings.TrimSuffix(strings.TrimSpace(base), "/") + "/" + strings.TrimPrefix(strings.TrimSpace(path), "/")
}
