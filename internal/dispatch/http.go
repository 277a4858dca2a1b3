package dispatch

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxResultSize caps the result payload read from a connector response (1MB).
const maxResultSize = 1 << 20

// HTTPConnector executes actions by posting them to a connector service over
// HTTP with an HMAC-signed body. The remote replies 2xx with a JSON result
// payload, 404 for an action it does not implement, other 4xx for permanent
// failures, and 5xx for transient ones.
type HTTPConnector struct {
	service string
	url     string
	secret  string
	timeout time.Duration
	client  *http.Client
}

func NewHTTPConnector(service, url, secret string, timeout time.Duration) *HTTPConnector {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPConnector{
		service: service,
		url:     url,
		secret:  secret,
		timeout: timeout,
		client:  &http.Client{},
	}
}

type connectorPayload struct {
	TaskID     string         `json:"task_id"`
	Action     string         `json:"action"`
	Credential string         `json:"credential_ref,omitempty"`
	Params     map[string]any `json:"params"`
}

// Execute posts the action with HMAC signature.
// Headers: X-Conatus-Task-ID (for de-duplication), X-Conatus-Signature.
func (c *HTTPConnector) Execute(ctx context.Context, req Request) (json.RawMessage, error) {
	body, err := json.Marshal(connectorPayload{
		TaskID:     req.TaskID,
		Action:     req.Action,
		Credential: req.Credential,
		Params:     req.Params,
	})
	if err != nil {
		return nil, &ExecutionError{
			Service: c.service, Action: req.Action, Permanent: true,
			Err: fmt.Errorf("marshal: %w", err),
		}
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctxTimeout, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, &ExecutionError{
			Service: c.service, Action: req.Action, Permanent: true,
			Err: fmt.Errorf("create request: %w", err),
		}
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Conatus-Task-ID", req.TaskID)
	httpReq.Header.Set("X-Conatus-Signature", ComputeSignature(c.secret, body))

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &ExecutionError{
			Service: c.service, Action: req.Action,
			Err: fmt.Errorf("send: %w", err),
		}
	}
	defer resp.Body.Close()

	result, err := io.ReadAll(io.LimitReader(resp.Body, maxResultSize))
	if err != nil {
		return nil, &ExecutionError{
			Service: c.service, Action: req.Action,
			Err: fmt.Errorf("read response: %w", err),
		}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return result, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, &ExecutionError{
			Service: c.service, Action: req.Action, Permanent: true,
			Err: fmt.Errorf("%w: %q", ErrUnknownAction, req.Action),
		}
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return nil, &ExecutionError{
			Service: c.service, Action: req.Action, Permanent: true,
			Err: fmt.Errorf("connector rejected request: status %d", resp.StatusCode),
		}
	default:
		return nil, &ExecutionError{
			Service: c.service, Action: req.Action,
			Err: fmt.Errorf("connector unavailable: status %d", resp.StatusCode),
		}
	}
}

// ComputeSignature returns the hex HMAC-SHA256 of body under secret.
func ComputeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature is for connector services to verify incoming requests.
func VerifySignature(secret string, body []byte, signature string) bool {
	expected := ComputeSignature(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
