// Package backend talks to the document tutor backend: intent dispatch and
// page retrieval.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ent0n29/tutorvoice/internal/observability"
	"github.com/ent0n29/tutorvoice/internal/reliability"
	"github.com/ent0n29/tutorvoice/internal/voice"
)

const (
	actionPath   = "/api/assistant/action"
	maxAttempts  = 2
	retryBase    = 200 * time.Millisecond
	retryCap     = 2 * time.Second
	errBodyLimit = 4 << 10
)

// Client holds the shared HTTP plumbing for the dispatcher and the reader.
type Client struct {
	baseURL string
	client  *http.Client
	log     logrus.FieldLogger
	metrics *observability.Metrics
}

func NewClient(baseURL string, timeout time.Duration, log logrus.FieldLogger, metrics *observability.Metrics) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client: &http.Client{
			Timeout: timeout,
		},
		log:     log.WithField("component", "backend"),
		metrics: metrics,
	}
}

// ResolveAudioURL makes a backend audio reference playable by the client.
// Absolute URLs are kept, rooted paths are joined to the backend and bare
// names live under /audio/.
func (c *Client) ResolveAudioURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if u, err := url.Parse(raw); err == nil && u.Scheme != "" && u.Host != "" {
		return raw
	}
	if strings.HasPrefix(raw, "/") {
		return c.baseURL + raw
	}
	return c.baseURL + "/audio/" + raw
}

// HTTPDispatcher posts resolved intents to the backend action endpoint.
type HTTPDispatcher struct {
	*Client
}

func NewHTTPDispatcher(c *Client) *HTTPDispatcher {
	return &HTTPDispatcher{Client: c}
}

func (d *HTTPDispatcher) Dispatch(ctx context.Context, req voice.ActionRequest) (*voice.ActionResponse, error) {
	payload, err := json.Marshal(actionBody(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, retryBase, retryCap)
			d.log.WithFields(logrus.Fields{
				"intent":  req.Intent,
				"attempt": attempt + 1,
				"wait":    wait,
			}).WithError(lastErr).Warn("retrying backend action")
			select {
			case <-ctx.Done():
				return nil, d.finish(start, &voice.DispatchError{Err: ctx.Err()})
			case <-time.After(wait):
			}
		}

		res, err := d.post(ctx, payload)
		if err == nil {
			return res, d.finish(start, nil)
		}
		lastErr = err
		var derr *voice.DispatchError
		if !errors.As(err, &derr) || !derr.Retryable {
			break
		}
	}
	return nil, d.finish(start, lastErr)
}

func (d *HTTPDispatcher) finish(start time.Time, err error) error {
	if err == nil {
		return nil
	}
	d.log.WithFields(logrus.Fields{
		"elapsed": time.Since(start),
	}).WithError(err).Warn("backend action failed")
	status := 0
	var derr *voice.DispatchError
	if errors.As(err, &derr) {
		status = derr.Status
	}
	d.metrics.ObserveDispatchError(reliability.FailureKind(status, err))
	return err
}

func (d *HTTPDispatcher) post(ctx context.Context, payload []byte) (*voice.ActionResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+actionPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := d.client.Do(httpReq)
	if err != nil {
		return nil, &voice.DispatchError{
			Retryable: reliability.IsRetryableTransportError(err),
			Err:       fmt.Errorf("send request: %w", err),
		}
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, errBodyLimit))
		return nil, &voice.DispatchError{
			Status:    res.StatusCode,
			Retryable: reliability.IsRetryableHTTPStatus(res.StatusCode),
			Err:       fmt.Errorf("backend: %s", strings.TrimSpace(string(body))),
		}
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, &voice.DispatchError{Err: fmt.Errorf("read response: %w", err)}
	}
	// An empty or null body is a valid answer with nothing in it.
	if trimmed := bytes.TrimSpace(body); len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	var out voice.ActionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &voice.DispatchError{Err: fmt.Errorf("decode response: %w", err)}
	}
	out.AudioURL = d.ResolveAudioURL(out.AudioURL)
	return &out, nil
}

// actionBody flattens entities next to the fixed request fields. Fixed
// fields win over entities with the same name.
func actionBody(req voice.ActionRequest) map[string]any {
	body := make(map[string]any, len(req.Entities)+4)
	for k, v := range req.Entities {
		body[k] = v
	}
	body["doc_id"] = req.DocID
	body["page"] = req.Page
	if req.Intent != "" {
		body["intent"] = req.Intent
	}
	if req.Utterance != "" {
		body["user_utterance"] = req.Utterance
	}
	return body
}

// HTTPReader loads page text from the backend document endpoint.
type HTTPReader struct {
	*Client
}

func NewHTTPReader(c *Client) *HTTPReader {
	return &HTTPReader{Client: c}
}

func (r *HTTPReader) LoadPage(ctx context.Context, docID string, page int) (voice.Page, error) {
	endpoint := fmt.Sprintf("%s/api/doc/%s/page/%d", r.baseURL, url.PathEscape(docID), page)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return voice.Page{}, fmt.Errorf("create request: %w", err)
	}

	res, err := r.client.Do(httpReq)
	if err != nil {
		return voice.Page{}, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, errBodyLimit))
		return voice.Page{}, fmt.Errorf("page %d of %s: status %d: %s", page, docID, res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out voice.Page
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return voice.Page{}, fmt.Errorf("decode page: %w", err)
	}
	return out, nil
}
