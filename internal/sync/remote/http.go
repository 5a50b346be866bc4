package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	apperrors "github.com/kimhsiao/formsync/internal/errors"
	"github.com/kimhsiao/formsync/internal/logging"
	"github.com/kimhsiao/formsync/internal/models"
)

const maxResponseBody = 1 << 20

// HTTPConfig holds endpoint client configuration.
type HTTPConfig struct {
	Endpoint string        // POST target, e.g. https://jsonplaceholder.typicode.com/posts
	UserID   int           // sent as userId (default: 1)
	Timeout  time.Duration // per request; zero leaves the caller's deadline in charge
}

// HTTPClient posts each record as JSON to a single endpoint.
type HTTPClient struct {
	endpoint string
	userID   int
	timeout  time.Duration
	client   *http.Client
}

// NewHTTPClient creates an HTTPClient.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	if cfg.UserID == 0 {
		cfg.UserID = 1
	}
	return &HTTPClient{
		endpoint: cfg.Endpoint,
		userID:   cfg.UserID,
		timeout:  cfg.Timeout,
		client:   &http.Client{},
	}
}

// Send POSTs rec. Any 2xx with an empty or well-formed JSON body is success.
// The record id travels as the Idempotency-Key header; an endpoint that
// ignores it may store a retried record twice.
func (c *HTTPClient) Send(ctx context.Context, rec *models.Record) (err error) {
	defer recoverSend(&err)

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	body, err := json.Marshal(NewSubmission(rec, c.userID))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrSyncFailed, "encode submission", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrSyncFailed, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(IdempotencyHeader, rec.ID.String())

	resp, err := c.client.Do(req)
	if err != nil {
		return classify(ctx, "post record", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return classify(ctx, "read response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apperrors.New(apperrors.ErrSyncFailed,
			fmt.Sprintf("endpoint returned %d: %s", resp.StatusCode, snippet(data)))
	}

	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}
	if !json.Valid(data) {
		return apperrors.New(apperrors.ErrSyncFailed, "malformed response body: "+snippet(data))
	}

	fields := map[string]interface{}{
		"record_id": rec.ID.String(),
		"status":    resp.StatusCode,
	}
	// Any valid JSON is an acknowledgement; only an object carries an id.
	var ack struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(data, &ack); err != nil {
		fields["ack_error"] = err.Error()
	} else if len(ack.ID) > 0 {
		fields["remote_id"] = string(ack.ID)
	}
	logging.Debug("Record delivered", fields)
	return nil
}

func snippet(b []byte) string {
	const limit = 200
	s := string(bytes.TrimSpace(b))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
