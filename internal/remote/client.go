// Package remote provides the HTTP client for the record endpoint and the
// remote ledger store.
//
// The client classifies failures into transient and permanent so the retry
// policy can quarantine permanently rejected mutations immediately instead
// of burning the whole retry budget on them.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/pourlog/pourlog/internal/mutation"
)

// Error is a non-2xx response from the remote API.
type Error struct {
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("remote returned status %d: %s", e.StatusCode, e.Message)
}

// Permanent reports whether retrying the same request can ever succeed.
// Client errors are permanent except timeouts (408) and throttling (429);
// server errors and transport failures are transient.
func (e *Error) Permanent() bool {
	if e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests {
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// IsPermanent reports whether err is a permanent remote rejection.
// Transport errors and nil are not permanent.
func IsPermanent(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Permanent()
}

// Client talks to the remote record API.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *log.Logger
}

// NewClient creates a client for the record API at baseURL.
//
// No per-request timeout is imposed beyond the transport's: a write is
// fire-to-completion and the drain loop waits it out. If logger is nil, a
// default logger writing to stderr is used.
func NewClient(baseURL string, httpClient *http.Client, logger *log.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		logger:  logger,
	}
}

// createRequest is the record creation body.
type createRequest struct {
	LocalID       string  `json:"local_id"`
	GroupingID    string  `json:"grouping_id"`
	SubjectID     string  `json:"subject_id"`
	ItemRef       string  `json:"item_ref"`
	VolumeML      float64 `json:"volume_ml"`
	ABV           float64 `json:"abv"`
	ConsumedGrams int     `json:"consumed_grams"`
	Status        string  `json:"status"`
	CreatedAt     string  `json:"created_at"`
}

// createResponse is the record creation reply.
type createResponse struct {
	ID string `json:"id"`
}

// CreateRecord submits a mutation to the remote store and returns the
// remote record ID.
//
// The mutation's local ID is sent both in the body and as an
// X-Idempotency-Key header, so a deduplicating endpoint can reject the
// resubmission of an already confirmed write. A 409 response is therefore
// treated as success: the record already exists remotely.
func (c *Client) CreateRecord(ctx context.Context, m *mutation.Pending) (string, error) {
	body, err := json.Marshal(createRequest{
		LocalID:       m.LocalID,
		GroupingID:    m.GroupingID,
		SubjectID:     m.SubjectID,
		ItemRef:       m.Payload.ItemRef,
		VolumeML:      m.Payload.VolumeML,
		ABV:           m.Payload.ABV,
		ConsumedGrams: m.Payload.ConsumedGrams,
		Status:        string(m.Status),
		CreatedAt:     m.CreatedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode record: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/records", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Idempotency-Key", m.LocalID)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("record write failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		// Already confirmed by an earlier attempt whose response we lost.
		c.logger.Printf("Record %s already exists remotely, treating as confirmed", m.LocalID)
		var cr createResponse
		if err := json.NewDecoder(resp.Body).Decode(&cr); err == nil && cr.ID != "" {
			return cr.ID, nil
		}
		return m.LocalID, nil

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var cr createResponse
		if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
			return "", fmt.Errorf("failed to decode create response: %w", err)
		}
		if cr.ID == "" {
			return "", fmt.Errorf("create response missing record id")
		}
		return cr.ID, nil

	default:
		return "", readError(resp)
	}
}

// DeletedRecord describes a record the remote confirmed deleting.
type DeletedRecord struct {
	ID            string `json:"id"`
	SubjectID     string `json:"subject_id"`
	ConsumedGrams int    `json:"consumed_grams"`
}

// DeleteRecord deletes a previously confirmed record and returns what the
// remote reports was deleted, so the caller can incur the matching ledger
// debt.
func (c *Client) DeleteRecord(ctx context.Context, remoteID string) (*DeletedRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.baseURL+"/v1/records/"+remoteID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("record delete failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, readError(resp)
	}

	var dr DeletedRecord
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return nil, fmt.Errorf("failed to decode delete response: %w", err)
	}

	return &dr, nil
}

// readError turns a non-2xx response into an *Error, including the body's
// error message when the endpoint provides one.
func readError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var apiErr struct {
		Error string `json:"error"`
	}
	message := ""
	if err := json.Unmarshal(body, &apiErr); err == nil {
		message = apiErr.Error
	}

	return &Error{StatusCode: resp.StatusCode, Message: message}
}
