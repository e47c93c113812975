package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pourlog/pourlog/internal/ledger"
)

// LedgerStore implements ledger.Store against the remote ledger API.
//
// The API exposes fetch-current / write-back, not an atomic server-side
// increment, which is why the ledger service serializes access per subject.
type LedgerStore struct {
	client *Client
}

// NewLedgerStore creates a remote-backed account store sharing the given
// client's base URL and transport.
func NewLedgerStore(client *Client) *LedgerStore {
	return &LedgerStore{client: client}
}

type accountDoc struct {
	SubjectID   string `json:"subject_id"`
	TotalPoints int    `json:"total_points"`
	DebtPoints  int    `json:"debt_points"`
	UpdatedAt   string `json:"updated_at"`
}

// FetchAccount implements ledger.Store. A 404 yields a zero-balance
// account, matching the local stores.
func (s *LedgerStore) FetchAccount(ctx context.Context, subjectID string) (*ledger.Account, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.client.baseURL+"/v1/ledger/"+subjectID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := s.client.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ledger fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &ledger.Account{SubjectID: subjectID}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, readError(resp)
	}

	var doc accountDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode account: %w", err)
	}

	account := &ledger.Account{
		SubjectID:   doc.SubjectID,
		TotalPoints: doc.TotalPoints,
		DebtPoints:  doc.DebtPoints,
	}
	if doc.UpdatedAt != "" {
		account.UpdatedAt, err = time.Parse(time.RFC3339Nano, doc.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse updated_at: %w", err)
		}
	}

	return account, nil
}

// StoreAccount implements ledger.Store.
func (s *LedgerStore) StoreAccount(ctx context.Context, account *ledger.Account) error {
	body, err := json.Marshal(accountDoc{
		SubjectID:   account.SubjectID,
		TotalPoints: account.TotalPoints,
		DebtPoints:  account.DebtPoints,
		UpdatedAt:   account.UpdatedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("failed to encode account: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		s.client.baseURL+"/v1/ledger/"+account.SubjectID, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.http.Do(req)
	if err != nil {
		return fmt.Errorf("ledger write failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return readError(resp)
	}

	return nil
}
