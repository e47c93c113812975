package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pourlog/pourlog/internal/ledger"
	"github.com/pourlog/pourlog/internal/mutation"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func testMutation(t *testing.T) *mutation.Pending {
	t.Helper()
	return mutation.New("evt-1", "subj-1", mutation.Payload{
		ItemRef:       "item-stout-440",
		VolumeML:      440,
		ABV:           0.048,
		ConsumedGrams: 17,
	}, mutation.StatusApproved)
}

func TestCreateRecord(t *testing.T) {
	m := testMutation(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/records" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("X-Idempotency-Key"); got != m.LocalID {
			t.Errorf("expected idempotency key %s, got %s", m.LocalID, got)
		}

		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		if body["local_id"] != m.LocalID {
			t.Errorf("expected local_id %s in body, got %v", m.LocalID, body["local_id"])
		}
		if body["subject_id"] != "subj-1" {
			t.Errorf("unexpected subject_id: %v", body["subject_id"])
		}

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "rec-42"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, testLogger())
	id, err := c.CreateRecord(context.Background(), m)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if id != "rec-42" {
		t.Errorf("expected remote id rec-42, got %s", id)
	}
}

func TestCreateRecordConflictIsConfirmed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "rec-earlier"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, testLogger())
	id, err := c.CreateRecord(context.Background(), testMutation(t))
	if err != nil {
		t.Fatalf("409 must be treated as success, got %v", err)
	}
	if id != "rec-earlier" {
		t.Errorf("expected the already-confirmed id, got %s", id)
	}
}

func TestCreateRecordConflictWithoutBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	m := testMutation(t)
	c := NewClient(srv.URL, nil, testLogger())
	id, err := c.CreateRecord(context.Background(), m)
	if err != nil {
		t.Fatalf("409 must be treated as success, got %v", err)
	}
	if id != m.LocalID {
		t.Errorf("expected fallback to local id %s, got %s", m.LocalID, id)
	}
}

func TestCreateRecordErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		permanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusUnauthorized, true},
		{http.StatusUnprocessableEntity, true},
		{http.StatusRequestTimeout, false},
		{http.StatusTooManyRequests, false},
		{http.StatusInternalServerError, false},
		{http.StatusBadGateway, false},
	}

	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "rejected"})
		}))

		c := NewClient(srv.URL, nil, testLogger())
		_, err := c.CreateRecord(context.Background(), testMutation(t))
		srv.Close()

		if err == nil {
			t.Errorf("status %d: expected error", tt.status)
			continue
		}
		if got := IsPermanent(err); got != tt.permanent {
			t.Errorf("status %d: IsPermanent = %v, want %v", tt.status, got, tt.permanent)
		}

		var re *Error
		if !errors.As(err, &re) {
			t.Errorf("status %d: expected *Error, got %T", tt.status, err)
			continue
		}
		if re.Message != "rejected" {
			t.Errorf("status %d: expected body message, got %q", tt.status, re.Message)
		}
	}
}

func TestIsPermanentTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := NewClient(srv.URL, nil, testLogger())
	_, err := c.CreateRecord(context.Background(), testMutation(t))
	if err == nil {
		t.Fatal("expected transport error")
	}
	if IsPermanent(err) {
		t.Error("transport failures are transient")
	}
}

func TestDeleteRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/v1/records/rec-42" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(DeletedRecord{
			ID: "rec-42", SubjectID: "subj-1", ConsumedGrams: 17,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, testLogger())
	dr, err := c.DeleteRecord(context.Background(), "rec-42")
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if dr.SubjectID != "subj-1" || dr.ConsumedGrams != 17 {
		t.Errorf("unexpected deleted record: %+v", dr)
	}
}

func TestDeleteRecordNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, testLogger())
	if _, err := c.DeleteRecord(context.Background(), "rec-missing"); !IsPermanent(err) {
		t.Errorf("expected permanent 404, got %v", err)
	}
}

func TestLedgerStoreFetch(t *testing.T) {
	updated := time.Now().UTC().Truncate(time.Millisecond)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/ledger/subj-1" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(accountDoc{
			SubjectID:   "subj-1",
			TotalPoints: 42,
			DebtPoints:  3,
			UpdatedAt:   updated.Format(time.RFC3339Nano),
		})
	}))
	defer srv.Close()

	s := NewLedgerStore(NewClient(srv.URL, nil, testLogger()))
	account, err := s.FetchAccount(context.Background(), "subj-1")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if account.TotalPoints != 42 || account.DebtPoints != 3 {
		t.Errorf("unexpected account: %+v", account)
	}
	if !account.UpdatedAt.Equal(updated) {
		t.Errorf("expected updated_at %v, got %v", updated, account.UpdatedAt)
	}
}

func TestLedgerStoreFetchNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	s := NewLedgerStore(NewClient(srv.URL, nil, testLogger()))
	account, err := s.FetchAccount(context.Background(), "subj-new")
	if err != nil {
		t.Fatalf("404 must yield a zero account, got %v", err)
	}
	if account.SubjectID != "subj-new" || account.TotalPoints != 0 || account.DebtPoints != 0 {
		t.Errorf("expected zero account, got %+v", account)
	}
}

func TestLedgerStoreStore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/v1/ledger/subj-1" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var doc accountDoc
		if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		if doc.TotalPoints != 50 {
			t.Errorf("expected total 50, got %d", doc.TotalPoints)
		}
	}))
	defer srv.Close()

	s := NewLedgerStore(NewClient(srv.URL, nil, testLogger()))
	err := s.StoreAccount(context.Background(), &ledger.Account{
		SubjectID:   "subj-1",
		TotalPoints: 50,
		UpdatedAt:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("store failed: %v", err)
	}
}
