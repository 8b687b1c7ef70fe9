package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/omrozmn/x-ear-sub010/internal/record"
)

func testClient(t *testing.T, baseURL string, mutate func(*Config)) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BaseURL = baseURL
	cfg.DeviceID = "dev-1"
	if mutate != nil {
		mutate(cfg)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return c
}

func testOp() *record.Operation {
	return &record.Operation{
		ID:             "op-1",
		Kind:           "patients",
		EntityID:       "pat-1",
		Method:         record.MethodPut,
		Endpoint:       "/api/patients/pat-1",
		Payload:        json.RawMessage(`{"firstName":"Ayşe","phone":"+90 530 000 0000"}`),
		IdempotencyKey: "abcd1234-pat-1-put-7",
		Status:         record.OpQueued,
	}
}

func TestNew_RequiresBaseURL(t *testing.T) {
	if _, err := New(&Config{}); err == nil {
		t.Fatal("expected error for missing base URL")
	}
}

func TestSend_CarriesIdempotencyKey(t *testing.T) {
	var gotMethod, gotKey, gotDevice, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotKey = r.Header.Get("Idempotency-Key")
		gotDevice = r.Header.Get("X-Device-Id")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, nil)
	if err := c.Send(context.Background(), testOp()); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if gotMethod != "PUT" {
		t.Errorf("method = %s, want PUT", gotMethod)
	}
	if gotKey != "abcd1234-pat-1-put-7" {
		t.Errorf("idempotency key = %q", gotKey)
	}
	if gotDevice != "dev-1" {
		t.Errorf("device header = %q", gotDevice)
	}
	if gotBody == "" {
		t.Error("payload was not delivered")
	}
}

func TestSend_DeleteHasNoBody(t *testing.T) {
	var gotMethod string
	var gotLen int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		body, _ := io.ReadAll(r.Body)
		gotLen = len(body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	op := testOp()
	op.Method = record.MethodDelete
	c := testClient(t, srv.URL, nil)
	if err := c.Send(context.Background(), op); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if gotMethod != "DELETE" || gotLen != 0 {
		t.Errorf("got %s with %d body bytes, want bare DELETE", gotMethod, gotLen)
	}
}

func TestSend_ValidationErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		fmt.Fprint(w, `{"code":"invalid_phone","message":"phone must be E.164"}`)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, nil)
	err := c.Send(context.Background(), testOp())
	if err == nil {
		t.Fatal("expected error")
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %T: %v", err, err)
	}
	if verr.StatusCode != http.StatusUnprocessableEntity || verr.Code != "invalid_phone" {
		t.Errorf("unexpected classification: %+v", verr)
	}
	if IsNetwork(err) {
		t.Error("validation failure must not look transient")
	}
	if !IsValidation(err) {
		t.Error("IsValidation should match")
	}
}

func TestSend_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, nil)
	err := c.Send(context.Background(), testOp())
	var ne *NetworkError
	if !errors.As(err, &ne) {
		t.Fatalf("expected NetworkError, got %T: %v", err, err)
	}
	if ne.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", ne.StatusCode)
	}
}

func TestSend_ThrottledIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, nil)
	if err := c.Send(context.Background(), testOp()); !IsNetwork(err) {
		t.Fatalf("429 should classify transient, got %v", err)
	}
}

func TestSend_TransportFailureReportsUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	baseURL := srv.URL
	srv.Close()

	var reachable atomic.Bool
	reachable.Store(true)
	c := testClient(t, baseURL, func(cfg *Config) {
		cfg.Observer = func(ok bool) { reachable.Store(ok) }
	})
	err := c.Send(context.Background(), testOp())
	if !IsNetwork(err) {
		t.Fatalf("expected NetworkError, got %v", err)
	}
	if reachable.Load() {
		t.Error("observer should have seen the transport failure")
	}
}

func TestSend_SuccessReportsReachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var reachable atomic.Bool
	c := testClient(t, srv.URL, func(cfg *Config) {
		cfg.Observer = func(ok bool) { reachable.Store(ok) }
	})
	if err := c.Send(context.Background(), testOp()); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if !reachable.Load() {
		t.Error("observer should have seen the server respond")
	}
}

func pullBody(ids []string, hasNext bool, next string) string {
	items := make([]string, 0, len(ids))
	for i, id := range ids {
		items = append(items, fmt.Sprintf(
			`{"id":%q,"firstName":"P%d","updatedAt":"2026-08-20T10:0%d:00Z"}`, id, i, i))
	}
	return fmt.Sprintf(`{"data":[%s],"pagination":{"hasNext":%t,"nextCursor":%q}}`,
		joinComma(items), hasNext, next)
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}

func TestPullPage_DecodesPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, pullBody([]string{"pat-1", "pat-2"}, true, "cursor-2"))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, nil)
	page, err := c.PullPage(context.Background(), "/api/patients", "")
	if err != nil {
		t.Fatalf("PullPage failed: %v", err)
	}
	if len(page.Records) != 2 {
		t.Fatalf("got %d records, want 2", len(page.Records))
	}
	if page.Records[0].ID != "pat-1" || page.Records[0].UpdatedAt.IsZero() {
		t.Errorf("first record not decoded: %+v", page.Records[0])
	}
	if !page.HasNext || page.NextCursor != "cursor-2" {
		t.Errorf("pagination not decoded: hasNext=%t next=%q", page.HasNext, page.NextCursor)
	}
}

func TestPullPage_SendsCursorAndLimit(t *testing.T) {
	var gotCursor, gotLimit string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCursor = r.URL.Query().Get("cursor")
		gotLimit = r.URL.Query().Get("limit")
		fmt.Fprint(w, pullBody(nil, false, ""))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, func(cfg *Config) { cfg.PageSize = 25 })
	if _, err := c.PullPage(context.Background(), "/api/patients", "cursor-9"); err != nil {
		t.Fatalf("PullPage failed: %v", err)
	}
	if gotCursor != "cursor-9" || gotLimit != "25" {
		t.Errorf("query = cursor=%q limit=%q", gotCursor, gotLimit)
	}
}

func TestPullPage_SkipsRecordsWithoutID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[{"id":"pat-1","updatedAt":"2026-08-20T10:00:00Z"},{"firstName":"orphan"}],"pagination":{"hasNext":false,"nextCursor":""}}`)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, nil)
	page, err := c.PullPage(context.Background(), "/api/patients", "")
	if err != nil {
		t.Fatalf("PullPage failed: %v", err)
	}
	if len(page.Records) != 1 || page.Records[0].ID != "pat-1" {
		t.Errorf("expected only the well-formed record, got %+v", page.Records)
	}
}

func TestPullPage_RetriesTransient(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			http.Error(w, "flaky", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, pullBody([]string{"pat-1"}, false, ""))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, func(cfg *Config) { cfg.MaxPullTries = 5 })
	page, err := c.PullPage(context.Background(), "/api/patients", "")
	if err != nil {
		t.Fatalf("PullPage should have recovered: %v", err)
	}
	if len(page.Records) != 1 {
		t.Errorf("got %d records, want 1", len(page.Records))
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestPullPage_DoesNotRetryPermanent(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "no such collection", http.StatusNotFound)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, func(cfg *Config) { cfg.MaxPullTries = 5 })
	_, err := c.PullPage(context.Background(), "/api/nothing", "")
	if !IsValidation(err) {
		t.Fatalf("expected permanent rejection, got %v", err)
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
}

func TestPullPage_GivesUpAfterMaxTries(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, func(cfg *Config) { cfg.MaxPullTries = 2 })
	_, err := c.PullPage(context.Background(), "/api/patients", "")
	if !IsNetwork(err) {
		t.Fatalf("expected NetworkError after exhausting tries, got %v", err)
	}
	if got := attempts.Load(); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
}

func TestCheckVersion(t *testing.T) {
	tests := []struct {
		name        string
		server      string
		minimum     string
		wantErr     bool
		wantTooOld  bool
		wantVersion string
	}{
		{name: "meets minimum", server: "2.4.0", minimum: "2.0.0", wantVersion: "2.4.0"},
		{name: "v prefix accepted", server: "v2.4.0", minimum: "2.0.0", wantVersion: "v2.4.0"},
		{name: "below minimum", server: "1.9.3", minimum: "2.0.0", wantErr: true, wantTooOld: true},
		{name: "no minimum configured", server: "0.1.0", wantVersion: "0.1.0"},
		{name: "garbage version", server: "yesterday", minimum: "2.0.0", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/api/version" {
					http.NotFound(w, r)
					return
				}
				fmt.Fprintf(w, `{"version":%q}`, tt.server)
			}))
			defer srv.Close()

			c := testClient(t, srv.URL, func(cfg *Config) { cfg.MinServerVersion = tt.minimum })
			got, err := c.CheckVersion(context.Background())
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				var verr *VersionError
				if tt.wantTooOld != errors.As(err, &verr) {
					t.Errorf("VersionError mismatch: %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("CheckVersion failed: %v", err)
			}
			if got != tt.wantVersion {
				t.Errorf("version = %q, want %q", got, tt.wantVersion)
			}
		})
	}
}

func TestPullPage_HonorsContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	c := testClient(t, srv.URL, func(cfg *Config) { cfg.MaxPullTries = 10 })
	start := time.Now()
	if _, err := c.PullPage(ctx, "/api/patients", ""); err == nil {
		t.Fatal("expected failure under canceled context")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("retry loop ignored cancellation, ran %v", elapsed)
	}
}
