package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vietddude/txfees/internal/core/clock"
	"github.com/vietddude/txfees/internal/core/domain"
	"github.com/vietddude/txfees/internal/infra/storage/memory"
)

type recordingNotifier struct {
	pushed []int64
	err    error
}

func (n *recordingNotifier) PushJob(_ context.Context, jobID int64) error {
	if n.err != nil {
		return n.err
	}
	n.pushed = append(n.pushed, jobID)
	return nil
}

func newTestServer(t *testing.T) (*Server, *memory.Storage, *recordingNotifier) {
	t.Helper()
	store := memory.NewStorage()
	notifier := &recordingNotifier{}
	clk := clock.NewFake(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	server := NewServer(
		Config{Port: 0},
		memory.NewJobRepo(store),
		memory.NewFeeRepo(store),
		memory.NewBlockRepo(store),
		notifier,
		nil,
		clk,
	)
	return server, store, notifier
}

func doRequest(t *testing.T, server *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestSubmitJob(t *testing.T) {
	server, _, notifier := newTestServer(t)

	rec := doRequest(t, server, http.MethodPost, "/v1/jobs",
		`{"start_time":1700000000,"end_time":1700003600}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}

	var resp struct {
		JobID int64 `json:"job_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.JobID == 0 {
		t.Fatal("job_id missing")
	}
	if len(notifier.pushed) != 1 || notifier.pushed[0] != resp.JobID {
		t.Errorf("wake-up pushed %v, want [%d]", notifier.pushed, resp.JobID)
	}
}

func TestSubmitJobValidation(t *testing.T) {
	server, _, _ := newTestServer(t)

	cases := []struct {
		name string
		body string
	}{
		{"start before 2018", `{"start_time":1400000000,"end_time":1700000000}`},
		{"end in the future", `{"start_time":1700000000,"end_time":1900000000}`},
		{"start after end", `{"start_time":1700003600,"end_time":1700000000}`},
		{"equal bounds", `{"start_time":1700000000,"end_time":1700000000}`},
		{"malformed body", `{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(t, server, http.MethodPost, "/v1/jobs", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400 (body %s)", rec.Code, rec.Body)
			}
		})
	}
}

func TestSubmitJobSurvivesNotifierFailure(t *testing.T) {
	server, store, notifier := newTestServer(t)
	notifier.err = fmt.Errorf("redis down")

	rec := doRequest(t, server, http.MethodPost, "/v1/jobs",
		`{"start_time":1700000000,"end_time":1700003600}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 despite notifier failure", rec.Code)
	}

	jobs, err := memory.NewJobRepo(store).ListClaimable(context.Background(), 10)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("job not durable: %v %v", jobs, err)
	}
}

func TestJobStatus(t *testing.T) {
	server, store, _ := newTestServer(t)
	jobs := memory.NewJobRepo(store)
	id, err := jobs.Create(context.Background(), 1700000000, 1700003600)
	if err != nil {
		t.Fatal(err)
	}
	if ok, _ := jobs.MarkRunning(context.Background(), id); !ok {
		t.Fatal("MarkRunning")
	}
	if ok, _ := jobs.ResolveRange(context.Background(), id, 100, 200); !ok {
		t.Fatal("ResolveRange")
	}
	if ok, _ := jobs.AdvanceCursor(context.Background(), id, 150); !ok {
		t.Fatal("AdvanceCursor")
	}

	rec := doRequest(t, server, http.MethodGet, fmt.Sprintf("/v1/jobs/%d", id), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}

	var resp jobStatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != string(domain.JobStatusRunning) {
		t.Errorf("status = %s, want running", resp.Status)
	}
	if resp.StartBlock == nil || *resp.StartBlock != 100 || resp.Cursor == nil || *resp.Cursor != 150 {
		t.Errorf("unexpected progress fields: %+v", resp)
	}
}

func TestJobStatusNotFound(t *testing.T) {
	server, _, _ := newTestServer(t)
	rec := doRequest(t, server, http.MethodGet, "/v1/jobs/42", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestFeeLookup(t *testing.T) {
	server, store, _ := newTestServer(t)

	hash := "0x" + strings.Repeat("ab", 32)
	blockHash := "0x" + strings.Repeat("cd", 32)
	_, err := memory.NewBlockRepo(store).InsertIfAbsent(context.Background(), &domain.Block{
		Hash:   blockHash,
		Number: 1234,
		Price:  decimal.RequireFromString("3000"),
	})
	if err != nil {
		t.Fatal(err)
	}
	err = memory.NewFeeRepo(store).SaveBatch(context.Background(), []*domain.FeeRecord{{
		TxHash:      hash,
		BlockHash:   blockHash,
		BlockNumber: 1234,
		GasUsed:     21000,
		GasPriceWei: decimal.New(50, 9),
		FeeUSDT:     decimal.RequireFromString("3.15"),
	}})
	if err != nil {
		t.Fatal(err)
	}

	rec := doRequest(t, server, http.MethodGet, "/v1/fees/"+hash, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}

	var resp feeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.FeeUSDT != "3.15" {
		t.Errorf("fee_usdt = %s, want 3.15", resp.FeeUSDT)
	}
	if resp.PriceUSDT != "3000" {
		t.Errorf("price_usdt = %s, want 3000", resp.PriceUSDT)
	}
	if resp.BlockNumber != 1234 {
		t.Errorf("block_number = %d, want 1234", resp.BlockNumber)
	}
}

func TestFeeLookupValidation(t *testing.T) {
	server, _, _ := newTestServer(t)

	for _, hash := range []string{
		"0x123",
		strings.Repeat("ab", 32),
		"0x" + strings.Repeat("zz", 32),
	} {
		rec := doRequest(t, server, http.MethodGet, "/v1/fees/"+hash, "")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("hash %q: status = %d, want 400", hash, rec.Code)
		}
	}
}

func TestFeeLookupNotFound(t *testing.T) {
	server, _, _ := newTestServer(t)
	rec := doRequest(t, server, http.MethodGet, "/v1/fees/0x"+strings.Repeat("00", 32), "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	server, _, _ := newTestServer(t)
	rec := doRequest(t, server, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
