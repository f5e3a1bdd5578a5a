package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"prevaldb/pkg/codec"
	"prevaldb/pkg/ingest"
	"prevaldb/pkg/ingest/queue"
	"prevaldb/pkg/lookup"
	"prevaldb/pkg/merge"
	"prevaldb/pkg/models"
	"prevaldb/pkg/store"
)

const testHash = "21BD1" + "2DC183F740EE76F27B78EB39C8AD972A757"

type testEnv struct {
	srv  *Server
	mem  *store.Memory
	proc *ingest.Processor
	stop func()
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	m := store.NewMemory()
	proc := ingest.NewProcessor(queue.New(64), nil, merge.New(m, m), m, ingest.Options{Workers: 2})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { proc.Run(ctx); close(done) }()

	env := &testEnv{
		srv: &Server{
			Lookup:   lookup.New(m),
			Proc:     proc,
			Files:    m,
			Counters: m,
			Receipts: m,
		},
		mem:  m,
		proc: proc,
		stop: func() {
			proc.Shutdown()
			cancel()
			<-done
		},
	}
	t.Cleanup(env.stop)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	w := httptest.NewRecorder()
	e.srv.Router().ServeHTTP(w, req)
	return w
}

func TestGetRange(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.mem.Provision(ctx, "21BD1"); err != nil {
		t.Fatal(err)
	}
	f, _ := env.mem.ReadFile(ctx, "21BD1")
	content := []byte("2DC183F740EE76F27B78EB39C8AD972A757:5\n")
	if err := env.mem.WriteFileIf(ctx, "21BD1", content, f.Version); err != nil {
		t.Fatal(err)
	}

	w := env.do(t, http.MethodGet, "/range/21bd1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d body: %s", w.Code, w.Body)
	}
	if w.Body.String() != string(content) {
		t.Fatalf("body not verbatim: %q", w.Body)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content type: %s", ct)
	}
	if w.Header().Get("Last-Modified") == "" {
		t.Fatal("missing Last-Modified")
	}
}

func TestGetRangeErrors(t *testing.T) {
	env := newTestEnv(t)

	if w := env.do(t, http.MethodGet, "/range/ZZZZZ", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad prefix status: %d", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/range/21BD1", nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown prefix status: %d", w.Code)
	}
}

func TestSubmitBatch(t *testing.T) {
	env := newTestEnv(t)
	if err := env.mem.Provision(context.Background(), "21BD1"); err != nil {
		t.Fatal(err)
	}

	body, _ := json.Marshal(models.SubmissionBatch{
		SubscriptionID: "sub-1",
		TransactionID:  "txn-1",
		Entries: map[string][]models.IngestionEntry{
			"21bd1": {{Hash: testHash, Prevalence: 5}},
		},
	})
	w := env.do(t, http.MethodPost, "/v1/batches", body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status: %d body: %s", w.Code, w.Body)
	}
	var receipt models.TransactionReceipt
	if err := json.Unmarshal(w.Body.Bytes(), &receipt); err != nil {
		t.Fatal(err)
	}
	if receipt.TransactionID != "txn-1" || receipt.EntryCount != 1 {
		t.Fatalf("receipt: %+v", receipt)
	}

	// the merge is async; wait for the row
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		f, err := env.mem.ReadFile(context.Background(), "21BD1")
		if err == nil && codec.Parse(f.Content)["2DC183F740EE76F27B78EB39C8AD972A757"] == 5 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("submitted batch never merged")
}

func TestSubmitBatchGeneratesTransactionID(t *testing.T) {
	env := newTestEnv(t)
	body := []byte(`{"subscription":"sub-1","entries":{"21BD1":[{"hash":"` + testHash + `","prevalence":1}]}}`)
	w := env.do(t, http.MethodPost, "/v1/batches", body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status: %d body: %s", w.Code, w.Body)
	}
	var receipt models.TransactionReceipt
	_ = json.Unmarshal(w.Body.Bytes(), &receipt)
	if receipt.TransactionID == "" {
		t.Fatal("transaction id not generated")
	}
}

func TestSubmitBatchRejectsInvalid(t *testing.T) {
	env := newTestEnv(t)

	if w := env.do(t, http.MethodPost, "/v1/batches", []byte("{not json")); w.Code != http.StatusBadRequest {
		t.Fatalf("bad json status: %d", w.Code)
	}
	// hash outside its group
	body := []byte(`{"subscription":"s","transaction":"t","entries":{"FFFFF":[{"hash":"` + testHash + `","prevalence":1}]}}`)
	if w := env.do(t, http.MethodPost, "/v1/batches", body); w.Code != http.StatusBadRequest {
		t.Fatalf("mismatched group status: %d", w.Code)
	}
}

func TestProvisionPrefix(t *testing.T) {
	env := newTestEnv(t)

	if w := env.do(t, http.MethodPost, "/v1/prefixes/21BD1", nil); w.Code != http.StatusCreated {
		t.Fatalf("create status: %d", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/v1/prefixes/21bd1", nil); w.Code != http.StatusConflict {
		t.Fatalf("duplicate status: %d", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/v1/prefixes/NOPE", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad prefix status: %d", w.Code)
	}

	// provisioned prefix now serves an empty 200
	if w := env.do(t, http.MethodGet, "/range/21BD1", nil); w.Code != http.StatusOK || w.Body.Len() != 0 {
		t.Fatalf("empty range: %d %q", w.Code, w.Body)
	}
}

func TestGetHash(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.mem.AddOrIncrement(ctx, "21BD1", strings.TrimPrefix(testHash, "21BD1"), "txn-1", 9); err != nil {
		t.Fatal(err)
	}

	w := env.do(t, http.MethodGet, "/v1/hashes/"+strings.ToLower(testHash), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	var out struct {
		Hash       string `json:"hash"`
		Prevalence int64  `json:"prevalence"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out.Prevalence != 9 {
		t.Fatalf("prevalence: %d", out.Prevalence)
	}

	// never observed: zero, not an error
	other := "FFFFF" + strings.Repeat("0", 35)
	w = env.do(t, http.MethodGet, "/v1/hashes/"+other, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("unknown hash status: %d", w.Code)
	}
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	if out.Prevalence != 0 {
		t.Fatalf("unknown hash prevalence: %d", out.Prevalence)
	}

	if w := env.do(t, http.MethodGet, "/v1/hashes/short", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("short hash status: %d", w.Code)
	}
}

func TestGetTransaction(t *testing.T) {
	env := newTestEnv(t)
	if w := env.do(t, http.MethodGet, "/v1/transactions/missing", nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing receipt status: %d", w.Code)
	}

	if err := env.mem.PutReceipt(context.Background(), store.Receipt{
		SubscriptionID: "sub-1",
		TransactionID:  "txn-1",
		EntryCount:     2,
		PrefixCount:    1,
		AcceptedTS:     time.Now().UnixNano(),
	}); err != nil {
		t.Fatal(err)
	}
	w := env.do(t, http.MethodGet, "/v1/transactions/txn-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	var receipt models.TransactionReceipt
	if err := json.Unmarshal(w.Body.Bytes(), &receipt); err != nil {
		t.Fatal(err)
	}
	if receipt.EntryCount != 2 || receipt.SubscriptionID != "sub-1" {
		t.Fatalf("receipt: %+v", receipt)
	}
}
