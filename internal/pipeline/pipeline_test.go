package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"newsguard/internal/config"
	"newsguard/internal/dispatch"
	"newsguard/internal/entity"
	"newsguard/internal/logging"
	"newsguard/internal/model"
	"newsguard/internal/storage"
)

type webhook struct {
	mu       sync.Mutex
	payloads []dispatch.Payload
	status   int
	srv      *httptest.Server
}

func newWebhook(t *testing.T) *webhook {
	t.Helper()
	wh := &webhook{status: http.StatusOK}
	wh.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p dispatch.Payload
		_ = json.NewDecoder(r.Body).Decode(&p)
		wh.mu.Lock()
		wh.payloads = append(wh.payloads, p)
		status := wh.status
		wh.mu.Unlock()
		w.WriteHeader(status)
		w.Write([]byte(`{"data":{"message_id":"om_1"}}`))
	}))
	t.Cleanup(wh.srv.Close)
	return wh
}

func (w *webhook) setStatus(code int) {
	w.mu.Lock()
	w.status = code
	w.mu.Unlock()
}

func (w *webhook) received() []dispatch.Payload {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]dispatch.Payload(nil), w.payloads...)
}

func testConfig(webhookURL string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Ingest.DefaultSourceID = "unknown"
	cfg.Classifier = config.ClassifierConfig{
		DangerWords:  []string{"调查"},
		SuccessWords: []string{"发布"},
		NeutralWords: []string{"减持"},
	}
	cfg.Admission.Keywords = []string{"降息"}
	cfg.Dispatch.WebhookURL = webhookURL
	cfg.Dispatch.RatePerSec = 0
	cfg.Dispatch.Timezone = "UTC"
	cfg.Throttle.SummaryMin = 1
	return cfg
}

type harness struct {
	p     *Pipeline
	store *storage.Memory
	logs  *bytes.Buffer
}

func newPipelineForTest(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	store := storage.NewMemory()
	reg := entity.NewRegistry(store)
	seed := []model.Entity{{ID: "NVDA", DisplayName: "英伟达", Direct: []string{"英伟达", "NVDA"}, Related: []string{"黄仁勋"}, Context: []string{"芯片"}}}
	if err := reg.Load(context.Background(), seed); err != nil {
		t.Fatalf("load registry: %v", err)
	}
	if err := reg.SetAdmissionTerms(cfg.Admission.Keywords); err != nil {
		t.Fatalf("admission terms: %v", err)
	}
	var logs bytes.Buffer
	logger := logging.New(&logs, "debug")
	d, err := dispatch.New(cfg.Dispatch, logger)
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	p := New(cfg, Components{Store: store, Registry: reg, Dispatcher: d, Logger: logger})
	return &harness{p: p, store: store, logs: &logs}
}

func TestRoundTrip(t *testing.T) {
	wh := newWebhook(t)
	h := newPipelineForTest(t, testConfig(wh.srv.URL))
	ctx := context.Background()
	at := time.Now().UTC()

	first := model.Item{SourceID: "a", Title: "英伟达发布新品", PublishTime: at}
	out, err := h.p.Ingest(ctx, first)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if out.Stage != StageDecided || out.Decision != model.StatusSent || out.Severity != model.SeveritySuccess {
		t.Fatalf("first outcome: %+v", out)
	}
	rec, err := h.store.GetRecord(ctx, out.Fingerprint)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.MatchedTier != model.TierDirect || rec.Severity != model.SeveritySuccess || !rec.AlertDelivered {
		t.Fatalf("record: %+v", rec)
	}

	again, err := h.p.Ingest(ctx, first)
	if err != nil || again.Stage != StageDuplicate {
		t.Fatalf("re-ingest: %+v %v", again, err)
	}

	danger := model.Item{SourceID: "a", Title: "英伟达遭调查", PublishTime: at}
	out, err = h.p.Ingest(ctx, danger)
	if err != nil {
		t.Fatalf("ingest danger: %v", err)
	}
	if out.Severity != model.SeverityDanger || out.Decision != model.StatusSent {
		t.Fatalf("danger outcome: %+v", out)
	}

	list, _ := h.store.ListDeliveries(ctx, 0)
	if len(list) != 2 {
		t.Fatalf("expected two delivery records, got %d", len(list))
	}
	for _, d := range list {
		if d.Status != model.StatusSent || d.ExternalID != "om_1" {
			t.Fatalf("delivery: %+v", d)
		}
	}
	got := wh.received()
	if len(got) != 2 || got[0].CardColor != "green" || got[1].CardColor != "red" {
		t.Fatalf("webhook payloads: %+v", got)
	}
	if !strings.Contains(got[0].Text, "命中关键词: 英伟达, 发布") {
		t.Fatalf("payload text: %s", got[0].Text)
	}
}

func TestGatedItemsAreNotStored(t *testing.T) {
	wh := newWebhook(t)
	h := newPipelineForTest(t, testConfig(wh.srv.URL))
	out, err := h.p.Ingest(context.Background(), model.Item{SourceID: "a", Title: "今日天气晴"})
	if err != nil || out.Stage != StageGated {
		t.Fatalf("gated: %+v %v", out, err)
	}
	if _, err := h.store.GetRecord(context.Background(), out.Fingerprint); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("gated item was stored: %v", err)
	}
	if c, _ := h.p.Metrics().Get("a"); c.Gated != 1 {
		t.Fatalf("gated counter: %+v", c)
	}
}

func TestAdmittedWithoutAlert(t *testing.T) {
	wh := newWebhook(t)
	h := newPipelineForTest(t, testConfig(wh.srv.URL))
	ctx := context.Background()

	// Curated term passes the gate but matches no entity.
	out, err := h.p.Ingest(ctx, model.Item{SourceID: "a", Title: "央行宣布降息"})
	if err != nil || out.Stage != StageStored || len(out.Matches) != 0 {
		t.Fatalf("unmatched: %+v %v", out, err)
	}
	// Context tier never alerts.
	out, err = h.p.Ingest(ctx, model.Item{SourceID: "a", Title: "芯片板块发布新规"})
	if err != nil || out.Stage != StageStored || out.Tier != model.TierContext {
		t.Fatalf("context only: %+v %v", out, err)
	}
	if len(wh.received()) != 0 {
		t.Fatalf("no alert expected")
	}
}

func TestSilencedThenSummarized(t *testing.T) {
	wh := newWebhook(t)
	cfg := testConfig(wh.srv.URL)
	cfg.Corroboration.Enabled = false
	h := newPipelineForTest(t, cfg)
	ctx := context.Background()

	titles := []string{"英伟达发布新品", "英伟达发布财报", "英伟达发布公告"}
	var fps []string
	for i, title := range titles {
		out, err := h.p.Ingest(ctx, model.Item{SourceID: "a", Title: title})
		if err != nil {
			t.Fatalf("ingest %d: %v", i, err)
		}
		want := model.StatusSilenced
		if i == 0 {
			want = model.StatusSent
		}
		if out.Decision != want {
			t.Fatalf("item %d decision %s want %s", i, out.Decision, want)
		}
		fps = append(fps, out.Fingerprint)
	}
	if n := len(wh.received()); n != 1 {
		t.Fatalf("expected one immediate alert, got %d", n)
	}

	results, err := h.p.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(results) != 1 || results[0].Count != 2 || !results[0].Delivered {
		t.Fatalf("sweep results: %+v", results)
	}
	got := wh.received()
	if len(got) != 2 || got[1].TotalTitles != 2 || !strings.Contains(got[1].Text, "(已聚合 2 条相关消息)") {
		t.Fatalf("summary payload: %+v", got)
	}
	for _, fp := range fps[1:] {
		d, _ := h.store.GetDelivery(ctx, fp)
		if d.Status != model.StatusAggregated {
			t.Fatalf("silenced record %s not aggregated: %s", fp, d.Status)
		}
	}
	if results, _ := h.p.Sweep(ctx); len(results) != 0 {
		t.Fatalf("second sweep should be empty: %+v", results)
	}
}

func TestFailedSummaryIsRetried(t *testing.T) {
	wh := newWebhook(t)
	cfg := testConfig(wh.srv.URL)
	cfg.Corroboration.Enabled = false
	h := newPipelineForTest(t, cfg)
	ctx := context.Background()
	h.p.Ingest(ctx, model.Item{SourceID: "a", Title: "英伟达发布新品"})
	h.p.Ingest(ctx, model.Item{SourceID: "a", Title: "英伟达发布财报"})

	wh.setStatus(http.StatusInternalServerError)
	if _, err := h.p.Sweep(ctx); err == nil {
		t.Fatalf("expected sweep error")
	}
	if n := h.p.Throttle().Aggregator().Pending()["NVDA"]; n != 1 {
		t.Fatalf("batch should be restored, pending=%d", n)
	}
	wh.setStatus(http.StatusOK)
	results, err := h.p.Sweep(ctx)
	if err != nil || len(results) != 1 || !results[0].Delivered {
		t.Fatalf("retry sweep: %+v %v", results, err)
	}
}

func TestSummaryAbandonedAfterRepeatedFailures(t *testing.T) {
	wh := newWebhook(t)
	cfg := testConfig(wh.srv.URL)
	cfg.Corroboration.Enabled = false
	cfg.Throttle.SummaryAttempts = 2
	h := newPipelineForTest(t, cfg)
	ctx := context.Background()
	h.p.Ingest(ctx, model.Item{SourceID: "a", Title: "英伟达发布新品"})
	out, err := h.p.Ingest(ctx, model.Item{SourceID: "a", Title: "英伟达发布财报"})
	if err != nil || out.Decision != model.StatusSilenced {
		t.Fatalf("second item: %+v %v", out, err)
	}

	wh.setStatus(http.StatusInternalServerError)
	h.p.Sweep(ctx)
	if n := h.p.Throttle().Aggregator().Pending()["NVDA"]; n != 1 {
		t.Fatalf("first failure should restore, pending=%d", n)
	}
	if _, err := h.p.Sweep(ctx); err == nil {
		t.Fatalf("expected sweep error")
	}
	if n := len(h.p.Throttle().Aggregator().Pending()); n != 0 {
		t.Fatalf("batch should be released after the last attempt, pending=%d", n)
	}
	d, _ := h.store.GetDelivery(ctx, out.Fingerprint)
	if d.Status != model.StatusFailed {
		t.Fatalf("abandoned record status %s", d.Status)
	}
}

func TestCorroborationBypassesWindow(t *testing.T) {
	wh := newWebhook(t)
	h := newPipelineForTest(t, testConfig(wh.srv.URL))
	ctx := context.Background()
	at := time.Now().UTC()

	out, err := h.p.Ingest(ctx, model.Item{SourceID: "cls", Title: "NVDA 芯片大涨 英伟达发布新品", PublishTime: at})
	if err != nil || out.Decision != model.StatusSent {
		t.Fatalf("first: %+v %v", out, err)
	}
	out, err = h.p.Ingest(ctx, model.Item{SourceID: "sina", Title: "英伟达发布会后 NVDA 芯片大涨", PublishTime: at})
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if !out.Corroborated || out.Decision != model.StatusSent {
		t.Fatalf("corroborated item should bypass the window: %+v", out)
	}
	if st := h.p.Corroboration().Status(); st.Hits != 1 {
		t.Fatalf("corroboration status: %+v", st)
	}
}

func TestFailedDangerDeliveryNeedsOperator(t *testing.T) {
	wh := newWebhook(t)
	wh.setStatus(http.StatusBadGateway)
	h := newPipelineForTest(t, testConfig(wh.srv.URL))
	ctx := context.Background()

	out, err := h.p.Ingest(ctx, model.Item{SourceID: "a", Title: "英伟达遭调查"})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if out.Decision != model.StatusFailed || out.Error == "" {
		t.Fatalf("outcome: %+v", out)
	}
	d, _ := h.store.GetDelivery(ctx, out.Fingerprint)
	if d.Status != model.StatusFailed || d.ErrorMessage == "" {
		t.Fatalf("delivery: %+v", d)
	}
	if !strings.Contains(h.logs.String(), `"operator_attention":true`) {
		t.Fatalf("danger failure not surfaced: %s", h.logs.String())
	}
	if fails := h.p.Alerts().Failures(model.SeverityDanger); len(fails) != 1 {
		t.Fatalf("alert ring failures: %d", len(fails))
	}
}

func TestRejectsItemWithoutTitle(t *testing.T) {
	wh := newWebhook(t)
	h := newPipelineForTest(t, testConfig(wh.srv.URL))
	if _, err := h.p.Ingest(context.Background(), model.Item{SourceID: "a", Title: "  "}); !errors.Is(err, ErrInvalidItem) {
		t.Fatalf("expected ErrInvalidItem, got %v", err)
	}
}

type failingStore struct {
	*storage.Memory
}

func (failingStore) InsertRecord(context.Context, model.Record) (bool, error) {
	return false, errors.New("database is locked")
}

func TestStorageFailureIsRetryable(t *testing.T) {
	wh := newWebhook(t)
	cfg := testConfig(wh.srv.URL)
	h := newPipelineForTest(t, cfg)
	broken := New(cfg, Components{Store: failingStore{storage.NewMemory()}, Registry: h.p.registry, Dispatcher: h.p.dispatcher})
	_, err := broken.Ingest(context.Background(), model.Item{SourceID: "a", Title: "英伟达发布新品"})
	if !errors.Is(err, ErrRetryable) {
		t.Fatalf("expected retryable error, got %v", err)
	}
	if len(wh.received()) != 0 {
		t.Fatalf("nothing should be dispatched")
	}
}

// flakyDeliveryStore fails the first delivery insert.
type flakyDeliveryStore struct {
	*storage.Memory
	failed bool
}

func (s *flakyDeliveryStore) InsertDelivery(ctx context.Context, d model.DeliveryRecord) error {
	if !s.failed {
		s.failed = true
		return errors.New("database is locked")
	}
	return s.Memory.InsertDelivery(ctx, d)
}

func TestRetryResumesUndecidedRecord(t *testing.T) {
	wh := newWebhook(t)
	cfg := testConfig(wh.srv.URL)
	h := newPipelineForTest(t, cfg)
	store := &flakyDeliveryStore{Memory: storage.NewMemory()}
	p := New(cfg, Components{Store: store, Registry: h.p.registry, Dispatcher: h.p.dispatcher})
	ctx := context.Background()
	item := model.Item{SourceID: "a", Title: "英伟达遭调查", PublishTime: time.Now().UTC()}

	first, err := p.Ingest(ctx, item)
	if !errors.Is(err, ErrRetryable) {
		t.Fatalf("first ingest: %+v %v", first, err)
	}
	if len(wh.received()) != 0 {
		t.Fatalf("nothing should be dispatched before a decision exists")
	}

	retry, err := p.Ingest(ctx, item)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retry.Stage != StageDecided || retry.Decision != model.StatusSent {
		t.Fatalf("retry outcome: %+v", retry)
	}
	if _, err := store.GetDelivery(ctx, first.Fingerprint); err != nil {
		t.Fatalf("delivery after retry: %v", err)
	}
	if got := wh.received(); len(got) != 1 || got[0].Severity != model.SeverityDanger {
		t.Fatalf("payloads: %+v", got)
	}

	again, err := p.Ingest(ctx, item)
	if err != nil || again.Stage != StageDuplicate {
		t.Fatalf("third ingest: %+v %v", again, err)
	}
	if len(wh.received()) != 1 {
		t.Fatalf("decided record dispatched twice")
	}
}

func TestRunDrainsChannel(t *testing.T) {
	wh := newWebhook(t)
	h := newPipelineForTest(t, testConfig(wh.srv.URL))
	in := make(chan model.Item, 4)
	in <- model.Item{SourceID: "a", Title: "英伟达发布新品"}
	in <- model.Item{SourceID: "b", Title: "英伟达发布新品"}
	in <- model.Item{SourceID: "a", Title: "英伟达发布新品"}
	close(in)
	if err := h.p.Run(context.Background(), in, 2); err != nil {
		t.Fatalf("run: %v", err)
	}
	tot := h.p.Metrics().Totals()
	if tot.Received != 3 || tot.Admitted != 2 || tot.Duplicate != 1 {
		t.Fatalf("totals: %+v", tot)
	}
}

// flakyRecordStore fails the first record insert.
type flakyRecordStore struct {
	*storage.Memory
	mu     sync.Mutex
	failed bool
}

func (s *flakyRecordStore) InsertRecord(ctx context.Context, rec model.Record) (bool, error) {
	s.mu.Lock()
	fail := !s.failed
	s.failed = true
	s.mu.Unlock()
	if fail {
		return false, errors.New("database is locked")
	}
	return s.Memory.InsertRecord(ctx, rec)
}

func TestRunRetriesRetryableItems(t *testing.T) {
	retryBackoffMin, retryBackoffMax = time.Millisecond, 2*time.Millisecond
	t.Cleanup(func() { retryBackoffMin, retryBackoffMax = 500*time.Millisecond, 30*time.Second })

	wh := newWebhook(t)
	cfg := testConfig(wh.srv.URL)
	h := newPipelineForTest(t, cfg)
	store := &flakyRecordStore{Memory: storage.NewMemory()}
	p := New(cfg, Components{Store: store, Registry: h.p.registry, Dispatcher: h.p.dispatcher})

	in := make(chan model.Item, 1)
	in <- model.Item{SourceID: "a", Title: "英伟达发布新品", PublishTime: time.Now().UTC()}
	close(in)
	if err := p.Run(context.Background(), in, 1); err != nil {
		t.Fatalf("run: %v", err)
	}
	if tot := p.Metrics().Totals(); tot.Admitted != 1 {
		t.Fatalf("item not admitted after retry: %+v", tot)
	}
	if len(wh.received()) != 1 {
		t.Fatalf("expected one alert, got %d", len(wh.received()))
	}
}
