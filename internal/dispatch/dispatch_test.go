package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"newsguard/internal/config"
	"newsguard/internal/model"
)

var at = time.Date(2024, 5, 20, 1, 30, 0, 0, time.UTC)

func newDispatcherForTest(t *testing.T, url string) *Dispatcher {
	t.Helper()
	d, err := New(config.DispatchConfig{WebhookURL: url, Timeout: 2 * time.Second, Timezone: "Asia/Shanghai"}, nil)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	d.now = func() time.Time { return at }
	return d
}

func singleAlert() Alert {
	return Alert{
		Kind:       KindSingle,
		Severity:   model.SeveritySuccess,
		EntityID:   "NVDA",
		EntityName: "英伟达",
		Keywords:   []string{"英伟达", "发布"},
		SourceID:   "cls",
		Title:      "英伟达发布新品",
		URL:        "https://example.com/a",
	}
}

func TestBuildPayloadSingle(t *testing.T) {
	loc, _ := time.LoadLocation("Asia/Shanghai")
	a := singleAlert()
	a.At = at
	p, err := BuildPayload(a, loc)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if p.ReportType != "📈 绿色利好预警" || p.CardColor != "green" || p.TotalTitles != 1 {
		t.Fatalf("payload header: %+v", p)
	}
	if p.Timestamp != "2024-05-20T09:30:00+08:00" {
		t.Fatalf("timestamp %q", p.Timestamp)
	}
	want := "【英伟达 (NVDA)】\n预警等级: 利好\n命中关键词: 英伟达, 发布\n来源: cls\n标题: 英伟达发布新品"
	if p.Text != want {
		t.Fatalf("text:\n%s\nwant:\n%s", p.Text, want)
	}
	if p.SourceURL != "https://example.com/a" {
		t.Fatalf("source url %q", p.SourceURL)
	}
}

func TestBuildPayloadSummary(t *testing.T) {
	a := singleAlert()
	a.Kind = KindSummary
	a.Severity = model.SeverityPrimary
	a.Count = 4
	a.URL = ""
	p, err := BuildPayload(a, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if p.TotalTitles != 4 || p.CardColor != "blue" || p.SourceURL == "" {
		t.Fatalf("summary payload: %+v", p)
	}
	if !strings.HasSuffix(p.Text, "(已聚合 4 条相关消息)") {
		t.Fatalf("summary text: %s", p.Text)
	}
}

func TestBuildPayloadRejectsInvalidAlerts(t *testing.T) {
	cases := []Alert{
		{Kind: KindSingle, Severity: model.SeverityDanger, EntityID: "NVDA"},
		{Kind: KindSummary, Severity: model.SeverityDanger, EntityID: "NVDA"},
		{Kind: "card", Severity: model.SeverityDanger},
		{Kind: KindTest},
	}
	for i, a := range cases {
		if _, err := BuildPayload(a, nil); !errors.Is(err, ErrInvalidAlert) {
			t.Fatalf("case %d: expected ErrInvalidAlert, got %v", i, err)
		}
	}
}

func TestTestAlertMatchesPayloadShape(t *testing.T) {
	for _, sev := range []model.Severity{model.SeverityDanger, model.SeveritySuccess, model.SeverityPrimary} {
		p, err := BuildPayload(TestAlert(sev), nil)
		if err != nil {
			t.Fatalf("test alert %s: %v", sev, err)
		}
		if p.Severity != sev || p.ReportType == "" || p.Text == "" || p.CardColor == "" {
			t.Fatalf("test payload %s: %+v", sev, p)
		}
	}
}

func TestDeliverSuccess(t *testing.T) {
	var got Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Write([]byte(`{"code":0,"data":{"message_id":"om_123"}}`))
	}))
	defer srv.Close()

	d := newDispatcherForTest(t, srv.URL)
	res := d.Deliver(context.Background(), singleAlert())
	if !res.Delivered || res.Err != nil {
		t.Fatalf("deliver: %+v", res)
	}
	if res.ExternalID != "om_123" || res.StatusCode != http.StatusOK {
		t.Fatalf("result: %+v", res)
	}
	if got.Severity != model.SeveritySuccess || got.Text != res.Payload.Text {
		t.Fatalf("posted payload: %+v", got)
	}
}

func TestDeliverNon2xxIsFailure(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"msg":"upstream down"}`))
	}))
	defer srv.Close()

	d := newDispatcherForTest(t, srv.URL)
	res := d.Deliver(context.Background(), singleAlert())
	if res.Delivered || res.Err == nil || res.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected failure: %+v", res)
	}
	if !strings.Contains(res.ErrorText(), "upstream down") {
		t.Fatalf("error text: %s", res.ErrorText())
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("dispatcher must not retry, saw %d calls", n)
	}
}

func TestDeliverTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	d := newDispatcherForTest(t, srv.URL)
	d.client.Timeout = 50 * time.Millisecond
	res := d.Deliver(context.Background(), singleAlert())
	if res.Delivered || res.Err == nil {
		t.Fatalf("expected timeout failure: %+v", res)
	}
}

func TestSendTestWithoutEndpoint(t *testing.T) {
	d := newDispatcherForTest(t, "")
	res := d.SendTest(context.Background(), model.SeverityDanger)
	if !errors.Is(res.Err, ErrNoEndpoint) {
		t.Fatalf("expected ErrNoEndpoint, got %v", res.Err)
	}
	if res.Payload.ReportType != "🚨 红色高危预警" || res.Payload.TotalTitles != 5 {
		t.Fatalf("test payload should still be rendered: %+v", res.Payload)
	}
}
