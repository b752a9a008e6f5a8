package normalize

import (
	"errors"
	"testing"
	"time"

	"newsguard/internal/config"
)

func TestNormalizeDefaults(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Ingest.DefaultSourceID = "feed"
	it, err := Normalize(ItemFields{Title: "  英伟达发布新品 ", URL: " https://example.com "}, cfg)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if it.SourceID != "feed" || it.Title != "英伟达发布新品" || it.URL != "https://example.com" {
		t.Fatalf("item: %+v", it)
	}
	if !it.PublishTime.IsZero() {
		t.Fatalf("missing publish time should stay zero for the pipeline to default")
	}
	if _, err := Normalize(ItemFields{SourceID: "a"}, cfg); !errors.Is(err, ErrMissingTitle) {
		t.Fatalf("expected ErrMissingTitle, got %v", err)
	}
}

func TestParseTimestampUsesLocation(t *testing.T) {
	loc := time.FixedZone("CST", 8*3600)
	ts, err := ParseTimestamp("2024-05-20 09:30:00", loc)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := ts.UTC().Format(time.RFC3339); got != "2024-05-20T01:30:00Z" {
		t.Fatalf("got %s", got)
	}
	ms, err := ParseTimestamp("1716168600000", loc)
	if err != nil || !ms.Equal(time.Date(2024, 5, 20, 1, 30, 0, 0, time.UTC)) {
		t.Fatalf("millis: %v %v", ms, err)
	}
	if _, err := ParseTimestamp("yesterday", loc); err == nil {
		t.Fatalf("expected error")
	}
}

func TestLocationIsResolvedOnce(t *testing.T) {
	if _, err := time.LoadLocation("Asia/Shanghai"); err != nil {
		t.Skipf("no zone data: %v", err)
	}
	first := Location("Asia/Shanghai")
	if first != Location("Asia/Shanghai") {
		t.Fatalf("location not cached")
	}
	if Location("") != time.UTC || Location("Not/AZone") != time.UTC {
		t.Fatalf("unknown zones should fall back to UTC")
	}

	cfg := config.DefaultConfig()
	cfg.Ingest.Timezone = "Asia/Shanghai"
	it, err := Normalize(ItemFields{Title: "x", PublishTime: "2024-05-20 09:30"}, cfg)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got := it.PublishTime.Format(time.RFC3339); got != "2024-05-20T01:30:00Z" {
		t.Fatalf("publish time %s", got)
	}
}
