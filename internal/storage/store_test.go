package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"newsguard/internal/model"
)

func newSQLiteForTest(t *testing.T) Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "test.db") + "?_pragma=busy_timeout(5000)"
	st, err := NewSQLite(dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := st.Init(context.Background()); err != nil {
		t.Fatalf("init sqlite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func backends(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": newSQLiteForTest(t),
	}
}

func TestInsertRecordIsInsertIfAbsent(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := model.Record{
				Fingerprint:            "fp1",
				CrossSourceFingerprint: "x1",
				SourceID:               "a",
				Title:                  "英伟达发布新品",
				PublishTime:            time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
				IngestedAt:             time.Date(2026, 3, 1, 9, 0, 1, 0, time.UTC),
				MatchedEntities:        []string{"NVDA"},
				MatchedTier:            model.TierDirect,
				Severity:               model.SeveritySuccess,
			}
			created, err := st.InsertRecord(ctx, rec)
			if err != nil || !created {
				t.Fatalf("first insert: created=%v err=%v", created, err)
			}
			rec.Title = "changed"
			created, err = st.InsertRecord(ctx, rec)
			if err != nil || created {
				t.Fatalf("second insert: created=%v err=%v", created, err)
			}
			got, err := st.GetRecord(ctx, "fp1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.Title != "英伟达发布新品" || got.MatchedTier != model.TierDirect || len(got.MatchedEntities) != 1 {
				t.Fatalf("record overwritten or lost: %+v", got)
			}
			if !got.PublishTime.Equal(rec.PublishTime) {
				t.Fatalf("publish time: %v", got.PublishTime)
			}
			at := time.Date(2026, 3, 1, 9, 1, 0, 0, time.UTC)
			if err := st.MarkRecordAlerted(ctx, "fp1", at); err != nil {
				t.Fatalf("mark alerted: %v", err)
			}
			got, _ = st.GetRecord(ctx, "fp1")
			if !got.AlertDelivered || !got.AlertDeliveredAt.Equal(at) {
				t.Fatalf("alert flag not set: %+v", got)
			}
			if _, err := st.GetRecord(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestConcurrentInsertSingleWinner(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			var mu sync.Mutex
			wins := 0
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					created, err := st.InsertRecord(context.Background(), model.Record{
						Fingerprint: "race", CrossSourceFingerprint: "x", SourceID: "a", Title: "t",
						PublishTime: time.Now(), IngestedAt: time.Now(),
					})
					if err != nil {
						t.Errorf("insert: %v", err)
						return
					}
					if created {
						mu.Lock()
						wins++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			if wins != 1 {
				t.Fatalf("expected exactly one winner, got %d", wins)
			}
		})
	}
}

func TestResearchDocDedup(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			doc := model.ResearchDoc{Fingerprint: "r1", Title: "半导体深度", Analyst: "张三", Publisher: "某证券", IngestedAt: time.Now()}
			if created, err := st.InsertResearchDoc(context.Background(), doc); err != nil || !created {
				t.Fatalf("first: %v %v", created, err)
			}
			if created, err := st.InsertResearchDoc(context.Background(), doc); err != nil || created {
				t.Fatalf("second: %v %v", created, err)
			}
		})
	}
}

func TestDeliveryWindowAndOutcome(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
			sent := model.DeliveryRecord{
				ID: "d1", RecordFingerprint: "fp1", EntityID: "NVDA", Severity: model.SeveritySuccess,
				Status: model.StatusSent, SentAt: t0, ExpiresAt: t0.Add(5 * time.Minute),
			}
			if err := st.InsertDelivery(ctx, sent); err != nil {
				t.Fatalf("insert: %v", err)
			}
			if err := st.InsertDelivery(ctx, sent); !errors.Is(err, ErrConflict) {
				t.Fatalf("expected conflict, got %v", err)
			}
			if _, ok, _ := st.OpenWindow(ctx, "NVDA", model.SeveritySuccess, t0.Add(2*time.Minute)); !ok {
				t.Fatalf("expected open window at +2m")
			}
			if _, ok, _ := st.OpenWindow(ctx, "NVDA", model.SeverityDanger, t0.Add(2*time.Minute)); ok {
				t.Fatalf("window must be keyed per severity")
			}
			if _, ok, _ := st.OpenWindow(ctx, "NVDA", model.SeveritySuccess, t0.Add(6*time.Minute)); ok {
				t.Fatalf("window should have expired at +6m")
			}

			if err := st.UpdateDeliveryOutcome(ctx, "fp1", model.StatusFailed, "", "timeout"); err != nil {
				t.Fatalf("update outcome: %v", err)
			}
			if _, ok, _ := st.OpenWindow(ctx, "NVDA", model.SeveritySuccess, t0.Add(time.Minute)); ok {
				t.Fatalf("failed delivery must not hold a window")
			}
			got, err := st.GetDelivery(ctx, "fp1")
			if err != nil || got.Status != model.StatusFailed || got.ErrorMessage != "timeout" {
				t.Fatalf("get delivery: %+v %v", got, err)
			}

			silenced := model.DeliveryRecord{
				ID: "d2", RecordFingerprint: "fp2", EntityID: "NVDA", Severity: model.SeveritySuccess,
				Status: model.StatusSilenced, SentAt: t0.Add(time.Minute), ExpiresAt: t0.Add(6 * time.Minute),
			}
			if err := st.InsertDelivery(ctx, silenced); err != nil {
				t.Fatalf("insert silenced: %v", err)
			}
			if err := st.MarkAggregated(ctx, []string{"fp1", "fp2"}); err != nil {
				t.Fatalf("mark aggregated: %v", err)
			}
			if d, _ := st.GetDelivery(ctx, "fp2"); d.Status != model.StatusAggregated {
				t.Fatalf("fp2 status: %s", d.Status)
			}
			if d, _ := st.GetDelivery(ctx, "fp1"); d.Status != model.StatusFailed {
				t.Fatalf("only silenced rows fold into aggregates, fp1 is %s", d.Status)
			}

			list, err := st.ListDeliveries(ctx, 10)
			if err != nil || len(list) != 2 || list[0].RecordFingerprint != "fp2" {
				t.Fatalf("list: %+v %v", list, err)
			}
			stats, err := st.DeliveryStats(ctx, t0)
			if err != nil || len(stats) != 1 {
				t.Fatalf("stats: %+v %v", stats, err)
			}
			if stats[0].Failed != 1 || stats[0].Aggregated != 1 {
				t.Fatalf("stats counts: %+v", stats[0])
			}
		})
	}
}

func TestEntityCRUD(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			e := model.Entity{ID: "NVDA", DisplayName: "英伟达", Direct: []string{"英伟达", "NVDA"}, Related: []string{"黄仁勋"}}
			if err := st.PutEntity(ctx, e); err != nil {
				t.Fatalf("put: %v", err)
			}
			e.Context = []string{"半导体"}
			if err := st.PutEntity(ctx, e); err != nil {
				t.Fatalf("upsert: %v", err)
			}
			list, err := st.ListEntities(ctx)
			if err != nil || len(list) != 1 || len(list[0].Context) != 1 || list[0].Related[0] != "黄仁勋" {
				t.Fatalf("list: %+v %v", list, err)
			}
			if err := st.DeleteEntity(ctx, "NVDA"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if err := st.DeleteEntity(ctx, "NVDA"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestRebindDollar(t *testing.T) {
	s := sqlStore{dollar: true}
	if got := s.q("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Fatalf("rebind: %s", got)
	}
}
