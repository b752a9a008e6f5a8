package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"newsguard/internal/model"
)

// sqlStore holds the queries shared by the SQLite and PostgreSQL backends.
// Queries are written with '?' placeholders and rebound per dialect; times
// are stored as unix milliseconds so range comparisons behave identically.
type sqlStore struct {
	db     *sql.DB
	dollar bool
	schema []string
}

func newSQLStore(db *sql.DB, dollar bool, schema []string) sqlStore {
	return sqlStore{db: db, dollar: dollar, schema: schema}
}

func (s *sqlStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	for _, stmt := range s.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *sqlStore) q(query string) string {
	if !s.dollar {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *sqlStore) InsertRecord(ctx context.Context, rec model.Record) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO records (fingerprint, cross_source_fingerprint, source_id, title, body, url,
			publish_ms, ingested_ms, matched_entities_json, matched_keywords_json, matched_tier, severity,
			alert_delivered, alert_delivered_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (fingerprint) DO NOTHING`),
		rec.Fingerprint,
		rec.CrossSourceFingerprint,
		rec.SourceID,
		rec.Title,
		rec.Body,
		rec.URL,
		toMillis(rec.PublishTime),
		toMillis(rec.IngestedAt),
		encodeJSON(rec.MatchedEntities),
		encodeJSON(rec.MatchedKeywords),
		string(rec.MatchedTier),
		string(rec.Severity),
		rec.AlertDelivered,
		toMillis(rec.AlertDeliveredAt),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqlStore) GetRecord(ctx context.Context, fingerprint string) (model.Record, error) {
	row := s.db.QueryRowContext(ctx, s.q(
		`SELECT fingerprint, cross_source_fingerprint, source_id, title, body, url, publish_ms, ingested_ms,
			matched_entities_json, matched_keywords_json, matched_tier, severity, alert_delivered, alert_delivered_ms
		FROM records WHERE fingerprint = ?`), fingerprint)
	var (
		rec                          model.Record
		publishMS, ingestedMS, delMS int64
		entitiesJSON, keywordsJSON   string
		tier, severity               string
	)
	err := row.Scan(&rec.Fingerprint, &rec.CrossSourceFingerprint, &rec.SourceID, &rec.Title, &rec.Body, &rec.URL,
		&publishMS, &ingestedMS, &entitiesJSON, &keywordsJSON, &tier, &severity, &rec.AlertDelivered, &delMS)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Record{}, ErrNotFound
	}
	if err != nil {
		return model.Record{}, err
	}
	rec.PublishTime = fromMillis(publishMS)
	rec.IngestedAt = fromMillis(ingestedMS)
	rec.AlertDeliveredAt = fromMillis(delMS)
	rec.MatchedTier = model.Tier(tier)
	rec.Severity = model.Severity(severity)
	decodeJSON(entitiesJSON, &rec.MatchedEntities)
	decodeJSON(keywordsJSON, &rec.MatchedKeywords)
	return rec, nil
}

func (s *sqlStore) MarkRecordAlerted(ctx context.Context, fingerprint string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE records SET alert_delivered = ?, alert_delivered_ms = ? WHERE fingerprint = ?`),
		true, toMillis(at), fingerprint)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (s *sqlStore) InsertResearchDoc(ctx context.Context, doc model.ResearchDoc) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO research_docs (fingerprint, title, analyst, publisher, url, publish_ms, ingested_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (fingerprint) DO NOTHING`),
		doc.Fingerprint, doc.Title, doc.Analyst, doc.Publisher, doc.URL,
		toMillis(doc.PublishTime), toMillis(doc.IngestedAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

const deliveryColumns = `id, record_fingerprint, entity_id, severity, status, sent_ms, expires_ms,
	corroborated, title, source_id, url, external_id, error_message`

func (s *sqlStore) OpenWindow(ctx context.Context, entityID string, severity model.Severity, now time.Time) (model.DeliveryRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, s.q(
		`SELECT `+deliveryColumns+` FROM deliveries
		WHERE entity_id = ? AND severity = ? AND status = ? AND expires_ms > ?
		ORDER BY sent_ms DESC LIMIT 1`),
		entityID, string(severity), string(model.StatusSent), toMillis(now))
	d, err := scanDelivery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DeliveryRecord{}, false, nil
	}
	if err != nil {
		return model.DeliveryRecord{}, false, err
	}
	return d, true, nil
}

func (s *sqlStore) InsertDelivery(ctx context.Context, d model.DeliveryRecord) error {
	res, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO deliveries (`+deliveryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (record_fingerprint) DO NOTHING`),
		d.ID, d.RecordFingerprint, d.EntityID, string(d.Severity), string(d.Status),
		toMillis(d.SentAt), toMillis(d.ExpiresAt), d.Corroborated,
		d.Title, d.SourceID, d.URL, d.ExternalID, d.ErrorMessage)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *sqlStore) GetDelivery(ctx context.Context, recordFingerprint string) (model.DeliveryRecord, error) {
	row := s.db.QueryRowContext(ctx, s.q(
		`SELECT `+deliveryColumns+` FROM deliveries WHERE record_fingerprint = ?`), recordFingerprint)
	d, err := scanDelivery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DeliveryRecord{}, ErrNotFound
	}
	return d, err
}

func (s *sqlStore) UpdateDeliveryOutcome(ctx context.Context, recordFingerprint string, status model.DeliveryStatus, externalID, errMsg string) error {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE deliveries SET status = ?, external_id = ?, error_message = ? WHERE record_fingerprint = ?`),
		string(status), externalID, errMsg, recordFingerprint)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (s *sqlStore) MarkAggregated(ctx context.Context, recordFingerprints []string) error {
	if len(recordFingerprints) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, s.q(
		`UPDATE deliveries SET status = ? WHERE record_fingerprint = ? AND status = ?`))
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, fp := range recordFingerprints {
		if _, err := stmt.ExecContext(ctx, string(model.StatusAggregated), fp, string(model.StatusSilenced)); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *sqlStore) ListDeliveries(ctx context.Context, limit int) ([]model.DeliveryRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT `+deliveryColumns+` FROM deliveries ORDER BY sent_ms DESC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.DeliveryRecord, 0)
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqlStore) DeliveryStats(ctx context.Context, since time.Time) ([]model.DeliveryStats, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT severity, status, COUNT(*) FROM deliveries WHERE sent_ms >= ? GROUP BY severity, status`),
		toMillis(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	acc := make(map[model.Severity]*model.DeliveryStats)
	for rows.Next() {
		var sev, status string
		var n int
		if err := rows.Scan(&sev, &status, &n); err != nil {
			return nil, err
		}
		bumpStats(statsFor(acc, model.Severity(sev)), model.DeliveryStatus(status), n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sortedStats(acc), nil
}

func (s *sqlStore) PutEntity(ctx context.Context, e model.Entity) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO entities (id, display_name, direct_json, related_json, context_json, updated_ms)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			display_name = excluded.display_name,
			direct_json = excluded.direct_json,
			related_json = excluded.related_json,
			context_json = excluded.context_json,
			updated_ms = excluded.updated_ms`),
		e.ID, e.DisplayName, encodeJSON(e.Direct), encodeJSON(e.Related), encodeJSON(e.Context), toMillis(nowUTC()))
	return err
}

func (s *sqlStore) DeleteEntity(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM entities WHERE id = ?`), id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (s *sqlStore) ListEntities(ctx context.Context) ([]model.Entity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, display_name, direct_json, related_json, context_json FROM entities ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Entity, 0)
	for rows.Next() {
		var e model.Entity
		var direct, related, context string
		if err := rows.Scan(&e.ID, &e.DisplayName, &direct, &related, &context); err != nil {
			return nil, err
		}
		decodeJSON(direct, &e.Direct)
		decodeJSON(related, &e.Related)
		decodeJSON(context, &e.Context)
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDelivery(row rowScanner) (model.DeliveryRecord, error) {
	var (
		d                 model.DeliveryRecord
		severity, status  string
		sentMS, expiresMS int64
	)
	err := row.Scan(&d.ID, &d.RecordFingerprint, &d.EntityID, &severity, &status, &sentMS, &expiresMS,
		&d.Corroborated, &d.Title, &d.SourceID, &d.URL, &d.ExternalID, &d.ErrorMessage)
	if err != nil {
		return model.DeliveryRecord{}, err
	}
	d.Severity = model.Severity(severity)
	d.Status = model.DeliveryStatus(status)
	d.SentAt = fromMillis(sentMS)
	d.ExpiresAt = fromMillis(expiresMS)
	return d, nil
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func decodeJSON(data string, dst any) {
	if data == "" || data == "null" {
		return
	}
	_ = json.Unmarshal([]byte(data), dst)
}
