package model

import "time"

type Tier string

const (
	TierNone    Tier = ""
	TierDirect  Tier = "direct"
	TierRelated Tier = "related"
	TierContext Tier = "context"
)

// Tiers lists keyword tiers in priority order. Matching walks this slice and
// stops at the first tier that hits.
var Tiers = []Tier{TierDirect, TierRelated, TierContext}

// Rank returns the priority of a tier; lower is stronger. TierNone ranks last.
func (t Tier) Rank() int {
	for i, tier := range Tiers {
		if tier == t {
			return i
		}
	}
	return len(Tiers)
}

func (t Tier) Valid() bool {
	return t == TierDirect || t == TierRelated || t == TierContext
}

type Severity string

const (
	SeverityNone    Severity = ""
	SeverityDanger  Severity = "danger"
	SeveritySuccess Severity = "success"
	SeverityPrimary Severity = "primary"
)

// Rank orders severities for picking the most urgent entity on a record.
func (s Severity) Rank() int {
	switch s {
	case SeverityDanger:
		return 0
	case SeveritySuccess:
		return 1
	case SeverityPrimary:
		return 2
	}
	return 3
}

func (s Severity) Valid() bool {
	return s == SeverityDanger || s == SeveritySuccess || s == SeverityPrimary
}

type DeliveryStatus string

const (
	StatusSent       DeliveryStatus = "sent"
	StatusFailed     DeliveryStatus = "failed"
	StatusSilenced   DeliveryStatus = "silenced"
	StatusAggregated DeliveryStatus = "aggregated"
)

// Item is a raw producer submission. It is never persisted as-is.
type Item struct {
	SourceID    string    `json:"source_id"`
	Title       string    `json:"title"`
	Body        string    `json:"body,omitempty"`
	URL         string    `json:"url,omitempty"`
	PublishTime time.Time `json:"publish_time,omitempty"`
}

// Text is the matchable content of an item.
func (it Item) Text() string {
	if it.Body == "" {
		return it.Title
	}
	return it.Title + " " + it.Body
}

type EntityMatch struct {
	EntityID string   `json:"entity_id"`
	Tier     Tier     `json:"tier"`
	Keywords []string `json:"keywords,omitempty"`
}

type Record struct {
	Fingerprint            string    `json:"fingerprint"`
	CrossSourceFingerprint string    `json:"cross_source_fingerprint"`
	SourceID               string    `json:"source_id"`
	Title                  string    `json:"title"`
	Body                   string    `json:"body,omitempty"`
	URL                    string    `json:"url,omitempty"`
	PublishTime            time.Time `json:"publish_time"`
	IngestedAt             time.Time `json:"ingested_at"`
	MatchedEntities        []string  `json:"matched_entities,omitempty"`
	MatchedKeywords        []string  `json:"matched_keywords,omitempty"`
	MatchedTier            Tier      `json:"matched_tier,omitempty"`
	Severity               Severity  `json:"severity,omitempty"`
	AlertDelivered         bool      `json:"alert_delivered"`
	AlertDeliveredAt       time.Time `json:"alert_delivered_at,omitempty"`
}

type Entity struct {
	ID          string   `json:"id" yaml:"id"`
	DisplayName string   `json:"display_name" yaml:"display_name"`
	Direct      []string `json:"direct" yaml:"direct"`
	Related     []string `json:"related,omitempty" yaml:"related"`
	Context     []string `json:"context,omitempty" yaml:"context"`
}

// Keywords returns the keyword list for one tier.
func (e Entity) Keywords(t Tier) []string {
	switch t {
	case TierDirect:
		return e.Direct
	case TierRelated:
		return e.Related
	case TierContext:
		return e.Context
	}
	return nil
}

type DeliveryRecord struct {
	ID                string         `json:"id"`
	RecordFingerprint string         `json:"record_fingerprint"`
	EntityID          string         `json:"entity_id"`
	Severity          Severity       `json:"severity"`
	Status            DeliveryStatus `json:"status"`
	SentAt            time.Time      `json:"sent_at"`
	ExpiresAt         time.Time      `json:"expires_at"`
	Corroborated      bool           `json:"corroborated,omitempty"`
	Title             string         `json:"title,omitempty"`
	SourceID          string         `json:"source_id,omitempty"`
	URL               string         `json:"url,omitempty"`
	ExternalID        string         `json:"external_id,omitempty"`
	ErrorMessage      string         `json:"error_message,omitempty"`
}

// ResearchDoc is an aggregated third-party research document. Its identity
// ignores publication date.
type ResearchDoc struct {
	Fingerprint string    `json:"fingerprint"`
	Title       string    `json:"title"`
	Analyst     string    `json:"analyst,omitempty"`
	Publisher   string    `json:"publisher,omitempty"`
	URL         string    `json:"url,omitempty"`
	PublishTime time.Time `json:"publish_time,omitempty"`
	IngestedAt  time.Time `json:"ingested_at"`
}

type DeliveryStats struct {
	Severity   Severity `json:"severity"`
	Sent       int      `json:"sent"`
	Silenced   int      `json:"silenced"`
	Failed     int      `json:"failed"`
	Aggregated int      `json:"aggregated"`
}

// AlertEvent is one throttle/dispatch outcome kept for the operator view.
type AlertEvent struct {
	Timestamp         time.Time      `json:"timestamp"`
	Kind              string         `json:"kind"`
	EntityID          string         `json:"entity_id"`
	Severity          Severity       `json:"severity"`
	Status            DeliveryStatus `json:"status"`
	RecordFingerprint string         `json:"record_fingerprint,omitempty"`
	Title             string         `json:"title,omitempty"`
	SourceID          string         `json:"source_id,omitempty"`
	Count             int            `json:"count,omitempty"`
	Corroborated      bool           `json:"corroborated,omitempty"`
	ExternalID        string         `json:"external_id,omitempty"`
	Error             string         `json:"error,omitempty"`
}

// SourceCounters tracks what the pipeline did with one producer's items.
type SourceCounters struct {
	SourceID  string    `json:"source_id"`
	Received  int64     `json:"received"`
	Gated     int64     `json:"gated"`
	Duplicate int64     `json:"duplicate"`
	Admitted  int64     `json:"admitted"`
	Alerted   int64     `json:"alerted"`
	Silenced  int64     `json:"silenced"`
	Failed    int64     `json:"failed"`
	Rejected  int64     `json:"rejected"`
	LastSeen  time.Time `json:"last_seen"`
}
