// Package normalize turns loosely-typed producer fields into a model.Item.
package normalize

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"newsguard/internal/config"
	"newsguard/internal/model"
)

var ErrMissingTitle = errors.New("normalize: title required")

// ItemFields are the raw string values a transport extracted from one
// producer message.
type ItemFields struct {
	SourceID    string
	Title       string
	Body        string
	URL         string
	PublishTime string
	Extras      map[string]string
	Raw         string
}

func Normalize(fields ItemFields, cfg *config.Config) (model.Item, error) {
	title := strings.TrimSpace(fields.Title)
	if title == "" {
		return model.Item{}, ErrMissingTitle
	}
	source := strings.TrimSpace(fields.SourceID)
	if source == "" {
		source = cfg.Ingest.DefaultSourceID
	}

	loc := Location(cfg.Ingest.Timezone)

	var publish time.Time
	if fields.PublishTime != "" {
		parsed, err := ParseTimestamp(fields.PublishTime, loc)
		if err != nil {
			return model.Item{}, fmt.Errorf("parse publish time: %w", err)
		}
		publish = parsed.UTC()
	}

	return model.Item{
		SourceID:    source,
		Title:       title,
		Body:        strings.TrimSpace(fields.Body),
		URL:         strings.TrimSpace(fields.URL),
		PublishTime: publish,
	}, nil
}

var locations sync.Map

// Location resolves a zone name once and caches the result. Unknown or empty
// names resolve to UTC.
func Location(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	if l, ok := locations.Load(name); ok {
		return l.(*time.Location)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		loc = time.UTC
	}
	l, _ := locations.LoadOrStore(name, loc)
	return l.(*time.Location)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	time.RFC1123Z,
	time.RFC1123,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05Z0700",
	"2006/01/02 15:04:05",
	"2006/01/02 15:04",
	"2006-01-02",
	"01-02 15:04",
}

// ParseTimestamp accepts unix seconds or milliseconds and the layouts news
// sites commonly print. Layouts without a zone are read in loc; a layout
// without a year takes the current year in loc.
func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if layout == "01-02 15:04" {
			if t, err := time.ParseInLocation(layout, value, loc); err == nil {
				now := time.Now().In(loc)
				return time.Date(now.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, loc), nil
			}
			continue
		}
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
