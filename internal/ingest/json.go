package ingest

import (
	"encoding/json"
	"fmt"
	"strings"

	"newsguard/internal/normalize"
)

var (
	sourceKeys  = []string{"source_id", "sourceid", "source", "site", "producer"}
	titleKeys   = []string{"title", "headline", "subject"}
	bodyKeys    = []string{"body", "content", "summary", "text", "digest"}
	urlKeys     = []string{"url", "link", "href"}
	publishKeys = []string{"publish_time", "publishtime", "published_at", "pubdate", "time", "timestamp", "ts"}
)

func ParseJSONBytes(data []byte) (*normalize.ItemFields, error) {
	var obj map[string]interface{}
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	return ParseJSONMap(obj), nil
}

func ParseJSONMap(obj map[string]interface{}) *normalize.ItemFields {
	fields := &normalize.ItemFields{Extras: map[string]string{}}
	for key, val := range obj {
		if val == nil {
			continue
		}
		fields.Extras[strings.ToLower(key)] = jsonString(val)
	}
	fields.SourceID = firstNonEmpty(fields.Extras, sourceKeys...)
	fields.Title = firstNonEmpty(fields.Extras, titleKeys...)
	fields.Body = firstNonEmpty(fields.Extras, bodyKeys...)
	fields.URL = firstNonEmpty(fields.Extras, urlKeys...)
	fields.PublishTime = firstNonEmpty(fields.Extras, publishKeys...)
	return fields
}

// jsonString renders numbers without exponent notation so unix millisecond
// timestamps survive the trip through float64.
func jsonString(v interface{}) string {
	if f, ok := v.(float64); ok && f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprint(v)
}
