package ingest

import (
	"encoding/csv"
	"errors"
	"regexp"
	"strings"

	"newsguard/internal/normalize"
)

var (
	reTimestamp = regexp.MustCompile(`^\s*([0-9]{4}[-/][0-9]{2}[-/][0-9]{2}(?:[ T][0-9:.+\-Z]+)?)`)
	reUnixTime  = regexp.MustCompile(`^[0-9]{10}(?:[0-9]{3})?$`)
)

// errNotCSV marks a headerless line whose first field is not a timestamp;
// such lines are headlines that happen to contain a comma.
var errNotCSV = errors.New("ingest: not a csv row")

// Parser turns one line of a stream into item fields. Lines may be JSON
// objects, CSV rows, or plain text with an optional leading timestamp.
type Parser struct {
	csv *CSVParser
}

func NewParser() *Parser {
	return &Parser{csv: NewCSVParser()}
}

func (p *Parser) ParseLine(line string) (*normalize.ItemFields, error) {
	trim := strings.TrimSpace(line)
	if trim == "" {
		return nil, nil
	}
	if looksLikeJSON(trim) {
		if fields, err := ParseJSONBytes([]byte(trim)); err == nil {
			fields.Raw = line
			return fields, nil
		}
	}
	if strings.Contains(trim, ",") {
		fields, err := p.csv.Parse(trim)
		if err == nil {
			if fields == nil {
				return nil, nil
			}
			fields.Raw = line
			return fields, nil
		}
	}
	fields := parsePlain(trim)
	fields.Raw = line
	return fields, nil
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

// parsePlain treats the line as a headline, peeling off a leading timestamp.
func parsePlain(line string) *normalize.ItemFields {
	fields := &normalize.ItemFields{Extras: map[string]string{}}
	ts, rest := extractTimestamp(line)
	fields.PublishTime = ts
	fields.Title = rest
	return fields
}

func extractTimestamp(line string) (string, string) {
	m := reTimestamp.FindStringSubmatchIndex(line)
	if len(m) >= 4 {
		ts := strings.TrimSpace(line[m[2]:m[3]])
		rest := strings.TrimSpace(line[m[3]:])
		return ts, rest
	}
	return "", line
}

func firstNonEmpty(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(m[k]); v != "" {
			return v
		}
	}
	return ""
}

// CSVParser remembers the first header row it sees. Without a header, rows
// are read as publish_time, source, title, url, body.
type CSVParser struct {
	header []string
}

func NewCSVParser() *CSVParser {
	return &CSVParser{}
}

func (p *CSVParser) Parse(line string) (*normalize.ItemFields, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1
	record, err := r.Read()
	if err != nil {
		return nil, err
	}
	if len(record) == 0 {
		return nil, nil
	}
	if p.header == nil && looksLikeHeader(record) {
		p.header = normalizeHeader(record)
		return nil, nil
	}
	fields := &normalize.ItemFields{Extras: map[string]string{}}
	if p.header != nil {
		for i, name := range p.header {
			if i >= len(record) {
				break
			}
			assignField(fields, name, record[i])
		}
		return fields, nil
	}
	if !looksLikeTimestamp(record[0]) {
		return nil, errNotCSV
	}
	positional := []string{"publish_time", "source", "title", "url", "body"}
	for i, name := range positional {
		if i >= len(record) {
			break
		}
		assignField(fields, name, record[i])
	}
	return fields, nil
}

func looksLikeTimestamp(v string) bool {
	v = strings.TrimSpace(v)
	if reUnixTime.MatchString(v) {
		return true
	}
	ts, rest := extractTimestamp(v)
	return ts != "" && rest == ""
}

func looksLikeHeader(record []string) bool {
	for _, v := range record {
		v = strings.ToLower(strings.TrimSpace(v))
		for _, keys := range [][]string{titleKeys, sourceKeys, publishKeys} {
			for _, k := range keys {
				if v == k {
					return true
				}
			}
		}
	}
	return false
}

func normalizeHeader(record []string) []string {
	out := make([]string, len(record))
	for i, v := range record {
		out[i] = strings.ToLower(strings.TrimSpace(v))
	}
	return out
}

func assignField(fields *normalize.ItemFields, name string, value string) {
	name = strings.ToLower(strings.TrimSpace(name))
	value = strings.TrimSpace(value)
	switch {
	case contains(sourceKeys, name):
		fields.SourceID = value
	case contains(titleKeys, name):
		fields.Title = value
	case contains(bodyKeys, name):
		fields.Body = value
	case contains(urlKeys, name):
		fields.URL = value
	case contains(publishKeys, name):
		fields.PublishTime = value
	default:
		fields.Extras[name] = value
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
