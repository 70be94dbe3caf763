// Package tables coerces free-form OCR output into tables and exports them
// as spreadsheets.
package tables

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/kalambet/lmdesk/internal/ocr"
	"github.com/kalambet/lmdesk/internal/tagblock"
)

// ErrNoTables is returned when no result yields any table.
var ErrNoTables = errors.New("no valid table data to export")

// Table is a header row plus data rows.
type Table struct {
	Headers []string   `json:"headers"`
	Rows    [][]string `json:"rows"`
}

var (
	fenceRE    = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*\\n(.*?)```")
	markdownRE = regexp.MustCompile(`\|(.+)\|\n\|([-:|\s]+)\|\n((?:\|.+\|\n?)+)`)
)

// Parse extracts every table it can find in text. Thinking blocks are
// ignored. Structured JSON is tried first, then HTML tables, then markdown
// pipe tables; anything else becomes a single "Content" column with one row
// per non-blank line.
func Parse(text string) []Table {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = tagblock.Extract(text).Content
	if text == "" {
		return nil
	}

	body := text
	if m := fenceRE.FindStringSubmatch(text); m != nil {
		body = strings.TrimSpace(m[1])
	}
	if ts, ok := parseJSON([]byte(body)); ok {
		return ts
	}
	if ts := parseHTML(text); len(ts) > 0 {
		return ts
	}
	if ts := parseMarkdown(text); len(ts) > 0 {
		return ts
	}
	return contentTable(text)
}

// FromResults parses the data of every successful result.
func FromResults(results []ocr.Result) ([]Table, error) {
	var out []Table
	for _, r := range results {
		if !r.OK() || r.Data == "" {
			continue
		}
		out = append(out, Parse(r.Data)...)
	}
	if len(out) == 0 {
		return nil, ErrNoTables
	}
	return out, nil
}

func parseJSON(b []byte) ([]Table, bool) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || !json.Valid(b) {
		return nil, false
	}
	switch b[0] {
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(b, &obj); err != nil {
			return nil, false
		}
		if raw, ok := obj["tables"]; ok {
			var items []json.RawMessage
			if err := json.Unmarshal(raw, &items); err != nil {
				return nil, false
			}
			out := make([]Table, 0, len(items))
			for _, it := range items {
				if t, ok := tableValue(it); ok {
					out = append(out, t)
				}
			}
			return out, true
		}
		if _, ok := obj["headers"]; ok {
			if _, ok := obj["rows"]; ok {
				t, ok := tableValue(b)
				return []Table{t}, ok
			}
		}
		return nil, false
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(b, &items); err != nil || len(items) == 0 {
			return nil, false
		}
		if isTableObject(items[0]) {
			var out []Table
			for _, it := range items {
				if t, ok := tableValue(it); ok {
					out = append(out, t)
				}
			}
			return out, len(out) > 0
		}
		t, ok := rowsTable(nil, items)
		if !ok {
			return nil, false
		}
		return []Table{t}, true
	}
	return nil, false
}

func isTableObject(raw json.RawMessage) bool {
	var probe struct {
		Headers json.RawMessage `json:"headers"`
		Rows    json.RawMessage `json:"rows"`
	}
	return json.Unmarshal(raw, &probe) == nil && (probe.Headers != nil || probe.Rows != nil)
}

// tableValue decodes {"headers": [...], "rows": [...]} where rows are either
// value lists or objects keyed by header.
func tableValue(raw json.RawMessage) (Table, bool) {
	var t struct {
		Headers []json.RawMessage `json:"headers"`
		Rows    []json.RawMessage `json:"rows"`
	}
	if err := json.Unmarshal(raw, &t); err != nil {
		return Table{}, false
	}
	headers := make([]string, len(t.Headers))
	for i, h := range t.Headers {
		headers[i] = cell(h)
	}
	if len(t.Rows) == 0 {
		return Table{Headers: headers, Rows: [][]string{}}, true
	}
	return rowsTable(headers, t.Rows)
}

// rowsTable builds a table from row values. Object rows map onto headers;
// missing headers are added in first-seen key order. Without headers, a list
// of value lists uses its first row as the header.
func rowsTable(headers []string, rows []json.RawMessage) (Table, bool) {
	t := Table{Headers: headers, Rows: make([][]string, 0, len(rows))}
	if len(rows) == 0 {
		return t, true
	}

	if firstByte(rows[0]) == '{' {
		index := make(map[string]int, len(headers))
		for i, h := range headers {
			index[h] = i
		}
		objs := make([]orderedObject, 0, len(rows))
		for _, r := range rows {
			obj, err := decodeOrdered(r)
			if err != nil {
				return Table{}, false
			}
			for _, k := range obj.keys {
				if _, ok := index[k]; !ok {
					index[k] = len(t.Headers)
					t.Headers = append(t.Headers, k)
				}
			}
			objs = append(objs, obj)
		}
		for _, obj := range objs {
			row := make([]string, len(t.Headers))
			for k, v := range obj.values {
				row[index[k]] = cell(v)
			}
			t.Rows = append(t.Rows, row)
		}
		return t, true
	}

	for i, r := range rows {
		var vals []json.RawMessage
		if err := json.Unmarshal(r, &vals); err != nil {
			vals = []json.RawMessage{r}
		}
		row := make([]string, len(vals))
		for j, v := range vals {
			row[j] = cell(v)
		}
		if i == 0 && t.Headers == nil {
			t.Headers = row
			continue
		}
		t.Rows = append(t.Rows, row)
	}
	if t.Headers == nil {
		t.Headers = []string{}
	}
	return t, true
}

type orderedObject struct {
	keys   []string
	values map[string]json.RawMessage
}

func decodeOrdered(raw json.RawMessage) (orderedObject, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return orderedObject{}, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return orderedObject{}, fmt.Errorf("row is not an object")
	}
	obj := orderedObject{values: make(map[string]json.RawMessage)}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return orderedObject{}, err
		}
		key, _ := tok.(string)
		var v json.RawMessage
		if err := dec.Decode(&v); err != nil {
			return orderedObject{}, err
		}
		if _, dup := obj.values[key]; !dup {
			obj.keys = append(obj.keys, key)
		}
		obj.values[key] = v
	}
	return obj, nil
}

// cell renders a JSON value as spreadsheet text.
func cell(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

func firstByte(raw json.RawMessage) byte {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0
	}
	return raw[0]
}

func parseMarkdown(text string) []Table {
	matches := markdownRE.FindAllStringSubmatch(text, -1)
	out := make([]Table, 0, len(matches))
	for _, m := range matches {
		var headers []string
		for _, h := range strings.Split(m[1], "|") {
			if h = strings.TrimSpace(h); h != "" {
				headers = append(headers, h)
			}
		}
		t := Table{Headers: headers, Rows: [][]string{}}
		for _, line := range strings.Split(m[3], "\n") {
			if strings.TrimSpace(line) == "" {
				continue
			}
			cells := strings.Split(line, "|")
			row := make([]string, 0, len(headers))
			for i := 1; i < len(cells) && i <= len(headers); i++ {
				row = append(row, strings.TrimSpace(cells[i]))
			}
			t.Rows = append(t.Rows, row)
		}
		out = append(out, t)
	}
	return out
}

func contentTable(text string) []Table {
	t := Table{Headers: []string{"Content"}}
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			t.Rows = append(t.Rows, []string{line})
		}
	}
	if len(t.Rows) == 0 {
		return nil
	}
	return []Table{t}
}
