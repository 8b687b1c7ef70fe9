package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/omrozmn/x-ear-sub010/internal/record"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// SearchQuery filters offline records of one kind. All present filters
// are ANDed.
type SearchQuery struct {
	// Text matches case-insensitively as a substring across the kind's
	// lookup fields.
	Text string
	// Fields matches payload fields exactly. Non-string payload values
	// are compared against their canonical string form, so "true"
	// matches a boolean true and "42" matches the number 42.
	Fields map[string]string
	// Status restricts results to one sync status when set.
	Status record.SyncStatus

	Offset int
	Limit  int // defaults to 50, capped at 500
}

// SearchResult carries one page of matches plus the counts a list
// screen needs to render pagination.
type SearchResult struct {
	Items         []*record.Record `json:"items"`
	TotalCount    int              `json:"totalCount"`
	FilteredCount int              `json:"filteredCount"`
}

// Search scans the live records of a kind and applies the query.
//
// This is a full scan: O(n) over the kind's rows, acceptable only
// because the per-kind cache cap bounds n. Expired shadows are skipped
// as absent; rows whose payload no longer decodes are skipped rather
// than failing the search.
func (c *Cache) Search(ctx context.Context, kind string, q SearchQuery) (*SearchResult, error) {
	k, ok := c.store.Catalog().Get(kind)
	if !ok {
		return nil, unknownKindError(kind)
	}

	recs, err := c.store.GetAllRecordsContext(ctx, kind)
	if err != nil {
		c.logger.Printf("Warning: search scan of %s degraded to empty: %v", kind, err)
		return &SearchResult{Items: []*record.Record{}}, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	now := time.Now()
	text := strings.ToLower(strings.TrimSpace(q.Text))

	var total int
	var matches []*record.Record
	for _, rec := range recs {
		if rec.Expired(now) {
			continue
		}
		total++

		if q.Status != "" && rec.SyncStatus != q.Status {
			continue
		}

		payload := decodePayload(rec.Payload)
		if payload == nil && (text != "" || len(q.Fields) > 0) {
			continue
		}
		if text != "" && !matchText(payload, k.LookupFields, text) {
			continue
		}
		if !matchFields(payload, q.Fields) {
			continue
		}

		matches = append(matches, rec)
	}

	result := &SearchResult{
		Items:         []*record.Record{},
		TotalCount:    total,
		FilteredCount: len(matches),
	}
	if offset < len(matches) {
		end := offset + limit
		if end > len(matches) {
			end = len(matches)
		}
		result.Items = matches[offset:end]
	}
	return result, nil
}

// decodePayload parses a record payload defensively; nil means the
// payload is unusable for filtering.
func decodePayload(raw json.RawMessage) map[string]interface{} {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

func matchText(payload map[string]interface{}, fields []string, text string) bool {
	for _, f := range fields {
		v, ok := payload[f]
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		if strings.Contains(strings.ToLower(s), text) {
			return true
		}
	}
	return false
}

func matchFields(payload map[string]interface{}, filters map[string]string) bool {
	for field, want := range filters {
		v, ok := payload[field]
		if !ok {
			return false
		}
		if stringify(v) != want {
			return false
		}
	}
	return true
}

// stringify renders a payload value in its canonical query form.
func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		// JSON numbers decode as float64; render integers without a
		// trailing fraction so "42" matches 42.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
