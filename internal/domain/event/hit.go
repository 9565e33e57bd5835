package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// wellKnownFields are promoted to typed Event fields; everything else in
// _source lands in Extra.
var wellKnownFields = map[string]struct{}{
	"@timestamp":      {},
	"source_ip":       {},
	"destination_ip":  {},
	"destination_port": {},
	"category":        {},
	"technique":       {},
	"tactic":          {},
}

// FromHit decodes one SIEM store search hit (`{_index, _id, _source}`) into
// an Event.
func FromHit(raw json.RawMessage) (Event, error) {
	var hit struct {
		Index  string          `json:"_index"`
		ID     string          `json:"_id"`
		Source json.RawMessage `json:"_source"`
	}
	if err := json.Unmarshal(raw, &hit); err != nil {
		return Event{}, fmt.Errorf("event: decode hit envelope: %w", err)
	}

	var source map[string]any
	if err := json.Unmarshal(hit.Source, &source); err != nil {
		return Event{}, fmt.Errorf("event: decode hit source: %w", err)
	}

	e := Event{
		ID:    ID{Index: hit.Index, DocID: hit.ID},
		Extra: make(map[string]any),
	}

	if ts, ok := source["@timestamp"]; ok {
		e.Timestamp = parseTimestamp(ts)
	}
	if v, ok := source["source_ip"].(string); ok {
		e.SourceAddr = v
	}
	if v, ok := source["destination_ip"].(string); ok {
		e.DestAddr = v
	}
	if v, ok := source["destination_port"]; ok {
		if f, ok := v.(float64); ok {
			e.DestPort = uint16(f)
		}
	}
	if v, ok := source["category"].(string); ok {
		e.Category = v
	}
	if v, ok := source["technique"].(string); ok {
		e.Technique = v
	}
	if v, ok := source["tactic"].(string); ok {
		e.Tactic = v
	}

	for k, v := range source {
		if _, known := wellKnownFields[k]; known {
			continue
		}
		e.Extra[k] = v
	}

	return e, nil
}

func parseTimestamp(v any) time.Time {
	s, ok := v.(string)
	if !ok {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}
