package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
)

// ExportJSON renders events as a JSON array, newest-first (the same order
// List returns).
func ExportJSON(events []Event) ([]byte, error) {
	return json.Marshal(events)
}

// ExportCSV renders events as CSV with a fixed column header. Metadata is
// flattened into a single "metadata" column as key=value pairs separated
// by ";", with keys sorted for deterministic output.
func ExportCSV(events []Event) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write([]string{"id", "timestamp", "type", "actor", "message", "metadata"}); err != nil {
		return nil, err
	}
	for _, e := range events {
		if err := w.Write([]string{
			fmt.Sprintf("%d", e.ID),
			e.Timestamp,
			e.Type,
			e.Actor,
			e.Message,
			flattenMetadata(e.Metadata),
		}); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func flattenMetadata(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(';')
		}
		buf.WriteString(k)
		buf.WriteByte('=')
		buf.WriteString(m[k])
	}
	return buf.String()
}
