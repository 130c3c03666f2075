package source

import (
	"encoding/json"
	"io"
	"strconv"

	"github.com/rotisserie/eris"

	"github.com/sells-group/crm-migrate/internal/model"
)

// DecodeJSON decodes a vendor response, keeping numbers as json.Number so
// large ids survive intact.
func DecodeJSON(r io.Reader, out any) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return eris.Wrap(err, "source: decode json")
	}
	return nil
}

// ExternalID renders an id field as a string. Empty when the value is missing.
func ExternalID(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case json.Number:
		return id.String()
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case int:
		return strconv.Itoa(id)
	case int64:
		return strconv.FormatInt(id, 10)
	default:
		return ""
	}
}

// Records turns decoded vendor objects into SourceRecords keyed by idField.
func Records(entity model.EntityType, idField string, items []map[string]any) []model.SourceRecord {
	out := make([]model.SourceRecord, 0, len(items))
	for _, item := range items {
		out = append(out, model.SourceRecord{
			Entity:     entity,
			ExternalID: ExternalID(item[idField]),
			Fields:     item,
		})
	}
	return out
}
