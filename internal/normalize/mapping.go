package normalize

import (
	"embed"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/crm-migrate/internal/model"
)

//go:embed mappings/*.yaml
var mappingFS embed.FS

// canonicalFields lists the mapping keys each entity understands.
var canonicalFields = map[model.EntityType][]string{
	model.EntityContact:  {"first_name", "last_name", "display_name", "company", "email", "phone", "street", "city", "state", "zip"},
	model.EntityJob:      {"name", "number", "status", "contact_id", "amount", "street", "city", "state", "zip", "start_date"},
	model.EntityDocument: {"file_name", "file_extension", "mime_type", "size_bytes", "job_id", "url"},
	model.EntityTask:     {"title", "description", "due_at", "completed", "job_id"},
}

// Mapping is a per-source field-mapping table. For each entity it maps a
// canonical field to source paths in precedence order. Paths are dotted and
// may index arrays ("emails.0").
type Mapping struct {
	Source   model.Source                            `yaml:"source"`
	Volatile []string                                `yaml:"volatile"`
	Entities map[model.EntityType]map[string][]string `yaml:"entities"`
}

// ParseMapping decodes and validates a YAML mapping table.
func ParseMapping(data []byte) (*Mapping, error) {
	var m Mapping
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, eris.Wrap(err, "normalize: parse mapping")
	}
	if _, ok := model.ParseSource(string(m.Source)); !ok {
		return nil, eris.Errorf("normalize: mapping has unknown source %q", m.Source)
	}
	for _, et := range model.EntityTypes {
		fields, ok := m.Entities[et]
		if !ok {
			return nil, eris.Errorf("normalize: %s mapping has no %s entity", m.Source, et)
		}
		known := canonicalFields[et]
		var unknown []string
		for f := range fields {
			if !slices.Contains(known, f) {
				unknown = append(unknown, f)
			}
		}
		if len(unknown) > 0 {
			sort.Strings(unknown)
			return nil, eris.Errorf("normalize: %s %s mapping has unknown fields %s", m.Source, et, strings.Join(unknown, ", "))
		}
	}
	return &m, nil
}

var (
	mappingsOnce sync.Once
	mappings     map[model.Source]*Mapping
	mappingsErr  error
)

// MappingFor returns the embedded mapping table for src.
func MappingFor(src model.Source) (*Mapping, error) {
	mappingsOnce.Do(func() {
		mappings = make(map[model.Source]*Mapping)
		for _, s := range model.Sources() {
			data, err := mappingFS.ReadFile("mappings/" + string(s) + ".yaml")
			if err != nil {
				mappingsErr = eris.Wrapf(err, "normalize: read %s mapping", s)
				return
			}
			m, err := ParseMapping(data)
			if err != nil {
				mappingsErr = err
				return
			}
			mappings[s] = m
		}
	})
	if mappingsErr != nil {
		return nil, mappingsErr
	}
	m, ok := mappings[src]
	if !ok {
		return nil, eris.Errorf("normalize: no mapping for source %q", src)
	}
	return m, nil
}

// lookup resolves a dotted path against a decoded JSON object.
func lookup(fields map[string]any, path string) any {
	var cur any = fields
	for _, part := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			cur = node[part]
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(node) {
				return nil
			}
			cur = node[i]
		default:
			return nil
		}
	}
	return cur
}

// first returns the first non-empty value among paths.
func (m *Mapping) first(entity model.EntityType, field string, fields map[string]any) any {
	return m.firstWhere(entity, field, fields, nil)
}

// firstWhere is first limited to values keep accepts. A nil keep accepts
// every non-empty value.
func (m *Mapping) firstWhere(entity model.EntityType, field string, fields map[string]any, keep func(any) bool) any {
	for _, path := range m.Entities[entity][field] {
		v := lookup(fields, path)
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
			continue
		}
		if keep != nil && !keep(v) {
			continue
		}
		return v
	}
	return nil
}
