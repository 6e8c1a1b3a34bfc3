package docmap

import (
	"strings"

	"github.com/docmap/docmap/util"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// encodeValue normalizes a changed value for inclusion in an update
// expression. Values are deep cloned through a json round trip so the output
// holds canonical json types regardless of how the caller built the value -
// encoding the same value twice yields identical output. Binary unwraps to
// its raw byte form. Populated reference documents are replaced by their
// identifiers, so a save never writes fetched foreign documents back into
// the owning document.
func encodeValue(doc *Document, path string, value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case Binary:
		return []byte(v)
	}
	if meta := doc.populationMeta(path); meta != nil {
		return depopulateValue(value, meta)
	}
	raw := util.JSONString(value)
	prefix := path + "."
	for p, meta := range doc.populated {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		raw, _ = sjson.Set(raw, strings.TrimPrefix(p, prefix), meta.IDs)
	}
	return gjson.Parse(raw).Value()
}

// depopulateValue maps the current value of a populated path back to bare
// identifiers: documents become their foreign key value, scalars pass
// through as identifiers already
func depopulateValue(value any, meta *PopulationMeta) any {
	switch v := value.(type) {
	case []any:
		out := make([]any, 0, len(v))
		for _, el := range v {
			out = append(out, depopulateValue(el, meta))
		}
		return out
	case *Document:
		return deepClone(v.Get(meta.ForeignKey))
	case map[string]any:
		if id, ok := v[meta.ForeignKey]; ok {
			return deepClone(id)
		}
		return deepClone(v)
	default:
		return deepClone(v)
	}
}

// deepClone copies a json compatible value through a json round trip
func deepClone(value any) any {
	if value == nil {
		return nil
	}
	return gjson.Parse(util.JSONString(value)).Value()
}
