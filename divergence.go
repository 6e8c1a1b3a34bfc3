package docmap

import (
	"strings"

	"github.com/spf13/cast"
)

// checkDivergence decides whether persisting the record could clobber array
// elements the document never fully loaded. It returns the offending path, or
// an empty string when the write is safe. The check runs before any operand
// is built for the record - a flagged path must contribute no operand.
//
// Two independent triggers:
//   - the record's top level field was loaded through an elemMatch
//     projection, so the in-memory array holds only the matching elements
//   - the record's path was populated under options that limited which
//     referenced documents were fetched, and the record replaces the array
//     (a plain set, or queued ops that include a replace or a pop)
func checkDivergence(doc *Document, rec DirtyRecord) string {
	if doc.elemMatchProjected(rec.Path) {
		return topSegment(rec.Path)
	}
	meta := doc.populationMeta(rec.Path)
	if meta == nil || !meta.filtered() {
		return ""
	}
	if !rec.Schema.Array {
		return ""
	}
	if len(rec.Ops) == 0 {
		return rec.Path
	}
	for _, op := range rec.Ops {
		if op.Op == "$set" || op.Op == "$pop" {
			return rec.Path
		}
	}
	return ""
}

// selectExcludesField reports whether a projection excludes the given field,
// either through an explicit exclusion flag or a textual "-field" entry
func selectExcludesField(sel any, field string) bool {
	if field == "" {
		return false
	}
	switch sel := sel.(type) {
	case nil:
		return false
	case string:
		for _, tok := range strings.Fields(sel) {
			if tok == "-"+field {
				return true
			}
		}
		return false
	case map[string]any:
		v, ok := sel[field]
		if !ok {
			return false
		}
		return !projectionIncludes(v)
	default:
		return false
	}
}

// selectionMap normalizes a projection to field -> include flag form. The
// textual form lists fields separated by whitespace, "-" prefixed to exclude.
func selectionMap(sel any) map[string]any {
	switch sel := sel.(type) {
	case map[string]any:
		return sel
	case string:
		out := map[string]any{}
		for _, tok := range strings.Fields(sel) {
			if strings.HasPrefix(tok, "-") {
				out[strings.TrimPrefix(tok, "-")] = 0
			} else {
				out[tok] = 1
			}
		}
		return out
	case nil:
		return nil
	default:
		return cast.ToStringMap(sel)
	}
}

// includeField rewrites a projection so the given field is always fetched:
// an explicit exclusion of the field is dropped, and an inclusive projection
// gains the field. A population needs the identifier on every fetched
// document to match it back to its reference - when the caller suppressed the
// field, it is cleared again after assignment.
func includeField(sel any, field string) any {
	m := selectionMap(sel)
	if len(m) == 0 {
		return sel
	}
	out := make(map[string]any, len(m)+1)
	inclusive := false
	for k, v := range m {
		if k == field {
			continue
		}
		out[k] = v
		if isElemMatch(v) || projectionIncludes(v) {
			inclusive = true
		}
	}
	if inclusive {
		out[field] = 1
	}
	return out
}
