package docmap

import (
	"github.com/docmap/docmap/errors"
	"github.com/samber/lo"
)

// Delta is the minimal persistence operation for a document's journaled
// mutations: a flat where clause (dotted path -> exact match value) plus
// store-native update operators keyed at the top level ($set, $unset, $inc,
// and atomic array operators), each mapping dotted paths to operands.
type Delta struct {
	Where  map[string]any `json:"where"`
	Update map[string]any `json:"update"`
}

// computeDelta walks the document's dirty records in mutation order and
// assembles the update expression. It returns (nil, nil) when there are no
// dirty records and no version flags - the caller skips the store round trip
// entirely. When any record would clobber a partially loaded array it returns
// a DivergentArrayError naming every offending path and no update expression
// escapes - the save aborts whole, not per path.
func computeDelta(doc *Document, schema CollectionSchema) (*Delta, error) {
	records := doc.DirtyRecords(schema)
	if len(records) == 0 && doc.versionFlags() == 0 {
		return nil, nil
	}
	var (
		where     = map[string]any{schema.PrimaryKey(): doc.Get(schema.PrimaryKey())}
		update    = map[string]any{}
		divergent []string
	)
	for _, rec := range records {
		if p := checkDivergence(doc, rec); p != "" {
			if !lo.Contains(divergent, p) {
				divergent = append(divergent, p)
			}
			continue
		}
		if len(divergent) > 0 {
			// the save is already doomed - keep checking the remaining
			// records so the error names every offending path, but build no
			// more operands
			continue
		}
		switch {
		case rec.Unset:
			setOp(update, "$unset", rec.Path, 1)
		case len(rec.Ops) > 0:
			for _, op := range rec.Ops {
				setOp(update, op.Op, rec.Path, op.Operand)
			}
		default:
			setOp(update, "$set", rec.Path, encodeValue(doc, rec.Path, rec.Value))
		}
	}
	if len(divergent) > 0 {
		return nil, &errors.DivergentArrayError{Paths: divergent}
	}
	if doc.versionFlags() != 0 && schema.VersionKey() != "" {
		applyVersion(where, update, doc, schema, doc.versionFlags())
	}
	return &Delta{Where: where, Update: update}, nil
}

// setOp assigns update.<op>.<path> = operand, creating the operator map on
// first use. A later record for the same path overwrites the earlier operand.
func setOp(update map[string]any, op string, path string, operand any) {
	m, ok := update[op].(map[string]any)
	if !ok {
		m = map[string]any{}
		update[op] = m
	}
	m[path] = operand
}
