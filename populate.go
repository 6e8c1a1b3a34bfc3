package docmap

import (
	"sort"

	"github.com/samber/lo"
	"github.com/spf13/cast"
)

// assignDocs rebuilds an identifier sequence with fetched documents. The
// input sequence is never mutated - a new sequence is returned.
//
// nested marks a "find" (array reference) context: an identifier with no
// fetched document stays in place rather than being dropped, so a dangling
// reference remains visible to the caller. At the top level of a single
// reference ("findOne" context, nested false) a missing identifier becomes
// nil instead - positions always hold a document or null, never a bare id.
// The two behaviors are deliberately different; see assignSingle for the
// scalar form.
//
// When sorted, fetched documents are placed at their rank in the query order
// and null placeholders are dropped; rank collisions are last write wins.
// Without a sort, documents keep arrival order.
func assignDocs(ids []any, docs map[string]*Document, order map[string]int, sorted bool, nested bool) []any {
	if sorted {
		ranked := map[int]any{}
		var unranked []any
		for _, el := range ids {
			if el == nil {
				continue
			}
			if sub, ok := el.([]any); ok {
				unranked = append(unranked, assignDocs(sub, docs, order, sorted, true))
				continue
			}
			sid := cast.ToString(el)
			doc, found := docs[sid]
			if !found {
				if nested {
					unranked = append(unranked, el)
				}
				continue
			}
			if rank, ok := order[sid]; ok {
				ranked[rank] = doc
			} else {
				unranked = append(unranked, doc)
			}
		}
		ranks := lo.Keys(ranked)
		sort.Ints(ranks)
		out := make([]any, 0, len(ranks)+len(unranked))
		for _, rank := range ranks {
			out = append(out, ranked[rank])
		}
		return append(out, unranked...)
	}
	out := make([]any, 0, len(ids))
	for _, el := range ids {
		switch v := el.(type) {
		case nil:
			out = append(out, nil)
		case []any:
			out = append(out, assignDocs(v, docs, order, sorted, true))
		default:
			if doc, ok := docs[cast.ToString(v)]; ok {
				out = append(out, doc)
			} else if nested {
				out = append(out, v)
			} else {
				out = append(out, nil)
			}
		}
	}
	return out
}

// assignSingle resolves a scalar reference: the fetched document, or nil when
// the identifier matched nothing
func assignSingle(id any, docs map[string]*Document) any {
	if id == nil {
		return nil
	}
	if doc, ok := docs[cast.ToString(id)]; ok {
		return doc
	}
	return nil
}

// filterValue applies result filtering before a populated value is assigned
// back onto the document. Array results drop entries that resolved to neither
// a document nor a nested sequence; single results degrade to nil. When
// suppress is set the identifier field is cleared on each surviving document.
func filterValue(val any, suppress bool, field string) any {
	switch v := val.(type) {
	case []any:
		out := make([]any, 0, len(v))
		for _, el := range v {
			switch el := el.(type) {
			case []any:
				out = append(out, filterValue(el, suppress, field))
			case *Document:
				out = append(out, suppressID(el, suppress, field))
			}
		}
		return out
	case *Document:
		return suppressID(v, suppress, field)
	default:
		return nil
	}
}

func suppressID(doc *Document, suppress bool, field string) *Document {
	if suppress && field != "" {
		_ = doc.del(field)
	}
	return doc
}

// flattenIDs collects the scalar identifiers of a raw reference value,
// recursing through nested sequences and skipping nulls
func flattenIDs(raw any) []any {
	switch v := raw.(type) {
	case nil:
		return nil
	case []any:
		var out []any
		for _, el := range v {
			out = append(out, flattenIDs(el)...)
		}
		return out
	default:
		return []any{v}
	}
}
