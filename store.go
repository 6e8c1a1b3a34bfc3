package docmap

import (
	"context"
	"sort"

	"github.com/docmap/docmap/errors"
	"github.com/docmap/docmap/kv"
	"github.com/docmap/docmap/util"
	"github.com/samber/lo"
	"github.com/spf13/cast"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Store is the default Transport: documents are stored as json values in a
// key value database under <collection>.<primary key>. Updates run inside a
// single kv transaction, so a version pin in the where clause behaves as a
// compare-and-update.
type Store struct {
	db          kv.DB
	primaryKeys map[string]string
}

// NewStore creates a store over the given key value database. primaryKeys
// maps each collection name to its primary key field.
func NewStore(db kv.DB, primaryKeys map[string]string) *Store {
	return &Store{db: db, primaryKeys: primaryKeys}
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// DropCollection removes every document of the collection
func (s *Store) DropCollection(collection string) error {
	return s.db.DropPrefix([]byte(collection + "."))
}

func (s *Store) primaryKey(collection string) (string, error) {
	pk, ok := s.primaryKeys[collection]
	if !ok {
		return "", errors.New(errors.Validation, "unknown collection: %s", collection)
	}
	return pk, nil
}

func storeKey(collection, id string) []byte {
	return []byte(collection + "." + id)
}

func (s *Store) Insert(ctx context.Context, collection string, doc *Document) error {
	pk, err := s.primaryKey(collection)
	if err != nil {
		return err
	}
	id := doc.GetString(pk)
	if id == "" {
		return errors.New(errors.Validation, "%s: insert requires a primary key value", collection)
	}
	return s.db.Tx(true, func(tx kv.Tx) error {
		existing, err := tx.Get(storeKey(collection, id))
		if err != nil {
			return err
		}
		if existing != nil {
			return errors.New(errors.Conflict, "%s: document %s already exists", collection, id)
		}
		return tx.Set(storeKey(collection, id), doc.Bytes())
	})
}

func (s *Store) Update(ctx context.Context, collection string, where map[string]any, update map[string]any) (int64, error) {
	pk, err := s.primaryKey(collection)
	if err != nil {
		return 0, err
	}
	var affected int64
	err = s.db.Tx(true, func(tx kv.Tx) error {
		// fast path: the where clause pins the primary key
		if id, ok := where[pk]; ok {
			bits, err := tx.Get(storeKey(collection, cast.ToString(id)))
			if err != nil || bits == nil {
				return err
			}
			return s.applyTo(tx, collection, pk, string(bits), where, update, &affected)
		}
		var raws []string
		iter := tx.NewIterator(kv.IterOpts{Prefix: []byte(collection + ".")})
		for ; iter.Valid(); iter.Next() {
			bits, err := iter.Item().Value()
			if err != nil {
				iter.Close()
				return err
			}
			raws = append(raws, string(bits))
		}
		iter.Close()
		for _, raw := range raws {
			if err := s.applyTo(tx, collection, pk, raw, where, update, &affected); err != nil {
				return err
			}
		}
		return nil
	})
	return affected, err
}

func (s *Store) applyTo(tx kv.Tx, collection, pk, raw string, where, update map[string]any, affected *int64) error {
	if !matchWhere(raw, where) {
		return nil
	}
	applied, err := applyUpdate(raw, update)
	if err != nil {
		return err
	}
	id := gjson.Get(applied, pk).String()
	if err := tx.Set(storeKey(collection, id), []byte(applied)); err != nil {
		return err
	}
	*affected++
	return nil
}

// matchWhere evaluates a flat exact-match where clause against a raw json
// document - values compare by json encoding so differently typed numbers
// still match
func matchWhere(raw string, where map[string]any) bool {
	for path, expected := range where {
		if !util.JSONEq(gjson.Get(raw, path).Value(), expected) {
			return false
		}
	}
	return true
}

// applyUpdate applies an update expression to a raw json document and returns
// the result. Top level keys are update operators mapping dotted paths to
// operands.
func applyUpdate(raw string, update map[string]any) (string, error) {
	var err error
	for op, operands := range update {
		for path, operand := range cast.ToStringMap(operands) {
			switch op {
			case "$set":
				raw, err = sjson.Set(raw, path, operand)
			case "$unset":
				raw, err = sjson.Delete(raw, path)
			case "$inc":
				raw, err = sjson.Set(raw, path, gjson.Get(raw, path).Int()+cast.ToInt64(operand))
			case "$push":
				arr := cast.ToSlice(gjson.Get(raw, path).Value())
				raw, err = sjson.Set(raw, path, append(arr, operandValues(operand)...))
			case "$addToSet":
				arr := cast.ToSlice(gjson.Get(raw, path).Value())
				for _, v := range operandValues(operand) {
					v := v
					if !lo.ContainsBy(arr, func(el any) bool { return util.JSONEq(el, v) }) {
						arr = append(arr, v)
					}
				}
				raw, err = sjson.Set(raw, path, arr)
			case "$pull":
				arr := cast.ToSlice(gjson.Get(raw, path).Value())
				pulls := pullValues(operand)
				arr = lo.Filter(arr, func(el any, _ int) bool {
					return !lo.ContainsBy(pulls, func(p any) bool { return util.JSONEq(el, p) })
				})
				raw, err = sjson.Set(raw, path, arr)
			case "$pop":
				arr := cast.ToSlice(gjson.Get(raw, path).Value())
				if len(arr) > 0 {
					if cast.ToInt(operand) < 0 {
						arr = arr[1:]
					} else {
						arr = arr[:len(arr)-1]
					}
				}
				raw, err = sjson.Set(raw, path, arr)
			default:
				return "", errors.New(errors.Validation, "unsupported update operator: %s", op)
			}
			if err != nil {
				return "", err
			}
		}
	}
	return raw, nil
}

// operandValues unwraps a push/addToSet operand - either an $each list or a
// single value
func operandValues(operand any) []any {
	if m, ok := operand.(map[string]any); ok {
		if each, ok := m["$each"]; ok {
			return cast.ToSlice(each)
		}
	}
	return []any{operand}
}

// pullValues unwraps a pull operand - either an $in list or a single value
func pullValues(operand any) []any {
	if m, ok := operand.(map[string]any); ok {
		if in, ok := m["$in"]; ok {
			return cast.ToSlice(in)
		}
	}
	return []any{operand}
}

func (s *Store) FetchByIDs(ctx context.Context, collection string, field string, ids []any, opts FetchOptions) (Documents, error) {
	pk, err := s.primaryKey(collection)
	if err != nil {
		return nil, err
	}
	sids := lo.Map(ids, func(id any, _ int) string { return cast.ToString(id) })
	var out Documents
	err = s.db.Tx(false, func(tx kv.Tx) error {
		if field == pk {
			for _, id := range sids {
				bits, err := tx.Get(storeKey(collection, id))
				if err != nil {
					return err
				}
				if bits == nil {
					continue
				}
				doc, err := NewDocumentFromBytes(bits)
				if err != nil {
					return err
				}
				out = append(out, doc)
			}
			return nil
		}
		iter := tx.NewIterator(kv.IterOpts{Prefix: []byte(collection + ".")})
		defer iter.Close()
		for ; iter.Valid(); iter.Next() {
			bits, err := iter.Item().Value()
			if err != nil {
				return err
			}
			doc, err := NewDocumentFromBytes(bits)
			if err != nil {
				return err
			}
			if lo.Contains(sids, cast.ToString(doc.Get(field))) {
				out = append(out, doc)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(opts.Match) > 0 {
		out = out.Filter(func(doc *Document, _ int) bool { return matchWhere(doc.String(), opts.Match) })
	}
	if len(opts.Sort) > 0 {
		sortDocuments(out, opts.Sort)
	}
	if opts.Skip > 0 {
		if int(opts.Skip) >= len(out) {
			out = nil
		} else {
			out = out[opts.Skip:]
		}
	}
	if opts.Limit != nil && int(*opts.Limit) < len(out) {
		out = out[:*opts.Limit]
	}
	if sel := selectionMap(opts.Select); len(sel) > 0 {
		for i, doc := range out {
			projected, err := projectDocument(doc, sel, pk)
			if err != nil {
				return nil, err
			}
			out[i] = projected
		}
	}
	return out, nil
}

// sortDocuments orders documents by the sort spec. Fields apply in name
// order; numeric values compare numerically, everything else by string form.
func sortDocuments(docs Documents, spec map[string]int) {
	fields := lo.Keys(spec)
	sort.Strings(fields)
	sort.SliceStable(docs, func(i, j int) bool {
		for _, field := range fields {
			cmp := compareValues(docs[i].Get(field), docs[j].Get(field))
			if cmp == 0 {
				continue
			}
			if spec[field] < 0 {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

func compareValues(a, b any) int {
	af, aerr := cast.ToFloat64E(a)
	bf, berr := cast.ToFloat64E(b)
	if aerr == nil && berr == nil {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	as, bs := cast.ToString(a), cast.ToString(b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}

// projectDocument applies a load projection to a fetched document. Inclusive
// projections keep the listed paths plus the primary key; exclusive
// projections remove the listed paths. An $elemMatch entry keeps only the
// array elements matching its flat clauses.
func projectDocument(doc *Document, sel map[string]any, pk string) (*Document, error) {
	inclusive := false
	for _, v := range sel {
		if isElemMatch(v) || projectionIncludes(v) {
			inclusive = true
			break
		}
	}
	if !inclusive {
		for field, v := range sel {
			if !projectionIncludes(v) {
				if err := doc.del(field); err != nil {
					return nil, err
				}
			}
		}
		return doc, nil
	}
	raw := "{}"
	var err error
	pkVal, pkListed := sel[pk]
	if (!pkListed || projectionIncludes(pkVal)) && doc.Exists(pk) {
		if raw, err = sjson.Set(raw, pk, doc.Get(pk)); err != nil {
			return nil, err
		}
	}
	for field, v := range sel {
		if !isElemMatch(v) && !projectionIncludes(v) {
			continue
		}
		if !doc.Exists(field) {
			continue
		}
		val := doc.Get(field)
		if isElemMatch(v) {
			cond := cast.ToStringMap(cast.ToStringMap(v)["$elemMatch"])
			val = lo.Filter(cast.ToSlice(val), func(el any, _ int) bool {
				return matchWhere(util.JSONString(el), cond)
			})
		}
		if raw, err = sjson.Set(raw, field, val); err != nil {
			return nil, err
		}
	}
	return NewDocumentFromBytes([]byte(raw))
}
