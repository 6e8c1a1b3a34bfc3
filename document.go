package docmap

import (
	"encoding/json"
	"io"
	"strings"

	"github.com/docmap/docmap/errors"
	"github.com/docmap/docmap/util"
	flat2 "github.com/nqd/flat"
	"github.com/samber/lo"
	"github.com/spf13/cast"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Binary wraps a raw byte sequence stored on a document. The document keeps
// the json (base64) form - Binary lets the update encoder recover raw bytes.
type Binary []byte

// ArrayOp is a queued atomic array mutation. Queued ops are sent to the store
// as native update operators instead of a full array replacement.
type ArrayOp struct {
	// Op is the store-native operator name ($push, $pull, $pop, $addToSet)
	Op string `json:"op"`
	// Operand is the operator argument, scoped to the record's path
	Operand any `json:"operand"`
}

// DirtyRecord is a single changed path, snapshotted from a document's
// mutation journal at save time
type DirtyRecord struct {
	// Path is the dotted path that changed
	Path string `json:"path"`
	// Value is the new value - nil means an explicit null write unless Unset is set
	Value any `json:"value"`
	// Unset indicates the path was removed rather than set to null
	Unset bool `json:"unset"`
	// Ops are queued atomic array mutations on the path
	Ops []ArrayOp `json:"ops,omitempty"`
	// Schema is the declared shape of the path
	Schema PathSchema `json:"schema"`
}

// PopulationMeta records how a reference path was populated so that later
// saves can depopulate the path and refuse destructive writes when the
// population was filtered
type PopulationMeta struct {
	// Path is the populated document path
	Path string `json:"path"`
	// Collection is the referenced collection
	Collection string `json:"collection"`
	// ForeignKey is the identifier field on the referenced documents
	ForeignKey string `json:"foreignKey"`
	// Match is the filter the population was fetched with, if any
	Match map[string]any `json:"match,omitempty"`
	// Skip is the number of referenced documents skipped
	Skip int64 `json:"skip,omitempty"`
	// Limit caps the number of referenced documents fetched - an explicit
	// zero is meaningful, so absence is a nil pointer
	Limit *int64 `json:"limit,omitempty"`
	// Select is the projection the referenced documents were fetched with -
	// either a field map or a textual field list
	Select any `json:"select,omitempty"`
	// IDs is the original raw identifier structure at the path
	IDs any `json:"ids"`
}

// filtered reports whether the population limited which referenced documents
// were fetched - a destructive write to such a path risks data loss
func (p *PopulationMeta) filtered() bool {
	if len(p.Match) > 0 {
		return true
	}
	if p.Limit != nil {
		return true
	}
	if p.Skip > 0 {
		return true
	}
	return selectExcludesField(p.Select, p.ForeignKey)
}

type journalEntry struct {
	path  string
	value any
	unset bool
	ops   []ArrayOp
}

const (
	versionWhere uint8 = 1 << 0
	versionInc   uint8 = 1 << 1
)

// Document is a schema-backed JSON document. It journals every mutation by
// path so a save can compute the minimal update expression. A Document is not
// safe for concurrent mutation - each save operates on one instance's
// private journal.
type Document struct {
	result      gjson.Result
	journal     []*journalEntry
	journalIdx  map[string]int
	projection  map[string]any
	alwaysSel   []string
	elemMatched map[string]bool
	populated   map[string]*PopulationMeta
	vflags      uint8
	isNew       bool
}

// UnmarshalJSON satisfies the json Unmarshaler interface
func (d *Document) UnmarshalJSON(bytes []byte) error {
	doc, err := NewDocumentFromBytes(bytes)
	if err != nil {
		return err
	}
	*d = *doc
	return nil
}

// MarshalJSON satisfies the json Marshaler interface
func (d *Document) MarshalJSON() ([]byte, error) {
	return d.Bytes(), nil
}

// NewDocument creates a new empty json document
func NewDocument() *Document {
	return &Document{
		result: gjson.Parse("{}"),
		isNew:  true,
	}
}

// NewDocumentFromBytes creates a new document from the given json bytes
func NewDocumentFromBytes(json []byte) (*Document, error) {
	if !gjson.ValidBytes(json) {
		return nil, errors.New(errors.Validation, "invalid json: %s", string(json))
	}
	d := &Document{
		result: gjson.ParseBytes(json),
		isNew:  true,
	}
	if !d.Valid() {
		return nil, errors.New(errors.Validation, "invalid document")
	}
	return d, nil
}

// NewDocumentFrom creates a new document from the given value - the value must be json compatible
func NewDocumentFrom(value any) (*Document, error) {
	bits, err := json.Marshal(value)
	if err != nil {
		return nil, errors.New(errors.Validation, "failed to json encode value: %#v", value)
	}
	return NewDocumentFromBytes(bits)
}

// Valid returns whether the document is valid
func (d *Document) Valid() bool {
	return gjson.ValidBytes(d.Bytes()) && !d.result.IsArray()
}

// String returns the document as a json string
func (d *Document) String() string {
	return d.result.Raw
}

// Bytes returns the document as json bytes
func (d *Document) Bytes() []byte {
	return []byte(d.result.Raw)
}

// Value returns the document as a map
func (d *Document) Value() map[string]any {
	return cast.ToStringMap(d.result.Value())
}

// Clone allocates a new document with identical values and a clean journal
func (d *Document) Clone() *Document {
	return &Document{result: gjson.Parse(d.result.Raw), isNew: d.isNew}
}

// Get gets a field on the document. Get has GJSON syntax support and supports dot notation
func (d *Document) Get(field string) any {
	return d.result.Get(field).Value()
}

// GetString gets a string field value on the document
func (d *Document) GetString(field string) string {
	return d.result.Get(field).String()
}

// GetBool gets a bool field value on the document
func (d *Document) GetBool(field string) bool {
	return cast.ToBool(d.Get(field))
}

// GetFloat gets a float field value on the document
func (d *Document) GetFloat(field string) float64 {
	return cast.ToFloat64(d.Get(field))
}

// GetArray gets an array field on the document
func (d *Document) GetArray(field string) []any {
	return cast.ToSlice(d.Get(field))
}

// Exists returns true if the field has a value on the document
func (d *Document) Exists(field string) bool {
	return d.result.Get(field).Exists()
}

// Set sets a field on the document and journals the change. Dot notation is
// supported. A nil value writes an explicit json null - use Unset to remove
// the field. Setting a path discards any atomic array ops queued on it.
func (d *Document) Set(field string, val any) error {
	if err := d.set(field, val); err != nil {
		return err
	}
	d.mark(field, func(e *journalEntry) {
		e.value = val
		e.unset = false
		e.ops = nil
	})
	return nil
}

// SetAll sets all fields on the document. Dot notation is supported.
func (d *Document) SetAll(values map[string]any) error {
	for k, v := range values {
		if err := d.Set(k, v); err != nil {
			return err
		}
	}
	return nil
}

// Unset removes a field from the document and journals the removal
func (d *Document) Unset(field string) error {
	if err := d.del(field); err != nil {
		return err
	}
	d.mark(field, func(e *journalEntry) {
		e.value = nil
		e.unset = true
		e.ops = nil
	})
	return nil
}

// Push appends the values to an array field and queues an atomic $push so the
// save can avoid replacing the whole array
func (d *Document) Push(field string, vals ...any) error {
	arr := d.GetArray(field)
	arr = append(arr, vals...)
	if err := d.set(field, arr); err != nil {
		return err
	}
	d.queueOp(field, "$push", vals...)
	return nil
}

// AddToSet appends values not already present and queues an atomic $addToSet
func (d *Document) AddToSet(field string, vals ...any) error {
	arr := d.GetArray(field)
	var added []any
	for _, v := range vals {
		v := v
		if !lo.ContainsBy(arr, func(el any) bool { return util.JSONEq(el, v) }) {
			arr = append(arr, v)
			added = append(added, v)
		}
	}
	if len(added) == 0 {
		return nil
	}
	if err := d.set(field, arr); err != nil {
		return err
	}
	d.queueOp(field, "$addToSet", added...)
	return nil
}

// Pull removes all elements equal to the value and queues an atomic $pull
func (d *Document) Pull(field string, val any) error {
	arr := d.GetArray(field)
	arr = lo.Filter(arr, func(el any, _ int) bool { return !util.JSONEq(el, val) })
	if err := d.set(field, arr); err != nil {
		return err
	}
	d.mark(field, func(e *journalEntry) {
		for i, op := range e.ops {
			if op.Op != "$pull" {
				continue
			}
			if in, ok := op.Operand.(map[string]any); ok {
				in["$in"] = append(cast.ToSlice(in["$in"]), val)
			} else {
				e.ops[i].Operand = map[string]any{"$in": []any{op.Operand, val}}
			}
			return
		}
		e.ops = append(e.ops, ArrayOp{Op: "$pull", Operand: val})
	})
	return nil
}

// Pop removes the last (n >= 0) or first (n < 0) element of an array field
// and queues an atomic $pop
func (d *Document) Pop(field string, n int) error {
	arr := d.GetArray(field)
	operand := 1
	if len(arr) > 0 {
		if n < 0 {
			arr = arr[1:]
			operand = -1
		} else {
			arr = arr[:len(arr)-1]
		}
	}
	if err := d.set(field, arr); err != nil {
		return err
	}
	d.mark(field, func(e *journalEntry) {
		e.ops = append(e.ops, ArrayOp{Op: "$pop", Operand: operand})
	})
	return nil
}

func (d *Document) queueOp(field string, op string, vals ...any) {
	d.mark(field, func(e *journalEntry) {
		for i, existing := range e.ops {
			if existing.Op != op {
				continue
			}
			each := cast.ToStringMap(existing.Operand)
			each["$each"] = append(cast.ToSlice(each["$each"]), vals...)
			e.ops[i].Operand = each
			return
		}
		e.ops = append(e.ops, ArrayOp{Op: op, Operand: map[string]any{"$each": vals}})
	})
}

// mark journals a mutation at the given path - a later mutation of the same
// path updates the original entry in place (last write wins)
func (d *Document) mark(path string, mutate func(*journalEntry)) {
	if idx, ok := d.journalIdx[path]; ok {
		mutate(d.journal[idx])
		return
	}
	e := &journalEntry{path: path}
	mutate(e)
	if d.journalIdx == nil {
		d.journalIdx = map[string]int{}
	}
	d.journal = append(d.journal, e)
	d.journalIdx[path] = len(d.journal) - 1
}

// del removes the field without touching the journal
func (d *Document) del(field string) error {
	result, err := sjson.Delete(d.result.Raw, field)
	if err != nil {
		return err
	}
	d.result = gjson.Parse(result)
	return nil
}

// set writes the raw document without touching the journal
func (d *Document) set(field string, val any) error {
	var (
		result string
		err    error
	)
	switch val := val.(type) {
	case gjson.Result:
		result, err = sjson.Set(d.result.Raw, field, val.Value())
	case []byte:
		result, err = sjson.SetRaw(d.result.Raw, field, string(val))
	default:
		result, err = sjson.Set(d.result.Raw, field, val)
	}
	if err != nil {
		return err
	}
	if !gjson.Valid(result) {
		return errors.New(errors.Validation, "invalid document")
	}
	d.result = gjson.Parse(result)
	return nil
}

// Merge merges the document with the provided document. This is not an overwrite.
func (d *Document) Merge(with *Document) error {
	if !with.Valid() {
		return errors.New(errors.Validation, "invalid document")
	}
	flattened, err := flat2.Flatten(with.Value(), nil)
	if err != nil {
		return err
	}
	return d.SetAll(flattened)
}

// Dirty returns true if the document has mutations not yet persisted
func (d *Document) Dirty() bool {
	return len(d.journal) > 0
}

// DirtyPaths returns the journaled paths in mutation order
func (d *Document) DirtyPaths() []string {
	return lo.Map(d.journal, func(e *journalEntry, _ int) string { return e.path })
}

// DirtyRecords snapshots the journal in mutation order, attaching each path's
// declared schema. The snapshot is consumed once per save attempt.
func (d *Document) DirtyRecords(schema CollectionSchema) []DirtyRecord {
	records := make([]DirtyRecord, 0, len(d.journal))
	for _, e := range d.journal {
		records = append(records, DirtyRecord{
			Path:   e.path,
			Value:  e.value,
			Unset:  e.unset,
			Ops:    append([]ArrayOp(nil), e.ops...),
			Schema: schema.PathSchema(e.path),
		})
	}
	return records
}

// clearModified resets the journal and version flags after a successful save
func (d *Document) clearModified() {
	d.journal = nil
	d.journalIdx = nil
	d.vflags = 0
}

// Increment requests an explicit version bump on the next save: the current
// version is pinned in the where clause and incremented in the update
func (d *Document) Increment() {
	d.vflags = versionWhere | versionInc
}

func (d *Document) requireVersionInc() {
	d.vflags |= versionInc
}

func (d *Document) versionFlags() uint8 {
	return d.vflags
}

// IsNew returns true if the document has never been persisted
func (d *Document) IsNew() bool {
	return d.isNew
}

// markLoaded records that the document came from the store under the given
// load projection. The journal is reset - only mutations made after load are
// dirty. alwaysSelected names fields selected regardless of the projection
// (the primary key).
func (d *Document) markLoaded(projection map[string]any, alwaysSelected ...string) {
	d.isNew = false
	d.journal = nil
	d.journalIdx = nil
	d.vflags = 0
	d.projection = projection
	d.alwaysSel = alwaysSelected
	d.elemMatched = map[string]bool{}
	for field, v := range projection {
		if isElemMatch(v) {
			d.elemMatched[topSegment(field)] = true
		}
	}
}

// markPersisted flips a new document to persisted state after an insert
func (d *Document) markPersisted() {
	d.isNew = false
	d.clearModified()
}

// IsPathSelected reports whether the path was included by the load
// projection. Documents without a projection select everything.
func (d *Document) IsPathSelected(path string) bool {
	if len(d.projection) == 0 {
		return true
	}
	if lo.Contains(d.alwaysSel, path) {
		return true
	}
	inclusive := false
	for _, v := range d.projection {
		if isElemMatch(v) || projectionIncludes(v) {
			inclusive = true
			break
		}
	}
	if inclusive {
		for field, v := range d.projection {
			if (isElemMatch(v) || projectionIncludes(v)) && pathsOverlap(field, path) {
				return true
			}
		}
		return false
	}
	for field, v := range d.projection {
		if !projectionIncludes(v) && pathsOverlap(field, path) {
			return false
		}
	}
	return true
}

// elemMatchProjected reports whether the top level field was loaded through
// an elemMatch projection - such arrays only hold the matching elements
func (d *Document) elemMatchProjected(field string) bool {
	return d.elemMatched[topSegment(field)]
}

// setPopulated writes the populated value at the path without journaling it
// and records how the population was fetched
func (d *Document) setPopulated(meta *PopulationMeta, value any) error {
	if err := d.set(meta.Path, value); err != nil {
		return err
	}
	if d.populated == nil {
		d.populated = map[string]*PopulationMeta{}
	}
	d.populated[meta.Path] = meta
	return nil
}

// populationMeta returns how the path was populated, or nil
func (d *Document) populationMeta(path string) *PopulationMeta {
	return d.populated[path]
}

// Depopulate restores the original identifier structure at the path - all
// populated paths are restored when path is empty
func (d *Document) Depopulate(path string) error {
	for p, meta := range d.populated {
		if path != "" && p != path {
			continue
		}
		if err := d.set(p, meta.IDs); err != nil {
			return err
		}
		delete(d.populated, p)
	}
	return nil
}

func isElemMatch(v any) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	_, ok = m["$elemMatch"]
	return ok
}

func projectionIncludes(v any) bool {
	switch v := v.(type) {
	case bool:
		return v
	case map[string]any:
		return true
	default:
		return cast.ToInt(v) != 0
	}
}

func pathsOverlap(a, b string) bool {
	return a == b || strings.HasPrefix(b, a+".") || strings.HasPrefix(a, b+".")
}

func topSegment(path string) string {
	if i := strings.Index(path, "."); i >= 0 {
		return path[:i]
	}
	return path
}

// Scan scans the json document into the value
func (d *Document) Scan(value any) error {
	return util.Decode(d.Value(), &value)
}

// Encode encodes the json document to the io writer
func (d *Document) Encode(w io.Writer) error {
	_, err := w.Write(d.Bytes())
	return errors.Wrap(err, 0, "failed to encode document")
}

// Documents is an array of documents
type Documents []*Document

// Slice slices the documents into a subarray of documents
func (documents Documents) Slice(start, end int) Documents {
	return lo.Slice[*Document](documents, start, end)
}

// Filter applies the filter function against the documents
func (documents Documents) Filter(predicate func(document *Document, i int) bool) Documents {
	return lo.Filter[*Document](documents, predicate)
}

// Map applies the mapper function against the documents
func (documents Documents) Map(mapper func(t *Document, i int) *Document) Documents {
	return lo.Map[*Document, *Document](documents, mapper)
}

// ForEach applies the function to each document in the documents
func (documents Documents) ForEach(fn func(next *Document, i int)) {
	lo.ForEach[*Document](documents, fn)
}
