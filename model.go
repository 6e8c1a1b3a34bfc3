package docmap

import (
	"context"
	"time"

	"github.com/docmap/docmap/errors"
	"github.com/docmap/docmap/util"
	"github.com/samber/lo"
	"github.com/segmentio/ksuid"
	"github.com/spf13/cast"
	"golang.org/x/sync/errgroup"
)

// Model binds a collection schema to a transport. It owns the save path -
// journal snapshot, delta computation, version guarding, conflict detection -
// and the population path.
type Model struct {
	schema    CollectionSchema
	transport Transport
	registry  *Registry
	logger    Logger
	stream    Stream[ChangeEvent]
}

// Schema returns the model's collection schema
func (m *Model) Schema() CollectionSchema {
	return m.schema
}

// NewDocument returns a new unsaved document for the model's collection
func (m *Model) NewDocument() *Document {
	return NewDocument()
}

// Save persists the document's journaled mutations as a minimal update
// expression. New documents are inserted (with a generated primary key and a
// zero initialized version counter). For existing documents, an empty journal
// with no version flags is a no-op and no store round trip is made. A zero
// affected row count on a version-pinned update is returned as a Conflict -
// retry policy belongs to the caller.
func (m *Model) Save(ctx context.Context, doc *Document) error {
	if doc == nil {
		return errors.New(errors.Validation, "%s: cannot save a nil document", m.schema.Collection())
	}
	if doc.IsNew() {
		return m.insert(ctx, doc)
	}
	if m.schema.VersionKey() != "" && doc.Dirty() {
		doc.requireVersionInc()
	}
	delta, err := computeDelta(doc, m.schema)
	if err != nil {
		return err
	}
	if delta == nil {
		return nil
	}
	affected, err := m.transport.Update(ctx, m.schema.Collection(), delta.Where, delta.Update)
	if err != nil {
		return errors.Wrap(err, 0, "%s: failed to update document", m.schema.Collection())
	}
	id := m.schema.GetPrimaryKey(doc)
	if affected == 0 {
		if vk := m.schema.VersionKey(); vk != "" {
			if _, pinned := delta.Where[vk]; pinned {
				return errors.New(errors.Conflict, "%s: document %s version changed since it was loaded", m.schema.Collection(), id)
			}
		}
		return errors.New(errors.NotFound, "%s: no document matched the update for %s", m.schema.Collection(), id)
	}
	doc.clearModified()
	m.logger.Debug(ctx, "updated document", map[string]any{
		"collection": m.schema.Collection(),
		"docId":      id,
	})
	m.stream.Broadcast(ctx, m.schema.Collection(), ChangeEvent{
		Collection: m.schema.Collection(),
		Action:     ActionUpdate,
		DocID:      id,
		Delta:      delta,
		Timestamp:  time.Now(),
	})
	return nil
}

func (m *Model) insert(ctx context.Context, doc *Document) error {
	if m.schema.GetPrimaryKey(doc) == "" {
		if err := m.schema.SetPrimaryKey(doc, ksuid.New().String()); err != nil {
			return err
		}
	}
	update := map[string]any{}
	applyVersion(nil, update, doc, m.schema, doc.versionFlags())
	if err := m.schema.ValidateDocument(ctx, doc); err != nil {
		return err
	}
	if err := m.transport.Insert(ctx, m.schema.Collection(), doc); err != nil {
		return errors.Wrap(err, 0, "%s: failed to insert document", m.schema.Collection())
	}
	doc.markPersisted()
	id := m.schema.GetPrimaryKey(doc)
	m.logger.Debug(ctx, "inserted document", map[string]any{
		"collection": m.schema.Collection(),
		"docId":      id,
	})
	m.stream.Broadcast(ctx, m.schema.Collection(), ChangeEvent{
		Collection: m.schema.Collection(),
		Action:     ActionCreate,
		DocID:      id,
		Timestamp:  time.Now(),
	})
	return nil
}

// Get loads the document with the given primary key. The projection (field
// map or textual field list) limits the loaded fields and is remembered on
// the document so later saves respect what was actually loaded.
func (m *Model) Get(ctx context.Context, id string, projection any) (*Document, error) {
	docs, err := m.transport.FetchByIDs(ctx, m.schema.Collection(), m.schema.PrimaryKey(), []any{id}, FetchOptions{Select: projection})
	if err != nil {
		return nil, errors.Wrap(err, 0, "%s: failed to fetch document", m.schema.Collection())
	}
	if len(docs) == 0 {
		return nil, errors.New(errors.NotFound, "%s: document %s not found", m.schema.Collection(), id)
	}
	doc := docs[0]
	doc.markLoaded(selectionMap(projection), m.schema.PrimaryKey())
	return doc, nil
}

// Populate fetches the documents referenced at the option's path and
// substitutes them for their identifiers on each of the given documents. How
// the population was fetched is recorded on the documents so later saves can
// depopulate the path and refuse destructive writes to a filtered population.
func (m *Model) Populate(ctx context.Context, docs Documents, opt PopulateOption) error {
	assign, err := m.populate(ctx, docs, opt)
	if err != nil {
		return err
	}
	return assign()
}

// PopulateAll populates multiple paths - the fetches run concurrently, the
// documents are written serially once every fetch has landed
func (m *Model) PopulateAll(ctx context.Context, docs Documents, opts ...PopulateOption) error {
	assigns := make([]func() error, len(opts))
	grp, gctx := errgroup.WithContext(ctx)
	for i, opt := range opts {
		i, opt := i, opt
		grp.Go(func() error {
			assign, err := m.populate(gctx, docs, opt)
			if err != nil {
				return err
			}
			assigns[i] = assign
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return err
	}
	for _, assign := range assigns {
		if err := assign(); err != nil {
			return err
		}
	}
	return nil
}

// populate runs the fetch half of a population and returns a closure that
// assigns the results onto the documents
func (m *Model) populate(ctx context.Context, docs Documents, opt PopulateOption) (func() error, error) {
	if err := util.ValidateStruct(&opt); err != nil {
		return nil, err
	}
	fk, ok := m.schema.ForeignKeys()[opt.Path]
	if !ok {
		return nil, errors.New(errors.Validation, "%s: %s is not a foreign key path", m.schema.Collection(), opt.Path)
	}
	field := m.foreignField(fk)
	var all []any
	for _, doc := range docs {
		all = append(all, flattenIDs(doc.Get(opt.Path))...)
	}
	all = lo.UniqBy(all, func(v any) string { return cast.ToString(v) })
	// the identifier field is always fetched, whatever the caller's
	// projection says - without it the results cannot be matched back to
	// their references. When the caller excluded it, it is cleared again
	// after assignment.
	fetched, err := m.transport.FetchByIDs(ctx, fk.Collection, field, all, FetchOptions{
		Match:  opt.Match,
		Skip:   opt.Skip,
		Limit:  opt.Limit,
		Select: includeField(opt.Select, field),
		Sort:   opt.Sort,
	})
	if err != nil {
		return nil, errors.Wrap(err, 0, "%s: failed to populate %s", m.schema.Collection(), opt.Path)
	}
	docMap := map[string]*Document{}
	orderMap := map[string]int{}
	for _, fd := range fetched {
		sid := cast.ToString(fd.Get(field))
		if _, ok := docMap[sid]; ok {
			continue
		}
		docMap[sid] = fd
		orderMap[sid] = len(orderMap)
	}
	var (
		sorted   = len(opt.Sort) > 0
		justOne  = !m.schema.PathSchema(opt.Path).Array
		suppress = selectExcludesField(opt.Select, field)
	)
	return func() error {
		for _, doc := range docs {
			raw := doc.Get(opt.Path)
			meta := &PopulationMeta{
				Path:       opt.Path,
				Collection: fk.Collection,
				ForeignKey: field,
				Match:      opt.Match,
				Skip:       opt.Skip,
				Limit:      opt.Limit,
				Select:     opt.Select,
				IDs:        deepClone(raw),
			}
			var val any
			if justOne {
				val = assignSingle(raw, docMap)
			} else {
				val = assignDocs(cast.ToSlice(raw), docMap, orderMap, sorted, true)
			}
			if opt.FilterResults || suppress {
				val = filterValue(val, suppress, field)
			}
			if err := doc.setPopulated(meta, val); err != nil {
				return err
			}
		}
		m.logger.Debug(ctx, "populated path", map[string]any{
			"collection": m.schema.Collection(),
			"path":       opt.Path,
			"fetched":    len(docMap),
		})
		return nil
	}, nil
}

// foreignField resolves the identifier field of a foreign key - explicit
// field first, then the referenced collection's primary key
func (m *Model) foreignField(fk ForeignKey) string {
	if fk.Field != "" {
		return fk.Field
	}
	if m.registry != nil {
		if target, err := m.registry.Schema(fk.Collection); err == nil {
			return target.PrimaryKey()
		}
	}
	return "_id"
}
