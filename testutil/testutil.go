package testutil

import (
	"context"
	"sync"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/docmap/docmap"
	_ "github.com/docmap/docmap/kv/badger"
	"github.com/docmap/docmap/kv/registry"
	"github.com/samber/lo"
	"github.com/spf13/cast"
)

var UserSchema = []byte(`
type: object
x-collection: user
x-primary-key: _id
x-version-key: _v
x-discriminator-key: kind
x-foreign-keys:
  posts:
    collection: post
  bestPost:
    collection: post
properties:
  _id:
    type: string
  _v:
    type: integer
  kind:
    type: string
  name:
    type: string
  age:
    type: integer
  tags:
    type: array
    items:
      type: string
  posts:
    type: array
  bestPost:
    type: string
  contact:
    type: object
    properties:
      email:
        type: string
  comments:
    type: array
    items:
      type: object
      properties:
        text:
          type: string
required:
  - _id
`)

var AdminSchema = []byte(`
type: object
x-collection: admin
x-primary-key: _id
x-version-key: _v
x-base-collection: user
x-discriminator-value: admin
properties:
  _id:
    type: string
  kind:
    type: string
  name:
    type: string
  permissions:
    type: array
    items:
      type: string
required:
  - _id
`)

var PostSchema = []byte(`
type: object
x-collection: post
x-primary-key: _id
x-version-key: false
properties:
  _id:
    type: string
  title:
    type: string
  likes:
    type: integer
required:
  - _id
`)

// NewUserDoc returns a valid user document with fake data
func NewUserDoc() *docmap.Document {
	doc, err := docmap.NewDocumentFrom(map[string]interface{}{
		"_id":  gofakeit.UUID(),
		"name": gofakeit.Name(),
		"age":  gofakeit.IntRange(18, 100),
		"contact": map[string]interface{}{
			"email": gofakeit.Email(),
		},
		"tags": []interface{}{gofakeit.Word(), gofakeit.Word()},
	})
	if err != nil {
		panic(err)
	}
	return doc
}

// NewPostDoc returns a valid post document with fake data
func NewPostDoc(id string, likes int) *docmap.Document {
	doc, err := docmap.NewDocumentFrom(map[string]interface{}{
		"_id":   id,
		"title": gofakeit.LoremIpsumSentence(4),
		"likes": likes,
	})
	if err != nil {
		panic(err)
	}
	return doc
}

// OpenStore opens an in-memory badger backed store for the test collections
func OpenStore() (*docmap.Store, error) {
	db, err := registry.Open("badger", map[string]interface{}{
		"storage_path": "",
	})
	if err != nil {
		return nil, err
	}
	return docmap.NewStore(db, map[string]string{
		"user":  "_id",
		"admin": "_id",
		"post":  "_id",
	}), nil
}

// UpdateCall records a single transport update
type UpdateCall struct {
	Collection string
	Where      map[string]any
	Update     map[string]any
}

// FakeTransport is an in-memory Transport that records every call - save
// tests assert on the exact update expressions sent to the store
type FakeTransport struct {
	mu          sync.Mutex
	Docs        map[string]docmap.Documents
	UpdateCalls []UpdateCall
	// Affected is returned from every Update call
	Affected int64
	// Err fails every call when set
	Err error
}

// NewFakeTransport returns a fake transport that reports one affected
// document per update
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		Docs:     map[string]docmap.Documents{},
		Affected: 1,
	}
}

func (f *FakeTransport) Insert(ctx context.Context, collection string, doc *docmap.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.Docs[collection] = append(f.Docs[collection], doc.Clone())
	return nil
}

func (f *FakeTransport) Update(ctx context.Context, collection string, where map[string]any, update map[string]any) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return 0, f.Err
	}
	f.UpdateCalls = append(f.UpdateCalls, UpdateCall{Collection: collection, Where: where, Update: update})
	return f.Affected, nil
}

func (f *FakeTransport) FetchByIDs(ctx context.Context, collection string, field string, ids []any, opts docmap.FetchOptions) (docmap.Documents, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	sids := lo.Map(ids, func(id any, _ int) string { return cast.ToString(id) })
	return f.Docs[collection].Filter(func(doc *docmap.Document, _ int) bool {
		return lo.Contains(sids, cast.ToString(doc.Get(field)))
	}), nil
}

// LastUpdate returns the most recent update call, or nil
func (f *FakeTransport) LastUpdate() *UpdateCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.UpdateCalls) == 0 {
		return nil
	}
	return &f.UpdateCalls[len(f.UpdateCalls)-1]
}
