package docmap

import (
	"context"
	"strings"

	"github.com/docmap/docmap/errors"
	"github.com/docmap/docmap/util"
	"github.com/tidwall/gjson"
	"github.com/xeipuuv/gojsonschema"
)

// CollectionSchema describes the declared shape of a collection's documents
type CollectionSchema interface {
	// Collection returns the collection name
	Collection() string
	// PrimaryKey returns the collection's primary key field
	PrimaryKey() string
	// VersionKey returns the optimistic concurrency counter field - empty
	// when versioning is disabled for the collection
	VersionKey() string
	// DiscriminatorKey returns the field used to dispatch documents to
	// sub-collection schemas, if declared
	DiscriminatorKey() string
	// DiscriminatorValue returns the discriminator value this schema is
	// registered under, if it extends a base collection
	DiscriminatorValue() string
	// BaseCollection returns the base collection this schema extends, if any
	BaseCollection() string
	// PathSchema returns the declared shape of the given dotted path
	PathSchema(path string) PathSchema
	// ForeignKeys returns the reference paths of the collection
	ForeignKeys() map[string]ForeignKey
	// ValidateDocument validates the document against the json schema
	ValidateDocument(ctx context.Context, doc *Document) error
	// GetPrimaryKey returns the document's primary key value
	GetPrimaryKey(doc *Document) string
	// SetPrimaryKey sets the document's primary key value
	SetPrimaryKey(doc *Document, id string) error
	// Bytes returns the schema as yaml bytes
	Bytes() ([]byte, error)
}

// ForeignKey declares a reference path pointing at another collection
type ForeignKey struct {
	// Collection is the referenced collection
	Collection string `json:"collection"`
	// Field is the identifier field on the referenced documents - defaults
	// to the referenced collection's primary key at registration time
	Field string `json:"field,omitempty"`
}

// PathSchema is the declared shape of a single document path
type PathSchema struct {
	// Path is the dotted path
	Path string `json:"path"`
	// Type is the declared json type - empty when untyped
	Type string `json:"type"`
	// Array is true when the path is array-typed
	Array bool `json:"array"`
	// Mixed is true when the path has no declared type
	Mixed bool `json:"mixed"`
	// ElemType is the declared type of array elements
	ElemType string `json:"elemType,omitempty"`
	// ElemMixed is true for arrays with untyped elements
	ElemMixed bool `json:"elemMixed,omitempty"`
	// Ref is the referenced collection when the path is a foreign key
	Ref string `json:"ref,omitempty"`
	// ForeignField is the identifier field on the referenced documents
	ForeignField string `json:"foreignField,omitempty"`
}

type schemaPath string

const (
	collectionPath       schemaPath = "x-collection"
	primaryKeyPath       schemaPath = "x-primary-key"
	versionKeyPath       schemaPath = "x-version-key"
	foreignKeysPath      schemaPath = "x-foreign-keys"
	discriminatorKeyPath schemaPath = "x-discriminator-key"
	discriminatorValPath schemaPath = "x-discriminator-value"
	baseCollectionPath   schemaPath = "x-base-collection"
)

const defaultVersionKey = "_v"

type collectionSchema struct {
	schema      *gojsonschema.Schema
	raw         gjson.Result
	collection  string
	primaryKey  string
	versionKey  string
	foreignKeys map[string]ForeignKey
}

// NewCollectionSchema parses a yaml (or json) json-schema document with
// x-collection / x-primary-key / x-version-key / x-foreign-keys extensions
func NewCollectionSchema(yamlContent []byte) (CollectionSchema, error) {
	if len(yamlContent) == 0 {
		return nil, errors.New(errors.Validation, "empty schema content")
	}
	jsonContent, err := util.YAMLToJSON(yamlContent)
	if err != nil {
		return nil, err
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(jsonContent))
	if err != nil {
		return nil, errors.Wrap(err, errors.Validation, "failed to compile json schema")
	}
	r := gjson.ParseBytes(jsonContent)
	s := &collectionSchema{
		schema:      schema,
		raw:         r,
		collection:  r.Get(string(collectionPath)).String(),
		primaryKey:  r.Get(string(primaryKeyPath)).String(),
		foreignKeys: map[string]ForeignKey{},
	}
	if s.collection == "" {
		return nil, errors.New(errors.Validation, "%s is required", collectionPath)
	}
	if s.primaryKey == "" {
		s.primaryKey = "_id"
	}
	switch vk := r.Get(string(versionKeyPath)); {
	case !vk.Exists():
		s.versionKey = defaultVersionKey
	case vk.Type == gjson.False:
		s.versionKey = ""
	default:
		s.versionKey = vk.String()
	}
	for path, fk := range r.Get(string(foreignKeysPath)).Map() {
		var f ForeignKey
		if err := util.Decode(fk.Value(), &f); err != nil {
			return nil, errors.Wrap(err, errors.Validation, "%v: invalid foreign key at %s", s.collection, path)
		}
		if f.Collection == "" {
			return nil, errors.New(errors.Validation, "%v: foreign key at %s requires a collection", s.collection, path)
		}
		s.foreignKeys[path] = f
	}
	return s, nil
}

func (c *collectionSchema) Collection() string {
	return c.collection
}

func (c *collectionSchema) PrimaryKey() string {
	return c.primaryKey
}

func (c *collectionSchema) VersionKey() string {
	return c.versionKey
}

func (c *collectionSchema) DiscriminatorKey() string {
	return c.raw.Get(string(discriminatorKeyPath)).String()
}

func (c *collectionSchema) DiscriminatorValue() string {
	return c.raw.Get(string(discriminatorValPath)).String()
}

func (c *collectionSchema) BaseCollection() string {
	return c.raw.Get(string(baseCollectionPath)).String()
}

func (c *collectionSchema) ForeignKeys() map[string]ForeignKey {
	return c.foreignKeys
}

// PathSchema walks the json schema properties tree - numeric segments consume
// the enclosing array's items schema
func (c *collectionSchema) PathSchema(path string) PathSchema {
	node := c.raw
	segments := strings.Split(path, ".")
	schemaField := ""
	for _, seg := range segments {
		if isIndexSegment(seg) {
			node = node.Get("items")
			continue
		}
		node = node.Get("properties." + seg)
		if schemaField == "" {
			schemaField = seg
		} else {
			schemaField = schemaField + "." + seg
		}
	}
	ps := PathSchema{Path: path}
	if fk, ok := c.foreignKeys[schemaField]; ok {
		ps.Ref = fk.Collection
		ps.ForeignField = fk.Field
	}
	if !node.Exists() {
		ps.Mixed = true
		return ps
	}
	ps.Type = node.Get("type").String()
	ps.Mixed = ps.Type == ""
	if ps.Type == "array" {
		ps.Array = true
		items := node.Get("items")
		ps.ElemType = items.Get("type").String()
		ps.ElemMixed = !items.Exists() || ps.ElemType == ""
	}
	return ps
}

func (c *collectionSchema) ValidateDocument(ctx context.Context, doc *Document) error {
	result, err := c.schema.Validate(gojsonschema.NewBytesLoader(doc.Bytes()))
	if err != nil {
		return errors.Wrap(err, errors.Validation, "%v: failed to validate document", c.collection)
	}
	if !result.Valid() {
		var msgs []string
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return errors.New(errors.Validation, "%v: invalid document- %s", c.collection, strings.Join(msgs, "; "))
	}
	return nil
}

func (c *collectionSchema) GetPrimaryKey(doc *Document) string {
	if doc == nil {
		return ""
	}
	return doc.GetString(c.primaryKey)
}

func (c *collectionSchema) SetPrimaryKey(doc *Document, id string) error {
	return errors.Wrap(doc.Set(c.primaryKey, id), 0, "failed to set primary key")
}

func (c *collectionSchema) Bytes() ([]byte, error) {
	return util.JSONToYAML([]byte(c.raw.Raw))
}

func isIndexSegment(seg string) bool {
	if seg == "" {
		return false
	}
	for _, r := range seg {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
