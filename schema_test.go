package docmap_test

import (
	"context"
	"testing"

	"github.com/docmap/docmap"
	"github.com/docmap/docmap/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNewCollectionSchema(t *testing.T) {
	t.Run("collection is required", func(t *testing.T) {
		_, err := docmap.NewCollectionSchema([]byte(`type: object`))
		assert.Error(t, err)
	})

	t.Run("empty content is refused", func(t *testing.T) {
		_, err := docmap.NewCollectionSchema(nil)
		assert.Error(t, err)
	})

	t.Run("primary key defaults to _id", func(t *testing.T) {
		schema, err := docmap.NewCollectionSchema([]byte(`
type: object
x-collection: thing
`))
		assert.NoError(t, err)
		assert.Equal(t, "thing", schema.Collection())
		assert.Equal(t, "_id", schema.PrimaryKey())
	})

	t.Run("version key defaults unless disabled", func(t *testing.T) {
		schema, err := docmap.NewCollectionSchema(testutil.UserSchema)
		assert.NoError(t, err)
		assert.Equal(t, "_v", schema.VersionKey())

		schema, err = docmap.NewCollectionSchema(testutil.PostSchema)
		assert.NoError(t, err)
		assert.Empty(t, schema.VersionKey())

		schema, err = docmap.NewCollectionSchema([]byte(`
type: object
x-collection: thing
x-version-key: revision
`))
		assert.NoError(t, err)
		assert.Equal(t, "revision", schema.VersionKey())
	})

	t.Run("foreign keys require a collection", func(t *testing.T) {
		_, err := docmap.NewCollectionSchema([]byte(`
type: object
x-collection: thing
x-foreign-keys:
  other:
    field: _id
`))
		assert.Error(t, err)
	})

	t.Run("discriminator accessors", func(t *testing.T) {
		schema, err := docmap.NewCollectionSchema(testutil.AdminSchema)
		assert.NoError(t, err)
		assert.Equal(t, "user", schema.BaseCollection())
		assert.Equal(t, "admin", schema.DiscriminatorValue())

		base, err := docmap.NewCollectionSchema(testutil.UserSchema)
		assert.NoError(t, err)
		assert.Equal(t, "kind", base.DiscriminatorKey())
	})
}

func TestPathSchema(t *testing.T) {
	schema, err := docmap.NewCollectionSchema(testutil.UserSchema)
	assert.NoError(t, err)

	t.Run("scalar path", func(t *testing.T) {
		ps := schema.PathSchema("name")
		assert.Equal(t, "string", ps.Type)
		assert.False(t, ps.Array)
		assert.False(t, ps.Mixed)
	})

	t.Run("typed array", func(t *testing.T) {
		ps := schema.PathSchema("tags")
		assert.True(t, ps.Array)
		assert.Equal(t, "string", ps.ElemType)
		assert.False(t, ps.ElemMixed)
	})

	t.Run("mixed array elements", func(t *testing.T) {
		ps := schema.PathSchema("posts")
		assert.True(t, ps.Array)
		assert.True(t, ps.ElemMixed)
	})

	t.Run("index segments resolve through items", func(t *testing.T) {
		ps := schema.PathSchema("comments.0.text")
		assert.Equal(t, "string", ps.Type)
		assert.False(t, ps.Array)
	})

	t.Run("foreign key paths carry the reference", func(t *testing.T) {
		assert.Equal(t, "post", schema.PathSchema("posts").Ref)
		assert.Equal(t, "post", schema.PathSchema("bestPost").Ref)
	})

	t.Run("undeclared paths are mixed", func(t *testing.T) {
		ps := schema.PathSchema("whatever.nested")
		assert.True(t, ps.Mixed)
		assert.Empty(t, ps.Type)
	})
}

func TestValidateDocument(t *testing.T) {
	ctx := context.Background()
	schema, err := docmap.NewCollectionSchema(testutil.UserSchema)
	assert.NoError(t, err)

	t.Run("valid", func(t *testing.T) {
		doc := testutil.NewUserDoc()
		assert.NoError(t, schema.ValidateDocument(ctx, doc))
	})

	t.Run("missing required field", func(t *testing.T) {
		doc, err := docmap.NewDocumentFrom(map[string]any{"name": "bob"})
		assert.NoError(t, err)
		assert.Error(t, schema.ValidateDocument(ctx, doc))
	})

	t.Run("wrong type", func(t *testing.T) {
		doc, err := docmap.NewDocumentFrom(map[string]any{"_id": "u1", "age": "old"})
		assert.NoError(t, err)
		assert.Error(t, schema.ValidateDocument(ctx, doc))
	})
}

func TestPrimaryKeyAccessors(t *testing.T) {
	schema, err := docmap.NewCollectionSchema(testutil.UserSchema)
	assert.NoError(t, err)
	doc := docmap.NewDocument()
	assert.Empty(t, schema.GetPrimaryKey(doc))
	assert.NoError(t, schema.SetPrimaryKey(doc, "u1"))
	assert.Equal(t, "u1", schema.GetPrimaryKey(doc))
	assert.Empty(t, schema.GetPrimaryKey(nil))
}

func TestSchemaBytes(t *testing.T) {
	schema, err := docmap.NewCollectionSchema(testutil.UserSchema)
	assert.NoError(t, err)
	bits, err := schema.Bytes()
	assert.NoError(t, err)
	again, err := docmap.NewCollectionSchema(bits)
	assert.NoError(t, err)
	assert.Equal(t, schema.Collection(), again.Collection())
	assert.Equal(t, schema.ForeignKeys(), again.ForeignKeys())
}
