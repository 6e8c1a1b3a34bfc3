package docmap_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/docmap/docmap"
	"github.com/docmap/docmap/errors"
	"github.com/docmap/docmap/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSave(t *testing.T) {
	ctx := context.Background()

	t.Run("nil document", func(t *testing.T) {
		reg := docmap.NewRegistry(testutil.NewFakeTransport())
		users, err := reg.RegisterSchema(testutil.UserSchema)
		assert.NoError(t, err)
		err = users.Save(ctx, nil)
		assert.Equal(t, errors.Validation, errors.Extract(err).Code)
	})

	t.Run("insert assigns a primary key and a zero version", func(t *testing.T) {
		fake := testutil.NewFakeTransport()
		reg := docmap.NewRegistry(fake)
		users, err := reg.RegisterSchema(testutil.UserSchema)
		assert.NoError(t, err)
		doc := testutil.NewUserDoc()
		assert.NoError(t, users.Save(ctx, doc))
		assert.NotEmpty(t, doc.GetString("_id"))
		assert.EqualValues(t, 0, doc.Get("_v"))
		assert.False(t, doc.IsNew())
		assert.Len(t, fake.Docs["user"], 1)
	})

	t.Run("invalid document blocks the insert", func(t *testing.T) {
		fake := testutil.NewFakeTransport()
		reg := docmap.NewRegistry(fake)
		users, err := reg.RegisterSchema(testutil.UserSchema)
		assert.NoError(t, err)
		doc, err := docmap.NewDocumentFrom(map[string]any{"name": "bob", "age": "old"})
		assert.NoError(t, err)
		err = users.Save(ctx, doc)
		assert.Equal(t, errors.Validation, errors.Extract(err).Code)
		assert.Empty(t, fake.Docs["user"])
	})

	t.Run("clean document makes no store round trip", func(t *testing.T) {
		fake := testutil.NewFakeTransport()
		reg := docmap.NewRegistry(fake)
		users, err := reg.RegisterSchema(testutil.UserSchema)
		assert.NoError(t, err)
		doc := testutil.NewUserDoc()
		assert.NoError(t, users.Save(ctx, doc))
		assert.NoError(t, users.Save(ctx, doc))
		assert.Empty(t, fake.UpdateCalls)
	})

	t.Run("dirty document sends a minimal expression", func(t *testing.T) {
		fake := testutil.NewFakeTransport()
		reg := docmap.NewRegistry(fake)
		users, err := reg.RegisterSchema(testutil.UserSchema)
		assert.NoError(t, err)
		doc := testutil.NewUserDoc()
		assert.NoError(t, users.Save(ctx, doc))
		assert.NoError(t, doc.Set("name", "alice"))
		assert.NoError(t, users.Save(ctx, doc))

		call := fake.LastUpdate()
		assert.NotNil(t, call)
		assert.Equal(t, "user", call.Collection)
		assert.Equal(t, doc.GetString("_id"), call.Where["_id"])
		_, pinned := call.Where["_v"]
		assert.False(t, pinned)
		assert.Equal(t, "alice", call.Update["$set"].(map[string]any)["name"])
		assert.EqualValues(t, 1, call.Update["$inc"].(map[string]any)["_v"])
		assert.False(t, doc.Dirty())
	})

	t.Run("zero affected with a pinned version is a conflict", func(t *testing.T) {
		fake := testutil.NewFakeTransport()
		fake.Affected = 0
		reg := docmap.NewRegistry(fake)
		users, err := reg.RegisterSchema(testutil.UserSchema)
		assert.NoError(t, err)
		doc := testutil.NewUserDoc()
		assert.NoError(t, users.Save(ctx, doc))
		doc.Increment()
		assert.NoError(t, doc.Set("name", "alice"))
		err = users.Save(ctx, doc)
		assert.Equal(t, errors.Conflict, errors.Extract(err).Code)
		assert.True(t, doc.Dirty())
	})

	t.Run("zero affected without a pin is not found", func(t *testing.T) {
		fake := testutil.NewFakeTransport()
		fake.Affected = 0
		reg := docmap.NewRegistry(fake)
		users, err := reg.RegisterSchema(testutil.UserSchema)
		assert.NoError(t, err)
		doc := testutil.NewUserDoc()
		assert.NoError(t, users.Save(ctx, doc))
		assert.NoError(t, doc.Set("name", "alice"))
		err = users.Save(ctx, doc)
		assert.Equal(t, errors.NotFound, errors.Extract(err).Code)
	})
}

func TestGet(t *testing.T) {
	ctx := context.Background()
	fake := testutil.NewFakeTransport()
	reg := docmap.NewRegistry(fake)
	users, err := reg.RegisterSchema(testutil.UserSchema)
	assert.NoError(t, err)
	doc := testutil.NewUserDoc()
	assert.NoError(t, users.Save(ctx, doc))

	t.Run("found", func(t *testing.T) {
		got, err := users.Get(ctx, doc.GetString("_id"), nil)
		assert.NoError(t, err)
		assert.Equal(t, doc.GetString("name"), got.GetString("name"))
		assert.False(t, got.IsNew())
	})

	t.Run("missing", func(t *testing.T) {
		_, err := users.Get(ctx, gofakeit.UUID(), nil)
		assert.Equal(t, errors.NotFound, errors.Extract(err).Code)
	})
}

func TestStoreEndToEnd(t *testing.T) {
	ctx := context.Background()
	store, err := testutil.OpenStore()
	assert.NoError(t, err)
	defer store.Close()

	reg := docmap.NewRegistry(store)
	users, err := reg.RegisterSchema(testutil.UserSchema)
	assert.NoError(t, err)
	posts, err := reg.RegisterSchema(testutil.PostSchema)
	assert.NoError(t, err)

	for id, likes := range map[string]int{"p1": 10, "p2": 5, "p3": 1} {
		assert.NoError(t, posts.Save(ctx, testutil.NewPostDoc(id, likes)))
	}

	user := testutil.NewUserDoc()
	assert.NoError(t, user.Set("posts", []any{"p1", "p2", "p3"}))
	assert.NoError(t, user.Set("bestPost", "p2"))
	assert.NoError(t, users.Save(ctx, user))
	id := user.GetString("_id")

	t.Run("save and reload", func(t *testing.T) {
		loaded, err := users.Get(ctx, id, nil)
		assert.NoError(t, err)
		assert.EqualValues(t, 0, loaded.Get("_v"))
		assert.NoError(t, loaded.Set("name", "alice"))
		assert.NoError(t, loaded.Push("tags", "vip"))
		assert.NoError(t, users.Save(ctx, loaded))

		again, err := users.Get(ctx, id, nil)
		assert.NoError(t, err)
		assert.Equal(t, "alice", again.GetString("name"))
		assert.Contains(t, again.GetArray("tags"), "vip")
		assert.EqualValues(t, 1, again.Get("_v"))
	})

	t.Run("stale version conflicts", func(t *testing.T) {
		a, err := users.Get(ctx, id, nil)
		assert.NoError(t, err)
		b, err := users.Get(ctx, id, nil)
		assert.NoError(t, err)

		a.Increment()
		assert.NoError(t, a.Set("age", 41))
		assert.NoError(t, users.Save(ctx, a))

		b.Increment()
		assert.NoError(t, b.Set("age", 42))
		err = users.Save(ctx, b)
		assert.Equal(t, errors.Conflict, errors.Extract(err).Code)
	})

	t.Run("populate sorted by likes", func(t *testing.T) {
		loaded, err := users.Get(ctx, id, nil)
		assert.NoError(t, err)
		assert.NoError(t, users.Populate(ctx, docmap.Documents{loaded}, docmap.PopulateOption{
			Path: "posts",
			Sort: map[string]int{"likes": 1},
		}))
		arr := loaded.GetArray("posts")
		assert.Len(t, arr, 3)
		assert.Equal(t, "p3", arr[0].(map[string]any)["_id"])
		assert.Equal(t, "p2", arr[1].(map[string]any)["_id"])
		assert.Equal(t, "p1", arr[2].(map[string]any)["_id"])

		// a sorted (unfiltered) population does not block later saves
		assert.NoError(t, loaded.Set("age", 43))
		assert.NoError(t, users.Save(ctx, loaded))

		again, err := users.Get(ctx, id, nil)
		assert.NoError(t, err)
		assert.Equal(t, []any{"p1", "p2", "p3"}, again.GetArray("posts"))
	})

	t.Run("populate all paths concurrently", func(t *testing.T) {
		loaded, err := users.Get(ctx, id, nil)
		assert.NoError(t, err)
		assert.NoError(t, users.PopulateAll(ctx, docmap.Documents{loaded},
			docmap.PopulateOption{Path: "posts"},
			docmap.PopulateOption{Path: "bestPost"},
		))
		assert.Len(t, loaded.GetArray("posts"), 3)
		best, ok := loaded.Get("bestPost").(map[string]any)
		assert.True(t, ok)
		assert.Equal(t, "p2", best["_id"])
	})

	t.Run("population survives an id suppressing projection", func(t *testing.T) {
		loaded, err := users.Get(ctx, id, nil)
		assert.NoError(t, err)
		assert.NoError(t, users.Populate(ctx, docmap.Documents{loaded}, docmap.PopulateOption{
			Path:   "posts",
			Select: "title -_id",
		}))
		arr := loaded.GetArray("posts")
		assert.Len(t, arr, 3)
		for _, v := range arr {
			post, ok := v.(map[string]any)
			assert.True(t, ok)
			assert.NotEmpty(t, post["title"])
			_, hasID := post["_id"]
			assert.False(t, hasID)
		}
	})

	t.Run("limited population refuses a replacement", func(t *testing.T) {
		loaded, err := users.Get(ctx, id, nil)
		assert.NoError(t, err)
		assert.NoError(t, users.Populate(ctx, docmap.Documents{loaded}, docmap.PopulateOption{
			Path:  "posts",
			Limit: docmap.Limit(2),
		}))
		assert.NoError(t, loaded.Set("posts", []any{"p1"}))
		err = users.Save(ctx, loaded)
		divergent, ok := errors.IsDivergentArrayError(err)
		assert.True(t, ok)
		assert.Equal(t, []string{"posts"}, divergent.Paths)
	})

	t.Run("unknown populate path is refused", func(t *testing.T) {
		loaded, err := users.Get(ctx, id, nil)
		assert.NoError(t, err)
		err = users.Populate(ctx, docmap.Documents{loaded}, docmap.PopulateOption{Path: "tags"})
		assert.Equal(t, errors.Validation, errors.Extract(err).Code)
	})
}

func TestChanges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := docmap.NewRegistry(testutil.NewFakeTransport())
	users, err := reg.RegisterSchema(testutil.UserSchema)
	assert.NoError(t, err)

	var (
		mu     sync.Mutex
		events []docmap.ChangeEvent
	)
	assert.NoError(t, reg.Changes(ctx, "user", func(e docmap.ChangeEvent) (bool, error) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
		return true, nil
	}))
	time.Sleep(100 * time.Millisecond)

	doc := testutil.NewUserDoc()
	assert.NoError(t, users.Save(ctx, doc))
	assert.NoError(t, doc.Set("name", "alice"))
	assert.NoError(t, users.Save(ctx, doc))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) >= 2
	}, 3*time.Second, 50*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, docmap.ActionCreate, events[0].Action)
	assert.Equal(t, doc.GetString("_id"), events[0].DocID)
	assert.Equal(t, docmap.ActionUpdate, events[1].Action)
	assert.NotNil(t, events[1].Delta)
}
