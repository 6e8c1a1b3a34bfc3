package docmap

import "context"

// Transport executes computed update expressions and reference fetches
// against a document store. Implementations must apply Update atomically per
// document so the version pin in the where clause acts as a
// compare-and-update.
type Transport interface {
	// Insert persists a new document
	Insert(ctx context.Context, collection string, doc *Document) error
	// Update applies the update operators to the documents matching the flat
	// where clause and returns the number of documents affected. Zero
	// affected rows on a version-pinned update signals a conflict to the
	// caller - the transport itself never retries.
	Update(ctx context.Context, collection string, where map[string]any, update map[string]any) (int64, error)
	// FetchByIDs returns the documents whose field value equals one of the
	// given identifiers, after applying the fetch options
	FetchByIDs(ctx context.Context, collection string, field string, ids []any, opts FetchOptions) (Documents, error)
}
