package docmap

// PopulateOption configures population of a reference path: the referenced
// documents are fetched and substituted for their identifiers on the owning
// document(s)
type PopulateOption struct {
	// Path is the reference path to populate - must be declared as a foreign
	// key in the collection schema
	Path string `json:"path" validate:"required"`
	// Match filters the referenced documents with flat exact-match clauses.
	// A populated path fetched with a match filter can no longer be safely
	// replaced on save.
	Match map[string]any `json:"match,omitempty"`
	// Skip skips the first n referenced documents
	Skip int64 `json:"skip,omitempty"`
	// Limit caps the number of referenced documents fetched - an explicit 0
	// fetches none and still counts as a limiting option
	Limit *int64 `json:"limit,omitempty"`
	// Select projects the referenced documents - either a field map
	// (field -> include flag) or a textual field list ("title -_id")
	Select any `json:"select,omitempty"`
	// Sort orders the fetched documents (field -> 1 ascending, -1 descending)
	Sort map[string]int `json:"sort,omitempty"`
	// FilterResults drops entries that did not resolve to a referenced
	// document instead of keeping the raw identifier in place
	FilterResults bool `json:"filterResults,omitempty"`
}

// Limit returns a populate limit option - a helper for taking the address of
// a literal
func Limit(n int64) *int64 {
	return &n
}

// FetchOptions are the query options a transport applies when fetching
// referenced documents
type FetchOptions struct {
	// Match filters with flat exact-match clauses
	Match map[string]any `json:"match,omitempty"`
	// Skip skips the first n matching documents
	Skip int64 `json:"skip,omitempty"`
	// Limit caps the result count - an explicit 0 returns nothing
	Limit *int64 `json:"limit,omitempty"`
	// Select projects the returned documents (field map or textual list)
	Select any `json:"select,omitempty"`
	// Sort orders the results (field -> 1 ascending, -1 descending)
	Sort map[string]int `json:"sort,omitempty"`
}
