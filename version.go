package docmap

import "github.com/spf13/cast"

// applyVersion finalizes optimistic concurrency on a computed update,
// mutating where/update in place.
//
// A nil where map is the insert sentinel: the version counter is zero
// initialized on the document and in the update operand, and no where clause
// exists to touch. On updates the version is only usable when the load
// projection included it - without the current value a pin or increment
// would be meaningless.
//
// The where pin makes the store's compare-and-update the conflict detector:
// if the stored version moved since load, the update affects zero documents
// and the caller surfaces a conflict.
func applyVersion(where, update map[string]any, doc *Document, schema CollectionSchema, flags uint8) {
	vk := schema.VersionKey()
	if vk == "" {
		return
	}
	if where == nil {
		_ = doc.set(vk, 0)
		setOp(update, "$set", vk, int64(0))
		return
	}
	if !doc.IsPathSelected(vk) {
		return
	}
	if flags&versionWhere != 0 {
		where[vk] = doc.Get(vk)
	}
	if flags&versionInc != 0 {
		var cur int64
		if inc, ok := update["$inc"].(map[string]any); ok {
			cur = cast.ToInt64(inc[vk])
		}
		setOp(update, "$inc", vk, cur+1)
	}
}
