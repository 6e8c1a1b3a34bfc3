// Package kv is a minimal key value storage abstraction - the default
// document store is built on top of it.
package kv

// DB is a key value database
type DB interface {
	// Tx executes the function against a new transaction - the transaction
	// is committed if the function returns nil and rolled back otherwise
	Tx(isUpdate bool, fn func(Tx) error) error
	// NewBatch returns a new write batch
	NewBatch() Batch
	// DropPrefix drops all keys with the given prefix(es)
	DropPrefix(prefix ...[]byte) error
	// Close closes the database
	Close() error
}

// IterOpts are options when creating an iterator
type IterOpts struct {
	Prefix  []byte `json:"prefix"`
	Seek    []byte `json:"seek"`
	Reverse bool   `json:"reverse"`
}

// Tx is a database transaction
type Tx interface {
	// Get gets the value of the key - a nil value and nil error is returned when the key does not exist
	Get(key []byte) ([]byte, error)
	// Set sets the value of the key
	Set(key, value []byte) error
	// Delete deletes the key
	Delete(key []byte) error
	// NewIterator opens a new iterator over the transaction
	NewIterator(opts IterOpts) Iterator
}

// Iterator iterates over key value pairs
type Iterator interface {
	Seek(key []byte)
	Close()
	Valid() bool
	Item() Item
	Next()
}

// Item is a key value pair yielded by an iterator
type Item interface {
	Key() []byte
	Value() ([]byte, error)
}

// Batch is a write batch
type Batch interface {
	Flush() error
	Set(key, value []byte) error
	Delete(key []byte) error
}
