package docmap

import (
	"context"
	"sync"

	"github.com/autom8ter/machine/v4"
	"github.com/docmap/docmap/errors"
)

// Registry holds the registered collection schemas and hands out models bound
// to a shared transport. It is an explicit object with no ambient global
// state - create one at startup and pass it by reference.
type Registry struct {
	mu        sync.RWMutex
	schemas   map[string]CollectionSchema
	models    map[string]*Model
	children  map[string]map[string]string
	transport Transport
	logger    Logger
	machine   machine.Machine
	stream    Stream[ChangeEvent]
}

// RegistryOption configures a Registry
type RegistryOption func(*Registry)

// WithLogger overrides the registry's logger
func WithLogger(logger Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates a registry whose models persist through the given
// transport
func NewRegistry(transport Transport, opts ...RegistryOption) *Registry {
	r := &Registry{
		schemas:   map[string]CollectionSchema{},
		models:    map[string]*Model{},
		children:  map[string]map[string]string{},
		transport: transport,
		machine:   machine.New(),
	}
	r.stream = newStream[ChangeEvent](r.machine)
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = noopLogger()
	}
	return r
}

// RegisterSchema parses and registers a collection schema, returning the
// bound model. Registering a collection twice is refused - models are not
// silently overwritten.
func (r *Registry) RegisterSchema(yamlContent []byte) (*Model, error) {
	schema, err := NewCollectionSchema(yamlContent)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	collection := schema.Collection()
	if _, ok := r.schemas[collection]; ok {
		return nil, errors.New(errors.Forbidden, "a model is already registered for collection %s", collection)
	}
	if base := schema.BaseCollection(); base != "" {
		if schema.DiscriminatorValue() == "" {
			return nil, errors.New(errors.Validation, "%s: extending %s requires a discriminator value", collection, base)
		}
		if r.children[base] == nil {
			r.children[base] = map[string]string{}
		}
		r.children[base][schema.DiscriminatorValue()] = collection
	}
	model := &Model{
		schema:    schema,
		transport: r.transport,
		registry:  r,
		logger:    r.logger,
		stream:    r.stream,
	}
	r.schemas[collection] = schema
	r.models[collection] = model
	return model, nil
}

// Model returns the registered model for the collection
func (r *Registry) Model(collection string) (*Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	model, ok := r.models[collection]
	if !ok {
		return nil, errors.New(errors.NotFound, "no schema registered for collection %s", collection)
	}
	return model, nil
}

// Schema returns the registered schema for the collection
func (r *Registry) Schema(collection string) (CollectionSchema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schema, ok := r.schemas[collection]
	if !ok {
		return nil, errors.New(errors.NotFound, "no schema registered for collection %s", collection)
	}
	return schema, nil
}

// ModelFor dispatches a document of the base collection to the registered
// sub-collection model selected by the document's discriminator value. The
// base model is returned when the base declares no discriminator key or the
// value matches no registered sub-collection.
func (r *Registry) ModelFor(base string, doc *Document) (*Model, error) {
	baseModel, err := r.Model(base)
	if err != nil {
		return nil, err
	}
	key := baseModel.schema.DiscriminatorKey()
	if key == "" || doc == nil {
		return baseModel, nil
	}
	r.mu.RLock()
	child, ok := r.children[base][doc.GetString(key)]
	r.mu.RUnlock()
	if !ok {
		return baseModel, nil
	}
	return r.Model(child)
}

// Collections returns the registered collection names
func (r *Registry) Collections() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.schemas))
	for collection := range r.schemas {
		out = append(out, collection)
	}
	return out
}

// Changes subscribes to change events on the collection until the function
// returns false or the context ends
func (r *Registry) Changes(ctx context.Context, collection string, fn func(ChangeEvent) (bool, error)) error {
	return r.stream.Pull(ctx, collection, fn)
}
