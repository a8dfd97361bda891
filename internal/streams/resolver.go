package streams

import (
	"errors"
	"fmt"
)

// Resolver maps items to the recipients that must be notified.
type Resolver struct {
	catalog *Catalog
}

// NewResolver constructs a Resolver over the catalog's target policies.
func NewResolver(catalog *Catalog) *Resolver {
	return &Resolver{catalog: catalog}
}

// Resolve returns the recipients of the item. Explicit targets come from the
// producer call and only matter for streams whose membership lives elsewhere.
// It has no side effects.
func (r *Resolver) Resolve(item Item, explicit []string) (Targets, error) {
	schema, err := r.catalog.Lookup(item.Stream)
	if err != nil {
		return Targets{}, fmt.Errorf("%w: %v", ErrMalformedTarget, err)
	}
	value, err := schema.decode(item.Payload, false)
	if err != nil {
		var violation *SchemaViolationError
		if errors.As(err, &violation) {
			return Targets{}, fmt.Errorf("%w: %s payload unreadable: %v", ErrMalformedTarget, item.Stream, violation)
		}
		return Targets{}, fmt.Errorf("%w: %v", ErrMalformedTarget, err)
	}
	targets, err := schema.resolve(value, item.Group, explicit)
	if err != nil {
		return Targets{}, err
	}
	if targets.Empty() {
		return Targets{}, fmt.Errorf("%w: %s resolved no recipients", ErrMalformedTarget, item.Stream)
	}
	return targets, nil
}
