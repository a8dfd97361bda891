package streams

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var errMissingCatalog = errors.New("streams: catalog is required")

// IDProvider issues item keys for events that arrive without one.
type IDProvider interface {
	NewID() (string, error)
}

// ValidatorConfig describes the dependencies of a Validator.
type ValidatorConfig struct {
	Catalog    *Catalog
	Clock      func() time.Time
	IDProvider IDProvider
}

// Validator checks inbound events against the schema registered for their stream.
type Validator struct {
	catalog  *Catalog
	validate *validator.Validate
	clock    func() time.Time
	ids      IDProvider
}

// NewValidator constructs a Validator.
func NewValidator(cfg ValidatorConfig) (*Validator, error) {
	if cfg.Catalog == nil {
		return nil, errMissingCatalog
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = NewUUIDProvider()
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	return &Validator{
		catalog:  cfg.Catalog,
		validate: validate,
		clock:    clock,
		ids:      ids,
	}, nil
}

// Catalog returns the catalog the validator checks against.
func (v *Validator) Catalog() *Catalog {
	return v.catalog
}

// Validate checks the event and returns the normalized item it describes.
// An absent item key is derived from the payload or generated; UpdatedAt is the receipt time.
func (v *Validator) Validate(event Event) (Item, error) {
	schema, err := v.catalog.Lookup(event.Stream)
	if err != nil {
		return Item{}, err
	}

	var fields []FieldError
	group := strings.TrimSpace(event.Group)
	if err := validIdentifier("group", group); err != nil {
		fields = append(fields, FieldError{Field: "group", Rule: "required", Message: err.Error()})
	}
	itemKey := strings.TrimSpace(event.Key)
	if itemKey == "" {
		itemKey = schema.impliedKey(event.Payload)
	}
	if itemKey != "" {
		if err := validIdentifier("id", itemKey); err != nil {
			fields = append(fields, FieldError{Field: "id", Rule: "key", Message: err.Error()})
		}
	}
	if len(fields) > 0 {
		return Item{}, newSchemaViolation(event.Stream, fields...)
	}

	if itemKey == "" {
		generated, err := v.ids.NewID()
		if err != nil {
			return Item{}, fmt.Errorf("streams: generate item key: %w", err)
		}
		itemKey = generated
	}

	receivedAt := v.clock().UTC()
	event.Group = group
	event.Key = itemKey
	payload, err := v.check(schema, event, receivedAt)
	if err != nil {
		return Item{}, err
	}

	return Item{
		Stream:    event.Stream,
		Group:     group,
		Key:       itemKey,
		Payload:   payload,
		UpdatedAt: receivedAt,
	}, nil
}

// Revalidate checks a stored payload after a partial update and returns its normalized form.
func (v *Validator) Revalidate(key Key, payload json.RawMessage) (json.RawMessage, error) {
	schema, err := v.catalog.Lookup(key.Stream)
	if err != nil {
		return nil, err
	}
	event := Event{Stream: key.Stream, Group: key.Group, Key: key.ItemKey, Payload: payload}
	return v.check(schema, event, v.clock().UTC())
}

func (v *Validator) check(schema *Schema, event Event, receivedAt time.Time) (json.RawMessage, error) {
	value, err := schema.decode(event.Payload, true)
	if err != nil {
		return nil, err
	}
	var fields []FieldError
	if schema.normalize != nil {
		fields = schema.normalize(value, event, receivedAt)
	}
	if err := v.validate.Struct(value); err != nil {
		var validationErrors validator.ValidationErrors
		if !errors.As(err, &validationErrors) {
			return nil, fmt.Errorf("streams: validate %s payload: %w", schema.name, err)
		}
		fields = append(fields, fieldErrors(validationErrors)...)
	}
	if len(fields) > 0 {
		return nil, newSchemaViolation(schema.name, fields...)
	}
	normalized, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("streams: encode %s payload: %w", schema.name, err)
	}
	return normalized, nil
}

func fieldErrors(validationErrors validator.ValidationErrors) []FieldError {
	fields := make([]FieldError, 0, len(validationErrors))
	for _, fieldErr := range validationErrors {
		field := fieldErr.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}
		message := fmt.Sprintf("failed %s validation", fieldErr.Tag())
		if fieldErr.Param() != "" {
			message = fmt.Sprintf("failed %s=%s validation", fieldErr.Tag(), fieldErr.Param())
		}
		fields = append(fields, FieldError{Field: field, Rule: fieldErr.Tag(), Message: message})
	}
	return fields
}
