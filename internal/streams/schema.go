package streams

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Schema binds a stream name to its payload type, recipient policy and optional expiry.
type Schema struct {
	name      Name
	newValue  func() any
	normalize func(value any, event Event, receivedAt time.Time) []FieldError
	resolve   func(value any, group string, explicit []string) (Targets, error)
	expiry    func(value any) (time.Time, bool)
	keyOf     func(value any) string
}

type schemaOptions[T any] struct {
	normalize func(payload *T, event Event, receivedAt time.Time) []FieldError
	resolve   func(payload *T, group string, explicit []string) (Targets, error)
	expiry    func(payload *T) (time.Time, bool)
	// keyOf names the item key a payload implies when the producer sends none.
	keyOf func(payload *T) string
}

func define[T any](name Name, opts schemaOptions[T]) *Schema {
	schema := &Schema{
		name:     name,
		newValue: func() any { return new(T) },
		resolve: func(value any, group string, explicit []string) (Targets, error) {
			return opts.resolve(value.(*T), group, explicit)
		},
	}
	if opts.normalize != nil {
		schema.normalize = func(value any, event Event, receivedAt time.Time) []FieldError {
			return opts.normalize(value.(*T), event, receivedAt)
		}
	}
	if opts.keyOf != nil {
		schema.keyOf = func(value any) string {
			return opts.keyOf(value.(*T))
		}
	}
	if opts.expiry != nil {
		schema.expiry = func(value any) (time.Time, bool) {
			return opts.expiry(value.(*T))
		}
	}
	return schema
}

// Name returns the stream the schema is registered for.
func (s *Schema) Name() Name {
	return s.name
}

// Expirable reports whether items of the stream can expire.
func (s *Schema) Expirable() bool {
	return s.expiry != nil
}

// decode parses raw into a fresh payload value. Strict decoding rejects unknown fields.
func (s *Schema) decode(raw json.RawMessage, strict bool) (any, error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, newSchemaViolation(s.name, FieldError{Field: "payload", Rule: "required", Message: "payload is required"})
	}
	value := s.newValue()
	decoder := json.NewDecoder(bytes.NewReader(raw))
	if strict {
		decoder.DisallowUnknownFields()
	}
	if err := decoder.Decode(value); err != nil {
		return nil, newSchemaViolation(s.name, decodeFieldError(err))
	}
	return value, nil
}

func decodeFieldError(err error) FieldError {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return FieldError{
			Field:   typeErr.Field,
			Rule:    "type",
			Message: fmt.Sprintf("expected %s, got %s", typeErr.Type.String(), typeErr.Value),
		}
	}
	if field, ok := strings.CutPrefix(err.Error(), "json: unknown field "); ok {
		return FieldError{Field: strings.Trim(field, `"`), Rule: "unknown", Message: "field is not part of the schema"}
	}
	return FieldError{Field: "payload", Rule: "json", Message: err.Error()}
}

// bindIdentifier fills an empty payload identifier from its address and
// rejects one that points elsewhere.
func bindIdentifier(field string, value *string, want string) []FieldError {
	current := strings.TrimSpace(*value)
	if current == "" {
		*value = want
		return nil
	}
	if current != want {
		return []FieldError{{Field: field, Rule: "eq", Message: fmt.Sprintf("must match %q", want)}}
	}
	*value = current
	return nil
}

// impliedKey returns the item key the payload implies, if the stream derives one.
func (s *Schema) impliedKey(raw json.RawMessage) string {
	if s.keyOf == nil {
		return ""
	}
	value, err := s.decode(raw, false)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(s.keyOf(value))
}

// Catalog is the fixed set of streams known at startup.
type Catalog struct {
	schemas map[Name]*Schema
	names   []Name
}

// NewCatalog registers the provided schemas. Later duplicates replace earlier ones.
func NewCatalog(schemas ...*Schema) *Catalog {
	catalog := &Catalog{schemas: make(map[Name]*Schema, len(schemas))}
	for _, schema := range schemas {
		if _, exists := catalog.schemas[schema.name]; !exists {
			catalog.names = append(catalog.names, schema.name)
		}
		catalog.schemas[schema.name] = schema
	}
	return catalog
}

// DefaultCatalog returns the catalog of chat, notification, order status and presence streams.
func DefaultCatalog() *Catalog {
	return NewCatalog(chatSchema(), notificationSchema(), orderStatusSchema(), presenceSchema())
}

// Lookup returns the schema of the named stream.
func (c *Catalog) Lookup(name Name) (*Schema, error) {
	schema, ok := c.schemas[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStream, name)
	}
	return schema, nil
}

// ParseName validates a raw stream name against the catalog.
func (c *Catalog) ParseName(raw string) (Name, error) {
	name := Name(raw)
	if _, err := c.Lookup(name); err != nil {
		return "", err
	}
	return name, nil
}

// Names lists the registered streams in registration order.
func (c *Catalog) Names() []Name {
	return slices.Clone(c.names)
}

// Expirable lists the streams whose items carry an expiry.
func (c *Catalog) Expirable() []Name {
	var names []Name
	for _, name := range c.names {
		if c.schemas[name].Expirable() {
			names = append(names, name)
		}
	}
	return names
}

// ExpiresAt returns the expiry of an item, if its stream and payload define one.
func (c *Catalog) ExpiresAt(item Item) (time.Time, bool) {
	schema, ok := c.schemas[item.Stream]
	if !ok || schema.expiry == nil {
		return time.Time{}, false
	}
	value, err := schema.decode(item.Payload, false)
	if err != nil {
		return time.Time{}, false
	}
	return schema.expiry(value)
}

func chatSchema() *Schema {
	return define(ChatMessages, schemaOptions[ChatMessage]{
		normalize: func(payload *ChatMessage, event Event, _ time.Time) []FieldError {
			return bindIdentifier("conversationId", &payload.ConversationID, event.Group)
		},
		resolve: func(payload *ChatMessage, group string, explicit []string) (Targets, error) {
			if len(explicit) > 0 {
				if payload.SenderID == "" {
					return Targets{}, fmt.Errorf("%w: %s missing senderId", ErrMalformedTarget, ChatMessages)
				}
				return UserTargets(append(slices.Clone(explicit), payload.SenderID)...), nil
			}
			if group == "" {
				return Targets{}, fmt.Errorf("%w: %s missing conversation group", ErrMalformedTarget, ChatMessages)
			}
			return RoomTargets(GroupRef{Stream: ChatMessages, Group: group}), nil
		},
	})
}

func notificationSchema() *Schema {
	return define(Notifications, schemaOptions[Notification]{
		normalize: func(payload *Notification, event Event, _ time.Time) []FieldError {
			return bindIdentifier("recipientId", &payload.RecipientID, event.Group)
		},
		resolve: func(payload *Notification, _ string, _ []string) (Targets, error) {
			if payload.RecipientID == "" {
				return Targets{}, fmt.Errorf("%w: %s missing recipientId", ErrMalformedTarget, Notifications)
			}
			return UserTargets(payload.RecipientID), nil
		},
		expiry: func(payload *Notification) (time.Time, bool) {
			if payload.ExpiresAt == nil || payload.ExpiresAt.IsZero() {
				return time.Time{}, false
			}
			return *payload.ExpiresAt, true
		},
	})
}

func orderStatusSchema() *Schema {
	return define(OrderStatus, schemaOptions[OrderStatusUpdate]{
		normalize: func(payload *OrderStatusUpdate, event Event, _ time.Time) []FieldError {
			return bindIdentifier("orderId", &payload.OrderID, event.Group)
		},
		resolve: func(payload *OrderStatusUpdate, _ string, _ []string) (Targets, error) {
			if payload.CustomerID == "" || payload.PartnerID == "" {
				return Targets{}, fmt.Errorf("%w: %s requires customerId and partnerId", ErrMalformedTarget, OrderStatus)
			}
			return UserTargets(payload.CustomerID, payload.PartnerID), nil
		},
	})
}

func presenceSchema() *Schema {
	return define(UserPresence, schemaOptions[Presence]{
		normalize: func(payload *Presence, event Event, receivedAt time.Time) []FieldError {
			if payload.LastSeen.IsZero() {
				payload.LastSeen = receivedAt
			}
			return bindIdentifier("userId", &payload.UserID, event.Key)
		},
		keyOf: func(payload *Presence) string {
			return payload.UserID
		},
		resolve: func(_ *Presence, _ string, _ []string) (Targets, error) {
			return AllTargets(), nil
		},
	})
}
