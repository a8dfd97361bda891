package streams

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// Name identifies a realtime stream.
type Name string

const (
	// ChatMessages carries conversation messages, grouped by conversation id.
	ChatMessages Name = "chatMessages"
	// Notifications carries per-user notifications, grouped by recipient id.
	Notifications Name = "notifications"
	// OrderStatus carries order lifecycle updates, grouped by order id.
	OrderStatus Name = "orderStatus"
	// UserPresence carries presence state for every user in a single group.
	UserPresence Name = "userPresence"
)

// PresenceGroup is the sentinel group holding the global presence set.
const PresenceGroup = "online_users"

const maxIdentifierLength = 190

// String returns the underlying stream name.
func (n Name) String() string {
	return string(n)
}

// GroupRef addresses one group inside a stream.
type GroupRef struct {
	Stream Name
	Group  string
}

// String renders the reference as stream/group.
func (ref GroupRef) String() string {
	return fmt.Sprintf("%s/%s", ref.Stream, ref.Group)
}

// Key addresses one item inside a group.
type Key struct {
	Stream  Name
	Group   string
	ItemKey string
}

// Ref returns the group reference of the key.
func (k Key) Ref() GroupRef {
	return GroupRef{Stream: k.Stream, Group: k.Group}
}

// Validate reports whether every component of the key is usable.
func (k Key) Validate() error {
	if strings.TrimSpace(string(k.Stream)) == "" {
		return fmt.Errorf("%w: empty stream", ErrInvalidKey)
	}
	if err := validIdentifier("group", k.Group); err != nil {
		return err
	}
	return validIdentifier("item key", k.ItemKey)
}

func validIdentifier(label, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: empty %s", ErrInvalidKey, label)
	}
	if len(value) > maxIdentifierLength {
		return fmt.Errorf("%w: %s exceeds %d characters", ErrInvalidKey, label, maxIdentifierLength)
	}
	if strings.ContainsFunc(value, unicode.IsControl) {
		return fmt.Errorf("%w: %s contains control characters", ErrInvalidKey, label)
	}
	return nil
}

// Item is the latest known state for one key within one group.
type Item struct {
	Stream    Name            `json:"stream"`
	Group     string          `json:"group"`
	Key       string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// StoreKey returns the address of the item.
func (item Item) StoreKey() Key {
	return Key{Stream: item.Stream, Group: item.Group, ItemKey: item.Key}
}

// Event is an inbound producer call before validation.
type Event struct {
	Stream  Name
	Group   string
	Key     string
	Payload json.RawMessage
	// Targets optionally lists the recipients chosen by the producer, e.g. the
	// participants of a conversation.
	Targets []string
}

// Targets is the resolved recipient set of an item.
type Targets struct {
	All   bool
	Users []string
	Room  *GroupRef
}

// Empty reports whether the target set selects nobody.
func (t Targets) Empty() bool {
	return !t.All && len(t.Users) == 0 && t.Room == nil
}

// AllTargets selects every registered connection.
func AllTargets() Targets {
	return Targets{All: true}
}

// UserTargets selects the connections of the given users, deduplicated and without blanks.
func UserTargets(userIDs ...string) Targets {
	seen := make(map[string]struct{}, len(userIDs))
	users := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		trimmed := strings.TrimSpace(id)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		users = append(users, trimmed)
	}
	return Targets{Users: users}
}

// RoomTargets selects the connections that joined a group.
func RoomTargets(ref GroupRef) Targets {
	return Targets{Room: &ref}
}
