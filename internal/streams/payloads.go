package streams

import "time"

// ChatMessage is the payload of the chatMessages stream.
type ChatMessage struct {
	ConversationID  string     `json:"conversationId" validate:"required,max=190"`
	SenderID        string     `json:"senderId" validate:"required,max=190"`
	SenderRole      string     `json:"role" validate:"required,oneof=student partner admin"`
	Content         string     `json:"content,omitempty" validate:"required_if=Kind text,max=4000"`
	MediaURL        string     `json:"mediaUrl,omitempty" validate:"required_unless=Kind text,max=2048"`
	Kind            string     `json:"kind" validate:"required,oneof=text image file audio video"`
	ReplyTo         string     `json:"replyTo,omitempty" validate:"max=190"`
	Read            bool       `json:"read"`
	ClientTimestamp *time.Time `json:"clientTimestamp,omitempty"`
}

// Notification is the payload of the notifications stream.
type Notification struct {
	RecipientID   string         `json:"recipientId" validate:"required,max=190"`
	RecipientRole string         `json:"recipientRole" validate:"required,oneof=student partner admin"`
	Kind          string         `json:"kind" validate:"required,oneof=order_status general promotion system"`
	Title         string         `json:"title" validate:"required,max=200"`
	Message       string         `json:"message" validate:"required,max=2000"`
	Data          map[string]any `json:"data,omitempty"`
	ExpiresAt     *time.Time     `json:"expiresAt,omitempty"`
	Read          bool           `json:"read"`
}

// GeoPoint is a WGS84 coordinate.
type GeoPoint struct {
	Lat float64 `json:"lat" validate:"min=-90,max=90"`
	Lng float64 `json:"lng" validate:"min=-180,max=180"`
}

// OrderStatusUpdate is the payload of the orderStatus stream.
type OrderStatusUpdate struct {
	OrderID          string    `json:"orderId" validate:"required,max=190"`
	Status           string    `json:"status" validate:"required,oneof=pending confirmed preparing ready delivered cancelled"`
	CustomerID       string    `json:"customerId" validate:"required,max=190"`
	PartnerID        string    `json:"partnerId" validate:"required,max=190"`
	Message          string    `json:"message,omitempty" validate:"max=500"`
	EstimatedMinutes *int      `json:"estimatedMinutes,omitempty" validate:"omitempty,min=0,max=1440"`
	Location         *GeoPoint `json:"location,omitempty"`
}

// Presence statuses.
const (
	PresenceOnline  = "online"
	PresenceAway    = "away"
	PresenceOffline = "offline"
)

// Presence is the payload of the userPresence stream.
type Presence struct {
	UserID   string    `json:"userId" validate:"required,max=190"`
	Role     string    `json:"role" validate:"required,max=32"`
	Status   string    `json:"status" validate:"required,oneof=online away offline"`
	LastSeen time.Time `json:"lastSeen"`
	Device   string    `json:"device,omitempty" validate:"max=190"`
}
