package model

import (
	"fmt"
	"time"
)

type MessageID string

// MessageStatus values are ordered by rank; a status only ever moves up.
type MessageStatus int

const (
	MessageStatusSent MessageStatus = iota
	MessageStatusDelivered
	MessageStatusSeen
)

var messageStatusNames = map[MessageStatus]string{
	MessageStatusSent:      "sent",
	MessageStatusDelivered: "delivered",
	MessageStatusSeen:      "seen",
}

func (s MessageStatus) String() string {
	if name, ok := messageStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("MessageStatus(%d)", int(s))
}

func (s MessageStatus) MarshalText() ([]byte, error) {
	name, ok := messageStatusNames[s]
	if !ok {
		return nil, fmt.Errorf("unknown message status: %d", int(s))
	}
	return []byte(name), nil
}

func (s *MessageStatus) UnmarshalText(text []byte) error {
	for status, name := range messageStatusNames {
		if name == string(text) {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("unknown message status: %q", text)
}

type StorageBackend string

const (
	StorageS3         StorageBackend = "s3"
	StorageCloudinary StorageBackend = "cloudinary"
	StorageLocal      StorageBackend = "local"
)

// Attachment describes a file held by the object storage collaborator.
type Attachment struct {
	URL      string         `json:"url"`
	Name     string         `json:"name"`
	Size     int64          `json:"size"`
	MimeType string         `json:"type"`
	Storage  StorageBackend `json:"storage"`
}

type DeliveryRecord struct {
	MessageID   MessageID     `db:"MessageID" json:"-"`
	RecipientID UserID        `db:"RecipientID" json:"userId"`
	Status      MessageStatus `db:"Status" json:"status"`
	DeliveredAt *time.Time    `db:"DeliveredAt" json:"deliveredAt,omitempty"`
	SeenAt      *time.Time    `db:"SeenAt" json:"seenAt,omitempty"`
}

type Reaction struct {
	MessageID MessageID `db:"MessageID" json:"-"`
	UserID    UserID    `db:"UserID" json:"userId"`
	Emoji     string    `db:"Emoji" json:"emoji"`
	CreatedAt time.Time `db:"CreatedAt" json:"-"`
}

type Message struct {
	ID         MessageID        `json:"_id"`
	ChatID     ChatID           `json:"chatId"`
	SenderID   UserID           `json:"senderId"`
	ClientID   string           `json:"clientId,omitempty"`
	Text       string           `json:"text,omitempty"`
	Image      string           `json:"image,omitempty"`
	File       *Attachment      `json:"file,omitempty"`
	Status     MessageStatus    `json:"status"`
	Deliveries []DeliveryRecord `json:"deliveryStatus"`
	Reactions  []Reaction       `json:"reactions"`
	Edited     bool             `json:"edited"`
	CreatedAt  time.Time        `json:"createdAt"`
	UpdatedAt  *time.Time       `json:"updatedAt,omitempty"`
}

// Content is what a sender supplies; ClientID makes a resend idempotent.
type Content struct {
	ClientID string      `json:"clientId"`
	Text     string      `json:"text"`
	Image    string      `json:"image"`
	File     *Attachment `json:"file"`
}

func (c *Content) Validate() error {
	if c.Text == "" && c.Image == "" && (c.File == nil || c.File.URL == "") {
		return ErrorEmptyMessage
	}
	return nil
}

func (m *Message) Delivery(recipientID UserID) (*DeliveryRecord, bool) {
	for i := range m.Deliveries {
		if m.Deliveries[i].RecipientID == recipientID {
			return &m.Deliveries[i], true
		}
	}
	return nil, false
}

// AggregateStatus is the lowest status among records. A message with no
// recipients stays sent.
func AggregateStatus(records []DeliveryRecord) MessageStatus {
	if len(records) == 0 {
		return MessageStatusSent
	}
	status := MessageStatusSeen
	for _, r := range records {
		if r.Status < status {
			status = r.Status
		}
	}
	return status
}
