package model

import "time"

type ChatID string
type ChatType string
type Role string

const (
	ChatTypeDM    ChatType = "dm"
	ChatTypeGroup ChatType = "group"
)

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

type Participant struct {
	ChatID   ChatID    `db:"ChatID" json:"-"`
	UserID   UserID    `db:"UserID" json:"userId"`
	Role     Role      `db:"Role" json:"role"`
	JoinedAt time.Time `db:"JoinedAt" json:"joinedAt"`
}

type Chat struct {
	ID            ChatID        `db:"ID" json:"_id"`
	Type          ChatType      `db:"Type" json:"type"`
	Name          string        `db:"Name" json:"name,omitempty"`
	Picture       string        `db:"Picture" json:"groupPicture"`
	LastMessageID MessageID     `db:"LastMessageID" json:"lastMessage,omitempty"`
	DMKey         *string       `db:"DMKey" json:"-"`
	CreatedAt     time.Time     `db:"CreatedAt" json:"createdAt"`
	UpdatedAt     time.Time     `db:"UpdatedAt" json:"updatedAt"`
	Participants  []Participant `db:"-" json:"participants"`
}

type CreateGroupParams struct {
	Name           string   `json:"name"`
	ParticipantIDs []UserID `json:"participantIds"`
	Picture        string   `json:"groupPicture"`
}

type UpdateGroupParams struct {
	Name               string   `json:"name"`
	Picture            string   `json:"groupPicture"`
	AddParticipants    []UserID `json:"addParticipants"`
	RemoveParticipants []UserID `json:"removeParticipants"`
}

// Participant lookups are linear scans; rosters are small.
func (c *Chat) Participant(userID UserID) (*Participant, bool) {
	for i := range c.Participants {
		if c.Participants[i].UserID == userID {
			return &c.Participants[i], true
		}
	}
	return nil, false
}

func (c *Chat) IsParticipant(userID UserID) bool {
	_, ok := c.Participant(userID)
	return ok
}

func (c *Chat) IsAdmin(userID UserID) bool {
	p, ok := c.Participant(userID)
	return ok && p.Role == RoleAdmin
}

// Recipients is every participant except the sender.
func (c *Chat) Recipients(senderID UserID) []UserID {
	recipients := make([]UserID, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p.UserID != senderID {
			recipients = append(recipients, p.UserID)
		}
	}
	return recipients
}
