package domain

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Message is a single persisted conversation turn. Turns are append-only
// and ordered oldest first within a conversation.
type Message struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}
