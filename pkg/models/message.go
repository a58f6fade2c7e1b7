package models

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	}
	return false
}

// ContentBlock is one typed piece of message content.
type ContentBlock struct {
	Type     string `json:"type"` // text, image, document
	Text     string `json:"text,omitempty"`
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"` // base64 payload for inline media
}

// Message is the unit of user input accepted by a session.
type Message struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`
}

// TextMessage builds a single-block user message.
func TextMessage(text string) Message {
	return Message{
		Role:    RoleUser,
		Content: []ContentBlock{{Type: "text", Text: text}},
	}
}

// Text concatenates the text blocks of the message.
func (m Message) Text() string {
	var out string
	for _, block := range m.Content {
		if block.Type == "text" {
			out += block.Text
		}
	}
	return out
}

// ToolResult carries the outcome of a client-side tool invocation back to a session.
type ToolResult struct {
	ToolUseID string `json:"toolUseId"`
	Name      string `json:"name,omitempty"`
	Content   any    `json:"content"`
	IsError   bool   `json:"isError,omitempty"`
}

// User represents an authenticated caller.
type User struct {
	ID    string   `json:"id"`
	Email string   `json:"email,omitempty"`
	Name  string   `json:"name,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

// HasRole reports whether the user carries the given role.
func (u *User) HasRole(role string) bool {
	if u == nil {
		return false
	}
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}
