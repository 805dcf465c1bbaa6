package vchat

import (
	"encoding/json"
	"fmt"
)

// ============================================================================
// Documents
// ============================================================================

// Document is an opaque record of the remote store. Its identity is
// (DatabaseID, CollectionID, ID); everything else lives in Fields.
type Document struct {
	ID           string
	CollectionID string
	DatabaseID   string
	CreatedAt    string
	UpdatedAt    string
	Fields       map[string]any
}

var documentMeta = map[string]bool{
	"$id": true, "$collectionId": true, "$databaseId": true,
	"$createdAt": true, "$updatedAt": true,
}

func (d Document) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(d.Fields)+5)
	for k, v := range d.Fields {
		m[k] = v
	}
	m["$id"] = d.ID
	m["$collectionId"] = d.CollectionID
	m["$databaseId"] = d.DatabaseID
	if d.CreatedAt != "" {
		m["$createdAt"] = d.CreatedAt
	}
	if d.UpdatedAt != "" {
		m["$updatedAt"] = d.UpdatedAt
	}
	return json.Marshal(m)
}

func (d *Document) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	d.ID = strOr(m, "$id", "")
	d.CollectionID = strOr(m, "$collectionId", "")
	d.DatabaseID = strOr(m, "$databaseId", "")
	d.CreatedAt = strOr(m, "$createdAt", "")
	d.UpdatedAt = strOr(m, "$updatedAt", "")
	d.Fields = make(map[string]any, len(m))
	for k, v := range m {
		if !documentMeta[k] {
			d.Fields[k] = v
		}
	}
	return nil
}

// Decode converts the document into a typed view such as Message.
func (d Document) Decode(v any) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode document %s: %w", d.ID, err)
	}
	return nil
}

// DecodeDocuments converts a document list into typed views.
func DecodeDocuments[T any](docs []Document) ([]T, error) {
	out := make([]T, 0, len(docs))
	for _, d := range docs {
		var v T
		if err := d.Decode(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// ============================================================================
// Domain Types
// ============================================================================

// Message is a chat message document, owned by either a direct chat or a group.
type Message struct {
	ID           string `json:"$id"`
	CollectionID string `json:"$collectionId"`
	DatabaseID   string `json:"$databaseId"`
	CreatedAt    string `json:"$createdAt,omitempty"`
	SenderID     string `json:"senderID"`
	Body         string `json:"body"`
	EditedAt     string `json:"editedAt,omitempty"`
	GroupID      string `json:"groupDoc,omitempty"`
	ChatID       string `json:"chatDoc,omitempty"`
}

// ConversationKind tells direct chats from groups.
type ConversationKind string

const (
	DirectChat ConversationKind = "direct"
	GroupChat  ConversationKind = "group"
)

// UserDetails is the public profile document of a user.
type UserDetails struct {
	ID           string `json:"$id"`
	CollectionID string `json:"$collectionId,omitempty"`
	DatabaseID   string `json:"$databaseId,omitempty"`
	UserID       string `json:"userID"`
	Name         string `json:"name"`
	About        string `json:"about,omitempty"`
	Location     string `json:"location,omitempty"`
	AvatarURL    string `json:"avatarURL,omitempty"`
	OnlineAt     string `json:"onlineAt,omitempty"`
}

// UnmarshalJSON accepts both an expanded document and a bare document id,
// as relationship fields come back either way.
func (u *UserDetails) UnmarshalJSON(data []byte) error {
	var id string
	if json.Unmarshal(data, &id) == nil {
		*u = UserDetails{ID: id}
		return nil
	}
	type plain UserDetails
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*u = UserDetails(p)
	return nil
}

// Conversation is a direct chat or a group.
type Conversation struct {
	ID           string           `json:"$id"`
	CollectionID string           `json:"$collectionId"`
	DatabaseID   string           `json:"$databaseId"`
	CreatedAt    string           `json:"$createdAt,omitempty"`
	Kind         ConversationKind `json:"-"`

	// groups
	Name        string        `json:"name,omitempty"`
	Description string        `json:"description,omitempty"`
	AvatarURL   string        `json:"avatarURL,omitempty"`
	Members     []UserDetails `json:"members,omitempty"`
	Admins      []string      `json:"admins,omitempty"`

	// direct chats
	Participants []UserDetails `json:"participants,omitempty"`

	ChangeLog string `json:"changeLog,omitempty"`
	ChangerID string `json:"changerID,omitempty"`
}

// IsGroup reports whether the conversation is a group.
func (c Conversation) IsGroup() bool {
	return c.Kind == GroupChat
}

// IsAdmin reports whether userID administers the group.
func (c Conversation) IsAdmin(userID string) bool {
	if !c.IsGroup() {
		return false
	}
	for _, id := range c.Admins {
		if id == userID {
			return true
		}
	}
	return false
}

// IsMember reports whether userID takes part in the conversation.
func (c Conversation) IsMember(userID string) bool {
	people := c.Participants
	if c.IsGroup() {
		people = c.Members
	}
	for _, p := range people {
		if p.ID == userID {
			return true
		}
	}
	return false
}

// AccountPrefs are the preferences stored on the account.
type AccountPrefs struct {
	DetailsDocID string `json:"detailsDocID,omitempty"`
}

// Account is the authenticated user of the session provider.
type Account struct {
	ID    string       `json:"$id"`
	Email string       `json:"email"`
	Name  string       `json:"name"`
	Prefs AccountPrefs `json:"prefs"`
}

// Credentials log a user in.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Registration creates a new account.
type Registration struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

// GroupInput describes a group to create.
type GroupInput struct {
	Name        string
	Description string
	AvatarURL   string
	// Members are user details ids; the creator is always added.
	Members []string
}

// DetailsPatch is a partial update of the user details. Nil fields are kept.
type DetailsPatch struct {
	Name     *string
	About    *string
	Location *string
}

func (p DetailsPatch) fields() map[string]any {
	m := map[string]any{}
	if p.Name != nil {
		m["name"] = *p.Name
	}
	if p.About != nil {
		m["about"] = *p.About
	}
	if p.Location != nil {
		m["location"] = *p.Location
	}
	return m
}

func (p DetailsPatch) apply(d UserDetails) UserDetails {
	if p.Name != nil {
		d.Name = *p.Name
	}
	if p.About != nil {
		d.About = *p.About
	}
	if p.Location != nil {
		d.Location = *p.Location
	}
	return d
}

func strOr(m map[string]any, key, fallback string) string {
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return fallback
}
