package models

// Message is the NLU result handed to the resolver by the channel layer.
type Message struct {
	Intent   *Intent  `json:"intent"`
	User     *User    `json:"user"`
	Entities []Entity `json:"entities"`
}

// Intent names the classified user goal.
type Intent struct {
	Name string `json:"name"`
}

// User identifies the account the message was sent from.
type User struct {
	ID                  string              `json:"id"`
	MessengerIdentities []MessengerIdentity `json:"messengerIdentities,omitempty"`
}

// MessengerIdentity is one messenger account attached to a user.
type MessengerIdentity struct {
	Messenger string `json:"messenger"`
	ID        string `json:"id"`
}

// Entity is a value extracted by the NLU layer. Several entities may share a
// role; they arrive ordered by confidence.
type Entity struct {
	Entity string `json:"entity"`
	Value  string `json:"value"`
}

// IntentName returns the intent name or "" when the message carries none.
func (m *Message) IntentName() string {
	if m == nil || m.Intent == nil {
		return ""
	}
	return m.Intent.Name
}

// UserID returns the sender id or "" when the message carries no user.
func (m *Message) UserID() string {
	if m == nil || m.User == nil {
		return ""
	}
	return m.User.ID
}
