package store

// GroupMessage is a message posted to the global room.
type GroupMessage struct {
	Author    string `json:"user"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

// PrivateMessage is a message between two users. It is stored once per unordered pair.
type PrivateMessage struct {
	Author    string `json:"user"`
	Recipient string `json:"to"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
	IsPrivate bool   `json:"is_private"`
}

// PresenceEntry is the registry record of a user.
// Handle is the session id of the current connection, empty when offline.
type PresenceEntry struct {
	Username string `json:"username"`
	Handle   string `json:"-"`
	Online   bool   `json:"online"`
}

type IPresenceRegistry interface {
	// Register installs handle as the current connection of username, replacing any
	// previous entry. The user moves to the end of the registration order.
	Register(username, handle string) PresenceEntry

	// MarkOffline marks the entry currently owning handle as offline.
	// Returns false if no entry owns handle, e.g. it was superseded by a reconnect.
	MarkOffline(handle string) bool

	// Lookup gets the entry of username.
	Lookup(username string) (PresenceEntry, bool)

	// SnapshotAll lists all entries in registration order.
	SnapshotAll() []PresenceEntry

	CountOnline() int
}

type IGroupLog interface {
	// Append appends msg at the tail of the log.
	Append(msg GroupMessage)

	// Snapshot copies the log in append order.
	Snapshot() []GroupMessage

	Len() int
}

type IHistoryStore interface {
	// Append records msg in the conversation of sender and recipient. Both views see it
	// at the same position.
	Append(sender, recipient string, msg PrivateMessage)

	// History gets the conversation of owner with other, in append order.
	// It returns an empty slice if they never talked.
	History(owner, other string) []PrivateMessage
}
