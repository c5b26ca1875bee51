package store

// Conversation represents a mirrored conversation thread between a renter
// and a landlord.
type Conversation struct {
	ID                 string
	PeerID             string
	ListingID          string
	UnreadCount        int
	LastMessageAt      int64
	LastMessagePreview string
}

// Message represents a mirrored, server-confirmed message.
type Message struct {
	RowID          int64
	ConversationID string
	MsgID          string
	SenderID       string
	Content        string
	Status         string
	Timestamp      int64
}
