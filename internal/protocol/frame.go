// Package protocol defines the JSON frames exchanged with the messaging
// backend over the conversation socket. One frame per websocket message,
// discriminated by the "type" field.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Frame types sent by the client.
const (
	TypeJoinConversation  = "join_conversation"
	TypeLeaveConversation = "leave_conversation"
	TypeSendMessage       = "send_message"
	TypeTypingIndicator   = "typing_indicator"
	TypeMarkAsRead        = "mark_as_read"
)

// Frame types received from the server. TypeTypingIndicator flows both ways.
const (
	TypeNewMessage   = "new_message"
	TypeMessageSent  = "message_sent"
	TypeMessagesRead = "messages_read"
	TypeError        = "error"
)

// Message is the wire representation of a chat message. CreatedAt is unix
// milliseconds, server-assigned once the message is confirmed.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Content        string `json:"content"`
	CreatedAt      int64  `json:"created_at"`
	TempID         string `json:"temp_id,omitempty"`
}

// Frame is a single protocol frame. Only the fields relevant to Type are set.
type Frame struct {
	Type           string   `json:"type"`
	ConversationID string   `json:"conversation_id,omitempty"`
	Content        string   `json:"content,omitempty"`
	TempID         string   `json:"temp_id,omitempty"`
	IsTyping       bool     `json:"is_typing,omitempty"`
	UserID         string   `json:"user_id,omitempty"`
	MessageIDs     []string `json:"message_ids,omitempty"`
	Message        *Message `json:"message,omitempty"`
	ErrorMessage   string   `json:"error,omitempty"`
}

// MalformedFrameError reports a frame that failed validation. Malformed
// frames are logged and dropped; they must never crash the session.
type MalformedFrameError struct {
	Type   string
	Reason string
}

func (e *MalformedFrameError) Error() string {
	return fmt.Sprintf("malformed frame type=%q: %s", e.Type, e.Reason)
}

// Decode parses raw JSON into a validated inbound frame.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, &MalformedFrameError{Reason: err.Error()}
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Validate checks that the frame carries the fields its type requires.
func (f *Frame) Validate() error {
	switch f.Type {
	case TypeNewMessage, TypeMessageSent:
		if f.Message == nil {
			return &MalformedFrameError{Type: f.Type, Reason: "missing message"}
		}
		if f.Message.ID == "" {
			return &MalformedFrameError{Type: f.Type, Reason: "message missing id"}
		}
		if f.Message.ConversationID == "" {
			return &MalformedFrameError{Type: f.Type, Reason: "message missing conversation_id"}
		}
	case TypeMessagesRead:
		if f.ConversationID == "" {
			return &MalformedFrameError{Type: f.Type, Reason: "missing conversation_id"}
		}
		if len(f.MessageIDs) == 0 {
			return &MalformedFrameError{Type: f.Type, Reason: "missing message_ids"}
		}
	case TypeTypingIndicator:
		if f.ConversationID == "" {
			return &MalformedFrameError{Type: f.Type, Reason: "missing conversation_id"}
		}
	case TypeError:
		// temp_id is optional; nothing else required.
	case TypeJoinConversation, TypeLeaveConversation, TypeMarkAsRead:
		if f.ConversationID == "" {
			return &MalformedFrameError{Type: f.Type, Reason: "missing conversation_id"}
		}
	case TypeSendMessage:
		if f.ConversationID == "" || f.TempID == "" {
			return &MalformedFrameError{Type: f.Type, Reason: "missing conversation_id or temp_id"}
		}
	case "":
		return &MalformedFrameError{Reason: "missing type"}
	default:
		return &MalformedFrameError{Type: f.Type, Reason: "unknown type"}
	}
	return nil
}

// JoinConversation builds the frame that attaches the session to a
// conversation channel.
func JoinConversation(conversationID string) Frame {
	return Frame{Type: TypeJoinConversation, ConversationID: conversationID}
}

// LeaveConversation builds the frame that detaches the session from a
// conversation channel.
func LeaveConversation(conversationID string) Frame {
	return Frame{Type: TypeLeaveConversation, ConversationID: conversationID}
}

// SendMessage builds an outbound message frame keyed by the client temp id.
func SendMessage(conversationID, tempID, content string) Frame {
	return Frame{
		Type:           TypeSendMessage,
		ConversationID: conversationID,
		TempID:         tempID,
		Content:        content,
	}
}

// TypingIndicator builds an outbound typing state frame.
func TypingIndicator(conversationID string, isTyping bool) Frame {
	return Frame{
		Type:           TypeTypingIndicator,
		ConversationID: conversationID,
		IsTyping:       isTyping,
	}
}

// MarkAsRead builds an outbound read receipt frame.
func MarkAsRead(conversationID string, messageIDs []string) Frame {
	return Frame{
		Type:           TypeMarkAsRead,
		ConversationID: conversationID,
		MessageIDs:     messageIDs,
	}
}
