package protocol

import "time"

// ChatMessage is a one-to-one chat message.
type ChatMessage struct {
	ID             int64     `json:"id,omitempty"`
	ChatID         int64     `json:"chatId"`
	SenderUsername string    `json:"senderUsername,omitempty"`
	Content        string    `json:"content"`
	Type           string    `json:"type,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// ChatKindChat is the kind of a regular chat message.
const ChatKindChat = "CHAT"

// GroupMessage is a message posted to a group.
type GroupMessage struct {
	ID             int64     `json:"id,omitempty"`
	GroupID        int64     `json:"groupId"`
	SenderUsername string    `json:"senderUsername,omitempty"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
}

// StatusMessage announces that a user went online or offline.
type StatusMessage struct {
	UserID    int64     `json:"userId,omitempty"`
	Username  string    `json:"username"`
	Online    bool      `json:"online"`
	Timestamp time.Time `json:"timestamp"`
}

// FriendshipMessage notifies a change in a friendship.
type FriendshipMessage struct {
	FriendshipID      int64     `json:"friendshipId,omitempty"`
	RequesterUsername string    `json:"requesterUsername,omitempty"`
	ReceiverUsername  string    `json:"receiverUsername,omitempty"`
	TargetUsername    string    `json:"targetUsername,omitempty"`
	Status            string    `json:"status,omitempty"`
	Action            string    `json:"action"`
	Timestamp         time.Time `json:"timestamp"`
}

// TypingIndicator reports that a user started or stopped typing in a chat.
type TypingIndicator struct {
	Username  string    `json:"username"`
	ChatID    int64     `json:"chatId"`
	Typing    bool      `json:"typing"`
	Timestamp time.Time `json:"timestamp"`
}

// JoinChat is the body of a chat.join action.
type JoinChat struct {
	ChatID int64 `json:"chatId"`
}

// ChatStatus tells chat participants that a user joined a chat.
type ChatStatus struct {
	Username string `json:"username"`
	Status   string `json:"status"`
	ChatID   int64  `json:"chatId"`
}
