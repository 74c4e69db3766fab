package protocol

import (
	"strconv"
	"strings"
)

// ApplicationPrefix namespaces client-originated actions.
const ApplicationPrefix = "/app"

// Application destinations handled by the action dispatcher.
const (
	ActionChatSend  = "/app/chat.sendMessage"
	ActionChatType  = "/app/chat.typing"
	ActionChatJoin  = "/app/chat.join"
	ActionGroupSend = "/app/group.sendMessage"
	ActionStatus    = "/app/status"
	ActionFriend    = "/app/friendship"
)

// Per-user private queues. A session of principal P receives every message
// addressed to P on these queues without subscribing.
const (
	QueueMessages   = "/user/queue/messages"
	QueueFriendship = "/user/queue/friendship"
	QueueTyping     = "/user/queue/typing"
	QueueChatStatus = "/user/queue/chat-status"
)

// Global topics.
const (
	TopicStatus     = "/topic/status"
	TopicFriendship = "/topic/friendship"
	TopicChat       = "/topic/chat"

	groupTopicPrefix = "/topic/group/"
)

// GroupTopic returns the topic destination of a group.
func GroupTopic(groupID int64) string {
	return groupTopicPrefix + strconv.FormatInt(groupID, 10)
}

// ParseGroupTopic extracts the group id from a group topic destination.
func ParseGroupTopic(destination string) (int64, bool) {
	if !strings.HasPrefix(destination, groupTopicPrefix) {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(destination, groupTopicPrefix), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// IsUserQueue reports whether destination is a per-user private queue.
func IsUserQueue(destination string) bool {
	return strings.HasPrefix(destination, "/user/queue/")
}

// IsApplication reports whether destination addresses an application action.
func IsApplication(destination string) bool {
	return strings.HasPrefix(destination, ApplicationPrefix+"/")
}

// IsSubscribable reports whether a client may SUBSCRIBE to destination.
func IsSubscribable(destination string) bool {
	if IsUserQueue(destination) {
		return true
	}
	switch destination {
	case TopicStatus, TopicFriendship, TopicChat:
		return true
	}
	_, ok := ParseGroupTopic(destination)
	return ok
}
