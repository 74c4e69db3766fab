// Package directory is an in-memory stand-in for the account, chat,
// friendship and group stores that live in the relational backend.
package directory

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/ZeQ61/message/internal/apperr"
	"github.com/ZeQ61/message/internal/codec"
	"github.com/ZeQ61/message/internal/protocol"
)

type pair struct{ a, b string }

func friendKey(a, b string) pair {
	if a > b {
		a, b = b, a
	}
	return pair{a, b}
}

// Memory holds accounts, chats, friendships, groups and stored messages.
type Memory struct {
	mu          sync.RWMutex
	users       map[string]struct{}
	admins      map[string]struct{}
	chats       map[int64][]string
	friendships map[pair]struct{}
	groups      map[int64]map[string]struct{}

	nextChatID    int64
	nextGroupID   int64
	nextMessageID int64
	chatLog       []protocol.ChatMessage
	groupLog      []protocol.GroupMessage

	now func() time.Time
}

// NewMemory returns an empty directory.
func NewMemory() *Memory {
	return &Memory{
		users:       make(map[string]struct{}),
		admins:      make(map[string]struct{}),
		chats:       make(map[int64][]string),
		friendships: make(map[pair]struct{}),
		groups:      make(map[int64]map[string]struct{}),
		now:         time.Now,
	}
}

func (m *Memory) AddUser(username string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[username] = struct{}{}
}

func (m *Memory) AddAdmin(username string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.admins[username] = struct{}{}
}

// CreateChat registers a chat between participants and returns its id.
func (m *Memory) CreateChat(participants ...string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextChatID++
	m.chats[m.nextChatID] = append([]string(nil), participants...)
	return m.nextChatID
}

func (m *Memory) AddFriendship(a, b string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.friendships[friendKey(a, b)] = struct{}{}
}

func (m *Memory) RemoveFriendship(a, b string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.friendships, friendKey(a, b))
}

// CreateGroup registers a group with members and returns its id.
func (m *Memory) CreateGroup(members ...string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextGroupID++
	set := make(map[string]struct{}, len(members))
	for _, u := range members {
		set[u] = struct{}{}
	}
	m.groups[m.nextGroupID] = set
	return m.nextGroupID
}

func (m *Memory) UserExists(_ context.Context, username string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.users[username]
	return ok, nil
}

func (m *Memory) AdminExists(_ context.Context, username string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.admins[username]
	return ok, nil
}

func (m *Memory) ChatParticipants(_ context.Context, chatID int64) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	participants, ok := m.chats[chatID]
	if !ok {
		return nil, fmt.Errorf("chat %d: %w", chatID, apperr.ErrNotFound)
	}
	return append([]string(nil), participants...), nil
}

func (m *Memory) AreFriends(_ context.Context, a, b string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.friendships[friendKey(a, b)]
	return ok, nil
}

func (m *Memory) IsGroupMember(_ context.Context, groupID int64, username string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	members, ok := m.groups[groupID]
	if !ok {
		return false, fmt.Errorf("group %d: %w", groupID, apperr.ErrNotFound)
	}
	_, member := members[username]
	return member, nil
}

// SaveChatMessage stores msg, assigning an id and a timestamp when missing.
func (m *Memory) SaveChatMessage(_ context.Context, msg protocol.ChatMessage) (protocol.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextMessageID++
	msg.ID = m.nextMessageID
	if msg.Timestamp.IsZero() {
		msg.Timestamp = m.now().UTC()
	}
	m.chatLog = append(m.chatLog, msg)
	return msg, nil
}

// SaveGroupMessage stores msg, assigning an id and a timestamp when missing.
func (m *Memory) SaveGroupMessage(_ context.Context, msg protocol.GroupMessage) (protocol.GroupMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextMessageID++
	msg.ID = m.nextMessageID
	if msg.Timestamp.IsZero() {
		msg.Timestamp = m.now().UTC()
	}
	m.groupLog = append(m.groupLog, msg)
	return msg, nil
}

// ChatHistory returns the stored messages of a chat in insertion order.
func (m *Memory) ChatHistory(chatID int64) []protocol.ChatMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []protocol.ChatMessage
	for _, msg := range m.chatLog {
		if msg.ChatID == chatID {
			out = append(out, msg)
		}
	}
	return out
}

// GroupHistory returns the stored messages of a group in insertion order.
func (m *Memory) GroupHistory(groupID int64) []protocol.GroupMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []protocol.GroupMessage
	for _, msg := range m.groupLog {
		if msg.GroupID == groupID {
			out = append(out, msg)
		}
	}
	return out
}

// Seed is the JSON document accepted by Load.
type Seed struct {
	Users       []string    `json:"users"`
	Admins      []string    `json:"admins"`
	Friendships [][2]string `json:"friendships"`
	Chats       []SeedChat  `json:"chats"`
	Groups      []SeedGroup `json:"groups"`
}

type SeedChat struct {
	ID           int64    `json:"id"`
	Participants []string `json:"participants"`
}

type SeedGroup struct {
	ID      int64    `json:"id"`
	Members []string `json:"members"`
}

// Load applies a JSON seed. Chats and groups keep their seeded ids; ids
// assigned later continue after the highest seeded one.
func (m *Memory) Load(r io.Reader) error {
	var seed Seed
	if err := codec.Decode(r, &seed); err != nil {
		return fmt.Errorf("decode seed: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range seed.Users {
		m.users[u] = struct{}{}
	}
	for _, u := range seed.Admins {
		m.admins[u] = struct{}{}
	}
	for _, f := range seed.Friendships {
		m.friendships[friendKey(f[0], f[1])] = struct{}{}
	}
	for _, c := range seed.Chats {
		if c.ID <= 0 {
			return fmt.Errorf("seed chat without id")
		}
		m.chats[c.ID] = append([]string(nil), c.Participants...)
		m.nextChatID = max(m.nextChatID, c.ID)
	}
	for _, g := range seed.Groups {
		if g.ID <= 0 {
			return fmt.Errorf("seed group without id")
		}
		set := make(map[string]struct{}, len(g.Members))
		for _, u := range g.Members {
			set[u] = struct{}{}
		}
		m.groups[g.ID] = set
		m.nextGroupID = max(m.nextGroupID, g.ID)
	}
	return nil
}

// LoadFile applies the JSON seed stored at path.
func (m *Memory) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return m.Load(f)
}

// Users returns every known user name, sorted.
func (m *Memory) Users() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.users))
	for u := range m.users {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}
