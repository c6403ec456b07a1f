package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"github.com/puyokura/cmpprelay/model"
)

// CreateChat creates a chat between creator and others. A one-to-one chat
// takes exactly one other participant and is reused when it already exists,
// in which case created is false. A group needs at least two others and a
// name. Every participant must have an account.
func (s *Store) CreateChat(creator string, others []string, isGroup bool, name string) (chat model.Chat, created bool, err error) {
	others = normalizeParticipants(creator, others)
	name = strings.TrimSpace(name)
	switch {
	case !isGroup && len(others) != 1:
		return model.Chat{}, false, fmt.Errorf("%w: a one-to-one chat requires exactly one other participant", ErrInvalid)
	case isGroup && len(others) < 2:
		return model.Chat{}, false, fmt.Errorf("%w: a group chat requires at least two other participants", ErrInvalid)
	case isGroup && name == "":
		return model.Chat{}, false, fmt.Errorf("%w: a group chat requires a name", ErrInvalid)
	}
	for _, p := range others {
		_, ok, err := s.get(accountKey(p))
		if err != nil {
			return model.Chat{}, false, err
		}
		if !ok {
			return model.Chat{}, false, fmt.Errorf("%w: unknown participant %s", ErrInvalid, p)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !isGroup {
		id, ok, err := s.get(directKey(creator, others[0]))
		if err != nil {
			return model.Chat{}, false, err
		}
		if ok {
			var existing model.Chat
			if _, err := s.getJSON(chatKey(string(id)), &existing); err != nil {
				return model.Chat{}, false, err
			}
			return existing, false, nil
		}
		name = ""
	}

	now := s.now().UTC()
	chat = model.Chat{
		ID:           uuid.NewString(),
		Name:         name,
		IsGroup:      isGroup,
		Participants: append([]string{creator}, others...),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := setJSON(b, chatKey(chat.ID), chat); err != nil {
		return model.Chat{}, false, err
	}
	if !isGroup {
		if err := b.Set(directKey(creator, others[0]), []byte(chat.ID), nil); err != nil {
			return model.Chat{}, false, err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return model.Chat{}, false, fmt.Errorf("save chat: %w", err)
	}
	s.log.Info("chat created", "chat", chat.ID, "group", isGroup, "participants", len(chat.Participants))
	return chat, true, nil
}

func normalizeParticipants(creator string, in []string) []string {
	seen := map[string]bool{creator: true}
	var out []string
	for _, p := range in {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// Chat returns a chat the viewer takes part in.
func (s *Store) Chat(viewer, chatID string) (model.Chat, error) {
	var chat model.Chat
	ok, err := s.getJSON(chatKey(chatID), &chat)
	if err != nil {
		return model.Chat{}, err
	}
	if !ok {
		return model.Chat{}, fmt.Errorf("%w: chat %s", ErrNotFound, chatID)
	}
	if !chat.HasParticipant(viewer) {
		return model.Chat{}, fmt.Errorf("%w: chat %s", ErrForbidden, chatID)
	}
	return chat, nil
}

// ListChats returns the viewer's chats, most recently updated first, each
// with its last message and the number of unread messages from others.
// One-to-one chats are named after the other participant.
func (s *Store) ListChats(viewer string) ([]model.ChatSummary, error) {
	var chats []model.Chat
	err := s.scan([]byte("chat/"), func(key, value []byte) (bool, error) {
		var c model.Chat
		if err := json.Unmarshal(value, &c); err != nil {
			return false, fmt.Errorf("decode %s: %w", key, err)
		}
		if c.HasParticipant(viewer) {
			chats = append(chats, c)
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]model.ChatSummary, 0, len(chats))
	for _, c := range chats {
		sum := model.ChatSummary{Chat: c}
		err := s.scan(messagePrefix(c.ID), func(key, value []byte) (bool, error) {
			var m model.Message
			if err := json.Unmarshal(value, &m); err != nil {
				return false, fmt.Errorf("decode %s: %w", key, err)
			}
			if !m.Read && m.Sender.Username != viewer {
				sum.UnreadCount++
			}
			sum.LastMessage = &m
			return true, nil
		})
		if err != nil {
			return nil, err
		}
		if !c.IsGroup {
			sum.Name = s.displayNameOf(otherParticipant(c, viewer))
		}
		out = append(out, sum)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func otherParticipant(c model.Chat, viewer string) string {
	for _, p := range c.Participants {
		if p != viewer {
			return p
		}
	}
	return viewer
}

func (s *Store) displayNameOf(username string) string {
	acct, err := s.Account(username)
	if err != nil || acct.DisplayName == "" {
		return username
	}
	return acct.DisplayName
}
