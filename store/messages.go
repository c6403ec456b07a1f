package store

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"github.com/puyokura/cmpprelay/model"
)

const (
	DefaultPageSize  = 50
	MaxPageSize      = 100
	MaxContentLength = 4000
)

type messageCursor struct {
	ChatID string `json:"chat_id"`
	Seq    uint64 `json:"seq"`
}

func encodeCursor(chatID string, seq uint64) string {
	data, _ := json.Marshal(messageCursor{ChatID: chatID, Seq: seq})
	return base64.RawURLEncoding.EncodeToString(data)
}

func decodeCursor(s string) (messageCursor, error) {
	var c messageCursor
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, err
	}
	return c, nil
}

// AddMessage appends a message from sender to the chat and bumps the chat's
// updatedAt. A non-empty clientID makes the write idempotent: repeating it
// for the same sender and chat returns the first message with created false.
func (s *Store) AddMessage(chatID, sender, content, clientID string) (msg model.Message, created bool, err error) {
	if strings.TrimSpace(content) == "" {
		return model.Message{}, false, fmt.Errorf("%w: message content is required", ErrInvalid)
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return model.Message{}, false, fmt.Errorf("%w: message longer than %d characters", ErrInvalid, MaxContentLength)
	}
	chat, err := s.Chat(sender, chatID)
	if err != nil {
		return model.Message{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if clientID != "" {
		id, ok, err := s.get(clientIDKey(chatID, sender, clientID))
		if err != nil {
			return model.Message{}, false, err
		}
		if ok {
			prev, _, err := s.messageByID(string(id))
			if err != nil {
				return model.Message{}, false, err
			}
			s.log.Debug("duplicate write", "chat", chatID, "sender", sender, "client_id", clientID)
			return prev, false, nil
		}
	}

	from := model.Sender{Username: sender}
	if acct, err := s.Account(sender); err == nil {
		from = model.Sender{ID: acct.ID, Username: acct.Username, DisplayName: acct.DisplayName}
	}
	seq, createdAt := s.nextStamp()
	msg = model.Message{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		Content:   content,
		Sender:    from,
		CreatedAt: createdAt,
		ClientID:  clientID,
	}
	key := messageKey(chatID, seq)
	chat.UpdatedAt = createdAt

	b := s.db.NewBatch()
	defer b.Close()
	if err := setJSON(b, key, msg); err != nil {
		return model.Message{}, false, err
	}
	if err := b.Set(messageIDKey(msg.ID), key, nil); err != nil {
		return model.Message{}, false, err
	}
	if clientID != "" {
		if err := b.Set(clientIDKey(chatID, sender, clientID), []byte(msg.ID), nil); err != nil {
			return model.Message{}, false, err
		}
	}
	if err := setJSON(b, chatKey(chatID), chat); err != nil {
		return model.Message{}, false, err
	}
	if err := b.Set(metaSeqKey, s.encodeMeta(), nil); err != nil {
		return model.Message{}, false, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return model.Message{}, false, fmt.Errorf("save message: %w", err)
	}
	s.log.Debug("message stored", "chat", chatID, "id", msg.ID, "seq", seq)
	return msg, true, nil
}

func (s *Store) messageByID(id string) (model.Message, []byte, error) {
	key, ok, err := s.get(messageIDKey(id))
	if err != nil {
		return model.Message{}, nil, err
	}
	if !ok {
		return model.Message{}, nil, fmt.Errorf("%w: message %s", ErrNotFound, id)
	}
	var m model.Message
	ok, err = s.getJSON(key, &m)
	if err != nil {
		return model.Message{}, nil, err
	}
	if !ok {
		return model.Message{}, nil, fmt.Errorf("%w: message %s", ErrNotFound, id)
	}
	return m, key, nil
}

// ListMessages returns up to limit messages older than cursor, oldest
// first. An empty cursor starts from the newest message. NextCursor is set
// when older messages remain.
func (s *Store) ListMessages(viewer, chatID string, limit int, cursor string) (model.Page, error) {
	if limit < 1 || limit > MaxPageSize {
		return model.Page{}, fmt.Errorf("%w: limit must be between 1 and %d", ErrInvalid, MaxPageSize)
	}
	if _, err := s.Chat(viewer, chatID); err != nil {
		return model.Page{}, err
	}
	prefix := messagePrefix(chatID)
	upper := prefixEnd(prefix)
	if cursor != "" {
		c, err := decodeCursor(cursor)
		if err != nil || c.ChatID != chatID {
			return model.Page{}, fmt.Errorf("%w: bad cursor", ErrInvalid)
		}
		upper = messageKey(chatID, c.Seq)
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return model.Page{}, err
	}
	defer iter.Close()

	// Newest first, one extra to learn whether more remain.
	var msgs []model.Message
	var lastSeq uint64
	for iter.Last(); iter.Valid() && len(msgs) <= limit; iter.Prev() {
		var m model.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return model.Page{}, fmt.Errorf("decode %s: %w", iter.Key(), err)
		}
		if len(msgs) < limit {
			seq, err := seqOf(iter.Key())
			if err != nil {
				return model.Page{}, err
			}
			lastSeq = seq
		}
		msgs = append(msgs, m)
	}
	if err := iter.Error(); err != nil {
		return model.Page{}, err
	}

	page := model.Page{Messages: msgs}
	if len(msgs) > limit {
		page.Messages = msgs[:limit]
		next := encodeCursor(chatID, lastSeq)
		page.NextCursor = &next
	}
	for i, j := 0, len(page.Messages)-1; i < j; i, j = i+1, j-1 {
		page.Messages[i], page.Messages[j] = page.Messages[j], page.Messages[i]
	}
	if page.Messages == nil {
		page.Messages = []model.Message{}
	}
	return page, nil
}

// MarkRead sets the read flag of a message from someone else. Marking a
// message twice, or marking one's own message, returns it unchanged.
func (s *Store) MarkRead(viewer, chatID, messageID string) (model.Message, error) {
	if _, err := s.Chat(viewer, chatID); err != nil {
		return model.Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, key, err := s.messageByID(messageID)
	if err != nil {
		return model.Message{}, err
	}
	if m.ChatID != chatID {
		return model.Message{}, fmt.Errorf("%w: message %s", ErrNotFound, messageID)
	}
	if m.Read || m.Sender.Username == viewer {
		return m, nil
	}
	m.Read = true
	b := s.db.NewBatch()
	defer b.Close()
	if err := setJSON(b, key, m); err != nil {
		return model.Message{}, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return model.Message{}, fmt.Errorf("mark read: %w", err)
	}
	return m, nil
}

// PurgeOlderThan deletes messages created before cutoff with their indexes.
func (s *Store) PurgeOlderThan(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.db.NewBatch()
	defer b.Close()
	n := 0
	err := s.scan([]byte("msg/"), func(key, value []byte) (bool, error) {
		var m model.Message
		if err := json.Unmarshal(value, &m); err != nil {
			return false, fmt.Errorf("decode %s: %w", key, err)
		}
		if !m.CreatedAt.Before(cutoff) {
			return true, nil
		}
		if err := b.Delete(key, nil); err != nil {
			return false, err
		}
		if err := b.Delete(messageIDKey(m.ID), nil); err != nil {
			return false, err
		}
		if m.ClientID != "" {
			if err := b.Delete(clientIDKey(m.ChatID, m.Sender.Username, m.ClientID), nil); err != nil {
				return false, err
			}
		}
		n++
		return true, nil
	})
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("purge: %w", err)
	}
	s.log.Info("purged messages", "count", n, "cutoff", cutoff)
	return n, nil
}
