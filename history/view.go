package history

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/puyokura/cmpprelay/model"
)

var (
	ErrFetchInFlight  = errors.New("history: page fetch already in flight")
	ErrUnknownMessage = errors.New("history: unknown message")
	ErrClosed         = errors.New("history: view closed")
)

// Ids of entries that exist only on this client. They are replaced once the
// server-assigned message is known and can never be marked read.
const (
	localPrefix = "local:"
	livePrefix  = "live:"
)

func provisional(id string) bool {
	return strings.HasPrefix(id, localPrefix) || strings.HasPrefix(id, livePrefix)
}

// Backend is the part of the history API a View uses. *Client satisfies it.
type Backend interface {
	Messages(ctx context.Context, chatID string, limit int, cursor string) (model.Page, error)
	Post(ctx context.Context, chatID, content, clientID string) (model.Message, error)
	MarkRead(ctx context.Context, chatID, messageID string) (model.Message, error)
}

type ViewOptions struct {
	PageSize   int           // default 50
	EchoWindow time.Duration // default 30s
	Logger     *slog.Logger
}

// submission is a message this client sent whose write response or live
// echo is still outstanding.
type submission struct {
	clientID  string
	content   string
	at        time.Time
	confirmed bool
	echoed    bool
}

// View is the ordered message list of one chat as seen by one identity.
// It is safe for concurrent use.
type View struct {
	backend Backend
	chatID  string
	self    string
	opts    ViewOptions
	log     *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	msgs      []model.Message
	ids       map[string]bool
	clientIDs map[string]bool
	pending   []*submission
	marking   map[string]bool

	cursor  string
	loaded  bool
	more    bool
	loading bool
	closed  bool
	gen     uint64
}

func NewView(b Backend, chatID, self string, opts ViewOptions) *View {
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	if opts.EchoWindow <= 0 {
		opts.EchoWindow = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &View{
		backend:   b,
		chatID:    chatID,
		self:      self,
		opts:      opts,
		log:       opts.Logger.With("component", "history", "chat", chatID),
		now:       time.Now,
		ids:       make(map[string]bool),
		clientIDs: make(map[string]bool),
		marking:   make(map[string]bool),
	}
}

func (v *View) ChatID() string { return v.chatID }

// Messages returns a copy of the view, oldest first.
func (v *View) Messages() []model.Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]model.Message(nil), v.msgs...)
}

// Unread counts unread messages from others.
func (v *View) Unread() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := 0
	for _, m := range v.msgs {
		if !m.Read && m.Sender.Username != v.self {
			n++
		}
	}
	return n
}

// HasMore reports whether older history may remain.
func (v *View) HasMore() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return !v.loaded || v.more
}

func (v *View) Loading() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.loading
}

// Close detaches the view. Requests still running complete without
// touching it.
func (v *View) Close() {
	v.mu.Lock()
	v.closed = true
	v.gen++
	v.mu.Unlock()
}

// LoadOlder fetches the page before the oldest loaded message and prepends
// it. It returns how many messages were added, ErrFetchInFlight while
// another fetch runs, and 0 with a nil error once history is exhausted.
func (v *View) LoadOlder(ctx context.Context) (int, error) {
	v.mu.Lock()
	switch {
	case v.closed:
		v.mu.Unlock()
		return 0, ErrClosed
	case v.loading:
		v.mu.Unlock()
		return 0, ErrFetchInFlight
	case v.loaded && !v.more:
		v.mu.Unlock()
		return 0, nil
	}
	v.loading = true
	gen, cursor := v.gen, v.cursor
	v.mu.Unlock()

	page, err := v.backend.Messages(ctx, v.chatID, v.opts.PageSize, cursor)

	v.mu.Lock()
	defer v.mu.Unlock()
	v.loading = false
	if gen != v.gen {
		v.log.Debug("discarding page fetched after close")
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	older := page.Messages
	sort.SliceStable(older, func(i, j int) bool { return older[i].CreatedAt.Before(older[j].CreatedAt) })
	fresh := make([]model.Message, 0, len(older))
	for _, m := range older {
		if v.ids[m.ID] {
			continue
		}
		if m.ClientID != "" && m.Sender.Username == v.self {
			v.dropProvisional(m.ClientID)
			v.settle(m.ClientID, func(s *submission) { s.confirmed = true })
		}
		v.ids[m.ID] = true
		if m.ClientID != "" {
			v.clientIDs[m.ClientID] = true
		}
		fresh = append(fresh, m)
	}
	v.msgs = append(fresh, v.msgs...)
	for i := len(fresh); i < len(v.msgs) && i > 0; i++ {
		if !v.msgs[i].CreatedAt.Before(v.msgs[i-1].CreatedAt) {
			break
		}
		v.msgs[i].CreatedAt = v.msgs[i-1].CreatedAt
	}

	v.loaded = true
	v.more = page.NextCursor != nil
	if v.more {
		v.cursor = *page.NextCursor
	}
	return len(fresh), nil
}

// Refresh fetches the newest messages and merges those the view has not
// seen, for example ones persisted while the relay connection was down. It
// keeps paging back until a page overlaps what is already loaded. It shares
// the single-flight guard with LoadOlder and returns how many were added.
func (v *View) Refresh(ctx context.Context) (int, error) {
	v.mu.Lock()
	switch {
	case v.closed:
		v.mu.Unlock()
		return 0, ErrClosed
	case v.loading:
		v.mu.Unlock()
		return 0, ErrFetchInFlight
	}
	v.loading = true
	gen := v.gen
	v.mu.Unlock()

	added := 0
	cursor := ""
	for {
		page, err := v.backend.Messages(ctx, v.chatID, v.opts.PageSize, cursor)

		v.mu.Lock()
		if gen != v.gen {
			v.loading = false
			v.mu.Unlock()
			v.log.Debug("discarding refresh after close")
			return 0, nil
		}
		if err != nil {
			v.loading = false
			v.mu.Unlock()
			return added, err
		}
		n, overlap := v.merge(page.Messages)
		added += n
		done := overlap || page.NextCursor == nil || !v.loaded
		if done {
			v.loading = false
			v.mu.Unlock()
			return added, nil
		}
		cursor = *page.NextCursor
		v.mu.Unlock()
	}
}

// merge places fetched messages by createdAt, replacing provisional entries
// that describe the same submission. overlap reports whether any persisted
// message was already known.
func (v *View) merge(msgs []model.Message) (added int, overlap bool) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
	for _, m := range msgs {
		if v.ids[m.ID] {
			overlap = true
			continue
		}
		if m.ClientID != "" {
			if m.Sender.Username == v.self {
				v.settle(m.ClientID, func(s *submission) { s.confirmed = true })
			}
			if i := v.provisionalIndex(m.ClientID); i >= 0 {
				delete(v.ids, v.msgs[i].ID)
				m.CreatedAt = v.clampAt(i, m.CreatedAt)
				v.msgs[i] = m
				v.ids[m.ID] = true
				v.clientIDs[m.ClientID] = true
				continue
			}
			if v.clientIDs[m.ClientID] {
				continue
			}
			v.clientIDs[m.ClientID] = true
		}
		i := len(v.msgs)
		for i > 0 && m.CreatedAt.Before(v.msgs[i-1].CreatedAt) {
			i--
		}
		v.msgs = append(v.msgs, model.Message{})
		copy(v.msgs[i+1:], v.msgs[i:])
		v.msgs[i] = m
		v.ids[m.ID] = true
		added++
	}
	return added, overlap
}

func (v *View) provisionalIndex(clientID string) int {
	if i := v.index(localPrefix + clientID); i >= 0 {
		return i
	}
	return v.index(livePrefix + clientID)
}

// Submit persists content as a new message and returns it together with the
// private-message payload to emit on the relay. The payload's To is left
// for the caller.
func (v *View) Submit(ctx context.Context, content string) (model.Message, model.PrivateMessage, error) {
	clientID := uuid.NewString()
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return model.Message{}, model.PrivateMessage{}, ErrClosed
	}
	v.prune()
	v.pending = append(v.pending, &submission{clientID: clientID, content: content, at: v.now()})
	gen := v.gen
	v.mu.Unlock()

	msg, err := v.backend.Post(ctx, v.chatID, content, clientID)

	v.mu.Lock()
	defer v.mu.Unlock()
	if err != nil {
		if gen == v.gen {
			v.removePending(clientID)
			v.dropProvisional(clientID)
		}
		return model.Message{}, model.PrivateMessage{}, err
	}
	out := model.PrivateMessage{
		From:      v.self,
		Message:   msg.Content,
		ChatID:    v.chatID,
		MessageID: msg.ID,
		ClientID:  clientID,
		SentAt:    msg.CreatedAt,
	}
	if gen != v.gen {
		return msg, out, nil
	}
	v.confirm(clientID, msg)
	return msg, out, nil
}

// confirm applies a write response.
func (v *View) confirm(clientID string, msg model.Message) {
	v.settle(clientID, func(s *submission) { s.confirmed = true })
	v.clientIDs[clientID] = true
	if v.ids[msg.ID] {
		v.dropProvisional(clientID)
		return
	}
	v.ids[msg.ID] = true
	if i := v.index(localPrefix + clientID); i >= 0 {
		delete(v.ids, localPrefix+clientID)
		msg.CreatedAt = v.clampAt(i, msg.CreatedAt)
		v.msgs[i] = msg
		return
	}
	v.appendTail(msg)
}

// AppendLive applies a private-message received from the relay and reports
// whether the view changed.
func (v *View) AppendLive(pm model.PrivateMessage) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return false
	}
	if pm.ChatID != "" && pm.ChatID != v.chatID {
		return false
	}
	v.prune()
	if (pm.MessageID != "" && v.ids[pm.MessageID]) || (pm.ClientID != "" && v.clientIDs[pm.ClientID]) {
		if pm.From == v.self && pm.ClientID != "" {
			v.settle(pm.ClientID, func(s *submission) { s.echoed = true })
		}
		return false
	}

	if pm.From == v.self {
		if s := v.matchEcho(pm); s != nil {
			s.echoed = true
			if s.confirmed {
				v.removePending(s.clientID)
				return false
			}
			id := pm.MessageID
			if id == "" {
				id = localPrefix + s.clientID
			} else {
				v.clientIDs[s.clientID] = true
			}
			v.appendTail(v.liveMessage(pm, id))
			return true
		}
	}

	id := pm.MessageID
	if id == "" {
		if pm.ClientID != "" {
			id = livePrefix + pm.ClientID
		} else {
			id = livePrefix + uuid.NewString()
		}
	}
	if pm.ClientID != "" {
		v.clientIDs[pm.ClientID] = true
	}
	v.appendTail(v.liveMessage(pm, id))
	return true
}

// matchEcho finds the submission a self-authored live event describes: by
// client id when present, otherwise the oldest unechoed submission with the
// same content made within the echo window.
func (v *View) matchEcho(pm model.PrivateMessage) *submission {
	now := v.now()
	for _, s := range v.pending {
		if pm.ClientID != "" {
			if s.clientID == pm.ClientID {
				return s
			}
			continue
		}
		if !s.echoed && s.content == pm.Message && now.Sub(s.at) <= v.opts.EchoWindow {
			return s
		}
	}
	return nil
}

func (v *View) liveMessage(pm model.PrivateMessage, id string) model.Message {
	at := pm.SentAt
	if at.IsZero() {
		at = v.now().UTC()
	}
	return model.Message{
		ID:        id,
		ChatID:    v.chatID,
		Content:   pm.Message,
		Sender:    model.Sender{Username: pm.From},
		CreatedAt: at,
		ClientID:  pm.ClientID,
	}
}

// appendTail adds m at the end, never earlier than the current last entry.
func (v *View) appendTail(m model.Message) {
	if n := len(v.msgs); n > 0 && m.CreatedAt.Before(v.msgs[n-1].CreatedAt) {
		m.CreatedAt = v.msgs[n-1].CreatedAt
	}
	v.ids[m.ID] = true
	v.msgs = append(v.msgs, m)
}

// clampAt bounds t by the neighbours of position i.
func (v *View) clampAt(i int, t time.Time) time.Time {
	if i > 0 && t.Before(v.msgs[i-1].CreatedAt) {
		t = v.msgs[i-1].CreatedAt
	}
	if i+1 < len(v.msgs) && t.After(v.msgs[i+1].CreatedAt) {
		t = v.msgs[i+1].CreatedAt
	}
	return t
}

func (v *View) index(id string) int {
	for i := len(v.msgs) - 1; i >= 0; i-- {
		if v.msgs[i].ID == id {
			return i
		}
	}
	return -1
}

func (v *View) dropProvisional(clientID string) {
	id := localPrefix + clientID
	if i := v.index(id); i >= 0 {
		v.msgs = append(v.msgs[:i], v.msgs[i+1:]...)
		delete(v.ids, id)
	}
}

// settle updates the submission for clientID and forgets it once both the
// write response and the echo have been seen, or once it is confirmed and
// too old to expect an echo.
func (v *View) settle(clientID string, fn func(*submission)) {
	for _, s := range v.pending {
		if s.clientID == clientID {
			fn(s)
			if s.confirmed && (s.echoed || v.now().Sub(s.at) > v.opts.EchoWindow) {
				v.removePending(clientID)
			}
			return
		}
	}
}

// prune forgets confirmed submissions whose echo window has passed.
func (v *View) prune() {
	now := v.now()
	kept := v.pending[:0]
	for _, s := range v.pending {
		if s.confirmed && now.Sub(s.at) > v.opts.EchoWindow {
			continue
		}
		kept = append(kept, s)
	}
	v.pending = kept
}

func (v *View) removePending(clientID string) {
	for i, s := range v.pending {
		if s.clientID == clientID {
			v.pending = append(v.pending[:i], v.pending[i+1:]...)
			return
		}
	}
}

// MarkAsRead marks a message from someone else as read. Own, already read
// and provisional messages are left alone, as is a message whose mark is
// already in flight.
func (v *View) MarkAsRead(ctx context.Context, id string) error {
	v.mu.Lock()
	i := v.index(id)
	if i < 0 {
		v.mu.Unlock()
		return ErrUnknownMessage
	}
	m := v.msgs[i]
	if m.Sender.Username == v.self || m.Read || provisional(id) || v.marking[id] {
		v.mu.Unlock()
		return nil
	}
	v.marking[id] = true
	gen := v.gen
	v.mu.Unlock()

	_, err := v.backend.MarkRead(ctx, v.chatID, id)

	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.marking, id)
	if err != nil {
		return err
	}
	if gen != v.gen {
		return nil
	}
	if i := v.index(id); i >= 0 {
		v.msgs[i].Read = true
	}
	return nil
}

// MarkAllRead marks every unread message from others. All are attempted;
// the first error is returned.
func (v *View) MarkAllRead(ctx context.Context) error {
	v.mu.Lock()
	var ids []string
	for _, m := range v.msgs {
		if !m.Read && m.Sender.Username != v.self && !provisional(m.ID) {
			ids = append(ids, m.ID)
		}
	}
	v.mu.Unlock()

	var first error
	for _, id := range ids {
		if err := v.MarkAsRead(ctx, id); err != nil && first == nil {
			first = err
		}
	}
	return first
}
