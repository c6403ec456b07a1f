package store

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cockroachdb/pebble/vfs"

	"github.com/puyokura/cmpprelay/auth"
)

func newTestStore(t *testing.T, users ...string) *Store {
	t.Helper()
	s, err := Open("db", Options{FS: vfs.NewMem(), Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	s.now = steppingClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	for _, u := range users {
		if _, err := s.Register(u, "password", ""); err != nil {
			t.Fatalf("register %s: %v", u, err)
		}
	}
	return s
}

// steppingClock advances one second per call.
func steppingClock(start time.Time) func() time.Time {
	t := start
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func directChat(t *testing.T, s *Store, a, b string) string {
	t.Helper()
	chat, _, err := s.CreateChat(a, []string{b}, false, "")
	if err != nil {
		t.Fatal(err)
	}
	return chat.ID
}

func TestRegisterAndAuthenticate(t *testing.T) {
	s := newTestStore(t)
	acct, err := s.Register("alice", "password", "Alice")
	if err != nil {
		t.Fatal(err)
	}
	if acct.PasswordHash != "" {
		t.Fatal("Register leaked the password hash")
	}
	if _, err := s.Register("alice", "password", ""); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate register: got %v, want ErrConflict", err)
	}
	if _, err := s.Register("bad/name", "password", ""); !errors.Is(err, ErrInvalid) {
		t.Fatalf("bad username: got %v, want ErrInvalid", err)
	}
	if _, err := s.Register("bob", "pw", ""); !errors.Is(err, ErrInvalid) {
		t.Fatalf("short password: got %v, want ErrInvalid", err)
	}

	got, err := s.Authenticate("alice", "password")
	if err != nil {
		t.Fatal(err)
	}
	if got.DisplayName != "Alice" || got.PasswordHash != "" {
		t.Fatalf("Authenticate() = %+v", got)
	}
	if _, err := s.Authenticate("alice", "wrong-password"); !errors.Is(err, auth.ErrBadCredentials) {
		t.Fatalf("wrong password: got %v", err)
	}
	if _, err := s.Authenticate("nobody", "password"); !errors.Is(err, auth.ErrBadCredentials) {
		t.Fatalf("unknown user: got %v", err)
	}
}

func TestCreateChatValidation(t *testing.T) {
	s := newTestStore(t, "alice", "bob", "carol")
	tests := []struct {
		name    string
		others  []string
		isGroup bool
		title   string
	}{
		{"direct without participant", nil, false, ""},
		{"direct with two", []string{"bob", "carol"}, false, ""},
		{"direct with self", []string{"alice"}, false, ""},
		{"direct with unknown user", []string{"mallory"}, false, ""},
		{"group with one", []string{"bob"}, true, "team"},
		{"group without name", []string{"bob", "carol"}, true, " "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := s.CreateChat("alice", tt.others, tt.isGroup, tt.title); !errors.Is(err, ErrInvalid) {
				t.Fatalf("got %v, want ErrInvalid", err)
			}
		})
	}

	group, created, err := s.CreateChat("alice", []string{"bob", "carol", "bob"}, true, "team")
	if err != nil || !created {
		t.Fatalf("group: %v, created=%v", err, created)
	}
	if len(group.Participants) != 3 {
		t.Fatalf("participants = %v", group.Participants)
	}
}

func TestCreateDirectChatIsReused(t *testing.T) {
	s := newTestStore(t, "alice", "bob")
	first, created, err := s.CreateChat("alice", []string{"bob"}, false, "")
	if err != nil || !created {
		t.Fatalf("first: %v, created=%v", err, created)
	}
	second, created, err := s.CreateChat("bob", []string{"alice"}, false, "")
	if err != nil {
		t.Fatal(err)
	}
	if created || second.ID != first.ID {
		t.Fatalf("expected existing chat %s, got %s (created=%v)", first.ID, second.ID, created)
	}
}

func TestChatAccess(t *testing.T) {
	s := newTestStore(t, "alice", "bob", "eve")
	id := directChat(t, s, "alice", "bob")
	if _, err := s.Chat("eve", id); !errors.Is(err, ErrForbidden) {
		t.Fatalf("outsider: got %v, want ErrForbidden", err)
	}
	if _, err := s.Chat("alice", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing chat: got %v, want ErrNotFound", err)
	}
	if _, _, err := s.AddMessage(id, "eve", "hi", ""); !errors.Is(err, ErrForbidden) {
		t.Fatalf("outsider write: got %v, want ErrForbidden", err)
	}
	if _, _, err := s.AddMessage(id, "alice", "   ", ""); !errors.Is(err, ErrInvalid) {
		t.Fatalf("empty content: got %v, want ErrInvalid", err)
	}
}

func TestAddMessageIdempotentClientID(t *testing.T) {
	s := newTestStore(t, "alice", "bob")
	id := directChat(t, s, "alice", "bob")

	first, created, err := s.AddMessage(id, "alice", "hello", "c-1")
	if err != nil || !created {
		t.Fatalf("first write: %v, created=%v", err, created)
	}
	again, created, err := s.AddMessage(id, "alice", "hello", "c-1")
	if err != nil {
		t.Fatal(err)
	}
	if created || again.ID != first.ID {
		t.Fatalf("replayed write created %s, want %s", again.ID, first.ID)
	}
	// The same client id from another sender is a different message.
	other, created, err := s.AddMessage(id, "bob", "hello", "c-1")
	if err != nil || !created || other.ID == first.ID {
		t.Fatalf("bob's write: %+v created=%v err=%v", other, created, err)
	}

	page, err := s.ListMessages("alice", id, 10, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Messages) != 2 {
		t.Fatalf("stored %d messages, want 2", len(page.Messages))
	}
}

func TestCreatedAtNeverGoesBackwards(t *testing.T) {
	s := newTestStore(t, "alice", "bob")
	id := directChat(t, s, "alice", "bob")
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := []time.Time{base, base.Add(-time.Minute), base.Add(time.Second)}
	for i, now := range clock {
		s.now = func() time.Time { return now }
		if _, _, err := s.AddMessage(id, "alice", fmt.Sprintf("m%d", i), ""); err != nil {
			t.Fatal(err)
		}
	}
	page, err := s.ListMessages("alice", id, 10, "")
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(page.Messages); i++ {
		if page.Messages[i].CreatedAt.Before(page.Messages[i-1].CreatedAt) {
			t.Fatalf("message %d at %v precedes %v", i, page.Messages[i].CreatedAt, page.Messages[i-1].CreatedAt)
		}
	}
	chat, _ := s.Chat("alice", id)
	if !chat.UpdatedAt.Equal(page.Messages[2].CreatedAt) {
		t.Fatalf("chat updatedAt %v, want %v", chat.UpdatedAt, page.Messages[2].CreatedAt)
	}
}

func TestListMessagesPagination(t *testing.T) {
	s := newTestStore(t, "alice", "bob")
	id := directChat(t, s, "alice", "bob")
	for i := 0; i < 7; i++ {
		if _, _, err := s.AddMessage(id, "alice", fmt.Sprintf("m%d", i), ""); err != nil {
			t.Fatal(err)
		}
	}

	var pages [][]string
	cursor := ""
	for {
		page, err := s.ListMessages("bob", id, 3, cursor)
		if err != nil {
			t.Fatal(err)
		}
		var contents []string
		for _, m := range page.Messages {
			contents = append(contents, m.Content)
		}
		pages = append(pages, contents)
		if page.NextCursor == nil {
			break
		}
		cursor = *page.NextCursor
	}

	want := [][]string{{"m4", "m5", "m6"}, {"m1", "m2", "m3"}, {"m0"}}
	if fmt.Sprint(pages) != fmt.Sprint(want) {
		t.Fatalf("pages = %v, want %v", pages, want)
	}
}

func TestListMessagesRejectsBadInput(t *testing.T) {
	s := newTestStore(t, "alice", "bob", "carol")
	id := directChat(t, s, "alice", "bob")
	other := directChat(t, s, "alice", "carol")
	for i := 0; i < 3; i++ {
		s.AddMessage(other, "alice", "x", "")
	}
	page, err := s.ListMessages("alice", other, 1, "")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		limit  int
		cursor string
	}{
		{"zero limit", 0, ""},
		{"limit too large", MaxPageSize + 1, ""},
		{"garbage cursor", 10, "%%%"},
		{"cursor from another chat", 10, *page.NextCursor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.ListMessages("alice", id, tt.limit, tt.cursor); !errors.Is(err, ErrInvalid) {
				t.Fatalf("got %v, want ErrInvalid", err)
			}
		})
	}
}

func TestMarkRead(t *testing.T) {
	s := newTestStore(t, "alice", "bob")
	id := directChat(t, s, "alice", "bob")
	msg, _, err := s.AddMessage(id, "alice", "hello", "")
	if err != nil {
		t.Fatal(err)
	}

	own, err := s.MarkRead("alice", id, msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if own.Read {
		t.Fatal("marking one's own message changed it")
	}

	for i := 0; i < 2; i++ {
		got, err := s.MarkRead("bob", id, msg.ID)
		if err != nil {
			t.Fatalf("mark %d: %v", i, err)
		}
		if !got.Read {
			t.Fatalf("mark %d: message not read", i)
		}
	}

	if _, err := s.MarkRead("bob", id, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown message: got %v, want ErrNotFound", err)
	}
}

func TestListChatsSummaries(t *testing.T) {
	s := newTestStore(t, "alice", "bob", "carol")
	withBob := directChat(t, s, "alice", "bob")
	withCarol := directChat(t, s, "alice", "carol")

	s.AddMessage(withBob, "bob", "one", "")
	s.AddMessage(withBob, "bob", "two", "")
	s.AddMessage(withBob, "alice", "three", "")
	last, _, _ := s.AddMessage(withCarol, "carol", "hey", "")

	chats, err := s.ListChats("alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 2 {
		t.Fatalf("got %d chats, want 2", len(chats))
	}
	if chats[0].ID != withCarol {
		t.Fatalf("most recent chat = %s, want %s", chats[0].ID, withCarol)
	}
	if chats[0].LastMessage == nil || chats[0].LastMessage.ID != last.ID {
		t.Fatalf("last message = %+v", chats[0].LastMessage)
	}
	if chats[0].Name != "carol" {
		t.Fatalf("direct chat name = %q, want carol", chats[0].Name)
	}
	if chats[1].UnreadCount != 2 {
		t.Fatalf("unread with bob = %d, want 2", chats[1].UnreadCount)
	}

	bobs, err := s.ListChats("bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(bobs) != 1 || bobs[0].UnreadCount != 1 {
		t.Fatalf("bob's chats = %+v", bobs)
	}
}

func TestPurgeOlderThan(t *testing.T) {
	s := newTestStore(t, "alice", "bob")
	id := directChat(t, s, "alice", "bob")
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	s.now = func() time.Time { return base }
	old, _, _ := s.AddMessage(id, "alice", "old", "c-old")
	s.now = func() time.Time { return base.Add(48 * time.Hour) }
	s.AddMessage(id, "alice", "new", "")

	n, err := s.PurgeOlderThan(base.Add(24 * time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("purged %d, want 1", n)
	}
	if _, err := s.MarkRead("bob", id, old.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("purged message still indexed: %v", err)
	}
	// The client id is free again once its message is gone.
	again, created, err := s.AddMessage(id, "alice", "old", "c-old")
	if err != nil || !created || again.ID == old.ID {
		t.Fatalf("rewrite after purge: %+v created=%v err=%v", again, created, err)
	}

	counts, err := s.Counts()
	if err != nil {
		t.Fatal(err)
	}
	if counts != (Counts{Accounts: 2, Chats: 1, Messages: 2}) {
		t.Fatalf("counts = %+v", counts)
	}
}

func TestReopenKeepsSequence(t *testing.T) {
	fs := vfs.NewMem()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open("db", Options{FS: fs, Logger: logger})
	if err != nil {
		t.Fatal(err)
	}
	s.Register("alice", "password", "")
	s.Register("bob", "password", "")
	id := directChat(t, s, "alice", "bob")
	s.AddMessage(id, "alice", "before", "")
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = Open("db", Options{FS: fs, Logger: logger})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	s.AddMessage(id, "alice", "after", "")
	page, err := s.ListMessages("bob", id, 10, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Messages) != 2 || page.Messages[1].Content != "after" {
		t.Fatalf("messages after reopen = %+v", page.Messages)
	}
}
