package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/lmdesk/internal/chat"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open()
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// tick makes every call to now one second later than the previous.
func tick(s *Store) {
	t := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	s := openTestStore(t)

	count := func() int {
		var n int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&n); err != nil {
			t.Fatalf("counting migrations: %v", err)
		}
		return n
	}
	v1 := count()
	if err := s.migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if v2 := count(); v1 == 0 || v1 != v2 {
		t.Errorf("migration count changed: %d -> %d", v1, v2)
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	for _, idx := range []string{"idx_sessions_updated", "idx_messages_session_seq"} {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

func TestCreateAndGetSession(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	created, err := s.CreateSession(ctx, "", "llama3")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if created.Title != DefaultTitle {
		t.Errorf("Title = %q, want %q", created.Title, DefaultTitle)
	}

	got, err := s.GetSession(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.ID != created.ID || got.Model != "llama3" || !got.CreatedAt.Equal(created.CreatedAt) {
		t.Errorf("GetSession = %+v, want %+v", got, created)
	}

	if _, err := s.GetSession(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSession(missing) err = %v, want ErrNotFound", err)
	}
}

func TestAppendMessagesAndTitle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sess, _ := s.CreateSession(ctx, "", "")

	now := time.Now()
	user := chat.NewMessage(chat.RoleUser, "How do I parse a receipt with a vision model?", now)
	reply := chat.NewMessage(chat.RoleAssistant, "Send it as an image part.", now)
	if err := s.AppendMessage(ctx, sess.ID, user); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if err := s.AppendMessage(ctx, sess.ID, reply); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	msgs, err := s.Messages(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != user.ID || msgs[1].ID != reply.ID {
		t.Fatalf("messages = %+v", msgs)
	}
	if msgs[1].Role != chat.RoleAssistant || msgs[1].Content != reply.Content {
		t.Errorf("msgs[1] = %+v", msgs[1])
	}
	if !msgs[0].Timestamp.Equal(now) {
		t.Errorf("Timestamp = %v, want %v", msgs[0].Timestamp, now)
	}

	got, _ := s.GetSession(ctx, sess.ID)
	if got.Title != "How do I parse a receipt with a vision model?" {
		t.Errorf("Title = %q", got.Title)
	}
}

func TestAppendMessage_KeepsImages(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sess, _ := s.CreateSession(ctx, "pictures", "")

	m := chat.NewMessage(chat.RoleUser, "what is this", time.Now(), "data:image/png;base64,AA")
	if err := s.AppendMessage(ctx, sess.ID, m); err != nil {
		t.Fatal(err)
	}
	msgs, _ := s.Messages(ctx, sess.ID)
	if len(msgs[0].Images) != 1 || msgs[0].Images[0] != "data:image/png;base64,AA" {
		t.Errorf("Images = %v", msgs[0].Images)
	}

	got, _ := s.GetSession(ctx, sess.ID)
	if got.Title != "pictures" {
		t.Errorf("explicit title overwritten: %q", got.Title)
	}
}

func TestAppendMessage_UnknownSession(t *testing.T) {
	s := openTestStore(t)
	err := s.AppendMessage(context.Background(), "nope", chat.NewMessage(chat.RoleUser, "x", time.Now()))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListSessionsOrderedByUpdate(t *testing.T) {
	s := openTestStore(t)
	tick(s)
	ctx := context.Background()

	a, _ := s.CreateSession(ctx, "a", "")
	b, _ := s.CreateSession(ctx, "b", "")
	if err := s.AppendMessage(ctx, a.ID, chat.NewMessage(chat.RoleUser, "bump", time.Now())); err != nil {
		t.Fatal(err)
	}

	list, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(list) != 2 || list[0].ID != a.ID || list[1].ID != b.ID {
		t.Errorf("order = %v, want a then b", []string{list[0].Title, list[1].Title})
	}
}

func TestUpdateAndDeleteSession(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sess, _ := s.CreateSession(ctx, "", "")
	s.AppendMessage(ctx, sess.ID, chat.NewMessage(chat.RoleUser, "hi", time.Now()))

	if err := s.UpdateSessionTitle(ctx, sess.ID, "Renamed"); err != nil {
		t.Fatalf("UpdateSessionTitle: %v", err)
	}
	got, _ := s.GetSession(ctx, sess.ID)
	if got.Title != "Renamed" {
		t.Errorf("Title = %q", got.Title)
	}
	if err := s.UpdateSessionTitle(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateSessionTitle(missing) err = %v", err)
	}

	if err := s.DeleteSession(ctx, sess.ID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	var n int
	s.db.QueryRow("SELECT COUNT(*) FROM messages WHERE session_id = ?", sess.ID).Scan(&n)
	if n != 0 {
		t.Errorf("%d messages survived session deletion", n)
	}
	if err := s.DeleteSession(ctx, sess.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteSession err = %v", err)
	}
}

func TestSessionHistoryWithConsumer(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sess, _ := s.CreateSession(ctx, "", "m")

	body := `data: {"content":"stored reply"}` + "\n\ndata: [DONE]\n\n"
	c := chat.NewConsumer(staticStreamer(body), chat.WithHistory(s.History(sess.ID)))
	if _, err := c.Send(ctx, chat.SendRequest{Content: "remember this"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	fresh := chat.NewConsumer(staticStreamer(""), chat.WithHistory(s.History(sess.ID)))
	if err := fresh.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	msgs := fresh.Messages()
	if len(msgs) != 2 || msgs[0].Content != "remember this" || msgs[1].Content != "stored reply" {
		t.Errorf("loaded = %+v", msgs)
	}
}

type staticStreamer string

func (s staticStreamer) Stream(context.Context, chat.StreamRequest) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(string(s))), nil
}
