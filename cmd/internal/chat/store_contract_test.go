package chat

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// runStoreContract exercises behavior every Store implementation must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("ordering and visibility", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

		// Inserted out of order on purpose.
		late := mustCreate(t, st, "alice", "bob", "late", base.Add(2*time.Second))
		early := mustCreate(t, st, "bob", "alice", "early", base.Add(time.Second))
		mustCreate(t, st, "alice", "carol", "other pair", base)

		list, err := st.ListConversation(ctx, "alice", "bob")
		if err != nil {
			t.Fatalf("ListConversation: %v", err)
		}
		if len(list) != 2 || list[0].ID != early.ID || list[1].ID != late.ID {
			t.Fatalf("unexpected order: %+v", list)
		}

		n, err := st.HideConversation(ctx, HideInput{UserID: "bob", OtherUserID: "alice"})
		if err != nil || n != 2 {
			t.Fatalf("HideConversation: n=%d err=%v", n, err)
		}
		if list, _ := st.ListConversation(ctx, "bob", "alice"); len(list) != 0 {
			t.Fatalf("bob should see nothing, got %d", len(list))
		}
		if list, _ := st.ListConversation(ctx, "alice", "bob"); len(list) != 2 {
			t.Fatalf("alice should still see 2, got %d", len(list))
		}
	})

	t.Run("guarded mutations", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		m := mustCreate(t, st, "alice", "bob", "hi", time.Time{})

		if _, err := st.Edit(ctx, EditInput{MessageID: m.ID, EditorID: "bob", Text: "x"}); !IsForbidden(err) {
			t.Fatalf("expected forbidden, got %v", err)
		}
		if _, err := st.Edit(ctx, EditInput{MessageID: "nope", EditorID: "alice", Text: "x"}); !IsNotFound(err) {
			t.Fatalf("expected not found, got %v", err)
		}
		if _, err := st.SoftDelete(ctx, DeleteInput{MessageID: m.ID, ActorID: "alice"}); err != nil {
			t.Fatalf("SoftDelete: %v", err)
		}
		if _, err := st.SoftDelete(ctx, DeleteInput{MessageID: m.ID, ActorID: "alice"}); !IsConflict(err) {
			t.Fatalf("expected conflict, got %v", err)
		}
		if _, err := st.ToggleReaction(ctx, ReactInput{MessageID: m.ID, UserID: "bob", Emoji: "👍"}); !IsConflict(err) {
			t.Fatalf("expected conflict reacting to tombstone, got %v", err)
		}
		changed, err := st.MarkSeen(ctx, MarkSeenInput{MessageIDs: []string{m.ID}, ReaderID: "bob"})
		if err != nil || len(changed) != 0 {
			t.Fatalf("tombstone must not change on seen: %v %v", changed, err)
		}
	})

	t.Run("summaries", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

		a := mustCreate(t, st, "bob", "alice", "1", base)
		mustCreate(t, st, "bob", "alice", "2", base.Add(time.Second))
		last := mustCreate(t, st, "alice", "bob", "3", base.Add(2*time.Second))
		mustCreate(t, st, "carol", "alice", "c", base.Add(3*time.Second))

		if _, err := st.MarkSeen(ctx, MarkSeenInput{MessageIDs: []string{a.ID}, ReaderID: "alice"}); err != nil {
			t.Fatalf("MarkSeen: %v", err)
		}

		sums, err := st.Summaries(ctx, "alice")
		if err != nil {
			t.Fatalf("Summaries: %v", err)
		}
		bob, ok := sums["bob"]
		if !ok || bob.Last == nil || bob.Last.ID != last.ID || bob.Unread != 1 {
			t.Fatalf("unexpected bob summary: %+v", bob)
		}
		if sums["carol"].Unread != 1 {
			t.Fatalf("unexpected carol unread: %+v", sums["carol"])
		}
	})

	t.Run("concurrent reactions keep every user", func(t *testing.T) {
		st := newStore(t)
		m := mustCreate(t, st, "alice", "bob", "popular", time.Time{})

		const n = 20
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := st.ToggleReaction(context.Background(), ReactInput{
					MessageID: m.ID,
					UserID:    fmt.Sprintf("user-%02d", i),
					Emoji:     "🔥",
				})
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatalf("ToggleReaction: %v", err)
			}
		}

		got, err := st.Get(context.Background(), m.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if len(got.Reactions) != n {
			t.Fatalf("lost updates: expected %d reactions, got %d", n, len(got.Reactions))
		}
	})

	t.Run("concurrent hides from both sides", func(t *testing.T) {
		st := newStore(t)
		m := mustCreate(t, st, "alice", "bob", "bye", time.Time{})

		var wg sync.WaitGroup
		for _, u := range [][2]string{{"alice", "bob"}, {"bob", "alice"}} {
			wg.Add(1)
			go func(u [2]string) {
				defer wg.Done()
				_, _ = st.HideConversation(context.Background(), HideInput{UserID: u[0], OtherUserID: u[1]})
			}(u)
		}
		wg.Wait()

		got, err := st.Get(context.Background(), m.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !got.HiddenForUser("alice") || !got.HiddenForUser("bob") {
			t.Fatalf("expected hidden for both, got %v", got.HiddenFor)
		}
	})
}

func mustCreate(t *testing.T, st Store, from, to, text string, at time.Time) Message {
	t.Helper()
	m, err := st.Create(context.Background(), CreateMessageInput{SenderID: from, ReceiverID: to, Text: text, Now: at})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return m
}

func TestInMemoryStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return NewInMemoryStore() })
}

func TestInMemoryStore_ReturnsCopies(t *testing.T) {
	st := NewInMemoryStore()
	m := mustCreate(t, st, "alice", "bob", "hi", time.Time{})

	m.Reactions["mallory"] = "x"
	m.SeenBy = append(m.SeenBy, "mallory")

	got, err := st.Get(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Reactions) != 0 || len(got.SeenBy) != 0 {
		t.Fatalf("store state leaked to caller: %+v", got)
	}
}
