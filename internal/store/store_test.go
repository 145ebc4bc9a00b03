package store

import (
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMessageRoundTrip(t *testing.T) {
	db := openTestDB(t)

	alice, err := db.CreateUser("Alice", "")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	bob, _ := db.CreateUser("Bob", "")

	sent, err := db.InsertMessage(alice.ID, bob.ID, "hi", "")
	if err != nil {
		t.Fatalf("insert message: %v", err)
	}
	if sent.Seen {
		t.Error("new message must start unseen")
	}

	conv, err := db.Conversation(bob.ID, alice.ID)
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}
	if len(conv) != 1 || conv[0].ID != sent.ID || conv[0].Text != "hi" {
		t.Fatalf("unexpected conversation: %+v", conv)
	}
	if conv[0].CreatedAt.IsZero() {
		t.Error("created_at not set")
	}
}

func TestUnseenCountsOmitZero(t *testing.T) {
	db := openTestDB(t)
	alice, _ := db.CreateUser("Alice", "")
	bob, _ := db.CreateUser("Bob", "")
	carol, _ := db.CreateUser("Carol", "")

	db.InsertMessage(alice.ID, bob.ID, "one", "")
	db.InsertMessage(alice.ID, bob.ID, "two", "")
	db.InsertMessage(carol.ID, bob.ID, "three", "")

	users, unseen, err := db.SidebarUsers(bob.ID)
	if err != nil {
		t.Fatalf("sidebar: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("expected 2 sidebar users, got %d", len(users))
	}
	if unseen[alice.ID] != 2 || unseen[carol.ID] != 1 {
		t.Fatalf("unexpected unseen map: %v", unseen)
	}

	ids, err := db.MarkConversationSeen(bob.ID, alice.ID)
	if err != nil {
		t.Fatalf("mark conversation seen: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 flipped ids, got %v", ids)
	}

	_, unseen, _ = db.SidebarUsers(bob.ID)
	if _, ok := unseen[alice.ID]; ok {
		t.Error("zero count must be absent from the unseen map")
	}
	if unseen[carol.ID] != 1 {
		t.Errorf("carol count lost: %v", unseen)
	}

	// Second pass is a no-op.
	ids, _ = db.MarkConversationSeen(bob.ID, alice.ID)
	if len(ids) != 0 {
		t.Errorf("expected no newly flipped ids, got %v", ids)
	}
}

func TestMarkSeenSingle(t *testing.T) {
	db := openTestDB(t)
	alice, _ := db.CreateUser("Alice", "")
	bob, _ := db.CreateUser("Bob", "")

	sent, _ := db.InsertMessage(alice.ID, bob.ID, "hi", "")
	got, err := db.MarkSeen(sent.ID)
	if err != nil {
		t.Fatalf("mark seen: %v", err)
	}
	if !got.Seen || got.SenderID != alice.ID {
		t.Fatalf("unexpected marked message: %+v", got)
	}
}

func TestDeletes(t *testing.T) {
	db := openTestDB(t)
	alice, _ := db.CreateUser("Alice", "")
	bob, _ := db.CreateUser("Bob", "")

	m1, _ := db.InsertMessage(alice.ID, bob.ID, "one", "")
	db.InsertMessage(bob.ID, alice.ID, "two", "")
	db.InsertMessage(alice.ID, bob.ID, "three", "")

	t.Run("single", func(t *testing.T) {
		deleted, err := db.DeleteMessage(m1.ID)
		if err != nil {
			t.Fatalf("delete: %v", err)
		}
		if deleted.ID != m1.ID {
			t.Fatalf("wrong record returned: %+v", deleted)
		}
		conv, _ := db.Conversation(alice.ID, bob.ID)
		if len(conv) != 2 {
			t.Fatalf("expected 2 remaining, got %d", len(conv))
		}
	})

	t.Run("conversation", func(t *testing.T) {
		n, err := db.DeleteConversation(alice.ID, bob.ID)
		if err != nil {
			t.Fatalf("delete all: %v", err)
		}
		if n != 2 {
			t.Fatalf("expected 2 deleted, got %d", n)
		}
		conv, _ := db.Conversation(alice.ID, bob.ID)
		if len(conv) != 0 {
			t.Fatalf("conversation not empty: %+v", conv)
		}
	})
}

func TestSearchUsers(t *testing.T) {
	db := openTestDB(t)
	alice, _ := db.CreateUser("Alice Smith", "")
	db.CreateUser("Bob Smith", "")
	db.CreateUser("Carol Jones", "")

	got, err := db.SearchUsers(alice.ID, "smith")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 1 || got[0].FullName != "Bob Smith" {
		t.Fatalf("expected only Bob Smith (self excluded), got %+v", got)
	}

	got, _ = db.SearchUsers(alice.ID, "")
	if len(got) != 0 {
		t.Fatalf("empty query must return nothing, got %+v", got)
	}
}
