package client

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRestSendsTokenAndDecodesEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("token") != "tok-1" {
			t.Errorf("missing token header")
		}
		switch r.URL.Path {
		case "/api/messages/users":
			w.Write([]byte(`{"success":true,"users":[{"id":"u1","fullName":"Amy"}],"unseenMessages":{"u1":4}}`))
		case "/api/messages/send/u1":
			w.Write([]byte(`{"success":true,"newMessage":{"id":"m1","text":"hi"}}`))
		default:
			w.Write([]byte(`{"success":false,"message":"no such route"}`))
		}
	}))
	defer srv.Close()

	r := NewRest(srv.URL, "tok-1")

	users, unseen, err := r.SidebarUsers()
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 1 || users[0].FullName != "Amy" || unseen["u1"] != 4 {
		t.Fatalf("users=%+v unseen=%v", users, unseen)
	}

	msg, err := r.Send("u1", "hi", "")
	if err != nil {
		t.Fatal(err)
	}
	if msg.ID != "m1" {
		t.Fatalf("msg = %+v", msg)
	}

	// success:false must surface as an error carrying the server message.
	if err := r.MarkSeen("missing"); err == nil {
		t.Fatal("failed envelope must error")
	}
}
