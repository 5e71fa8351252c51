package mockapi

import (
	"testing"
	"time"
)

func TestSessionStore(t *testing.T) {
	s := NewSessionStore(time.Hour)

	a := s.CreateSession("ana")
	b := s.CreateSession("ana")
	c := s.CreateSession("bo")

	if _, ok := s.GetSession(a.ID); !ok {
		t.Fatal("session a not found")
	}
	if !s.DeleteSession(a.ID) || s.DeleteSession(a.ID) {
		t.Error("DeleteSession should report existence once")
	}
	if n := s.DeleteUserSessions("ana"); n != 1 {
		t.Errorf("DeleteUserSessions = %d, want 1", n)
	}
	if _, ok := s.GetSession(b.ID); ok {
		t.Error("session b survived user revocation")
	}
	if _, ok := s.GetSession(c.ID); !ok {
		t.Error("other user's session removed")
	}
}

func TestSessionStore_Expiry(t *testing.T) {
	s := NewSessionStore(-time.Second)
	sess := s.CreateSession("ana")
	if _, ok := s.GetSession(sess.ID); ok {
		t.Error("expired session returned")
	}
}
