package auth

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	s, err := NewService(db, "test-secret", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestNewServiceRequiresSecret(t *testing.T) {
	if _, err := NewService(nil, "", 0); err == nil {
		t.Error("expected error for empty secret")
	}
}

func TestLoginAndVerify(t *testing.T) {
	s := newTestService(t)
	created, err := s.CreateDefaultUser("admin", "hunter2")
	if err != nil || !created {
		t.Fatalf("CreateDefaultUser = %v, %v", created, err)
	}
	if created, _ := s.CreateDefaultUser("other", "x"); created {
		t.Error("default user created twice")
	}

	token, err := s.Login("admin", "hunter2")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	claims, err := s.VerifyToken(token)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if claims.Username != "admin" {
		t.Errorf("username = %q", claims.Username)
	}

	tests := []struct {
		name, user, pass string
	}{
		{"wrong password", "admin", "nope"},
		{"unknown user", "ghost", "hunter2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Login(tt.user, tt.pass); !errors.Is(err, ErrInvalidCreds) {
				t.Errorf("Login = %v, want ErrInvalidCreds", err)
			}
		})
	}
}

func TestVerifyRejects(t *testing.T) {
	s := newTestService(t)
	if err := s.Register("admin", "pw"); err != nil {
		t.Fatal(err)
	}
	token, err := s.Login("admin", "pw")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.VerifyToken(token + "x"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("tampered token: %v", err)
	}

	other := newTestService(t)
	other.jwtSecret = []byte("different")
	if _, err := other.VerifyToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("foreign secret: %v", err)
	}

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := s.VerifyToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expired token: %v", err)
	}
}

func TestRegisterAndDelete(t *testing.T) {
	s := newTestService(t)
	if err := s.Register("a", "1"); err != nil {
		t.Fatal(err)
	}
	if err := s.Register("a", "2"); !errors.Is(err, ErrUserExists) {
		t.Errorf("duplicate register = %v", err)
	}
	if err := s.DeleteUser("a"); !errors.Is(err, ErrLastUser) {
		t.Errorf("delete last = %v", err)
	}
	if err := s.Register("b", "2"); err != nil {
		t.Fatal(err)
	}
	users, err := s.ListUsers()
	if err != nil || len(users) != 2 || users[0].Username != "a" {
		t.Fatalf("ListUsers = %+v, %v", users, err)
	}
	if err := s.DeleteUser("ghost"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("delete unknown = %v", err)
	}
	if err := s.DeleteUser("a"); err != nil {
		t.Errorf("delete = %v", err)
	}
}
