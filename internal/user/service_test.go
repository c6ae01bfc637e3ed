package user

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	myMiddleware "relaychat/internal/middleware"
	"relaychat/pkg/protocol"
)

// fakeStore is an in-memory Store.
type fakeStore struct {
	mu     sync.Mutex
	users  map[int64]*User
	nextID int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{users: map[int64]*User{}}
}

func (f *fakeStore) CreateUser(ctx context.Context, u *User) (*User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.users {
		if existing.Username == u.Username {
			return nil, ErrUsernameTaken
		}
		if existing.Phone == u.Phone {
			return nil, ErrPhoneTaken
		}
	}
	f.nextID++
	u.ID = f.nextID
	cp := *u
	f.users[u.ID] = &cp
	return u, nil
}

func (f *fakeStore) GetUserByPhone(ctx context.Context, phone string) (*User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Phone == phone {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (f *fakeStore) GetUserByID(ctx context.Context, id int64) (*User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (f *fakeStore) SearchUsers(ctx context.Context, query string, exclude int64) ([]User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []User
	q := strings.ToLower(query)
	for _, u := range f.users {
		if u.ID == exclude {
			continue
		}
		if strings.Contains(strings.ToLower(u.Username), q) || strings.Contains(u.Phone, query) {
			out = append(out, *u)
		}
	}
	return out, nil
}

func (f *fakeStore) SetOnline(ctx context.Context, id int64, online bool, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return ErrNotFound
	}
	u.IsOnline = online
	u.LastSeen = &at
	return nil
}

func newTestService(t *testing.T) (*Service, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	return NewService(store, "test-secret"), store
}

func mustRegister(t *testing.T, s *Service, username, phone string) *User {
	t.Helper()
	u, err := s.Register(context.Background(), &RegisterRequest{Username: username, Phone: phone, Password: "pw123"})
	if err != nil {
		t.Fatalf("Register(%s) error = %v", username, err)
	}
	return u
}

func TestValidPhone(t *testing.T) {
	valid := []string{"+55 11 99999-9999", "+55 21 3333-4444"}
	invalid := []string{"11 99999-9999", "+55 11 999999999", "+1 11 99999-9999", "+55 1 99999-9999", ""}

	for _, p := range valid {
		if !ValidPhone(p) {
			t.Errorf("ValidPhone(%q) = false", p)
		}
	}
	for _, p := range invalid {
		if ValidPhone(p) {
			t.Errorf("ValidPhone(%q) = true", p)
		}
	}
}

func TestService_Register(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	u := mustRegister(t, s, "alice", "+55 11 99999-0001")
	if u.ID == 0 || u.Password == "pw123" {
		t.Fatalf("expected stored user with hashed password, got %+v", u)
	}

	tests := []struct {
		name string
		req  RegisterRequest
		want error
	}{
		{"missing fields", RegisterRequest{Username: "bob"}, ErrMissingFields},
		{"bad phone", RegisterRequest{Username: "bob", Phone: "123", Password: "x"}, ErrInvalidPhone},
		{"username taken", RegisterRequest{Username: "alice", Phone: "+55 11 99999-0002", Password: "x"}, ErrUsernameTaken},
		{"phone taken", RegisterRequest{Username: "bob", Phone: "+55 11 99999-0001", Password: "x"}, ErrPhoneTaken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Register(ctx, &tt.req); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestService_LoginAndValidate(t *testing.T) {
	s, store := newTestService(t)
	ctx := context.Background()
	u := mustRegister(t, s, "alice", "+55 11 99999-0001")

	if _, err := s.Login(ctx, &LoginRequest{Phone: "+55 11 99999-0001", Password: "wrong"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password: err = %v", err)
	}
	if _, err := s.Login(ctx, &LoginRequest{Phone: "+55 11 00000-0000", Password: "pw123"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown phone: err = %v", err)
	}

	res, err := s.Login(ctx, &LoginRequest{Phone: "+55 11 99999-0001", Password: "pw123"})
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if res.User.ID != u.ID || !res.User.IsOnline {
		t.Errorf("unexpected login user: %+v", res.User)
	}
	if stored, _ := store.GetUserByID(ctx, u.ID); !stored.IsOnline {
		t.Error("login must mark the user online")
	}

	id, name, err := s.ValidateToken(res.AccessToken)
	if err != nil || id != u.ID || name != "alice" {
		t.Fatalf("ValidateToken() = %d, %q, %v", id, name, err)
	}

	other := NewService(store, "other-secret")
	if _, _, err := other.ValidateToken(res.AccessToken); err == nil {
		t.Fatal("token signed with another secret must be rejected")
	}

	if err := s.Logout(ctx, u.ID); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if stored, _ := store.GetUserByID(ctx, u.ID); stored.IsOnline || stored.LastSeen == nil {
		t.Errorf("logout must mark offline with last_seen, got %+v", stored)
	}
}

func TestService_SearchExcludesCaller(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	alice := mustRegister(t, s, "alice", "+55 11 99999-0001")
	mustRegister(t, s, "alicia", "+55 11 99999-0002")

	users, err := s.SearchUsers(ctx, "ali", alice.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 1 || users[0].Username != "alicia" {
		t.Fatalf("search = %+v, want only alicia", users)
	}

	if users, _ := s.SearchUsers(ctx, "   ", alice.ID); len(users) != 0 {
		t.Fatalf("blank query returned %d users", len(users))
	}
}

func TestHandler_RegisterLoginMe(t *testing.T) {
	s, _ := newTestService(t)
	h := NewHandler(s)

	body := `{"username":"alice","phone":"+55 11 99999-0001","password":"pw123"}`
	rec := httptest.NewRecorder()
	h.Register(rec, httptest.NewRequest(http.MethodPost, "/api/register", strings.NewReader(body)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d: %s", rec.Code, rec.Body)
	}

	rec = httptest.NewRecorder()
	h.Register(rec, httptest.NewRequest(http.MethodPost, "/api/register", strings.NewReader(`{"username":"bob","phone":"nope","password":"x"}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad phone status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.Login(rec, httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(`{"phone":"+55 11 99999-0001","password":"pw123"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d: %s", rec.Code, rec.Body)
	}
	var res LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.AccessToken == "" || res.User.Username != "alice" {
		t.Fatalf("unexpected login response: %+v", res)
	}

	rec = httptest.NewRecorder()
	h.Login(rec, httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(`{"phone":"+55 11 99999-0001","password":"bad"}`)))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad login status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req = req.WithContext(myMiddleware.WithUser(req.Context(), res.User.ID, "alice"))
	rec = httptest.NewRecorder()
	h.Me(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("me status = %d", rec.Code)
	}
	var me protocol.User
	json.NewDecoder(rec.Body).Decode(&me)
	if me.ID != res.User.ID || me.Phone != "+55 11 99999-0001" {
		t.Errorf("me = %+v", me)
	}

	rec = httptest.NewRecorder()
	h.Me(rec, httptest.NewRequest(http.MethodGet, "/api/me", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("me without auth = %d", rec.Code)
	}
}
