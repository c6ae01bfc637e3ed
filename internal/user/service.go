package user

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"relaychat/pkg/protocol"
)

var (
	ErrNotFound           = errors.New("user not found")
	ErrMissingFields      = errors.New("username, phone and password are required")
	ErrInvalidPhone       = errors.New("invalid phone format, use +55 11 99999-9999")
	ErrUsernameTaken      = errors.New("username already exists")
	ErrPhoneTaken         = errors.New("phone already registered")
	ErrInvalidCredentials = errors.New("invalid phone or password")
)

var phonePattern = regexp.MustCompile(`^\+55\s\d{2}\s\d{4,5}-\d{4}$`)

// ValidPhone reports whether phone is a Brazilian number in the +55 11 99999-9999 form.
func ValidPhone(phone string) bool {
	return phonePattern.MatchString(phone)
}

// Store is the persistence the Service needs. *Repository implements it.
type Store interface {
	CreateUser(ctx context.Context, user *User) (*User, error)
	GetUserByPhone(ctx context.Context, phone string) (*User, error)
	GetUserByID(ctx context.Context, id int64) (*User, error)
	SearchUsers(ctx context.Context, query string, exclude int64) ([]User, error)
	SetOnline(ctx context.Context, id int64, online bool, at time.Time) error
}

type Service struct {
	repo      Store
	jwtSecret string
	now       func() time.Time
}

type MyJWTClaims struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

func NewService(repo Store, secret string) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: secret,
		now:       time.Now,
	}
}

func (s *Service) Register(ctx context.Context, req *RegisterRequest) (*User, error) {
	req.Username = strings.TrimSpace(req.Username)
	req.Phone = strings.TrimSpace(req.Phone)
	if req.Username == "" || req.Phone == "" || req.Password == "" {
		return nil, ErrMissingFields
	}
	if !ValidPhone(req.Phone) {
		return nil, ErrInvalidPhone
	}

	hashedPwd, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.MinCost)
	if err != nil {
		return nil, err
	}

	u := &User{
		Username: req.Username,
		Phone:    req.Phone,
		Password: string(hashedPwd),
	}
	return s.repo.CreateUser(ctx, u)
}

// Login checks the credentials, marks the user online and issues a token.
func (s *Service) Login(ctx context.Context, req *LoginRequest) (*LoginResponse, error) {
	u, err := s.repo.GetUserByPhone(ctx, strings.TrimSpace(req.Phone))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	now := s.now()
	if err := s.repo.SetOnline(ctx, u.ID, true, now); err != nil {
		return nil, err
	}
	u.IsOnline = true
	u.LastSeen = &now

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, MyJWTClaims{
		ID:       u.ID,
		Username: u.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "relaychat",
			ExpiresAt: jwt.NewNumericDate(now.Add(24 * time.Hour)),
		},
	})

	ss, err := token.SignedString([]byte(s.jwtSecret))
	if err != nil {
		return nil, err
	}

	return &LoginResponse{
		AccessToken: ss,
		User:        u.Public(),
	}, nil
}

func (s *Service) ValidateToken(tokenString string) (int64, string, error) {
	claims := &MyJWTClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.jwtSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	if err != nil {
		return 0, "", err
	}
	if !token.Valid {
		return 0, "", errors.New("invalid token")
	}

	return claims.ID, claims.Username, nil
}

func (s *Service) Me(ctx context.Context, id int64) (*User, error) {
	return s.repo.GetUserByID(ctx, id)
}

func (s *Service) SearchUsers(ctx context.Context, query string, caller int64) ([]User, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []User{}, nil
	}
	return s.repo.SearchUsers(ctx, query, caller)
}

// Logout marks the user offline.
func (s *Service) Logout(ctx context.Context, id int64) error {
	return s.repo.SetOnline(ctx, id, false, s.now())
}

// SetOnline records a realtime join or disconnect.
func (s *Service) SetOnline(ctx context.Context, id int64, online bool) error {
	return s.repo.SetOnline(ctx, id, online, s.now())
}

// Profile returns the public profile of id.
func (s *Service) Profile(ctx context.Context, id int64) (protocol.User, error) {
	u, err := s.repo.GetUserByID(ctx, id)
	if err != nil {
		return protocol.User{}, err
	}
	return u.Public(), nil
}
