// Package identity signs users up, logs them in and resolves session tokens
// to an identity whose role always comes from the stored profile.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"civicsense/internal/domain"
	"civicsense/internal/lifecycle"
	"civicsense/internal/repo"
)

// MinPasswordLength matches the signup form.
const MinPasswordLength = 8

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidToken       = errors.New("invalid session token")
)

type Service struct {
	Repo   repo.Repo
	Secret string
	TTL    time.Duration
	Cost   int
	Now    func() time.Time
	NewID  func() string
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Service) cost() int {
	if s.Cost > 0 {
		return s.Cost
	}
	return bcrypt.DefaultCost
}

type SignupRequest struct {
	FullName string `json:"full_name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	// Confirm is checked when set.
	Confirm string `json:"confirm_password,omitempty"`
	Role    string `json:"role"`
}

func (r SignupRequest) validate() (domain.Role, error) {
	if strings.TrimSpace(r.FullName) == "" {
		return "", &lifecycle.ValidationError{Field: "full_name", Reason: "is required"}
	}
	if _, err := mail.ParseAddress(strings.TrimSpace(r.Email)); err != nil {
		return "", &lifecycle.ValidationError{Field: "email", Reason: "is not a valid address"}
	}
	if len(r.Password) < MinPasswordLength {
		return "", &lifecycle.ValidationError{Field: "password", Reason: fmt.Sprintf("must be at least %d characters", MinPasswordLength)}
	}
	if r.Confirm != "" && r.Confirm != r.Password {
		return "", &lifecycle.ValidationError{Field: "confirm_password", Reason: "does not match"}
	}
	role, ok := domain.ParseRole(r.Role)
	if !ok {
		return "", &lifecycle.ValidationError{Field: "role", Reason: "must be citizen, worker or officer"}
	}
	return role, nil
}

// Signup creates a profile. The role chosen here cannot be changed later.
func (s Service) Signup(ctx context.Context, req SignupRequest) (domain.Profile, error) {
	role, err := req.validate()
	if err != nil {
		return domain.Profile{}, err
	}
	if _, err := s.Repo.GetCredentialsByEmail(ctx, req.Email); err == nil {
		return domain.Profile{}, &lifecycle.ValidationError{Field: "email", Reason: "is already registered"}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Profile{}, lifecycle.WrapStore("signup", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost())
	if err != nil {
		return domain.Profile{}, fmt.Errorf("hash password: %w", err)
	}
	id := uuid.NewString()
	if s.NewID != nil {
		id = s.NewID()
	}
	p := domain.Profile{
		ID:        id,
		FullName:  strings.TrimSpace(req.FullName),
		Email:     repo.NormalizeEmail(req.Email),
		Role:      role,
		CreatedAt: domain.FormatTime(s.now()),
	}
	if err := s.Repo.InsertProfile(ctx, nil, repo.Credentials{Profile: p, PasswordHash: string(hash)}); err != nil {
		return domain.Profile{}, lifecycle.WrapStore("signup", err)
	}
	return p, nil
}

// Login checks the password and issues a session token.
func (s Service) Login(ctx context.Context, email, password string) (string, domain.Profile, error) {
	c, err := s.Repo.GetCredentialsByEmail(ctx, email)
	if errors.Is(err, repo.ErrNotFound) {
		return "", domain.Profile{}, ErrInvalidCredentials
	}
	if err != nil {
		return "", domain.Profile{}, lifecycle.WrapStore("login", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(c.PasswordHash), []byte(password)); err != nil {
		return "", domain.Profile{}, ErrInvalidCredentials
	}
	token, err := s.Token(c.Profile)
	if err != nil {
		return "", domain.Profile{}, err
	}
	return token, c.Profile, nil
}

type claims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"`
}

// Token signs an HS256 session token for p. The role is deliberately not a
// claim; Resolve reads it from the profile.
func (s Service) Token(p domain.Profile) (string, error) {
	if strings.TrimSpace(s.Secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	now := s.now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  p.ID,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Name: p.FullName,
	}
	if s.TTL > 0 {
		c.ExpiresAt = jwt.NewNumericDate(now.Add(s.TTL))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(s.Secret))
}

// Resolve turns a session token into the current identity.
func (s Service) Resolve(ctx context.Context, token string) (domain.Identity, error) {
	if strings.TrimSpace(s.Secret) == "" {
		return domain.Identity{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)
	c := &claims{}
	parsed, err := parser.ParseWithClaims(token, c, func(t *jwt.Token) (any, error) {
		return []byte(s.Secret), nil
	})
	if err != nil || !parsed.Valid || c.Subject == "" {
		return domain.Identity{}, ErrInvalidToken
	}
	p, err := s.Repo.GetProfile(ctx, c.Subject)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Identity{}, ErrInvalidToken
	}
	if err != nil {
		return domain.Identity{}, lifecycle.WrapStore("resolve identity", err)
	}
	return IdentityOf(p), nil
}

func IdentityOf(p domain.Profile) domain.Identity {
	return domain.Identity{ID: p.ID, Name: p.FullName, Role: p.Role}
}

// DashboardPath is where a signed-in user lands.
func DashboardPath(role domain.Role) string {
	switch role {
	case domain.RoleOfficer:
		return "/dashboard/officer"
	case domain.RoleWorker:
		return "/dashboard/worker"
	case domain.RoleCitizen:
		return "/dashboard/user"
	}
	return "/login"
}
