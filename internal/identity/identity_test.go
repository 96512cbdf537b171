package identity_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"civicsense/internal/db"
	"civicsense/internal/domain"
	"civicsense/internal/identity"
	"civicsense/internal/lifecycle"
	"civicsense/internal/migrate"
	"civicsense/internal/repo"
)

func newService(t *testing.T) identity.Service {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	return identity.Service{
		Repo:   repo.Repo{DB: conn},
		Secret: "test-secret",
		TTL:    time.Hour,
		Cost:   bcrypt.MinCost,
	}
}

func TestSignupLoginResolve(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	p, err := svc.Signup(ctx, identity.SignupRequest{
		FullName: "Ada Worker", Email: "Ada@Example.org ", Password: "longenough", Confirm: "longenough", Role: "worker",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RoleWorker, p.Role)
	assert.Equal(t, "ada@example.org", p.Email)

	token, got, err := svc.Login(ctx, "ada@example.org", "longenough")
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)

	id, err := svc.Resolve(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, domain.Identity{ID: p.ID, Name: "Ada Worker", Role: domain.RoleWorker}, id)

	_, _, err = svc.Login(ctx, "ada@example.org", "wrong-password")
	assert.ErrorIs(t, err, identity.ErrInvalidCredentials)
	_, _, err = svc.Login(ctx, "nobody@example.org", "longenough")
	assert.ErrorIs(t, err, identity.ErrInvalidCredentials)
}

func TestSignupValidation(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	base := identity.SignupRequest{FullName: "C", Email: "c@example.org", Password: "12345678", Role: "user"}
	p, err := svc.Signup(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleCitizen, p.Role)

	cases := map[string]identity.SignupRequest{
		"full_name":        {Email: "x@example.org", Password: "12345678", Role: "citizen"},
		"email":            {FullName: "X", Email: "not-an-email", Password: "12345678", Role: "citizen"},
		"password":         {FullName: "X", Email: "x@example.org", Password: "short", Role: "citizen"},
		"confirm_password": {FullName: "X", Email: "x@example.org", Password: "12345678", Confirm: "87654321", Role: "citizen"},
		"role":             {FullName: "X", Email: "x@example.org", Password: "12345678", Role: "admin"},
	}
	for field, req := range cases {
		_, err := svc.Signup(ctx, req)
		var ve *lifecycle.ValidationError
		require.ErrorAs(t, err, &ve, field)
		assert.Equal(t, field, ve.Field)
	}

	_, err = svc.Signup(ctx, base)
	var ve *lifecycle.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "email", ve.Field)
}

func TestResolveRejectsForeignAndExpiredTokens(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	p, err := svc.Signup(ctx, identity.SignupRequest{FullName: "O", Email: "o@example.org", Password: "12345678", Role: "officer"})
	require.NoError(t, err)

	other := svc
	other.Secret = "another-secret"
	forged, err := other.Token(p)
	require.NoError(t, err)
	_, err = svc.Resolve(ctx, forged)
	assert.ErrorIs(t, err, identity.ErrInvalidToken)

	past := svc
	past.Now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	stale, err := past.Token(p)
	require.NoError(t, err)
	_, err = svc.Resolve(ctx, stale)
	assert.ErrorIs(t, err, identity.ErrInvalidToken)

	ghost, err := svc.Token(domain.Profile{ID: "missing"})
	require.NoError(t, err)
	_, err = svc.Resolve(ctx, ghost)
	assert.True(t, errors.Is(err, identity.ErrInvalidToken))
}

func TestSessionDeliversEachChangeOnceInOrder(t *testing.T) {
	s := identity.NewSession()
	var seen []identity.AuthEvent
	unsubscribe := s.OnAuthStateChange(func(ev identity.AuthEvent) { seen = append(seen, ev) })

	_, ok := s.Current()
	assert.False(t, ok)

	alice := domain.Identity{ID: "a", Role: domain.RoleCitizen}
	s.SignIn("t1", alice)
	s.SignIn("t2", alice)
	cur, ok := s.Current()
	require.True(t, ok)
	assert.Equal(t, alice, cur)
	assert.Equal(t, "t2", s.Token())

	s.SignOut()
	s.SignOut()
	unsubscribe()
	s.SignIn("t3", alice)

	require.Len(t, seen, 2)
	assert.Equal(t, identity.SignedIn, seen[0].Kind)
	assert.Equal(t, identity.SignedOut, seen[1].Kind)
	assert.Equal(t, "a", seen[1].Identity.ID)
}

func TestDashboardPath(t *testing.T) {
	assert.Equal(t, "/dashboard/user", identity.DashboardPath(domain.RoleCitizen))
	assert.Equal(t, "/dashboard/worker", identity.DashboardPath(domain.RoleWorker))
	assert.Equal(t, "/dashboard/officer", identity.DashboardPath(domain.RoleOfficer))
}
