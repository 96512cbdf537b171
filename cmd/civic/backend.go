package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"civicsense/internal/app"
	"civicsense/internal/config"
	"civicsense/internal/dashboard"
	"civicsense/internal/db"
	"civicsense/internal/domain"
	"civicsense/internal/engine"
	"civicsense/internal/identity"
	"civicsense/internal/lifecycle"
	"civicsense/internal/repo"
	"civicsense/internal/upload"
	civicsdk "civicsense/sdk/go"
)

// backend is what the issue commands need, served either by the workspace
// database or by a remote server.
type backend interface {
	dashboard.Store
	GetIssue(ctx context.Context, actor domain.Identity, id string) (domain.Issue, error)
	DeleteIssue(ctx context.Context, actor domain.Identity, id string) error
	Stats(ctx context.Context, actor domain.Identity, view lifecycle.View) (domain.Stats, error)
	Profiles(ctx context.Context, actor domain.Identity, role domain.Role) ([]domain.Profile, error)
	ChangeLog(ctx context.Context, f repo.EventFilters) ([]domain.Event, error)
	Categories(ctx context.Context) ([]config.Category, error)
	Upload(ctx context.Context, paths []string) ([]string, []error)
}

// localBackend runs commands against the workspace database.
type localBackend struct {
	engine.Engine
	uploads *upload.Store
}

func (b localBackend) Profiles(ctx context.Context, actor domain.Identity, role domain.Role) ([]domain.Profile, error) {
	all, err := b.Assignees(ctx, actor)
	if err != nil || role == "" {
		return all, err
	}
	var out []domain.Profile
	for _, p := range all {
		if p.Role == role {
			out = append(out, p)
		}
	}
	return out, nil
}

func (b localBackend) ChangeLog(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	return b.Repo.LatestEvents(ctx, f)
}

func (b localBackend) Categories(context.Context) ([]config.Category, error) {
	return b.Config.Categories, nil
}

func (b localBackend) Upload(ctx context.Context, paths []string) ([]string, []error) {
	var (
		files []upload.File
		errs  []error
	)
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		defer f.Close()
		files = append(files, upload.File{Name: filepath.Base(p), Body: f})
	}
	results := b.uploads.StoreAll(ctx, files)
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Name, r.Err))
		}
	}
	return upload.URLs(results), errs
}

// remoteBackend runs commands through the HTTP API.
type remoteBackend struct {
	*civicsdk.Client
}

func (b remoteBackend) GetIssue(ctx context.Context, _ domain.Identity, id string) (domain.Issue, error) {
	is, err := b.Issue(ctx, id)
	return is.Issue, err
}

func (b remoteBackend) DeleteIssue(ctx context.Context, _ domain.Identity, id string) error {
	return b.Client.DeleteIssue(ctx, id)
}

func (b remoteBackend) Stats(ctx context.Context, _ domain.Identity, view lifecycle.View) (domain.Stats, error) {
	return b.Client.Stats(ctx, view)
}

func (b remoteBackend) Profiles(ctx context.Context, _ domain.Identity, role domain.Role) ([]domain.Profile, error) {
	return b.Client.Profiles(ctx, role)
}

func (b remoteBackend) ChangeLog(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	return b.Client.Events(ctx, f.Topic, f.Limit)
}

func (b remoteBackend) Categories(ctx context.Context) ([]config.Category, error) {
	cats, err := b.Client.Categories(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]config.Category, 0, len(cats))
	for _, c := range cats {
		out = append(out, config.Category(c))
	}
	return out, nil
}

func (b remoteBackend) Upload(ctx context.Context, paths []string) ([]string, []error) {
	var errs []error
	files := map[string]io.Reader{}
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		defer f.Close()
		files[filepath.Base(p)] = f
	}
	if len(files) == 0 {
		return nil, errs
	}
	res, err := b.Client.Upload(ctx, files)
	if err != nil {
		return nil, append(errs, err)
	}
	for _, f := range res.Failed {
		errs = append(errs, fmt.Errorf("%s: %s", f.Name, f.Message))
	}
	return res.URLs, errs
}

// session is a signed-in backend plus the change feed for dashboards.
type session struct {
	actor   domain.Identity
	backend backend
	feed    dashboard.Feed
	app     *app.App
	auth    *identity.Session
	remote  *civicsdk.Client
}

// checkAuth re-validates the token. A token the backend no longer accepts
// signs auth out; other failures are returned without touching it.
func (s *session) checkAuth(ctx context.Context) error {
	if s.remote != nil {
		_, err := s.remote.Me(ctx)
		return err
	}
	_, err := s.app.Identity.Resolve(ctx, s.auth.Token())
	if errors.Is(err, identity.ErrInvalidToken) {
		s.auth.SignOut()
	}
	return err
}

func (s *session) signOut() {
	if s.remote != nil {
		s.remote.Logout()
		return
	}
	s.auth.SignOut()
}

// envSession keeps CIVIC_TOKEN in the workspace .env in step with a session.
type envSession struct {
	path   string
	server string
	err    error
}

func (e *envSession) track(sess *identity.Session) (untrack func()) {
	return sess.OnAuthStateChange(func(ev identity.AuthEvent) {
		switch ev.Kind {
		case identity.SignedIn:
			e.err = errors.Join(e.err, setEnvValue(e.path, "CIVIC_TOKEN", sess.Token()))
			if e.server != "" {
				e.err = errors.Join(e.err, setEnvValue(e.path, "CIVIC_SERVER", e.server))
			}
		case identity.SignedOut:
			e.err = errors.Join(e.err, setEnvValue(e.path, "CIVIC_TOKEN", ""))
		}
	})
}

func workspaceEnv() string {
	return filepath.Join(viper.GetString("workspace"), ".env")
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if viper.GetBool("verbose") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func openApp(ctx context.Context) (*app.App, error) {
	workspace := viper.GetString("workspace")
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	return app.Open(ctx, app.Options{
		Workspace: workspace,
		JWTSecret: viper.GetString("jwt-secret"),
		TokenTTL:  viper.GetDuration("token-ttl"),
		Logger:    newLogger(),
	})
}

// withSession resolves the current token and runs fn against the server when
// --server is set and against the workspace database otherwise.
func withSession(ctx context.Context, fn func(context.Context, *session) error) error {
	token := viper.GetString("token")
	if token == "" {
		return errors.New("not signed in: run 'civic user login' or set CIVIC_TOKEN")
	}
	if addr := viper.GetString("server"); addr != "" {
		c := civicsdk.New(addr, token)
		me, err := c.Me(ctx)
		if err != nil {
			return err
		}
		return fn(ctx, &session{
			actor:   me.Identity,
			backend: remoteBackend{Client: c},
			feed:    civicsdk.NewFeed(c),
			auth:    c.Session,
			remote:  c,
		})
	}
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	if a.Identity.Secret == "" {
		return errors.New("CIVIC_JWT_SECRET is required to resolve session tokens")
	}
	actor, err := a.Identity.Resolve(ctx, token)
	if err != nil {
		return err
	}
	auth := identity.NewSession()
	auth.SignIn(token, actor)
	return fn(ctx, &session{
		actor:   actor,
		backend: localBackend{Engine: a.Engine, uploads: a.Uploads},
		feed:    a.Hub,
		app:     a,
		auth:    auth,
	})
}

// withApp runs fn with direct workspace access and no signed-in user.
func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// startFeed runs the local relay for the lifetime of ctx. Remote sessions
// stream from the server and need nothing.
func (s *session) startFeed(ctx context.Context) {
	if s.app != nil {
		s.app.Start(ctx)
	}
}

func (s *session) resubscribe() dashboard.Backoff {
	if s.app != nil {
		return dashboard.BackoffFrom(s.app.Config)
	}
	return dashboard.Backoff{InitialInterval: 200 * time.Millisecond, MaxInterval: 5 * time.Second, MaxElapsed: time.Minute}
}
