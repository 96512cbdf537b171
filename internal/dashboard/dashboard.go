// Package dashboard keeps a role-scoped projection of issues, and the update
// trail of one focused issue, live against the change feed.
package dashboard

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"civicsense/internal/config"
	"civicsense/internal/domain"
	"civicsense/internal/engine"
	"civicsense/internal/feed"
	"civicsense/internal/lifecycle"
	"civicsense/internal/telemetry"
)

// Store is the command and query surface a dashboard needs. engine.Engine
// serves it in process and the sdk client serves it over HTTP.
type Store interface {
	ListIssues(ctx context.Context, actor domain.Identity, view lifecycle.View, p engine.Page) ([]domain.Issue, error)
	ListUpdates(ctx context.Context, actor domain.Identity, issueID string) ([]domain.IssueUpdate, error)
	SubmitIssue(ctx context.Context, actor domain.Identity, sub lifecycle.Submission) (domain.Issue, error)
	TransitionIssue(ctx context.Context, actor domain.Identity, id, status string) (domain.Issue, error)
	AssignIssue(ctx context.Context, actor domain.Identity, id, assigneeID string) (domain.Issue, error)
	AddUpdate(ctx context.Context, actor domain.Identity, issueID, message string) (domain.IssueUpdate, error)
}

// Feed opens filtered subscriptions. The subscription must end when ctx is
// done.
type Feed interface {
	Subscribe(ctx context.Context, topic string, f lifecycle.Filter, fn feed.Handler) (*feed.Subscription, error)
}

type NoticeKind string

const (
	NoticeLoaded   NoticeKind = "loaded"
	NoticeChanged  NoticeKind = "changed"
	NoticeError    NoticeKind = "error"
	NoticeResynced NoticeKind = "resynced"
)

// Notice tells the presentation layer that something visible happened.
type Notice struct {
	Kind   NoticeKind
	Topic  string
	Change *domain.Change
	Err    error
}

// Backoff bounds resubscription after a dropped feed.
type Backoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
}

func BackoffFrom(cfg *config.Config) Backoff {
	rs := cfg.Feed.Resubscribe
	return Backoff{InitialInterval: rs.InitialInterval, MaxInterval: rs.MaxInterval, MaxElapsed: rs.MaxElapsed}
}

type Deps struct {
	Store       Store
	Feed        Feed
	Logger      *slog.Logger
	Resubscribe Backoff
	// Listener is called from feed goroutines, one notice at a time.
	Listener func(Notice)
	Now      func() time.Time
}

// stream is one subscription plus the query that seeds it. Events that
// arrive while the query runs are held and replayed on top of its rows.
type stream struct {
	topic   string
	gen     uint64
	filter  lifecycle.Filter
	fetch   func(ctx context.Context) (commit func(), err error)
	apply   func(domain.Change) bool
	sub     *feed.Subscription
	loading bool
	pending []domain.Change
}

func (s *stream) fresh() *stream {
	return &stream{topic: s.topic, gen: s.gen, filter: s.filter, fetch: s.fetch, apply: s.apply}
}

// errSuperseded reports that a Focus or Refresh replaced the stream being
// opened.
var errSuperseded = errors.New("stream superseded")

// Dashboard is one session's live view. It is safe for concurrent use.
type Dashboard struct {
	deps   Deps
	actor  domain.Identity
	view   lifecycle.View
	cache  *lifecycle.Cache
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	// notify serializes listener calls.
	notify sync.Mutex

	mu      sync.Mutex
	closed  bool
	streams map[string]*stream
	// gens counts Focus and Refresh per topic. A retry for an older
	// generation gives up instead of replacing the newer stream.
	gens  map[string]uint64
	trail *lifecycle.Trail
}

// Open builds the projection for actor's view and keeps it live until Close.
// The issues subscription is active before the initial query runs.
func Open(ctx context.Context, deps Deps, actor domain.Identity, view lifecycle.View) (*Dashboard, error) {
	if deps.Store == nil || deps.Feed == nil {
		return nil, errors.New("dashboard needs a store and a feed")
	}
	if view == "" {
		view = lifecycle.ViewFor(actor.Role)
	}
	f, err := lifecycle.FilterFor(actor, view)
	if err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Resubscribe.InitialInterval <= 0 {
		deps.Resubscribe = BackoffFrom(config.Default())
	}
	life, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d := &Dashboard{
		deps:    deps,
		actor:   actor,
		view:    view,
		cache:   lifecycle.NewCache(f),
		logger:  deps.Logger.With("view", string(view), "user", actor.ID),
		ctx:     life,
		cancel:  cancel,
		streams: map[string]*stream{},
		gens:    map[string]uint64{},
	}
	issues := &stream{
		topic:  domain.TopicIssues,
		filter: f,
		fetch: func(ctx context.Context) (func(), error) {
			rows, err := deps.Store.ListIssues(ctx, actor, view, engine.Page{})
			if err != nil {
				return nil, err
			}
			return func() { d.cache.Load(rows) }, nil
		},
		apply: d.cache.Apply,
	}
	if err := d.connect(ctx, issues); err != nil {
		d.Close()
		return nil, err
	}
	d.emit(Notice{Kind: NoticeLoaded, Topic: domain.TopicIssues})
	return d, nil
}

func (d *Dashboard) Actor() domain.Identity { return d.actor }

func (d *Dashboard) View() lifecycle.View { return d.view }

func (d *Dashboard) Filter() lifecycle.Filter { return d.cache.Filter() }

// Issues returns the projection, most recent first.
func (d *Dashboard) Issues() []domain.Issue {
	return d.cache.Items()
}

func (d *Dashboard) Get(id string) (domain.Issue, bool) {
	return d.cache.Get(id)
}

func (d *Dashboard) Len() int {
	return d.cache.Len()
}

// Updates returns the focused issue's trail, oldest first.
func (d *Dashboard) Updates() []domain.IssueUpdate {
	d.mu.Lock()
	t := d.trail
	d.mu.Unlock()
	if t == nil {
		return nil
	}
	return t.Items()
}

// Stats counts the projection the way the officer dashboard does.
func (d *Dashboard) Stats() domain.Stats {
	now := d.deps.Now()
	var st domain.Stats
	for _, is := range d.cache.Items() {
		st.Total++
		switch is.Status {
		case domain.StatusPending:
			st.Pending++
		case domain.StatusInProgress:
			st.InProgress++
		case domain.StatusResolved:
			st.Resolved++
		}
		if is.Overdue(now) {
			st.Overdue++
		}
	}
	return st
}

// Focus loads the trail of issueID and follows it, releasing the previous
// focus. An empty id only releases.
func (d *Dashboard) Focus(ctx context.Context, issueID string) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return &lifecycle.FeedError{Topic: domain.TopicIssueUpdates, Err: feed.ErrHubClosed}
	}
	if old := d.streams[domain.TopicIssueUpdates]; old != nil {
		delete(d.streams, domain.TopicIssueUpdates)
		if old.sub != nil {
			defer old.sub.Close()
		}
	}
	d.gens[domain.TopicIssueUpdates]++
	gen := d.gens[domain.TopicIssueUpdates]
	d.trail = nil
	if issueID == "" {
		d.mu.Unlock()
		return nil
	}
	trail := lifecycle.NewTrail(issueID)
	d.trail = trail
	d.mu.Unlock()

	st := &stream{
		topic:  domain.TopicIssueUpdates,
		gen:    gen,
		filter: lifecycle.UpdatesFilter(issueID),
		fetch: func(ctx context.Context) (func(), error) {
			rows, err := d.deps.Store.ListUpdates(ctx, d.actor, issueID)
			if err != nil {
				return nil, err
			}
			return func() { trail.Load(rows) }, nil
		},
		apply: trail.Apply,
	}
	if err := d.connect(ctx, st); err != nil {
		d.mu.Lock()
		if d.trail == trail {
			d.trail = nil
		}
		d.mu.Unlock()
		return err
	}
	d.emit(Notice{Kind: NoticeLoaded, Topic: domain.TopicIssueUpdates})
	return nil
}

// Refresh re-subscribes and re-queries every stream concurrently.
func (d *Dashboard) Refresh(ctx context.Context) error {
	d.mu.Lock()
	var sts []*stream
	for _, st := range d.streams {
		if st.sub != nil {
			st.sub.Close()
		}
		d.gens[st.topic]++
		next := st.fresh()
		next.gen = d.gens[st.topic]
		sts = append(sts, next)
	}
	d.mu.Unlock()
	if err := d.connect(ctx, sts...); err != nil {
		return err
	}
	telemetry.RecordResync(ctx, string(d.view))
	d.emit(Notice{Kind: NoticeResynced})
	return nil
}

// Close releases every subscription. Late events are ignored. It is safe to
// call more than once.
func (d *Dashboard) Close() {
	d.mu.Lock()
	d.closed = true
	var subs []*feed.Subscription
	for topic, st := range d.streams {
		if st.sub != nil {
			subs = append(subs, st.sub)
		}
		delete(d.streams, topic)
	}
	d.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
	d.cancel()
	d.wg.Wait()
}

// connect opens every stream concurrently. Each stream subscribes first and
// queries second.
func (d *Dashboard) connect(ctx context.Context, sts ...*stream) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, st := range sts {
		g.Go(func() error {
			if err := d.open(gctx, st); !errors.Is(err, errSuperseded) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

func (d *Dashboard) open(ctx context.Context, st *stream) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return &lifecycle.FeedError{Topic: st.topic, Err: feed.ErrHubClosed}
	}
	if st.gen != d.gens[st.topic] {
		d.mu.Unlock()
		return errSuperseded
	}
	if old := d.streams[st.topic]; old != nil && old != st && old.sub != nil {
		old.sub.Close()
	}
	st.loading = true
	d.streams[st.topic] = st
	d.mu.Unlock()

	sub, err := d.deps.Feed.Subscribe(d.ctx, st.topic, st.filter, func(ch domain.Change) { d.receive(st, ch) })
	if err != nil {
		d.drop(st)
		return err
	}
	d.mu.Lock()
	if d.streams[st.topic] != st {
		d.mu.Unlock()
		sub.Close()
		return errSuperseded
	}
	st.sub = sub
	d.mu.Unlock()

	commit, err := st.fetch(ctx)
	if err != nil {
		d.drop(st)
		sub.Close()
		return err
	}

	d.mu.Lock()
	if d.closed || d.streams[st.topic] != st {
		d.mu.Unlock()
		sub.Close()
		return errSuperseded
	}
	commit()
	for _, ch := range st.pending {
		st.apply(ch)
	}
	replayed := len(st.pending)
	st.pending = nil
	st.loading = false
	d.wg.Add(1)
	d.mu.Unlock()

	d.logger.Debug("dashboard stream ready", "topic", st.topic, "filter", st.filter.String(), "replayed", replayed)
	go d.watch(st)
	return nil
}

func (d *Dashboard) drop(st *stream) {
	d.mu.Lock()
	if d.streams[st.topic] == st {
		delete(d.streams, st.topic)
	}
	d.mu.Unlock()
}

func (d *Dashboard) receive(st *stream, ch domain.Change) {
	d.mu.Lock()
	if d.closed || d.streams[st.topic] != st {
		d.mu.Unlock()
		return
	}
	if st.loading {
		st.pending = append(st.pending, ch)
		d.mu.Unlock()
		return
	}
	changed := st.apply(ch)
	d.mu.Unlock()
	if changed {
		d.emit(Notice{Kind: NoticeChanged, Topic: ch.Topic, Change: &ch})
	}
}

// watch waits for st's subscription to end. A drop by the feed triggers a
// resubscribe and a full re-query, retried with exponential backoff.
func (d *Dashboard) watch(st *stream) {
	defer d.wg.Done()
	select {
	case <-st.sub.Done():
	case <-d.ctx.Done():
		return
	}
	err := st.sub.Err()
	if err == nil || d.ctx.Err() != nil {
		return
	}
	d.mu.Lock()
	current := !d.closed && d.streams[st.topic] == st
	d.mu.Unlock()
	if !current {
		return
	}
	d.logger.Warn("dashboard feed dropped", "topic", st.topic, "err", err)
	d.emit(Notice{Kind: NoticeError, Topic: st.topic, Err: err})

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.deps.Resubscribe.InitialInterval
	b.MaxInterval = d.deps.Resubscribe.MaxInterval
	b.MaxElapsedTime = d.deps.Resubscribe.MaxElapsed
	op := func() error {
		if d.ctx.Err() != nil {
			return backoff.Permanent(d.ctx.Err())
		}
		err := d.open(d.ctx, st.fresh())
		var ae *lifecycle.AuthorizationError
		if errors.As(err, &ae) || errors.Is(err, errSuperseded) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		d.logger.Warn("dashboard resubscribe failed", "topic", st.topic, "err", err, "retry_in", wait)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, d.ctx), notify); err != nil {
		if errors.Is(err, errSuperseded) {
			d.logger.Debug("dashboard resubscribe superseded", "topic", st.topic, "filter", st.filter.String())
			return
		}
		if d.ctx.Err() == nil {
			d.logger.Error("dashboard gave up resubscribing", "topic", st.topic, "err", err)
			d.emit(Notice{Kind: NoticeError, Topic: st.topic, Err: err})
		}
		return
	}
	telemetry.RecordResync(d.ctx, string(d.view))
	d.emit(Notice{Kind: NoticeResynced, Topic: st.topic})
}

func (d *Dashboard) emit(n Notice) {
	if d.deps.Listener == nil {
		return
	}
	d.notify.Lock()
	defer d.notify.Unlock()
	d.deps.Listener(n)
}
