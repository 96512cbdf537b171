package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"civicsense/internal/domain"
	"civicsense/internal/engine"
	"civicsense/internal/feed"
	"civicsense/internal/lifecycle"
)

// feedFilter derives the server-side predicate from the caller, never from
// anything the client asks for beyond the view.
func feedFilter(ctx context.Context, e engine.Engine, actor domain.Identity, topic, view, issueID string) (lifecycle.Filter, error) {
	if topic == domain.TopicIssueUpdates {
		if issueID == "" {
			return lifecycle.Filter{}, &lifecycle.ValidationError{Field: "issue_id", Reason: "is required for the issue_updates topic"}
		}
		if _, err := e.GetIssue(ctx, actor, issueID); err != nil {
			return lifecycle.Filter{}, err
		}
		return lifecycle.UpdatesFilter(issueID), nil
	}
	v := lifecycle.View(view)
	if view != "" {
		parsed, ok := lifecycle.ParseView(view)
		if !ok {
			return lifecycle.Filter{}, &lifecycle.ValidationError{Field: "view", Reason: "must be reports, assignments or all"}
		}
		v = parsed
	}
	return lifecycle.FilterFor(actor, v)
}

func registerFeed(api huma.API, e engine.Engine, hub *feed.Hub, logger *slog.Logger) {
	sse.Register(api, huma.Operation{
		OperationID: "feed",
		Method:      http.MethodGet,
		Path:        "/feed",
		Summary:     "Live change feed for a dashboard view or an issue trail",
	}, map[string]any{
		"ready":  FeedReady{},
		"change": domain.Change{},
		"error":  apiErrorBody{},
	}, func(ctx context.Context, input *struct {
		Topic       string `query:"topic" enum:"issues,issue_updates" default:"issues"`
		View        string `query:"view"`
		IssueID     string `query:"issue_id"`
		AccessToken string `query:"access_token" doc:"Alternative to the Authorization header for event sources"`
	}, send sse.Sender) {
		w := &feedWriter{send: send, logger: logger}
		defer w.finish(nil)

		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			w.finish(authErr)
			return
		}
		f, err := feedFilter(ctx, e, actor, input.Topic, input.View, input.IssueID)
		if err != nil {
			w.finish(handleError(err))
			return
		}
		// Hold changes back until the ready event is out.
		w.mu.Lock()
		sub, err := hub.Subscribe(ctx, input.Topic, f, func(ch domain.Change) { w.emit(ch) })
		if err == nil {
			w.write(FeedReady{Topic: input.Topic, Filter: f.String()})
		}
		w.mu.Unlock()
		if err != nil {
			w.finish(handleError(err))
			return
		}
		defer sub.Close()
		logger.Debug("feed stream open", "user", actor.ID, "topic", input.Topic, "filter", f.String())

		<-sub.Done()
		if err := sub.Err(); err != nil {
			w.finish(handleError(err))
		}
	})
}

// feedWriter serializes writes to one SSE response. Once finished, late
// deliveries from the hub are dropped instead of touching a response the
// handler has already returned.
type feedWriter struct {
	mu       sync.Mutex
	finished bool
	send     sse.Sender
	logger   *slog.Logger
}

func (w *feedWriter) emit(data any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.write(data)
}

// write requires w.mu.
func (w *feedWriter) write(data any) {
	if w.finished {
		return
	}
	msg := sse.Message{Data: data}
	if ch, ok := data.(domain.Change); ok {
		msg.ID = int(ch.Seq)
	}
	if err := w.send(msg); err != nil {
		w.logger.Debug("feed write failed", "err", err)
	}
}

// finish writes err as the closing error event, if any, and stops all
// further writes.
func (w *feedWriter) finish(err huma.StatusError) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		if ae, ok := err.(*apiError); ok {
			w.write(ae.Body)
		} else {
			w.write(apiErrorBody{Code: "internal_error", Message: err.Error()})
		}
	}
	w.finished = true
}
