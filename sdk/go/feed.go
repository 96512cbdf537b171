package civicsdk

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"civicsense/internal/domain"
	"civicsense/internal/feed"
	"civicsense/internal/lifecycle"
)

// Feed subscribes to the server's change stream. The server derives the
// row filter from the token, so the requested filter only picks the view.
type Feed struct {
	Client *Client
	// HTTPClient must not carry a timeout; streams stay open.
	HTTPClient *http.Client
}

// NewFeed returns a Feed using c's base url and token.
func NewFeed(c *Client) *Feed {
	return &Feed{Client: c, HTTPClient: &http.Client{}}
}

// viewOf maps a filter back to the dashboard view that produces it.
func viewOf(f lifecycle.Filter) string {
	switch {
	case f.ReporterID != "":
		return string(lifecycle.ViewReports)
	case f.AssigneeID != "":
		return string(lifecycle.ViewAssignments)
	}
	return string(lifecycle.ViewAll)
}

// Subscribe opens a stream and returns once the server has confirmed it.
// Changes are passed to fn one at a time in commit order. The stream ends
// when ctx is done or the subscription is closed; a broken stream fails the
// subscription with a FeedError.
func (f *Feed) Subscribe(ctx context.Context, topic string, filter lifecycle.Filter, fn feed.Handler) (*feed.Subscription, error) {
	q := url.Values{"topic": {topic}}
	if topic == domain.TopicIssueUpdates {
		q.Set("issue_id", filter.IssueID)
	} else {
		q.Set("view", viewOf(filter))
	}
	streamCtx, cancel := context.WithCancel(ctx)
	req, err := f.Client.newRequest(streamCtx, http.MethodGet, withQuery("feed", q), nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := f.HTTPClient.Do(req)
	if err != nil {
		cancel()
		return nil, &lifecycle.FeedError{Topic: topic, Err: err}
	}
	if resp.StatusCode >= 300 {
		f.Client.checkAuth(req, resp.StatusCode)
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		return nil, decodeAPIError(resp.StatusCode, b)
	}

	events := newEventReader(resp.Body)
	ready, err := events.next()
	if err != nil {
		resp.Body.Close()
		cancel()
		return nil, &lifecycle.FeedError{Topic: topic, Err: err}
	}
	switch ready.name {
	case "ready":
	case "error":
		resp.Body.Close()
		cancel()
		return nil, decodeAPIError(http.StatusServiceUnavailable, []byte(`{"error":`+ready.data+`}`))
	default:
		resp.Body.Close()
		cancel()
		return nil, &lifecycle.FeedError{Topic: topic, Err: fmt.Errorf("unexpected first event %q", ready.name)}
	}

	sub := feed.NewSubscription(topic, filter, func() {
		cancel()
		resp.Body.Close()
	})
	go func() {
		for {
			ev, err := events.next()
			if err != nil {
				if streamCtx.Err() != nil {
					sub.Close()
				} else {
					sub.Fail(err)
				}
				return
			}
			switch ev.name {
			case "change":
				var ch domain.Change
				if err := json.Unmarshal([]byte(ev.data), &ch); err != nil {
					sub.Fail(fmt.Errorf("decode change: %w", err))
					return
				}
				fn(ch)
			case "error":
				sub.Fail(decodeAPIError(http.StatusServiceUnavailable, []byte(`{"error":`+ev.data+`}`)))
				return
			}
		}
	}()
	return sub, nil
}

type sseEvent struct {
	name string
	data string
}

type eventReader struct {
	sc *bufio.Scanner
}

func newEventReader(r io.Reader) *eventReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	return &eventReader{sc: sc}
}

// next returns the next event with a data field.
func (r *eventReader) next() (sseEvent, error) {
	var (
		ev   sseEvent
		data []string
	)
	for r.sc.Scan() {
		line := r.sc.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				ev.data = strings.Join(data, "\n")
				if ev.name == "" {
					ev.name = "message"
				}
				return ev, nil
			}
			ev = sseEvent{}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			ev.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := r.sc.Err(); err != nil {
		return sseEvent{}, err
	}
	return sseEvent{}, errors.New("stream closed")
}
