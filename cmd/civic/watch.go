package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"civicsense/internal/dashboard"
	"civicsense/internal/identity"
	"civicsense/internal/lifecycle"
)

var errSignedOut = errors.New("signed out: the session token is no longer valid, run 'civic user login'")

func watchCmd() *cobra.Command {
	var view, focus string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow your dashboard live until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *session) error {
				s.startFeed(ctx)
				signedOut := make(chan struct{}, 1)
				defer s.auth.OnAuthStateChange(func(ev identity.AuthEvent) {
					if ev.Kind == identity.SignedOut {
						select {
						case signedOut <- struct{}{}:
						default:
						}
					}
				})()
				redraw := make(chan struct{}, 1)
				logger := newLogger()
				deps := dashboard.Deps{
					Store:       s.backend,
					Feed:        s.feed,
					Logger:      logger,
					Resubscribe: s.resubscribe(),
					Listener: func(n dashboard.Notice) {
						switch n.Kind {
						case dashboard.NoticeError:
							fmt.Fprintf(os.Stderr, "%s: %v\n", lifecycle.SurfaceOf(n.Err), n.Err)
						case dashboard.NoticeResynced:
							fmt.Fprintf(os.Stderr, "feed %s reconnected\n", n.Topic)
						}
						select {
						case redraw <- struct{}{}:
						default:
						}
					},
				}
				d, err := dashboard.Open(ctx, deps, s.actor, lifecycle.View(view))
				if err != nil {
					return err
				}
				defer d.Close()
				if focus != "" {
					if err := d.Focus(ctx, focus); err != nil {
						return err
					}
				}
				draw := func() {
					// Clear the terminal before each frame.
					fmt.Print("\033[H\033[2J")
					now := time.Now()
					fmt.Printf("%s dashboard of %s (%s), updated %s\n", d.View(), s.actor.Name, s.actor.Role, now.Format(time.Kitchen))
					renderStats(os.Stdout, d.Stats())
					renderIssues(os.Stdout, d.Issues(), now)
					if focus != "" {
						fmt.Printf("Notes on %s\n", focus)
						renderUpdates(os.Stdout, d.Updates())
					}
				}
				draw()
				// SLA labels age and tokens expire, so check both once a minute.
				tick := time.NewTicker(time.Minute)
				defer tick.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-redraw:
						draw()
					case <-signedOut:
						d.Close()
						return errSignedOut
					case <-tick.C:
						if err := s.checkAuth(ctx); err != nil {
							logger.Warn("session check failed", "err", err)
						}
						draw()
					}
				}
			})
		},
	}
	cmd.Flags().StringVar(&view, "view", "", "reports, assignments or all (defaults to your role's dashboard)")
	cmd.Flags().StringVar(&focus, "issue", "", "also follow the notes of this issue")
	return cmd
}
