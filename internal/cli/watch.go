package cli

import (
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"quiz-access-service/internal/access"
	"quiz-access-service/internal/config"
	"quiz-access-service/internal/logging"
	"quiz-access-service/internal/poller"
	transport "quiz-access-service/internal/transport/http"
)

// NewWatchCmd polls a running server the way a waiting browser does and prints every
// eligibility change until the quiz starts.
func NewWatchCmd(configPath *string) *cobra.Command {
	var server, token, password string
	cmd := &cobra.Command{
		Use:   "watch <quiz-id>",
		Short: "Watch a quiz's eligibility until it starts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging())
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			clock := clockwork.NewRealClock()
			policy := cfg.PollerPolicy()
			failed := make(chan error, 1)
			client := transport.NewEligibilityClient(strings.TrimRight(server, "/"), args[0], token, password)
			p := poller.New(clock, client, policy,
				poller.WithLogger(logger),
				poller.WithOnChange(func(e access.Eligibility) { printEligibility(out, e, policy, clock) }),
				poller.WithOnError(func(err error) {
					select {
					case failed <- err:
					default:
					}
				}),
			)
			defer p.Stop()

			if err := p.Refresh(ctx); err != nil {
				return err
			}
			cur, _ := p.Current()
			p.Watch(ctx, cur.StartTime)

			select {
			case <-p.Done():
			case err := <-failed:
				return err
			case <-ctx.Done():
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "base URL of the quiz server")
	cmd.Flags().StringVar(&token, "token", "", "bearer token")
	cmd.Flags().StringVar(&password, "password", "", "quiz password")
	return cmd
}

func printEligibility(w io.Writer, e access.Eligibility, policy poller.Policy, clock clockwork.Clock) {
	fmt.Fprintf(w, "%s state=%s canEnter=%t\n", e.EvaluatedAt.Format("15:04:05"), e.State, e.CanEnter)
	for _, r := range e.Reasons {
		fmt.Fprintf(w, "  %s: %s\n", r.Code, r.Message)
	}
	if wake, ok := policy.NextWake(clock.Now(), e.StartTime); ok && wake > 0 {
		fmt.Fprintf(w, "  next check in %s\n", wake.Round(time.Second))
	}
}
