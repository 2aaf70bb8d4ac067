package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/pnpforge/pnpjob/internal/engine"
	"github.com/pnpforge/pnpjob/internal/executor"
	"github.com/pnpforge/pnpjob/internal/session"
	pcontext "github.com/pnpforge/pnpjob/pkg/context"
	"github.com/pnpforge/pnpjob/pkg/logger"
	"github.com/pnpforge/pnpjob/pkg/types"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func (c *CLI) newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the job with the dry-run executor",
		Long: `Load the job configuration and its board and panel definitions, check them,
and place every enabled placement with the dry-run executor.

Without --policy step errors are resolved interactively on stdin. With --policy
every step error is answered with that action (pause, retry, skip or ignore).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runJob(cmd.Context())
		},
	}

	flags := cmd.Flags()
	flags.String("policy", "", "answer every step error with this action instead of asking")
	flags.Int("max-retries", 0, "with --policy retry, pause after this many retries (0: no limit)")
	flags.Bool("reset", false, "with --policy, clear placed flags when the job is already complete")
	flags.Duration("step-delay", 0, "minimum duration of a dry-run step")
	flags.Int("fail-every", 0, "make the first attempt of every Nth placement fail")
	flags.String("metrics-addr", "", "serve Prometheus metrics and pprof profiles on this address")
	flags.Bool("fresh", false, "ignore the placed flags saved by earlier runs")

	return cmd
}

func (c *CLI) runJob(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = pcontext.EnrichContext(ctx)

	var prompt *promptOperator
	opts := session.Options{}
	if policy := c.viper.GetString("policy"); policy != "" {
		action, err := types.ParseRecoveryAction(policy)
		if err != nil {
			return err
		}
		opts.Operator = engine.NewPolicyOperator(action, c.viper.GetInt("max-retries"), c.viper.GetBool("reset"))
	} else {
		prompt = newPromptOperator(c.input, c.output)
		opts.Operator = prompt
	}

	if c.viper.IsSet("step-delay") {
		opts.DryRun = append(opts.DryRun, executor.WithStepDelay(c.viper.GetDuration("step-delay")))
	}
	if n := c.viper.GetInt("fail-every"); n > 0 {
		opts.DryRun = append(opts.DryRun, executor.WithFailFunc(failEvery(n)))
	}

	sess, err := c.loadSession(opts, true)
	if err != nil {
		return err
	}
	log := logger.WithContext(ctx, c.logger)

	restored, err := sess.ClaimProgress(ctx, !c.viper.GetBool("fresh"))
	if err != nil {
		return err
	}
	defer func() {
		if err := sess.Close(); err != nil {
			log.Warn("Failed to release the job", logger.WithError(err))
		}
	}()
	if restored > 0 {
		c.printInfo(fmt.Sprintf("Restored %d placed flags from the last run", restored))
	}

	addr := c.viper.GetString("metrics-addr")
	if addr == "" && sess.Config.Metrics != nil {
		addr = sess.Config.Metrics.Address
	}
	if addr != "" {
		_, shutdown, err := c.serveMetrics(addr)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	total, placed := sess.Job.PlacementStats()
	c.printInfo(fmt.Sprintf("Job %s: %d locations, %d placements (%d placed)",
		color.CyanString(jobName(sess)), sess.Job.Len(), total, placed))

	if err := sess.Controller.Start(ctx); err != nil {
		return err
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.followEvents(ctx, sess, prompt, done)
	}()

	// ctx may be cancelled by a signal; the run still has to be waited for
	runErr := sess.Controller.Wait(context.WithoutCancel(ctx))
	close(done)
	wg.Wait()

	total, placed = sess.Job.PlacementStats()
	switch {
	case runErr != nil:
		log.Error("Run failed", logger.WithError(runErr))
		return runErr
	case placed == total:
		c.printSuccess(fmt.Sprintf("All %d placements placed", total))
	default:
		c.printWarning(fmt.Sprintf("Finished with %d of %d placements placed", placed, total))
	}
	return nil
}

// followEvents reports controller events until done is closed, and decides what happens
// to a paused run
func (c *CLI) followEvents(ctx context.Context, sess *session.Session, prompt *promptOperator, done <-chan struct{}) {
	events := sess.Controller.Events()
	handle := func() {
		progressed := false
		for _, e := range events.Drain() {
			switch e.Kind {
			case engine.EventStepCompleted:
				progressed = true
			case engine.EventStateChanged:
				c.logger.Debug("State changed",
					logger.WithField("from", string(e.From)),
					logger.WithField("to", string(e.To)))
				if err := sess.RecordState(e.To); err != nil {
					c.logger.Warn("Failed to save job state", logger.WithError(err))
				}
				if e.To == types.JobStatePaused {
					c.handlePaused(ctx, sess, prompt)
				}
			case engine.EventStepFailed:
				// The prompt shows the error itself
				if prompt == nil {
					c.printError(fmt.Sprintf("Step failed: %v", e.Err))
				}
			case engine.EventRecovery:
				progressed = true
				c.printInfo(fmt.Sprintf("Recovery: %s", e.Action))
			}
		}
		if progressed {
			if err := sess.SaveProgress(); err != nil {
				c.logger.Warn("Failed to save progress", logger.WithError(err))
			}
		}
	}

	for {
		select {
		case <-events.Ready():
			handle()
		case <-done:
			handle()
			return
		}
	}
}

func (c *CLI) handlePaused(ctx context.Context, sess *session.Session, prompt *promptOperator) {
	if sess.Controller.State() != types.JobStatePaused {
		return
	}
	_, placed := sess.Job.PlacementStats()
	c.printWarning(fmt.Sprintf("Job paused with %d placed", placed))

	if prompt == nil {
		c.printWarning("Nobody can resume an unattended run; stopping")
		_ = sess.Controller.Stop()
		return
	}

	var err error
	switch prompt.ChoosePaused(ctx) {
	case pauseResume:
		err = sess.Controller.Resume()
	case pauseStep:
		err = sess.Controller.Step(ctx)
	default:
		err = sess.Controller.Stop()
	}
	if err != nil {
		c.logger.Debug("Paused run changed state meanwhile", logger.WithError(err))
	}
}

// serveMetrics exposes the Prometheus registry at /metrics until the returned function
// is called. It returns the address actually listened on.
func (c *CLI) serveMetrics(addr string) (string, func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Warn("Metrics server stopped", logger.WithError(err))
		}
	}()
	c.logger.Info("Serving metrics", logger.WithField("address", ln.Addr().String()))

	return ln.Addr().String(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

// failEvery fails the first attempt of every nth placement
func failEvery(n int) executor.FailFunc {
	var mu sync.Mutex
	seen := 0
	return func(location string, p *types.Placement, attempt int) error {
		if attempt > 1 {
			return nil
		}
		mu.Lock()
		seen++
		fail := seen%n == 0
		mu.Unlock()
		if fail {
			return fmt.Errorf("simulated pick failure at %s:%s", location, p.ID)
		}
		return nil
	}
}

func jobName(sess *session.Session) string {
	if len(sess.Config.Job.Roots) == 1 && sess.Config.Job.Roots[0].ID != "" {
		return sess.Config.Job.Roots[0].ID
	}
	return sess.ConfigPath
}
