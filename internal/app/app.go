package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/common/version"

	"slurm_why/internal/cache"
	"slurm_why/internal/config"
	"slurm_why/internal/diagnose"
	"slurm_why/internal/logutils"
	"slurm_why/internal/monitor"
	"slurm_why/internal/report"
	"slurm_why/internal/server"
	"slurm_why/internal/slurm"
	"slurm_why/internal/transport"
	"slurm_why/internal/tui"
)

// snapshotRefreshFloor keeps watch from re-reading the whole association
// table at the much faster per-job poll rate.
const snapshotRefreshFloor = 30 * time.Second

// missingSlurmCommandsError is typed so retry classification is stable and
// does not depend on brittle string matching.
type missingSlurmCommandsError struct {
	source  string
	missing string
}

func (e *missingSlurmCommandsError) Error() string {
	return fmt.Sprintf("missing required Slurm commands on %s: %s", e.source, e.missing)
}

// ErrDiagnosisFailed is returned after an Error result has been printed, so
// the process exits non-zero.
var ErrDiagnosisFailed = errors.New("diagnosis failed")

type runtime struct {
	cfg       config.Config
	transport transport.Transport
	collector *slurm.Collector
	store     *diagnose.Store
	engine    *diagnose.Engine
}

func Run(cfg config.Config) error {
	if err := logutils.Configure(cfg.LogLevel, cfg.LogFormat); err != nil {
		return err
	}

	tr, err := buildTransport(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt := newRuntime(cfg, tr)
	logutils.Log.WithFields(logutils.Fields{
		"command": cfg.Command,
		"source":  tr.Describe(),
	}).Debug("starting")

	switch cfg.Command {
	case config.CommandDiagnose:
		return runDiagnose(ctx, rt.engine, cfg, os.Stdout)
	case config.CommandWatch:
		if err := awaitSlurmAvailability(ctx, tr, cfg.CommandTimeout); err != nil {
			return err
		}
		return rt.watch(ctx)
	case config.CommandServe:
		if err := awaitSlurmAvailability(ctx, tr, cfg.CommandTimeout); err != nil {
			return err
		}
		return rt.serve(ctx)
	default:
		return fmt.Errorf("unsupported command: %s", cfg.Command)
	}
}

// diagnosticTTL caps the result cache below the watch interval so every
// poll re-diagnoses.
func diagnosticTTL(cfg config.Config) time.Duration {
	if cfg.Command == config.CommandWatch && cfg.Refresh > 0 && cfg.DiagnosticTTL >= cfg.Refresh {
		return cfg.Refresh / 2
	}
	return cfg.DiagnosticTTL
}

func newRuntime(cfg config.Config, tr transport.Transport) *runtime {
	ttl := diagnosticTTL(cfg)
	client := slurm.NewClient(tr, cfg.CommandTimeout)
	collector := slurm.NewCollector(client)
	store := diagnose.NewStore(cfg.JobTTL, ttl)
	return &runtime{
		cfg:       cfg,
		transport: tr,
		collector: collector,
		store:     store,
		engine:    diagnose.NewEngine(client, collector, store, ttl),
	}
}

func buildTransport(cfg config.Config) (transport.Transport, error) {
	switch cfg.Mode {
	case config.ModeLocal:
		return transport.NewLocalTransport(), nil
	case config.ModeRemote:
		return transport.NewSSHTransport(transport.SSHOptions{
			Target:         cfg.Target,
			ConfigPath:     cfg.SSHConfig,
			IdentityFile:   cfg.IdentityFile,
			Port:           cfg.Port,
			ConnectTimeout: cfg.ConnectTimeout,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported mode: %s", cfg.Mode)
	}
}

func runDiagnose(ctx context.Context, engine server.Diagnoser, cfg config.Config, out io.Writer) error {
	result, err := engine.Diagnose(ctx, cfg.JobID)
	if err != nil {
		return err
	}

	if cfg.JSON {
		data, err := report.JSON(result)
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		fmt.Fprintln(out, string(data))
	} else {
		fmt.Fprintln(out, report.Render(result, report.Options{NoColor: cfg.NoColor}))
	}

	if result.Kind() == diagnose.KindError {
		return fmt.Errorf("%w for job %s", ErrDiagnosisFailed, cfg.JobID)
	}
	return nil
}

// watchSource re-diagnoses one job on every poll. Error results count as
// failed polls so the loop backs off while the cluster is unreachable.
func watchSource(engine server.Diagnoser, jobID string) monitor.Source[diagnose.Result] {
	return monitor.SourceFunc[diagnose.Result](func(ctx context.Context) (diagnose.Result, error) {
		result, err := engine.Diagnose(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if result.Kind() == diagnose.KindError {
			return nil, errors.New(result.Header().Summary)
		}
		return result, nil
	})
}

func (rt *runtime) watch(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Log lines would tear the alternate screen.
	logutils.SetOutput(io.Discard)
	defer logutils.SetOutput(os.Stderr)

	rt.startRefresher(ctx, maxDuration(rt.cfg.Refresh, snapshotRefreshFloor))

	updates := make(chan monitor.Update[diagnose.Result], 8)
	loop := monitor.NewLoop(watchSource(rt.engine, rt.cfg.JobID), rt.cfg.Refresh)
	loop.Name = "watch"
	go loop.Run(ctx, updates)

	model := tui.NewModel(tui.Options{
		Source:  rt.transport.Describe(),
		JobID:   rt.cfg.JobID,
		NoColor: rt.cfg.NoColor,
		Refresh: rt.cfg.Refresh,
		Updates: updates,
	})

	prog := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	final, err := prog.Run()
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}

	if m, ok := final.(tui.Model); ok && m.Finished() {
		fmt.Fprintln(os.Stdout, report.Render(m.Result(), report.Options{NoColor: rt.cfg.NoColor}))
	}
	return nil
}

// snapshotSource publishes a fresh snapshot to the store on every poll. A
// cold store goes through LoadSnapshot so a diagnosis racing the first poll
// shares its collection.
func snapshotSource(store *diagnose.Store, collector diagnose.Collector) monitor.Source[*cache.Snapshot] {
	collect := func(ctx context.Context) (*cache.Snapshot, error) {
		snap, err := collector.Collect(ctx)
		if err != nil {
			return nil, err
		}
		return cache.NewSnapshot(snap), nil
	}
	return monitor.SourceFunc[*cache.Snapshot](func(ctx context.Context) (*cache.Snapshot, error) {
		if store.Current() == nil {
			return store.LoadSnapshot(ctx, collect)
		}
		snap, err := collect(ctx)
		if err != nil {
			return nil, err
		}
		store.Replace(snap)
		return snap, nil
	})
}

// startRefresher keeps the store's snapshot current until ctx is done and
// purges expired cache entries after every poll.
func (rt *runtime) startRefresher(ctx context.Context, interval time.Duration) {
	updates := make(chan monitor.Update[*cache.Snapshot], 1)
	loop := monitor.NewLoop(snapshotSource(rt.store, rt.collector), interval)
	loop.Name = "snapshot"
	go loop.Run(ctx, updates)

	go func() {
		for update := range updates {
			purged := rt.store.Purge()
			entry := logutils.Log.WithFields(logutils.Fields{
				"state":  update.State,
				"purged": purged,
			})
			if update.Value != nil && *update.Value != nil {
				snap := *update.Value
				entry.WithFields(logutils.Fields{
					"jobs":     len(snap.Jobs),
					"accounts": len(snap.Limits.Accounts),
				}).Debug("snapshot refreshed")
			}
		}
	}()
}

func (rt *runtime) serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rt.startRefresher(ctx, rt.cfg.Refresh)

	r := server.New()
	server.Register(
		server.NewJobsRouter(rt.engine),
		server.NewStatusRouter(rt.store, version.Version),
	)
	server.Mount(r)
	srv := &http.Server{
		Addr:              rt.cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logutils.Log.WithFields(logutils.Fields{
			"addr":   rt.cfg.Listen,
			"source": rt.transport.Describe(),
		}).Info("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logutils.Log.Info("shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), rt.cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logutils.Log.WithError(err).Error("server forced to shutdown")
		return err
	}
	logutils.Log.Info("server exiting")
	return nil
}

func checkSlurmAvailability(ctx context.Context, tr transport.Transport, timeout time.Duration) error {
	checkCmd := transport.Command{Script: `missing=""; for c in ` + strings.Join(slurm.Tools, " ") +
		`; do if ! command -v "$c" >/dev/null 2>&1; then missing="$missing $c"; fi; done; if [ -n "$missing" ]; then echo "$missing"; exit 7; fi`}

	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := tr.Run(checkCtx, checkCmd)
	if err != nil {
		if missing := strings.TrimSpace(res.Stdout); missing != "" {
			return &missingSlurmCommandsError{
				source:  tr.Describe(),
				missing: missing,
			}
		}
		var runErr *transport.RunError
		if errors.As(err, &runErr) && runErr.Timeout {
			return fmt.Errorf("Slurm capability check timed out on %s; consider increasing --command-timeout", tr.Describe())
		}
		return fmt.Errorf("failed Slurm capability check on %s: %w", tr.Describe(), err)
	}
	return nil
}

func awaitSlurmAvailability(ctx context.Context, tr transport.Transport, timeout time.Duration) error {
	return awaitSlurmAvailabilityWithBackoff(ctx, tr, timeout, 1*time.Second, 30*time.Second)
}

func awaitSlurmAvailabilityWithBackoff(
	ctx context.Context,
	tr transport.Transport,
	timeout time.Duration,
	baseDelay time.Duration,
	maxDelay time.Duration,
) error {
	if baseDelay <= 0 {
		baseDelay = 1 * time.Second
	}
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}

	delay := baseDelay
	for {
		err := checkSlurmAvailability(ctx, tr, timeout)
		if err == nil {
			return nil
		}
		if isMissingSlurmCommandError(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		logutils.Log.WithError(err).WithFields(logutils.Fields{
			"source":   tr.Describe(),
			"retry_in": delay,
		}).Warn("transient preflight failure, retrying (Ctrl+C to stop)")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func isMissingSlurmCommandError(err error) bool {
	if err == nil {
		return false
	}
	var missingErr *missingSlurmCommandsError
	return errors.As(err, &missingErr)
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
