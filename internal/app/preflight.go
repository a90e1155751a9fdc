package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"slurm_why/internal/config"
	"slurm_why/internal/slurm"
	"slurm_why/internal/transport"
)

// doctorCheck is one line of doctor output. A check with warn set reports
// its error without failing the run: the engine still works, with less
// detail for some reasons.
type doctorCheck struct {
	name   string
	detail string
	err    error
	warn   bool
}

type doctorDeps struct {
	lookPath          func(string) (string, error)
	stat              func(string) (os.FileInfo, error)
	buildTransport    func(config.Config) (transport.Transport, error)
	checkAvailability func(context.Context, transport.Transport, time.Duration) error
}

func defaultDoctorDeps() doctorDeps {
	return doctorDeps{
		lookPath:          exec.LookPath,
		stat:              os.Stat,
		buildTransport:    buildTransport,
		checkAvailability: checkSlurmAvailability,
	}
}

func RunDoctor(cfg config.Config, out io.Writer) error {
	return runDoctorWithDeps(cfg, out, defaultDoctorDeps())
}

func runDoctorWithDeps(cfg config.Config, out io.Writer, deps doctorDeps) error {
	target := "local"
	if cfg.Mode == config.ModeRemote {
		target = cfg.Target
	}

	fmt.Fprintln(out, "slurm-why doctor")
	fmt.Fprintf(out, "mode: %s\n", cfg.Mode)
	fmt.Fprintf(out, "target: %s\n\n", target)

	checks := buildDoctorChecks(cfg, deps)
	failed := false
	for _, check := range checks {
		if check.err != nil && check.warn {
			fmt.Fprintf(out, "[warn] %s: %v\n", check.name, check.err)
			continue
		}
		if check.err != nil {
			failed = true
			fmt.Fprintf(out, "[fail] %s: %v\n", check.name, check.err)
			continue
		}
		fmt.Fprintf(out, "[ok] %s: %s\n", check.name, check.detail)
	}

	if failed {
		fmt.Fprintln(out, "\ndoctor result: FAIL")
		return errors.New("doctor checks failed")
	}

	fmt.Fprintln(out, "\ndoctor result: PASS")
	return nil
}

func buildDoctorChecks(cfg config.Config, deps doctorDeps) []doctorCheck {
	checks := make([]doctorCheck, 0, 8)

	appendToolCheck := func(scope string, tool string) {
		if path, err := deps.lookPath(tool); err != nil {
			checks = append(checks, doctorCheck{
				name: scope + " tool " + tool,
				err:  fmt.Errorf("not found in PATH"),
			})
		} else {
			checks = append(checks, doctorCheck{
				name:   scope + " tool " + tool,
				detail: path,
			})
		}
	}

	appendFileCheck := func(name string, path string) {
		if strings.TrimSpace(path) == "" {
			return
		}
		resolved := resolveHomePath(path)
		info, err := deps.stat(resolved)
		if err != nil {
			checks = append(checks, doctorCheck{
				name: name,
				err:  fmt.Errorf("path is not readable: %s", resolved),
			})
			return
		}
		if info.IsDir() {
			checks = append(checks, doctorCheck{
				name: name,
				err:  fmt.Errorf("expected a file but found a directory: %s", resolved),
			})
			return
		}
		checks = append(checks, doctorCheck{
			name:   name,
			detail: resolved,
		})
	}

	if cfg.Mode == config.ModeLocal {
		for _, tool := range append([]string{"bash"}, slurm.Tools...) {
			appendToolCheck("local", tool)
		}
	} else {
		appendToolCheck("local", "ssh")
		appendFileCheck("ssh config file", cfg.SSHConfig)
		appendFileCheck("ssh identity file", cfg.IdentityFile)
	}

	tr, err := deps.buildTransport(cfg)
	if err != nil {
		checks = append(checks, doctorCheck{
			name: "transport initialization",
			err:  err,
		})
		return checks
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.CommandTimeout)
	defer cancel()

	if err := deps.checkAvailability(ctx, tr, cfg.CommandTimeout); err != nil {
		return append(checks, doctorCheck{
			name: "slurm preflight",
			err:  err,
		})
	}
	checks = append(checks, doctorCheck{
		name:   "slurm preflight",
		detail: "required Slurm commands are reachable on " + tr.Describe(),
	})

	// Each read carries its own command timeout inside the client.
	return append(checks, clusterReadChecks(context.Background(), slurm.NewClient(tr, cfg.CommandTimeout))...)
}

// clusterReadChecks runs one read per data source the analyzers depend on.
// Association limits and the queue are required; priority weights are often
// restricted to operators and only degrade priority analysis.
func clusterReadChecks(ctx context.Context, client *slurm.Client) []doctorCheck {
	checks := make([]doctorCheck, 0, 3)

	const assocName = "association limits (sacctmgr show assoc)"
	assocs, err := client.Associations(ctx)
	switch {
	case err != nil:
		checks = append(checks, doctorCheck{name: assocName, err: err})
	case len(assocs) == 0:
		checks = append(checks, doctorCheck{
			name: assocName,
			warn: true,
			err:  errors.New("no association rows visible; limit reasons will be reported with low confidence"),
		})
	default:
		accounts := make(map[string]struct{}, len(assocs))
		for _, a := range assocs {
			accounts[a.Account] = struct{}{}
		}
		checks = append(checks, doctorCheck{
			name:   assocName,
			detail: fmt.Sprintf("%d associations across %d accounts", len(assocs), len(accounts)),
		})
	}

	const weightsName = "priority weights (sprio -w)"
	if weights, err := client.PriorityWeights(ctx); err != nil {
		checks = append(checks, doctorCheck{
			name: weightsName,
			warn: true,
			err:  fmt.Errorf("%v; Priority reasons will only report the raw reason", err),
		})
	} else {
		checks = append(checks, doctorCheck{name: weightsName, detail: formatWeights(weights)})
	}

	const queueName = "job queue (squeue)"
	if jobs, err := client.ActiveJobs(ctx); err != nil {
		checks = append(checks, doctorCheck{name: queueName, err: err})
	} else {
		pending := 0
		for _, j := range jobs {
			if j.IsPending() {
				pending++
			}
		}
		checks = append(checks, doctorCheck{
			name:   queueName,
			detail: fmt.Sprintf("%d active jobs, %d pending", len(jobs), pending),
		})
	}

	return checks
}

func formatWeights(weights map[string]int64) string {
	names := make([]string, 0, len(weights))
	for name := range weights {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%d", name, weights[name]))
	}
	return strings.Join(parts, " ")
}

func RunDryRun(cfg config.Config, out io.Writer) error {
	target := "local"
	if cfg.Mode == config.ModeRemote {
		target = cfg.Target
	}

	fmt.Fprintln(out, "slurm-why dry-run")
	fmt.Fprintf(out, "mode: %s\n", cfg.Mode)
	fmt.Fprintf(out, "target: %s\n", target)
	fmt.Fprintf(out, "refresh: %s\n", cfg.Refresh)
	fmt.Fprintf(out, "connect-timeout: %s\n", cfg.ConnectTimeout)
	fmt.Fprintf(out, "command-timeout: %s\n", cfg.CommandTimeout)
	fmt.Fprintf(out, "diagnostic-ttl: %s\n", cfg.DiagnosticTTL)
	fmt.Fprintf(out, "job-ttl: %s\n", cfg.JobTTL)
	fmt.Fprintf(out, "json: %t\n", cfg.JSON)
	fmt.Fprintf(out, "no-color: %t\n\n", cfg.NoColor)

	tools := strings.Join(slurm.Tools, ", ")
	fmt.Fprintln(out, "planned sequence:")
	fmt.Fprintln(out, "1. Parse flags and build the configured transport.")
	if cfg.Mode == config.ModeLocal {
		fmt.Fprintf(out, "2. Run a local preflight check for bash, %s.\n", tools)
	} else {
		fmt.Fprintf(out, "2. Connect over OpenSSH to the target and validate %s remotely.\n", tools)
	}
	fmt.Fprintln(out, "3. diagnose <job-id>: read the job with scontrol, falling back to sacct once the controller forgot it,")
	fmt.Fprintln(out, "   then consult squeue, sprio, sinfo, scontrol and sacctmgr depending on the pending reason.")
	fmt.Fprintf(out, "   watch <job-id>: repeat the diagnosis every %s in the live TUI until the job leaves the queue.\n", cfg.Refresh)
	fmt.Fprintf(out, "   serve: refresh the sacctmgr/squeue/sinfo snapshot every %s and answer on %s.\n", cfg.Refresh, cfg.Listen)
	fmt.Fprintln(out, "4. doctor only: read association limits (sacctmgr), priority weights (sprio -w) and the job queue (squeue).")
	fmt.Fprintln(out, "5. Exit without mutating any Slurm queue or cluster state.")
	fmt.Fprintln(out, "\ndry-run only: no local or remote commands were executed.")

	return nil
}

func resolveHomePath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil && strings.TrimSpace(home) != "" {
			return filepath.Join(home, strings.TrimPrefix(path, "~/"))
		}
	}
	return path
}
