package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/prometheus/common/version"
	"gopkg.in/yaml.v3"

	"slurm_why/internal/slurm"
)

const appName = "slurm-why"

type Mode string

const (
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"
)

type Command string

const (
	CommandDiagnose Command = "diagnose"
	CommandWatch    Command = "watch"
	CommandServe    Command = "serve"
	CommandDoctor   Command = "doctor"
	CommandDryRun   Command = "dry-run"
)

const (
	defaultServeRefresh = 30 * time.Second
	defaultWatchRefresh = 5 * time.Second
)

type Config struct {
	Command Command
	Mode    Mode
	Target  string
	JobID   string

	// Refresh is the snapshot interval for serve and the redraw interval
	// for watch.
	Refresh         time.Duration
	ConnectTimeout  time.Duration
	CommandTimeout  time.Duration
	DiagnosticTTL   time.Duration
	JobTTL          time.Duration
	ShutdownTimeout time.Duration
	SSHConfig       string
	IdentityFile    string
	Port            int

	JSON    bool
	NoColor bool
	Listen  string

	LogLevel   string
	LogFormat  string
	ConfigFile string
}

var (
	ErrHelpRequested    = errors.New("help requested")
	ErrVersionRequested = errors.New("version requested")
)

// fileConfig is the optional YAML file. Any value set there becomes the
// default for the matching flag.
type fileConfig struct {
	Target         string        `yaml:"target"`
	SSHConfig      string        `yaml:"sshConfig"`
	IdentityFile   string        `yaml:"identityFile"`
	Port           int           `yaml:"port"`
	Refresh        time.Duration `yaml:"refresh"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	CommandTimeout time.Duration `yaml:"commandTimeout"`
	DiagnosticTTL  time.Duration `yaml:"diagnosticTTL"`
	JobTTL         time.Duration `yaml:"jobTTL"`
	Listen         string        `yaml:"listen"`
	NoColor        bool          `yaml:"noColor"`
	Log            struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func defaultConfig() Config {
	return Config{
		Command:         CommandDiagnose,
		ConnectTimeout:  10 * time.Second,
		CommandTimeout:  15 * time.Second,
		DiagnosticTTL:   30 * time.Second,
		JobTTL:          15 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		Listen:          ":8080",
		LogLevel:        "warn",
		LogFormat:       "text",
	}
}

// LoadFile reads a YAML config file on top of defaults.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&cfg.Target, fc.Target)
	setString(&cfg.SSHConfig, fc.SSHConfig)
	setString(&cfg.IdentityFile, fc.IdentityFile)
	setString(&cfg.Listen, fc.Listen)
	setString(&cfg.LogLevel, fc.Log.Level)
	setString(&cfg.LogFormat, fc.Log.Format)
	setDuration(&cfg.Refresh, fc.Refresh)
	setDuration(&cfg.ConnectTimeout, fc.ConnectTimeout)
	setDuration(&cfg.CommandTimeout, fc.CommandTimeout)
	setDuration(&cfg.DiagnosticTTL, fc.DiagnosticTTL)
	setDuration(&cfg.JobTTL, fc.JobTTL)
	if fc.Port != 0 {
		cfg.Port = fc.Port
	}
	if fc.NoColor {
		cfg.NoColor = true
	}
	cfg.ConfigFile = path
	return nil
}

func setString(dst *string, v string) {
	if strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}

// newApp builds the kingpin application. The values already in cfg are used
// as flag defaults and parsed values are written back into cfg.
func newApp(cfg *Config) *kingpin.Application {
	app := kingpin.New(appName, "Explain why a Slurm job is still pending.")
	app.HelpFlag.Short('h')
	app.Version(version.Print(appName))
	app.Terminate(nil)

	app.Flag("target", "SSH target (alias or user@host); empty runs the Slurm tools locally.").
		Default(cfg.Target).StringVar(&cfg.Target)
	app.Flag("ssh-config", "Alternate OpenSSH config path (remote mode, supports Host aliases/ProxyJump).").
		Default(cfg.SSHConfig).PlaceHolder("PATH").StringVar(&cfg.SSHConfig)
	app.Flag("identity-file", "Explicit SSH private key passed to ssh -i (remote mode).").
		Default(cfg.IdentityFile).PlaceHolder("PATH").StringVar(&cfg.IdentityFile)
	app.Flag("port", "Override the SSH port of the remote target.").
		Default(strconv.Itoa(cfg.Port)).IntVar(&cfg.Port)
	app.Flag("connect-timeout", "Max SSH connection setup time per command (remote mode).").
		Default(cfg.ConnectTimeout.String()).DurationVar(&cfg.ConnectTimeout)
	app.Flag("command-timeout", "Max runtime of each Slurm command.").
		Default(cfg.CommandTimeout.String()).DurationVar(&cfg.CommandTimeout)
	app.Flag("refresh", "Snapshot interval for serve (default 30s) or redraw interval for watch (default 5s).").
		Default(cfg.Refresh.String()).DurationVar(&cfg.Refresh)
	app.Flag("diagnostic-ttl", "How long a diagnosis is reused.").
		Default(cfg.DiagnosticTTL.String()).DurationVar(&cfg.DiagnosticTTL)
	app.Flag("job-ttl", "How long a job record is reused.").
		Default(cfg.JobTTL.String()).DurationVar(&cfg.JobTTL)
	app.Flag("json", "Print the diagnosis as JSON.").BoolVar(&cfg.JSON)
	app.Flag("no-color", "Disable ANSI color styling.").Default(strconv.FormatBool(cfg.NoColor)).BoolVar(&cfg.NoColor)
	app.Flag("listen", "Listen address for serve (e.g. :8080 or 127.0.0.1:8080).").
		Default(cfg.Listen).StringVar(&cfg.Listen)
	app.Flag("log.level", "Log level, one of [debug, info, warn, error].").
		Default(cfg.LogLevel).EnumVar(&cfg.LogLevel, "debug", "info", "warn", "error")
	app.Flag("log.format", "Log format, one of [text, json].").
		Default(cfg.LogFormat).EnumVar(&cfg.LogFormat, "text", "json")
	app.Flag("config.file", "Optional YAML file whose values become the flag defaults.").
		PlaceHolder("PATH").StringVar(&cfg.ConfigFile)

	diagnose := app.Command(string(CommandDiagnose), "Diagnose one pending job and exit (default).").Default()
	diagnose.Arg("job-id", "Job id, e.g. 123456 or 123456_7.").Required().StringVar(&cfg.JobID)

	watch := app.Command(string(CommandWatch), "Re-diagnose a job on an interval until it leaves the queue.")
	watch.Arg("job-id", "Job id, e.g. 123456 or 123456_7.").Required().StringVar(&cfg.JobID)

	app.Command(string(CommandServe), "Serve diagnoses over HTTP.")
	app.Command(string(CommandDoctor), "Run non-mutating preflight checks and exit.")
	app.Command(string(CommandDryRun), "Print the planned Slurm queries and exit.")
	return app
}

func HelpText() string {
	cfg := defaultConfig()
	app := newApp(&cfg)

	var b strings.Builder
	b.WriteString("slurm-why: read-only diagnosis of pending Slurm jobs\n\n")
	b.WriteString("Usage:\n")
	b.WriteString("  slurm-why [flags] <job-id>\n")
	b.WriteString("  slurm-why watch [flags] <job-id>\n")
	b.WriteString("  slurm-why serve [flags]\n")
	b.WriteString("  slurm-why doctor [flags]\n")
	b.WriteString("  slurm-why dry-run [flags]\n\n")
	b.WriteString("Behavior:\n")
	b.WriteString("  - every command is read-only and never mutates Slurm state\n")
	b.WriteString("  - --target runs the Slurm tools through OpenSSH; omit it to run them locally\n")
	b.WriteString("  - a failed query never aborts a diagnosis; the report says what could not be read\n\n")
	b.WriteString("Authentication:\n")
	b.WriteString("  - uses standard OpenSSH auth flows (ssh-agent, keys, config)\n")
	b.WriteString("  - does not accept password flags\n\n")
	app.UsageWriter(&b)
	app.Usage(nil)
	b.WriteString("\nExamples:\n")
	b.WriteString("  slurm-why 4242\n")
	b.WriteString("  slurm-why --target cluster_alias --json 4242_3\n")
	b.WriteString("  slurm-why watch --refresh 10s 4242\n")
	b.WriteString("  slurm-why serve --target user@cluster.example.org --listen :8080\n")
	b.WriteString("  slurm-why doctor --target cluster_alias\n")
	return b.String()
}

// configFileArg finds --config.file before the full parse so the file can
// supply flag defaults.
func configFileArg(args []string) string {
	for i, a := range args {
		if v, ok := strings.CutPrefix(a, "--config.file="); ok {
			return v
		}
		if a == "--config.file" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func wants(args []string, flags ...string) bool {
	for _, a := range args {
		if a == "--" {
			return false
		}
		for _, f := range flags {
			if a == f {
				return true
			}
		}
	}
	return false
}

func ParseArgs(args []string) (Config, error) {
	if wants(args, "-h", "--help", "help") {
		return Config{}, ErrHelpRequested
	}
	if wants(args, "--version") {
		return Config{}, ErrVersionRequested
	}

	cfg := defaultConfig()
	if path := configFileArg(args); path != "" {
		if err := LoadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	app := newApp(&cfg)
	command, err := app.Parse(args)
	if err != nil {
		return Config{}, err
	}
	cfg.Command = Command(command)
	cfg.Target = strings.TrimSpace(cfg.Target)
	cfg.JobID = strings.TrimSpace(cfg.JobID)

	if cfg.Target == "" {
		cfg.Mode = ModeLocal
	} else {
		cfg.Mode = ModeRemote
	}

	if cfg.Refresh == 0 {
		cfg.Refresh = defaultServeRefresh
		if cfg.Command == CommandWatch {
			cfg.Refresh = defaultWatchRefresh
		}
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if cfg.Refresh <= 0 {
		return fmt.Errorf("--refresh must be > 0")
	}
	if cfg.ConnectTimeout <= 0 {
		return fmt.Errorf("--connect-timeout must be > 0")
	}
	if cfg.CommandTimeout <= 0 {
		return fmt.Errorf("--command-timeout must be > 0")
	}
	if cfg.DiagnosticTTL < 0 || cfg.JobTTL < 0 {
		return fmt.Errorf("--diagnostic-ttl and --job-ttl must be >= 0")
	}
	if cfg.Port < 0 {
		return fmt.Errorf("--port must be >= 0")
	}
	if cfg.Mode == ModeLocal {
		if cfg.SSHConfig != "" || cfg.IdentityFile != "" || cfg.Port != 0 {
			return fmt.Errorf("ssh-specific flags require --target")
		}
	}
	switch cfg.Command {
	case CommandDiagnose, CommandWatch:
		if !slurm.ValidJobID(cfg.JobID) {
			return fmt.Errorf("invalid job id %q (expected digits, optionally followed by _<task>)", cfg.JobID)
		}
	case CommandServe:
		if strings.TrimSpace(cfg.Listen) == "" {
			return fmt.Errorf("--listen must not be empty")
		}
	}
	return nil
}
