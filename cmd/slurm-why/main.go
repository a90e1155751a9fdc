package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/prometheus/common/version"

	"slurm_why/internal/app"
	"slurm_why/internal/config"
)

func main() {
	if len(os.Args) > 1 && strings.TrimSpace(os.Args[1]) == "completion" {
		os.Exit(runCompletion(os.Args[2:]))
	}

	cfg, err := config.ParseArgs(os.Args[1:])
	if err != nil {
		switch {
		case errors.Is(err, config.ErrHelpRequested):
			fmt.Fprint(os.Stdout, config.HelpText())
			os.Exit(0)
		case errors.Is(err, config.ErrVersionRequested):
			fmt.Fprintln(os.Stdout, version.Print("slurm-why"))
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "argument error: %v\n", err)
		fmt.Fprintln(os.Stderr, "run 'slurm-why --help' for usage details")
		os.Exit(2)
	}

	switch cfg.Command {
	case config.CommandDoctor:
		err = app.RunDoctor(cfg, os.Stdout)
	case config.CommandDryRun:
		err = app.RunDryRun(cfg, os.Stdout)
	default:
		err = app.Run(cfg)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "slurm-why error: %v\n", err)
		os.Exit(1)
	}
}

func runCompletion(args []string) int {
	if len(args) >= 1 && isHelpArg(args[0]) {
		fmt.Fprint(os.Stdout, completionHelpText())
		return 0
	}
	if len(args) > 1 {
		fmt.Fprintln(os.Stderr, "argument error: completion accepts zero or one shell argument (bash or zsh)")
		return 2
	}
	shell := "bash"
	if len(args) == 1 {
		shell = strings.ToLower(strings.TrimSpace(args[0]))
	}
	script, err := completionScript(shell)
	if err != nil {
		fmt.Fprintf(os.Stderr, "argument error: %v\n", err)
		return 2
	}
	fmt.Fprint(os.Stdout, script)
	return 0
}

func isHelpArg(arg string) bool {
	return arg == "-h" || arg == "--help" || arg == "help"
}

func completionHelpText() string {
	return `slurm-why completion

Print shell completion script output for slurm-why.

Usage:
  slurm-why completion [bash|zsh]

Examples:
  slurm-why completion bash > ~/.local/share/bash-completion/completions/slurm-why
  mkdir -p ~/.zsh/completions
  slurm-why completion zsh > ~/.zsh/completions/_slurm-why
`
}

const completionFlags = "--target --ssh-config --identity-file --port --connect-timeout --command-timeout --refresh --diagnostic-ttl --job-ttl --json --no-color --listen --log.level --log.format --config.file"

func completionScript(shell string) (string, error) {
	switch shell {
	case "bash":
		return `# bash completion for slurm-why
_slurm_why_completion() {
  local cur prev words cword
  _init_completion || return
  local commands="diagnose watch serve doctor dry-run completion help"
  if [[ ${cword} -eq 1 ]]; then
    COMPREPLY=( $(compgen -W "${commands}" -- "${cur}") )
    return
  fi
  case "${words[1]}" in
    completion)
      COMPREPLY=( $(compgen -W "bash zsh" -- "${cur}") )
      ;;
    diagnose|watch|serve|doctor|dry-run)
      COMPREPLY=( $(compgen -W "` + completionFlags + `" -- "${cur}") )
      ;;
    *)
      COMPREPLY=( $(compgen -W "${commands}" -- "${cur}") )
      ;;
  esac
}
complete -F _slurm_why_completion slurm-why
`, nil
	case "zsh":
		return `#compdef slurm-why
_slurm_why() {
  local -a commands
  commands=(
    'diagnose:explain why a job is pending (default)'
    'watch:re-diagnose a job until it starts'
    'serve:serve diagnoses over HTTP'
    'doctor:run non-mutating preflight checks'
    'dry-run:print the planned Slurm queries'
    'completion:print shell completion script'
    'help:show help text'
  )
  if (( CURRENT == 2 )); then
    _describe 'command' commands
    return
  fi
  case "${words[2]}" in
    completion)
      _values 'shell' bash zsh
      ;;
    diagnose|watch|serve|doctor|dry-run)
      _values 'flag' ` + completionFlags + `
      ;;
    *)
      _message 'job id'
      ;;
  esac
}
_slurm_why "$@"
`, nil
	default:
		return "", fmt.Errorf("unsupported shell %q (expected bash or zsh)", shell)
	}
}
