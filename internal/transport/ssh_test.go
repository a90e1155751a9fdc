package transport

import (
	"strings"
	"testing"
	"time"
)

func TestShellQuote(t *testing.T) {
	got := shellQuote("echo 'hello world'")
	want := `'echo '"'"'hello world'"'"''`
	if got != want {
		t.Fatalf("unexpected quote output\nwant: %s\ngot:  %s", want, got)
	}
}

func TestCommandStringQuotesArgsSSH(t *testing.T) {
	cmd := Command{Tool: "squeue", Args: []string{"-h", "-o", "%i|%T"}}
	if got, want := cmd.String(), `squeue '-h' '-o' '%i|%T'`; got != want {
		t.Fatalf("unexpected command string\nwant: %s\ngot:  %s", want, got)
	}
	script := Command{Script: "command -v scontrol"}
	if got := script.String(); got != "command -v scontrol" {
		t.Fatalf("script should render verbatim, got %q", got)
	}
}

func TestBuildControlPath(t *testing.T) {
	path := buildControlPath(SSHOptions{
		Target:       "host-a",
		ConfigPath:   "/tmp/cfg",
		IdentityFile: "/tmp/key",
		Port:         22,
	})
	if path == "" {
		t.Fatalf("expected non-empty control path")
	}
	path2 := buildControlPath(SSHOptions{
		Target:       "host-a",
		ConfigPath:   "/tmp/cfg",
		IdentityFile: "/tmp/key",
		Port:         22,
	})
	if path != path2 {
		t.Fatalf("expected deterministic control path, got %q vs %q", path, path2)
	}
}

func TestBuildSSHArgsIncludesResilienceOptions(t *testing.T) {
	tr := NewSSHTransport(SSHOptions{
		Target:         "user@host",
		ConfigPath:     "/tmp/ssh_config",
		IdentityFile:   "/tmp/id",
		Port:           2222,
		ConnectTimeout: 1500 * time.Millisecond,
	})
	args := tr.buildSSHArgs(Command{Tool: "scontrol", Args: []string{"show", "job", "-o", "42"}})
	joined := strings.Join(args, " ")

	required := []string{
		"ConnectTimeout=2",
		"ConnectionAttempts=2",
		"ServerAliveInterval=15",
		"ControlMaster=auto",
		"ControlPath=",
		"-F /tmp/ssh_config",
		"-i /tmp/id",
		"-p 2222",
		"user@host",
		"bash -lc 'scontrol '\"'\"'show'\"'\"'",
	}
	for _, token := range required {
		if !strings.Contains(joined, token) {
			t.Fatalf("expected token %q in args: %s", token, joined)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "timeout", err: &RunError{Timeout: true}, want: true},
		{name: "ssh exit", err: &RunError{ExitCode: 255}, want: true},
		{name: "controller down", err: &RunError{ExitCode: 1, Stderr: "slurm_load_jobs error: Unable to contact slurm controller"}, want: true},
		{name: "invalid job", err: &RunError{ExitCode: 1, Stderr: "Invalid job id specified"}, want: false},
	}
	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.want {
			t.Fatalf("%s: IsRetryable=%v want=%v", tt.name, got, tt.want)
		}
	}
}
