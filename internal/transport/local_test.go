package transport

import (
	"context"
	"errors"
	"os/exec"
	"testing"
)

func TestCommandStringQuotesArgs(t *testing.T) {
	cmd := Command{Tool: "squeue", Args: []string{"-h", "-o", "%i|%u", "--states=PD,R"}}
	want := `squeue '-h' '-o' '%i|%u' '--states=PD,R'`
	if got := cmd.String(); got != want {
		t.Fatalf("unexpected command string:\nwant %s\ngot  %s", want, got)
	}

	script := Command{Script: "command -v sinfo"}
	if got := script.String(); got != "command -v sinfo" {
		t.Fatalf("script should render verbatim, got %q", got)
	}
}

func TestLocalTransportReportsExitCode(t *testing.T) {
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
	tr := NewLocalTransport()

	res, err := tr.Run(context.Background(), Command{Script: "echo out; echo oops >&2; exit 3"})
	if err == nil {
		t.Fatalf("expected failure")
	}
	var runErr *RunError
	if !errors.As(err, &runErr) {
		t.Fatalf("expected *RunError, got %T", err)
	}
	if runErr.ExitCode != 3 || res.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got err=%d result=%d", runErr.ExitCode, res.ExitCode)
	}
	if res.Stdout != "out\n" || runErr.Stderr != "oops\n" {
		t.Fatalf("unexpected output: stdout=%q stderr=%q", res.Stdout, runErr.Stderr)
	}
	if runErr.Target != "local" {
		t.Fatalf("unexpected target %q", runErr.Target)
	}
}

func TestLocalTransportRunsToolWithoutShell(t *testing.T) {
	if _, err := exec.LookPath("echo"); err != nil {
		t.Skip("echo not available")
	}
	res, err := NewLocalTransport().Run(context.Background(), Command{Tool: "echo", Args: []string{"$HOME"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Stdout != "$HOME\n" {
		t.Fatalf("argument should not be shell-expanded, got %q", res.Stdout)
	}
}
