package dependency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"slurm_why/internal/slurm"
	"slurm_why/internal/transport"
)

type mapResolver map[string]JobStatus

func (m mapResolver) Resolve(_ context.Context, id string) (JobStatus, error) {
	st, ok := m[id]
	if !ok {
		return JobStatus{}, fmt.Errorf("%w: %s", slurm.ErrJobNotFound, id)
	}
	st.JobID = id
	return st, nil
}

// failingResolver fails every lookup with err.
type failingResolver struct{ err error }

func (f failingResolver) Resolve(context.Context, string) (JobStatus, error) {
	return JobStatus{}, f.err
}

var evalNow = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want Spec
	}{
		{
			in:   "afterok:123",
			want: Spec{Operator: OpAnd, Clauses: []Clause{{Type: AfterOK, JobIDs: []string{"123"}}}},
		},
		{
			in: "afterok:123:456,afterany:789_*(unfulfilled)",
			want: Spec{Operator: OpAnd, Clauses: []Clause{
				{Type: AfterOK, JobIDs: []string{"123", "456"}},
				{Type: AfterAny, JobIDs: []string{"789_*"}, StatusMarkers: map[string]string{"789_*": "unfulfilled"}},
			}},
		},
		{
			in: "after:12+30?singleton",
			want: Spec{Operator: OpOr, Clauses: []Clause{
				{Type: After, JobIDs: []string{"12"}, DelayMinutes: map[string]int64{"12": 30}},
				{Type: Singleton},
			}},
		},
		{
			in:   "AfterNotOK:5_3(failed)",
			want: Spec{Operator: OpAnd, Clauses: []Clause{{Type: AfterNotOK, JobIDs: []string{"5_3"}, StatusMarkers: map[string]string{"5_3": "failed"}}}},
		},
		{
			in:   "after:123+30_*",
			want: Spec{Operator: OpAnd, Clauses: []Clause{{Type: After, JobIDs: []string{"123_*"}, DelayMinutes: map[string]int64{"123_*": 30}}}},
		},
		{
			in: "after:123+30_*(unfulfilled)",
			want: Spec{Operator: OpAnd, Clauses: []Clause{{
				Type:          After,
				JobIDs:        []string{"123_*"},
				DelayMinutes:  map[string]int64{"123_*": 30},
				StatusMarkers: map[string]string{"123_*": "unfulfilled"},
			}}},
		},
		{
			in:   "after:123_*+30",
			want: Spec{Operator: OpAnd, Clauses: []Clause{{Type: After, JobIDs: []string{"123_*"}, DelayMinutes: map[string]int64{"123_*": 30}}}},
		},
		{in: "", want: Spec{Operator: OpAnd}},
		{in: "(null)", want: Spec{Operator: OpAnd}},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if err != nil {
			t.Fatalf("Parse(%q) returned %v", tt.in, err)
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Fatalf("Parse(%q) unexpected diff (-want +got):\n%s", tt.in, diff)
		}
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		in   string
		want error
	}{
		{in: "afterok:1,afterany:2?afterok:3", want: ErrMixedOperators},
		{in: "afterfoo:1", want: ErrUnknownType},
		{in: "afterok", want: ErrSyntax},
		{in: "afterok:", want: ErrSyntax},
		{in: "afterok:1(unfulfilled", want: ErrSyntax},
		{in: "after:1+x", want: ErrSyntax},
		{in: "after:1_*+30_*", want: ErrSyntax},
		{in: "afterok:1;rm", want: ErrSyntax},
		{in: "afterok:1 afterany:2", want: ErrSyntax},
	}
	for _, tt := range tests {
		if _, err := Parse(tt.in); !errors.Is(err, tt.want) {
			t.Fatalf("Parse(%q) err=%v want=%v", tt.in, err, tt.want)
		}
	}
}

func mustParse(t *testing.T, s string) Spec {
	t.Helper()
	spec, err := Parse(s)
	if err != nil {
		t.Fatalf("Parse(%q): %v", s, err)
	}
	return spec
}

func TestEvaluateAfterOK(t *testing.T) {
	r := mapResolver{
		"123": {State: slurm.StateCompleted, ExitCode: 0},
		"456": {State: slurm.StateRunning},
	}

	ev := Evaluate(context.Background(), mustParse(t, "afterok:123"), r, evalNow, Options{})
	if !ev.Satisfied || !ev.Clauses[0].Satisfied {
		t.Fatalf("expected afterok:123 satisfied, got %+v", ev)
	}

	ev = Evaluate(context.Background(), mustParse(t, "afterok:123:456"), r, evalNow, Options{})
	if ev.Satisfied || ev.Clauses[0].Satisfied {
		t.Fatalf("expected afterok:123:456 unsatisfied while 456 runs, got %+v", ev)
	}
	if ev.NeverSatisfiable() {
		t.Fatalf("a running job can still satisfy afterok")
	}
	if len(ev.Unmet()) != 1 {
		t.Fatalf("expected one unmet clause")
	}
}

func TestEvaluatePerTypeSemantics(t *testing.T) {
	r := mapResolver{
		"ok":      {State: slurm.StateCompleted, ExitCode: 0},
		"failed":  {State: slurm.StateFailed, ExitCode: 1},
		"badexit": {State: slurm.StateCompleted, ExitCode: 2},
		"pending": {State: slurm.StatePending},
		"running": {State: slurm.StateRunning, StartTime: evalNow.Add(-10 * time.Minute)},
		"timeout": {State: slurm.StateTimeout},
	}
	tests := []struct {
		expr          string
		wantSatisfied bool
		wantPermanent []string
	}{
		{expr: "afterok:ok", wantSatisfied: true},
		{expr: "afterok:failed", wantSatisfied: false, wantPermanent: []string{"failed"}},
		{expr: "afternotok:badexit", wantSatisfied: true},
		{expr: "afternotok:failed", wantSatisfied: true},
		{expr: "afternotok:ok", wantSatisfied: false, wantPermanent: []string{"ok"}},
		{expr: "afternotok:running", wantSatisfied: false},
		{expr: "afterany:timeout:ok", wantSatisfied: true},
		{expr: "afterany:running", wantSatisfied: false},
		{expr: "aftercorr:failed", wantSatisfied: true},
		{expr: "afterburstbuffer:ok", wantSatisfied: true},
		{expr: "after:running", wantSatisfied: true},
		{expr: "after:running+5", wantSatisfied: true},
		{expr: "after:running+30", wantSatisfied: false},
		{expr: "after:pending", wantSatisfied: false},
		{expr: "singleton", wantSatisfied: false},
		{expr: "afterok:gone", wantSatisfied: false},
		{expr: "afterok:failed?afterany:timeout", wantSatisfied: true, wantPermanent: []string{"failed"}},
		{expr: "afterok:ok,afterany:running", wantSatisfied: false},
	}
	for _, tt := range tests {
		ev := Evaluate(context.Background(), mustParse(t, tt.expr), r, evalNow, Options{})
		if ev.Satisfied != tt.wantSatisfied {
			t.Fatalf("%s: satisfied=%v want=%v (%+v)", tt.expr, ev.Satisfied, tt.wantSatisfied, ev)
		}
		if diff := cmp.Diff(tt.wantPermanent, ev.Permanent()); diff != "" {
			t.Fatalf("%s: permanent diff (-want +got):\n%s", tt.expr, diff)
		}
	}
}

func TestEvaluateGoneJobIsOnlyUnmetByDefault(t *testing.T) {
	ev := Evaluate(context.Background(), mustParse(t, "afterany:77"), mapResolver{}, evalNow, Options{})
	job := ev.Clauses[0].Jobs[0]
	if !job.Unresolved || !job.Gone || job.Satisfied || job.Note == "" {
		t.Fatalf("expected unresolved note, got %+v", job)
	}
	if job.Permanent || ev.NeverSatisfiable() {
		t.Fatalf("a missing job must not be called permanent during ordinary analysis: %+v", ev)
	}
	if ev.LookupFailed() {
		t.Fatalf("a job that is gone is not a failed lookup")
	}
}

func TestEvaluateGoneJobIsPermanentWhenRequested(t *testing.T) {
	ev := Evaluate(context.Background(), mustParse(t, "afterok:77"), mapResolver{}, evalNow, Options{GoneIsPermanent: true})
	if !ev.NeverSatisfiable() {
		t.Fatalf("a purged dependency can never fire")
	}
	if diff := cmp.Diff([]string{"77"}, ev.Permanent()); diff != "" {
		t.Fatalf("permanent diff (-want +got):\n%s", diff)
	}
}

func TestEvaluateFailedLookupIsNeverPermanent(t *testing.T) {
	tests := []struct {
		name string
		err  error
		note string
	}{
		{
			name: "timeout",
			err:  &transport.RunError{Command: "scontrol show job -o 99", Target: "local", Timeout: true, Err: context.DeadlineExceeded},
			note: "lookup of job 99 timed out or lost its connection; it will be retried",
		},
		{
			name: "exit",
			err:  &transport.RunError{Command: "scontrol show job -o 99", Target: "local", ExitCode: 1, Stderr: "permission denied"},
			note: "lookup of job 99 failed: ",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, opts := range []Options{{}, {GoneIsPermanent: true}} {
				ev := Evaluate(context.Background(), mustParse(t, "afterok:99"), failingResolver{err: tt.err}, evalNow, opts)
				job := ev.Clauses[0].Jobs[0]
				if job.Permanent || job.Gone || ev.NeverSatisfiable() {
					t.Fatalf("a failed lookup must stay transient (opts=%+v): %+v", opts, job)
				}
				if ev.Satisfied || !ev.LookupFailed() {
					t.Fatalf("expected unsatisfied with a failed lookup: %+v", ev)
				}
				if !strings.HasPrefix(job.Note, tt.note) {
					t.Fatalf("unexpected note %q", job.Note)
				}
			}
		})
	}
}

func TestEvaluateArrayWildcardUsesArrayID(t *testing.T) {
	r := mapResolver{"900": {State: slurm.StateCompleted}}
	ev := Evaluate(context.Background(), mustParse(t, "aftercorr:900_*"), r, evalNow, Options{})
	if !ev.Satisfied {
		t.Fatalf("expected 900_* to resolve via 900, got %+v", ev)
	}
	if ev.Clauses[0].Jobs[0].JobID != "900_*" {
		t.Fatalf("results keep the id as written, got %q", ev.Clauses[0].Jobs[0].JobID)
	}
}

func TestNeverSatisfiableOr(t *testing.T) {
	r := mapResolver{
		"failed":  {State: slurm.StateFailed, ExitCode: 1},
		"running": {State: slurm.StateRunning},
	}
	ev := Evaluate(context.Background(), mustParse(t, "afterok:failed?afterok:running"), r, evalNow, Options{})
	if ev.NeverSatisfiable() {
		t.Fatalf("one open OR branch keeps the expression alive")
	}
	ev = Evaluate(context.Background(), mustParse(t, "afterok:failed?afterok:gone"), r, evalNow, Options{GoneIsPermanent: true})
	if !ev.NeverSatisfiable() {
		t.Fatalf("every OR branch is blocked")
	}
}

func TestEvaluateEmptySpec(t *testing.T) {
	ev := Evaluate(context.Background(), Spec{}, mapResolver{}, evalNow, Options{})
	if !ev.Satisfied || ev.NeverSatisfiable() {
		t.Fatalf("an empty expression is trivially satisfied: %+v", ev)
	}
}
