package slurm

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"slurm_why/internal/logutils"
	"slurm_why/internal/transport"
)

var (
	ErrJobNotFound    = errors.New("job not found")
	ErrToolNotAllowed = errors.New("tool not allowed")
	ErrInvalidID      = errors.New("invalid identifier")
)

// Tools lists every scheduler command the client may run.
var Tools = []string{"scontrol", "squeue", "sacct", "sacctmgr", "sprio", "sinfo"}

const (
	// -r expands array tasks one per line so pending array demand is counted
	// per task.
	activeJobsFormat  = "%i|%T|%u|%a|%P|%C|%m|%D|%b|%l|%S|%Q|%F|%K|%r"
	activeJobsColumns = 15
	activeJobStates   = "RUNNING,PENDING,COMPLETING,CONFIGURING,SUSPENDED"

	assocFormat  = "format=Account,User,ParentName,Partition,GrpTRES,GrpTRESRunMins,GrpJobs,GrpSubmitJobs,MaxJobs,MaxSubmitJobs,QOS"
	assocColumns = 11

	// Lowercase factor columns are normalized; with -w the uppercase
	// (weighted) columns print the configured weights.
	priorityFormat   = "%i|%r|%u|%Y|%a|%f|%j|%p|%q"
	weightsFormat    = "%i|%r|%u|%Y|%A|%F|%J|%P|%Q"
	accountingFormat = "JobID,State,ExitCode,Start,End"
)

// priorityFactorNames is the column order of priorityFormat after the four
// identifying columns.
var priorityFactorNames = []string{"age", "fairshare", "jobsize", "partition", "qos"}

var (
	jobIDRe = regexp.MustCompile(`^[0-9]{1,12}(_[0-9]{1,9})?$`)
	nameRe  = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.\-]{0,63}$`)
)

// ValidJobID accepts plain job ids and array task ids ("123", "123_4").
func ValidJobID(id string) bool {
	return jobIDRe.MatchString(id)
}

// ValidName accepts partition, reservation, account and QOS names.
func ValidName(name string) bool {
	return nameRe.MatchString(name)
}

// Client runs allow-listed Slurm commands through a transport and parses
// their output. It never retries.
type Client struct {
	transport      transport.Transport
	commandTimeout time.Duration
}

func NewClient(t transport.Transport, commandTimeout time.Duration) *Client {
	return &Client{transport: t, commandTimeout: commandTimeout}
}

func (c *Client) Describe() string {
	return c.transport.Describe()
}

func (c *Client) Job(ctx context.Context, id string) (Job, error) {
	if !ValidJobID(id) {
		return Job{}, fmt.Errorf("%w: job id %q", ErrInvalidID, id)
	}
	raw, err := c.run(ctx, "scontrol", "show", "job", "-o", id)
	if err != nil {
		if isInvalidJobError(err) {
			return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		return Job{}, err
	}
	return ParseJobRecord(raw)
}

// AccountingJob looks the job up in the accounting database, which still
// knows it after the controller has purged it.
func (c *Client) AccountingJob(ctx context.Context, id string) (AccountingRecord, error) {
	if !ValidJobID(id) {
		return AccountingRecord{}, fmt.Errorf("%w: job id %q", ErrInvalidID, id)
	}
	raw, err := c.run(ctx, "sacct", "-nP", "-X", "-j", id, "-o", accountingFormat)
	if err != nil {
		return AccountingRecord{}, err
	}
	return ParseAccounting(raw)
}

func (c *Client) ActiveJobs(ctx context.Context) ([]Job, error) {
	raw, err := c.run(ctx, "squeue", "-h", "-r", "-t", activeJobStates, "-o", activeJobsFormat)
	if err != nil {
		return nil, err
	}
	return ParseActiveJobs(raw), nil
}

func (c *Client) PendingJobs(ctx context.Context, partition string) ([]Job, error) {
	if !ValidName(partition) {
		return nil, fmt.Errorf("%w: partition %q", ErrInvalidID, partition)
	}
	raw, err := c.run(ctx, "squeue", "-h", "-r", "-t", StatePending, "-p", partition, "-o", activeJobsFormat)
	if err != nil {
		return nil, err
	}
	return ParseActiveJobs(raw), nil
}

func (c *Client) Associations(ctx context.Context) ([]Association, error) {
	raw, err := c.run(ctx, "sacctmgr", "-nP", "show", "assoc", assocFormat)
	if err != nil {
		return nil, err
	}
	return ParseAssociations(raw), nil
}

func (c *Client) Priority(ctx context.Context, id string) (PriorityFactors, error) {
	if !ValidJobID(id) {
		return PriorityFactors{}, fmt.Errorf("%w: job id %q", ErrInvalidID, id)
	}
	raw, err := c.run(ctx, "sprio", "-h", "-j", id, "-o", priorityFormat)
	if err != nil {
		return PriorityFactors{}, err
	}
	return ParsePriority(raw)
}

func (c *Client) PriorityWeights(ctx context.Context) (map[string]int64, error) {
	raw, err := c.run(ctx, "sprio", "-w", "-h", "-o", weightsFormat)
	if err != nil {
		return nil, err
	}
	return ParseWeights(raw)
}

func (c *Client) Partition(ctx context.Context, name string) (Partition, error) {
	if !ValidName(name) {
		return Partition{}, fmt.Errorf("%w: partition %q", ErrInvalidID, name)
	}
	raw, err := c.run(ctx, "scontrol", "show", "partition", "-o", name)
	if err != nil {
		return Partition{}, err
	}
	return ParsePartition(raw)
}

func (c *Client) Reservation(ctx context.Context, name string) (Reservation, error) {
	if !ValidName(name) {
		return Reservation{}, fmt.Errorf("%w: reservation %q", ErrInvalidID, name)
	}
	raw, err := c.run(ctx, "scontrol", "show", "reservation", "-o", name)
	if err != nil {
		return Reservation{}, err
	}
	return ParseReservation(raw)
}

func (c *Client) Nodes(ctx context.Context) ([]Node, error) {
	raw, err := c.run(ctx, "scontrol", "show", "node", "-o")
	if err != nil {
		return nil, err
	}
	return ParseNodeLines(raw)
}

func (c *Client) QOSNames(ctx context.Context) ([]string, error) {
	raw, err := c.run(ctx, "sacctmgr", "-nP", "show", "qos", "format=Name")
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out, nil
}

func (c *Client) run(ctx context.Context, tool string, args ...string) (string, error) {
	if !toolAllowed(tool) {
		return "", fmt.Errorf("%w: %s", ErrToolNotAllowed, tool)
	}
	cmdCtx, cancel := context.WithTimeout(ctx, c.commandTimeout)
	defer cancel()

	cmd := transport.Command{Tool: tool, Args: args}
	started := time.Now()
	res, err := c.transport.Run(cmdCtx, cmd)
	entry := logutils.Log.WithFields(logutils.Fields{
		"tool":     tool,
		"command":  cmd.String(),
		"duration": time.Since(started).Round(time.Millisecond),
	})
	if err != nil {
		entry.WithError(err).Debug("slurm query failed")
		return "", err
	}
	entry.Debug("slurm query")
	return strings.TrimRight(res.Stdout, "\n"), nil
}

func toolAllowed(tool string) bool {
	for _, t := range Tools {
		if t == tool {
			return true
		}
	}
	return false
}

func isInvalidJobError(err error) bool {
	var runErr *transport.RunError
	if !errors.As(err, &runErr) {
		return false
	}
	return strings.Contains(strings.ToLower(runErr.Stderr), "invalid job id")
}
