package report

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"slurm_why/internal/dependency"
	"slurm_why/internal/diagnose"
	"slurm_why/internal/quota"
	"slurm_why/internal/resources"
	"slurm_why/internal/uifmt"
)

type Options struct {
	NoColor bool
	// Width wraps the report in a bordered panel of that width. Zero
	// renders plain lines.
	Width int
	// Now anchors relative times; zero means time.Now.
	Now time.Time
}

// JSON encodes a result with its "type" discriminant.
func JSON(result diagnose.Result) ([]byte, error) {
	return json.MarshalIndent(result, "", "  ")
}

// Render turns a diagnostic result into a human readable report.
func Render(result diagnose.Result, opts Options) string {
	r := renderer{styles: DefaultStyles(opts.NoColor), now: opts.Now}
	if r.now.IsZero() {
		r.now = time.Now()
	}
	if result == nil {
		return r.styles.Dim.Render("no diagnosis yet")
	}

	lines := r.header(result.Header())
	if detail := r.details(result); len(detail) > 0 {
		lines = append(lines, "")
		lines = append(lines, detail...)
	}
	body := strings.Join(lines, "\n")
	if opts.Width > 0 {
		return r.styles.Panel.Width(opts.Width).Render(body)
	}
	return body
}

type renderer struct {
	styles Styles
	now    time.Time
}

func (r renderer) header(b diagnose.Base) []string {
	lines := []string{
		r.styles.Title.Render("job "+b.JobID) + " " + r.kindChip(b.Type).Render(string(b.Type)),
	}
	if b.Reason != "" {
		lines = append(lines, r.field("reason", b.Reason))
	}
	lines = append(lines, r.field("summary", b.Summary))
	return lines
}

func (r renderer) kindChip(kind diagnose.Kind) lipgloss.Style {
	switch kind {
	case diagnose.KindError, diagnose.KindDependencyNeverSatisfied, diagnose.KindInvalidQOS,
		diagnose.KindPartitionDown, diagnose.KindPartitionInactive, diagnose.KindPartitionTimeLimit,
		diagnose.KindPartitionNodeLimit:
		return r.styles.ChipBad
	case diagnose.KindStatus, diagnose.KindInfo:
		return r.styles.ChipOK
	}
	return r.styles.ChipWarn
}

func (r renderer) field(label, value string) string {
	return r.styles.Label.Render(fmt.Sprintf("%-10s", label)) + " " + r.styles.Value.Render(value)
}

func (r renderer) section(label string) string {
	return r.styles.TableHdr.Render("• " + label)
}

func (r renderer) details(result diagnose.Result) []string {
	switch res := result.(type) {
	case diagnose.ResourcesResult:
		return r.resources(res)
	case diagnose.PriorityResult:
		return r.priority(res)
	case diagnose.DependencyResult:
		return r.dependency(res.Expression, res.Evaluation)
	case diagnose.DependencyNeverSatisfiedResult:
		lines := r.dependency(res.Expression, res.Evaluation)
		return append(lines, r.field("blocking", r.styles.Bad.Render(strings.Join(res.Blocking, ", "))))
	case diagnose.LimitResult:
		return r.limit(res)
	case diagnose.BeginTimeResult:
		return []string{
			r.field("eligible", res.EligibleTime.Format(time.RFC3339)),
			r.field("wait", uifmt.Minutes(res.WaitMinutes)),
		}
	case diagnose.HeldResult:
		return []string{
			r.field("held by", res.HeldBy),
			r.field("next", r.styles.Accent.Render(res.Hint)),
		}
	case diagnose.ReqNodeNotAvailResult:
		return r.reqNodes(res)
	case diagnose.PartitionResult:
		return r.partition(res)
	case diagnose.ReservationResult:
		rv := res.Reservation
		lines := []string{
			r.field("name", rv.Name),
			r.field("state", rv.State),
		}
		if !rv.StartTime.IsZero() {
			lines = append(lines, r.field("window", rv.StartTime.Format(time.RFC3339)+" .. "+rv.EndTime.Format(time.RFC3339)))
			if rv.StartTime.After(r.now) {
				lines = append(lines, r.field("starts in", uifmt.Minutes(int64(rv.StartTime.Sub(r.now).Minutes()))))
			}
		}
		if rv.Nodes != "" {
			lines = append(lines, r.field("nodes", fmt.Sprintf("%s (%d)", rv.Nodes, rv.NodeCount)))
		}
		return lines
	case diagnose.InvalidQOSResult:
		allowed := "(none)"
		if len(res.AllowedQOS) > 0 {
			allowed = strings.Join(res.AllowedQOS, ", ")
		}
		exists := r.styles.OK.Render("yes")
		if !res.Exists {
			exists = r.styles.Bad.Render("no")
		}
		return []string{
			r.field("qos", res.QOS),
			r.field("exists", exists),
			r.field("account", res.Account),
			r.field("allowed", allowed),
		}
	case diagnose.ArrayTaskLimitResult:
		return []string{
			r.field("array", res.ArrayJobID),
			r.field("running", uifmt.Ratio(int64(res.RunningTasks), res.Throttle)),
			r.field("pending", fmt.Sprintf("%d", res.PendingTasks)),
		}
	case diagnose.MessageResult:
		return r.message(res)
	case diagnose.StatusResult:
		lines := []string{
			r.field("state", res.State),
			r.field("exit code", fmt.Sprintf("%d", res.ExitCode)),
		}
		if !res.StartTime.IsZero() {
			lines = append(lines, r.field("started", res.StartTime.Format(time.RFC3339)))
		}
		if !res.EndTime.IsZero() {
			lines = append(lines, r.field("ended", res.EndTime.Format(time.RFC3339)))
		}
		return lines
	}
	return nil
}

func (r renderer) resources(res diagnose.ResourcesResult) []string {
	lines := []string{
		r.field("partition", res.Partition),
		r.field("nodes", fmt.Sprintf("%d eligible, %d could fit one share", res.EligibleNodes, res.FittingNodes)),
		r.section("requested vs free"),
		r.quantityLine("cpu", res.Required.CPU, res.Available.CPU, fmt.Sprintf("%d", res.Required.CPU), fmt.Sprintf("%d", res.Available.CPU)),
		r.quantityLine("memory", res.Required.MemoryMB, res.Available.MemoryMB, uifmt.MemMB(res.Required.MemoryMB), uifmt.MemMB(res.Available.MemoryMB)),
	}
	if res.Required.GPU.Total > 0 {
		lines = append(lines, r.quantityLine("gpu", res.Required.GPU.Total, res.Available.GPU.Total,
			fmt.Sprintf("%d", res.Required.GPU.Total), fmt.Sprintf("%d", res.Available.GPU.Total)))
		for _, name := range sortedKeys(res.Required.GPU.ByType) {
			need := res.Required.GPU.ByType[name]
			free := res.Available.GPU.ByType[name]
			lines = append(lines, r.quantityLine("gpu:"+name, need, free, fmt.Sprintf("%d", need), fmt.Sprintf("%d", free)))
		}
	}
	if len(res.Bottlenecks) > 0 {
		names := make([]string, 0, len(res.Bottlenecks))
		for _, b := range res.Bottlenecks {
			names = append(names, fmt.Sprintf("%s (%s more)", bottleneckName(b), shortfallText(b)))
		}
		lines = append(lines, r.field("short on", r.styles.Bad.Render(strings.Join(names, ", "))))
	}
	return lines
}

func bottleneckName(b resources.Bottleneck) string {
	if b.GPUType != "" {
		return b.Resource + ":" + b.GPUType
	}
	return b.Resource
}

func shortfallText(b resources.Bottleneck) string {
	if b.Resource == resources.ResourceMemory {
		return uifmt.MemMB(b.Shortfall())
	}
	return fmt.Sprintf("%d", b.Shortfall())
}

func (r renderer) quantityLine(label string, need, free int64, needText, freeText string) string {
	status := r.styles.OK.Render("ok")
	if need > free {
		status = r.styles.Bad.Render("short")
	}
	return fmt.Sprintf("  %s need %-8s free %-8s %s", r.styles.Label.Render(fmt.Sprintf("%-10s", label)), needText, freeText, status)
}

func (r renderer) priority(res diagnose.PriorityResult) []string {
	rank := res.Ranking
	lines := []string{
		r.field("partition", res.Partition),
		r.field("priority", fmt.Sprintf("%d", res.Breakdown.Total)),
		r.field("position", fmt.Sprintf("%d of %d pending (%d ahead)", rank.Position, rank.TotalPending, rank.HigherPriorityCount)),
	}
	if res.Dominant != "" {
		lines = append(lines, r.field("dominant", r.styles.Accent.Render(res.Dominant)))
	}
	if len(res.Contributions) > 0 {
		lines = append(lines, r.section("factor contributions"))
		for _, name := range sortedByValue(res.Contributions) {
			lines = append(lines, fmt.Sprintf("  %s %7s", r.styles.Label.Render(fmt.Sprintf("%-10s", name)), uifmt.Percent(res.Contributions[name], true)))
		}
	}
	if len(rank.TopCompetitors) > 0 {
		lines = append(lines, r.section("ahead in queue"))
		for _, c := range rank.TopCompetitors {
			lines = append(lines, fmt.Sprintf("  %-12s %-10s %-10s %d", c.JobID, c.User, c.Account, c.Priority))
		}
	}
	return lines
}

func (r renderer) dependency(expr string, eval dependency.Evaluation) []string {
	lines := []string{r.field("depends", expr)}
	for _, clause := range eval.Clauses {
		mark := r.styles.Warn.Render("waiting")
		if clause.Satisfied {
			mark = r.styles.OK.Render("met")
		}
		lines = append(lines, fmt.Sprintf("  %s %s", r.styles.Label.Render(string(clause.Clause.Type)), mark))
		for _, j := range clause.Jobs {
			state := j.State
			switch {
			case j.Gone:
				state = "gone"
			case j.Unresolved:
				state = "unknown"
			}
			line := fmt.Sprintf("    %-12s %-12s", j.JobID, state)
			if j.Note != "" {
				line += " " + j.Note
			}
			if j.Permanent {
				line = r.styles.Bad.Render(line)
			}
			lines = append(lines, line)
		}
	}
	return lines
}

func (r renderer) limit(res diagnose.LimitResult) []string {
	limitText := fmt.Sprintf("%d", res.Limit)
	usageText := fmt.Sprintf("%d", res.Usage.Total)
	requestText := fmt.Sprintf("%d", res.Requested)
	switch {
	case res.LimitDisplay != nil:
		limitText = res.LimitDisplay.Text
		if res.UsageDisplay != nil {
			usageText = res.UsageDisplay.Text
		}
		requestText = fmt.Sprintf("%d run-min", res.Requested)
	case res.Dimension == quota.DimMemory:
		limitText = uifmt.MemMB(res.Limit)
		usageText = uifmt.MemMB(res.Usage.Total)
		requestText = uifmt.MemMB(res.Requested)
	}

	lines := []string{
		r.field("limit", fmt.Sprintf("%s on %s (%s)", res.Dimension, res.Account, res.Scope)),
		r.field("in use", usageText+" of "+limitText),
		r.field("request", requestText),
	}
	if len(res.Chain) > 0 {
		lines = append(lines, r.field("chain", strings.Join(res.Chain, " > ")))
	}
	if len(res.Usage.TopConsumers) > 0 {
		lines = append(lines, r.section("top consumers"))
		for _, c := range res.Usage.TopConsumers {
			lines = append(lines, fmt.Sprintf("  %-12s %-10s %-10s %d", c.JobID, c.User, c.Account, c.Amount))
		}
	}
	return lines
}

func (r renderer) levels(levels []quota.Level) []string {
	if len(levels) == 0 {
		return nil
	}
	lines := []string{r.section("association levels")}
	for _, l := range levels {
		line := fmt.Sprintf("  %-12s %-8s %d/%d +%d  %d left", l.Account, l.Scope, l.Usage.Total, l.Limit, l.Requested, l.Headroom())
		if l.Exceeded {
			line = r.styles.Bad.Render(line)
		}
		lines = append(lines, line)
	}
	return lines
}

func (r renderer) reqNodes(res diagnose.ReqNodeNotAvailResult) []string {
	var lines []string
	if res.RequiredNodes != "" {
		lines = append(lines, r.field("required", res.RequiredNodes))
	}
	if res.ExcludedNodes != "" {
		lines = append(lines, r.field("excluded", res.ExcludedNodes))
	}
	if res.UnavailableNodes != "" {
		lines = append(lines, r.field("unavail", res.UnavailableNodes))
	}
	if len(res.Unschedulable) > 0 {
		lines = append(lines, r.section("unschedulable nodes"))
		for _, n := range res.Unschedulable {
			lines = append(lines, fmt.Sprintf("  %-16s %s", n.Name, r.styles.Bad.Render(n.State)))
		}
	}
	return lines
}

func (r renderer) partition(res diagnose.PartitionResult) []string {
	p := res.Partition
	lines := []string{
		r.field("partition", p.Name),
		r.field("state", p.State),
	}
	if p.MaxTime != "" {
		lines = append(lines, r.field("max time", p.MaxTime))
	}
	if res.JobTimeLimit != "" {
		lines = append(lines, r.field("job time", r.styles.Bad.Render(res.JobTimeLimit)))
	}
	if res.JobNodes > 0 {
		maxNodes := "unlimited"
		if p.MaxNodes >= 0 {
			maxNodes = fmt.Sprintf("%d", p.MaxNodes)
		}
		lines = append(lines,
			r.field("nodes", fmt.Sprintf("job wants %d, min %d, max %s, total %d", res.JobNodes, p.MinNodes, maxNodes, p.TotalNodes)))
	}
	return lines
}

func (r renderer) message(res diagnose.MessageResult) []string {
	var lines []string
	if res.Message != "" && res.Message != res.Summary {
		if res.Type == diagnose.KindError {
			lines = append(lines, r.styles.ErrorLabel.Render("error: ")+res.Message)
		} else {
			lines = append(lines, r.field("detail", res.Message))
		}
	}
	if res.Confidence != "" {
		lines = append(lines, r.field("confidence", r.styles.Warn.Render(res.Confidence)))
	}
	return append(lines, r.levels(res.Levels)...)
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedByValue(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if m[keys[i]] != m[keys[j]] {
			return m[keys[i]] > m[keys[j]]
		}
		return keys[i] < keys[j]
	})
	return keys
}
