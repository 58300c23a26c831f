package frontier

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/JakeFAU/continuous-crawler/internal/crawler"
)

// Report kinds understood by ReportTo.
const (
	ReportStandard = "standard"
	ReportShort    = "short"
)

// QueueSummary describes one work queue for reports and the control API.
type QueueSummary struct {
	Key        string           `json:"key"`
	State      string           `json:"state"`
	Priority   crawler.Priority `json:"priority"`
	Pending    int              `json:"pending"`
	InFlight   int              `json:"in_flight"`
	Wake       time.Time        `json:"wake"`
	LastServed time.Time        `json:"last_served"`
	Admitted   int64            `json:"admitted"`
	Served     int64            `json:"served"`
	Retired    int64            `json:"retired"`
}

// QueueSummaries returns one summary per queue, sorted by key.
func (f *Frontier) QueueSummaries() []QueueSummary {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.clock.Now()
	out := make([]QueueSummary, 0, len(f.queues))
	for _, q := range f.queues {
		out = append(out, QueueSummary{
			Key:        q.key,
			State:      q.state(now, f.cfg.QueueBudget),
			Priority:   q.priority(),
			Pending:    len(q.units),
			InFlight:   len(q.inFlight),
			Wake:       q.wake,
			LastServed: q.lastServed,
			Admitted:   q.admitted,
			Served:     q.served,
			Retired:    q.retired,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// ReportKinds lists the reports ReportTo can write.
func ReportKinds() []string {
	return []string{ReportStandard, ReportShort}
}

// ReportTo writes a plain-text report of the given kind. It only reads a
// copy of the frontier state, so it is safe to call while workers run.
func (f *Frontier) ReportTo(kind string, w io.Writer) error {
	if !f.Started() {
		_, err := fmt.Fprintln(w, "frontier unstarted")
		return err
	}
	summaries := f.QueueSummaries()
	stats := f.Stats()
	bw := bufio.NewWriter(w)
	switch kind {
	case ReportShort:
		writeShortReport(bw, summaries)
	case ReportStandard, "":
		writeStandardReport(bw, f.clock.Now(), stats, summaries, f.cfg.QueueBudget)
	default:
		return fmt.Errorf("unknown frontier report %q", kind)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("write frontier report: %w", err)
	}
	return nil
}

type stateCounts struct {
	inProcess, ready, snoozed, retired, exhausted int
}

func (c stateCounts) active() int { return c.inProcess + c.ready + c.snoozed }

func countStates(summaries []QueueSummary) stateCounts {
	var c stateCounts
	for _, s := range summaries {
		switch s.State {
		case StateInProcess:
			c.inProcess++
		case StateReady:
			c.ready++
		case StateSnoozed:
			c.snoozed++
		case StateRetired:
			c.retired++
		default:
			c.exhausted++
		}
	}
	return c
}

// CongestionRatio is the share of queues currently being served.
func CongestionRatio(summaries []QueueSummary) float64 {
	if len(summaries) == 0 {
		return 0
	}
	return float64(countStates(summaries).inProcess) / float64(len(summaries))
}

func writeShortReport(w io.Writer, summaries []QueueSummary) {
	c := countStates(summaries)
	fmt.Fprintf(w, "%d queues: %d active (%d in-process; %d ready; %d snoozed); %d retired; %d exhausted\n",
		len(summaries), c.active(), c.inProcess, c.ready, c.snoozed, c.retired, c.exhausted)
}

func writeStandardReport(w io.Writer, now time.Time, stats Stats, summaries []QueueSummary, budget int64) {
	fmt.Fprintf(w, "Frontier report - %s\n", now.UTC().Format(time.RFC3339))
	fmt.Fprintln(w)
	fmt.Fprintln(w, " -----===== STATS =====-----")
	fmt.Fprintf(w, " Admitted:     %d\n", stats.Admitted)
	fmt.Fprintf(w, " Queued:       %d\n", stats.Queued)
	fmt.Fprintf(w, " In-process:   %d\n", stats.InFlight)
	fmt.Fprintf(w, " Downloaded:   %d\n", stats.Succeeded)
	fmt.Fprintf(w, " Failed:       %d\n", stats.Failed)
	fmt.Fprintf(w, " Disregarded:  %d\n", stats.Disregarded)
	fmt.Fprintf(w, " Retried:      %d\n", stats.Retried)
	fmt.Fprintf(w, " Duplicates:   %d\n", stats.Duplicates)
	fmt.Fprintf(w, " Over budget:  %d\n", stats.OverBudget)
	fmt.Fprintln(w)

	c := countStates(summaries)
	fmt.Fprintln(w, " -----===== QUEUES =====-----")
	fmt.Fprintf(w, " Total:        %d\n", len(summaries))
	fmt.Fprintf(w, " In-process:   %d\n", c.inProcess)
	fmt.Fprintf(w, " Ready:        %d\n", c.ready)
	fmt.Fprintf(w, " Snoozed:      %d\n", c.snoozed)
	fmt.Fprintf(w, " Retired:      %d\n", c.retired)
	fmt.Fprintf(w, " Exhausted:    %d\n", c.exhausted)
	fmt.Fprintf(w, " Congestion ratio: %.2f\n", CongestionRatio(summaries))
	if longest, ok := longestQueue(summaries); ok {
		fmt.Fprintf(w, " Longest queue: %s (%d)\n", longest.Key, longest.Pending)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, " -----===== QUEUE DETAIL =====-----")
	for _, s := range summaries {
		wake := "-"
		if s.Wake.After(now) {
			wake = s.Wake.Sub(now).Round(time.Millisecond).String()
		}
		fmt.Fprintf(w, " %s %s pending=%d in-flight=%d wake=%s served=%d budget=%s\n",
			s.Key, s.State, s.Pending, s.InFlight, wake, s.Served, budgetText(s.Admitted, budget))
	}
}

func longestQueue(summaries []QueueSummary) (QueueSummary, bool) {
	var longest QueueSummary
	found := false
	for _, s := range summaries {
		if s.Pending > longest.Pending {
			longest = s
			found = true
		}
	}
	return longest, found
}

func budgetText(admitted, budget int64) string {
	if budget <= 0 {
		return fmt.Sprintf("%d/unlimited", admitted)
	}
	return fmt.Sprintf("%d/%d", admitted, budget)
}

// Totals renders the running URI totals line.
func (s Stats) Totals() string {
	queued := int64(s.Queued + s.InFlight)
	return fmt.Sprintf("%d downloaded + %d queued = %d total", s.Succeeded, queued, s.Succeeded+queued)
}
