package controller

import (
	"fmt"
	"io"
	"sort"

	"github.com/JakeFAU/continuous-crawler/internal/dispatcher"
	"github.com/JakeFAU/continuous-crawler/internal/frontier"
)

// Reporters understood by ReportTo.
const (
	ReporterFrontier = "frontier"
	ReporterThreads  = "threads"
	ReporterLoad     = "load"
	ReporterTotals   = "totals"
)

// Reporters lists the subsystems ReportTo can describe.
func Reporters() []string {
	out := []string{ReporterFrontier, ReporterThreads, ReporterLoad, ReporterTotals}
	sort.Strings(out)
	return out
}

// ReportKinds maps each reporter to the report kinds it understands. The
// first kind is the default.
func ReportKinds() map[string][]string {
	return map[string][]string{
		ReporterFrontier: frontier.ReportKinds(),
		ReporterThreads:  dispatcher.ReportKinds(),
		ReporterLoad:     {frontier.ReportStandard},
		ReporterTotals:   {frontier.ReportStandard},
	}
}

// ReportTo writes the named subsystem's report of the given kind.
func (c *Controller) ReportTo(reporter, kind string, w io.Writer) error {
	comps := c.snapshotComponents()
	if comps == nil {
		if reporter == ReporterFrontier {
			_, err := fmt.Fprintln(w, "frontier unstarted")
			return err
		}
		return ErrNotBuilt
	}
	switch reporter {
	case ReporterFrontier:
		return comps.Frontier.ReportTo(kind, w)
	case ReporterThreads:
		return comps.Pool.ReportTo(kind, w)
	case ReporterLoad:
		busy := dispatcher.Busy(comps.Pool.Statuses())
		ratio := frontier.CongestionRatio(comps.Frontier.QueueSummaries())
		_, err := fmt.Fprintf(w, "%d busy / %d total threads; congestion ratio %.2f\n",
			busy, comps.Pool.Size(), ratio)
		return err
	case ReporterTotals:
		_, err := fmt.Fprintln(w, comps.Frontier.Stats().Totals())
		return err
	default:
		return fmt.Errorf("unknown reporter %q", reporter)
	}
}

// QueueSummaries returns per-queue summaries, or nil before Build.
func (c *Controller) QueueSummaries() []frontier.QueueSummary {
	comps := c.snapshotComponents()
	if comps == nil {
		return nil
	}
	return comps.Frontier.QueueSummaries()
}

func (c *Controller) snapshotComponents() *Components {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.components
}
