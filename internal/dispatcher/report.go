package dispatcher

import (
	"bufio"
	"fmt"
	"io"
	"time"

	"github.com/JakeFAU/continuous-crawler/internal/worker"
)

// Report kinds understood by ReportTo.
const (
	ReportStandard = "standard"
	ReportShort    = "short"
)

// ReportKinds lists the reports ReportTo can write.
func ReportKinds() []string {
	return []string{ReportStandard, ReportShort}
}

// Busy counts workers inside the pipeline for a unit.
func Busy(statuses []worker.Status) int {
	n := 0
	for _, s := range statuses {
		switch s.Step {
		case worker.StepIdle, worker.StepWaiting, worker.StepPaused:
		default:
			n++
		}
	}
	return n
}

// ReportTo writes the thread report of the given kind.
func (d *Dispatcher) ReportTo(kind string, w io.Writer) error {
	statuses := d.Statuses()
	bw := bufio.NewWriter(w)
	switch kind {
	case ReportShort:
		counts := map[worker.Step]int{}
		for _, s := range statuses {
			counts[s.Step]++
		}
		fmt.Fprintf(bw, "%d threads: %d busy, %d waiting, %d paused, %d abandoned\n",
			len(statuses), Busy(statuses), counts[worker.StepWaiting]+counts[worker.StepIdle],
			counts[worker.StepPaused], counts[worker.StepAbandoned])
	case ReportStandard, "":
		now := time.Now()
		fmt.Fprintf(bw, "Thread report - %d threads, %d busy\n", len(statuses), Busy(statuses))
		for _, s := range statuses {
			url := s.URL
			if url == "" {
				url = "-"
			}
			fmt.Fprintf(bw, "[#%d] %s %s for %s, %d processed\n",
				s.Index, s.Step, url, now.Sub(s.Since).Round(time.Millisecond), s.Processed)
		}
	default:
		return fmt.Errorf("unknown thread report %q", kind)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("write thread report: %w", err)
	}
	return nil
}
