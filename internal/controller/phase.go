package controller

import "errors"

// Phase is a crawl lifecycle state.
type Phase string

// Lifecycle phases. Checkpointing is a transient sub-phase entered from
// Running or Paused and left for the phase it interrupted.
const (
	PhaseNascent       Phase = "NASCENT"
	PhasePreparing     Phase = "PREPARING"
	PhaseRunning       Phase = "RUNNING"
	PhasePausing       Phase = "PAUSING"
	PhasePaused        Phase = "PAUSED"
	PhaseResuming      Phase = "RESUMING"
	PhaseCheckpointing Phase = "CHECKPOINTING"
	PhaseStopping      Phase = "STOPPING"
	PhaseFinished      Phase = "FINISHED"
)

// Terminal reports whether no further transition is possible.
func (p Phase) Terminal() bool {
	return p == PhaseFinished
}

// Active reports whether a crawl is underway in phase p.
func (p Phase) Active() bool {
	switch p {
	case PhaseRunning, PhasePausing, PhasePaused, PhaseResuming, PhaseCheckpointing:
		return true
	default:
		return false
	}
}

// ExitClass explains why a run finished.
type ExitClass string

// Exit classes.
const (
	ExitNone          ExitClass = ""
	ExitSuccess       ExitClass = "FINISHED_SUCCESS"
	ExitAborted       ExitClass = "FINISHED_ABORTED"
	ExitDataLimit     ExitClass = "FINISHED_DATA_LIMIT"
	ExitDocumentLimit ExitClass = "FINISHED_DOCUMENT_LIMIT"
	ExitTimeLimit     ExitClass = "FINISHED_TIME_LIMIT"
)

var (
	// ErrInvalidPhase is returned by a verb issued in a phase that does not
	// accept it. The call has no effect.
	ErrInvalidPhase = errors.New("action not valid in current phase")
	// ErrCheckpointInProgress rejects a checkpoint request while another
	// checkpoint runs.
	ErrCheckpointInProgress = errors.New("checkpoint already in progress")
	// ErrNotBuilt is returned when a report is requested before Build.
	ErrNotBuilt = errors.New("job components not built")
)
