package progress

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Level is the job log severity of an Event.
type Level string

// Job log levels.
const (
	LevelInfo    Level = "INFO"
	LevelWarning Level = "WARNING"
	LevelSevere  Level = "SEVERE"
)

// Kind groups events by what produced them.
type Kind string

// Supported event kinds.
const (
	// KindTransition marks a controller phase change.
	KindTransition Kind = "TRANSITION"
	// KindNotice covers verb misuse, recoverable anomalies, and launch bookkeeping.
	KindNotice Kind = "NOTICE"
	// KindCheckpoint reports a checkpoint outcome.
	KindCheckpoint Kind = "CHECKPOINT"
)

// Event is one ordered, timestamped entry of a crawl's lifecycle.
type Event struct {
	// RunID identifies one launch of a job using the 16-byte UUID form.
	RunID [16]byte
	// Job is the configured job name.
	Job string
	// Seq orders events of one hub; assigned by Hub.Emit.
	Seq int64
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	Level Level
	Kind  Kind
	// Phase is the controller phase after the event.
	Phase string
	// From is the phase left by a transition.
	From string
	// Exit carries the exit classification once the crawl is FINISHED.
	Exit    string
	Message string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Level {
	case LevelInfo, LevelWarning, LevelSevere:
	default:
		return fmt.Errorf("unknown level %q", e.Level)
	}
	switch e.Kind {
	case KindTransition:
		if e.Phase == "" {
			return errors.New("transition requires phase")
		}
	case KindNotice, KindCheckpoint:
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if strings.TrimSpace(e.Message) == "" {
		return errors.New("message is required")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID for repositories.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ParseLevel maps a job log level token to a Level.
func ParseLevel(s string) (Level, error) {
	switch lvl := Level(strings.ToUpper(strings.TrimSpace(s))); lvl {
	case LevelInfo, LevelWarning, LevelSevere:
		return lvl, nil
	default:
		return "", fmt.Errorf("unknown level %q", s)
	}
}
