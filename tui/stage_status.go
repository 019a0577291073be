// ABOUTME: StageStatus enum for pipeline stage display states.
// ABOUTME: Provides String/Icon methods and the spinner frames used for running stages.
package tui

// StageStatus is the display state of one pipeline stage.
type StageStatus int

const (
	StagePending   StageStatus = iota // not started
	StageRunning                      // executing now
	StageCompleted                    // finished in this run
	StagePrevious                     // finished in an earlier run
	StageFailed                       // last attempt failed
	StageSkipped                      // already done when this run started
)

// String returns the lowercase name of the status.
func (s StageStatus) String() string {
	switch s {
	case StagePending:
		return "pending"
	case StageRunning:
		return "running"
	case StageCompleted:
		return "completed"
	case StagePrevious:
		return "previous run"
	case StageFailed:
		return "failed"
	case StageSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Icon returns a bracket-style status marker.
func (s StageStatus) Icon() string {
	switch s {
	case StagePending:
		return "[ ]"
	case StageRunning:
		return "[~]"
	case StageCompleted, StagePrevious:
		return "[*]"
	case StageFailed:
		return "[!]"
	case StageSkipped:
		return "[-]"
	default:
		return "[?]"
	}
}

// Done reports whether the stage's output is available.
func (s StageStatus) Done() bool {
	return s == StageCompleted || s == StagePrevious || s == StageSkipped
}

// SpinnerFrames are the Braille-dot frames shown next to a running stage.
var SpinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
