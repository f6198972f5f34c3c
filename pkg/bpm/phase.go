package bpm

// Phase is the measurement state machine's current state. Transitions run
// forward only, except Error and EmergencyDeflate which are reachable from
// any active phase.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseSafetyCheck
	PhaseInflating
	PhaseDeflating
	PhaseAnalyzing
	PhaseComplete
	PhaseError
	PhaseEmergencyDeflate
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseSafetyCheck:
		return "safety_check"
	case PhaseInflating:
		return "inflating"
	case PhaseDeflating:
		return "deflating"
	case PhaseAnalyzing:
		return "analyzing"
	case PhaseComplete:
		return "complete"
	case PhaseError:
		return "error"
	case PhaseEmergencyDeflate:
		return "emergency_deflate"
	default:
		return "unknown"
	}
}
