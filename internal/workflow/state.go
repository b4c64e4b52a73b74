package workflow

// State is the single source of truth for where a session is.
type State int

const (
	StateIdentity State = iota
	StateCapturing
	StateReviewComplete
	StateUploading
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdentity:
		return "identity"
	case StateCapturing:
		return "capturing"
	case StateReviewComplete:
		return "review_complete"
	case StateUploading:
		return "uploading"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Operation names the external call a session is waiting on, if any.
type Operation int

const (
	OpNone Operation = iota
	OpLookup
	OpCamera
	OpCapture
)

func (o Operation) String() string {
	switch o {
	case OpNone:
		return "none"
	case OpLookup:
		return "lookup"
	case OpCamera:
		return "camera"
	case OpCapture:
		return "capture"
	default:
		return "unknown"
	}
}
