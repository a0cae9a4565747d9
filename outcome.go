package outbox

// Outcome is what happened to an entry during one publish attempt.
type Outcome int

const (
	// OutcomePublished means the sink accepted the entry.
	OutcomePublished Outcome = iota
	// OutcomeRetried means delivery failed and a retry was scheduled.
	OutcomeRetried
	// OutcomeDeadLettered means delivery failed permanently.
	OutcomeDeadLettered
	// OutcomeSkipped means the sink circuit was open and nothing changed.
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomePublished:
		return "published"
	case OutcomeRetried:
		return "retried"
	case OutcomeDeadLettered:
		return "dead-lettered"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}
