package arbiter

// Group tags a cancellable timer registered with the scheduler, so it can
// be released as a unit when the condition it was waiting for resolves
// some other way.
type Group uint8

const (
	GroupInvalid Group = 0

	// GroupAdmissionRetry backs off between id-collision retries during
	// the admission protocol.
	GroupAdmissionRetry Group = 1

	// GroupBarrierTimeout bounds how long an admission/eviction barrier
	// waits for straggling peer replies before giving up on the ones
	// that never answered.
	GroupBarrierTimeout Group = 2

	// GroupDrain is a reserved tag: no timer in this module is scheduled
	// with it. Draining is signalled through Arbiter.Drain and DrainCh.
	GroupDrain Group = 3
)

func (g Group) String() string {
	switch g {
	case GroupInvalid:
		return "Invalid Group"
	case GroupAdmissionRetry:
		return "Admission Retry"
	case GroupBarrierTimeout:
		return "Barrier Timeout"
	case GroupDrain:
		return "Drain"
	default:
		return "Unknown Group"
	}
}
