package inbox

// AdmissionResult is the outcome of admitting one inbound activity.
type AdmissionResult int

const (
	// Accepted: validated, persisted, appended to the queue.
	Accepted AdmissionResult = iota
	// RejectedBusy: queue full or a queue restart is in progress.
	RejectedBusy
	// RejectedInvalid: structural validation failed.
	RejectedInvalid
	// RejectedBlocked: the sender's domain is on the blocklist.
	RejectedBlocked
	// RejectedMalicious: the body embeds disallowed local links.
	RejectedMalicious
)

func (r AdmissionResult) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case RejectedBusy:
		return "rejected_busy"
	case RejectedInvalid:
		return "rejected_invalid"
	case RejectedBlocked:
		return "rejected_blocked"
	case RejectedMalicious:
		return "rejected_malicious"
	default:
		return "unknown"
	}
}
