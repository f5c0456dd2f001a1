package types

// MapTaskStatus converts an external workload-manager task status into
// the internal processing status. Unknown statuses are treated as
// Submitted so polling continues.
func MapTaskStatus(external string) ProcessingStatus {
	switch external {
	case "registered", "defined", "assigning":
		return ProcessingSubmitting
	case "ready", "pending", "scouting", "scouted", "prepared", "topreprocess", "preprocessing":
		return ProcessingSubmitted
	case "running", "toretry", "toincexec", "throttled":
		return ProcessingRunning
	case "done":
		return ProcessingFinished
	case "finished", "paused":
		return ProcessingSubFinished
	case "failed", "aborted", "broken", "exhausted":
		return ProcessingFailed
	default:
		return ProcessingSubmitted
	}
}

// MapJobStatus converts an external per-job status into the internal
// content status.
func MapJobStatus(jobStatus string) ContentStatus {
	switch jobStatus {
	case "finished":
		return ContentAvailable
	case "failed":
		return ContentFailed
	default:
		return ContentProcessing
	}
}
