package enums

import "fmt"

// ProcessingStatus describes where an upload sits in the analysis pipeline.
type ProcessingStatus string

const (
	ProcessingStatusPending   ProcessingStatus = "pending"
	ProcessingStatusAnalyzing ProcessingStatus = "analyzing"
	ProcessingStatusEmbedding ProcessingStatus = "embedding"
	ProcessingStatusCompleted ProcessingStatus = "completed"
	ProcessingStatusFailed    ProcessingStatus = "failed"
)

var validProcessingStatuses = []ProcessingStatus{
	ProcessingStatusPending,
	ProcessingStatusAnalyzing,
	ProcessingStatusEmbedding,
	ProcessingStatusCompleted,
	ProcessingStatusFailed,
}

// String returns the literal string for the status.
func (s ProcessingStatus) String() string {
	return string(s)
}

// IsValid reports whether the status is known.
func (s ProcessingStatus) IsValid() bool {
	for _, candidate := range validProcessingStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the pipeline is done with the upload.
func (s ProcessingStatus) IsTerminal() bool {
	return s == ProcessingStatusCompleted || s == ProcessingStatusFailed
}

// ParseProcessingStatus converts raw input into a ProcessingStatus.
func ParseProcessingStatus(value string) (ProcessingStatus, error) {
	for _, candidate := range validProcessingStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid processing status %q", value)
}
