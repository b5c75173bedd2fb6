package enums

// ProcessingStage is the fine-grained step reported in upload progress events.
type ProcessingStage string

const (
	StageQueued              ProcessingStage = "queued"
	StageExtractingFrames    ProcessingStage = "extracting_frames"
	StageVisionAnalysis      ProcessingStage = "vision_analysis"
	StageDescriptionAudit    ProcessingStage = "description_audit"
	StageEmbeddingGeneration ProcessingStage = "embedding_generation"
	StageIndexing            ProcessingStage = "indexing"
	StageCompleted           ProcessingStage = "completed"
	StageFailed              ProcessingStage = "failed"
)

func (s ProcessingStage) String() string {
	return string(s)
}
