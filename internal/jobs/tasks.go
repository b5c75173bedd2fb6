package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	TypeBatchProcess  = "batch:process"
	TypeUploadAnalyze = "upload:analyze"
)

type batchPayload struct {
	BatchID uuid.UUID `json:"batch_id"`
}

type analyzePayload struct {
	UploadID uuid.UUID `json:"upload_id"`
}

func newBatchTask(batchID uuid.UUID) (*asynq.Task, error) {
	b, err := json.Marshal(batchPayload{BatchID: batchID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeBatchProcess, b), nil
}

func newAnalyzeTask(uploadID uuid.UUID) (*asynq.Task, error) {
	b, err := json.Marshal(analyzePayload{UploadID: uploadID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeUploadAnalyze, b), nil
}

// Malformed payloads can never succeed, so they skip any retry.
func decodeBatchPayload(t *asynq.Task) (uuid.UUID, error) {
	var p batchPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return uuid.Nil, fmt.Errorf("decode %s payload: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	if p.BatchID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("%s payload missing batch_id: %w", t.Type(), asynq.SkipRetry)
	}
	return p.BatchID, nil
}

func decodeAnalyzePayload(t *asynq.Task) (uuid.UUID, error) {
	var p analyzePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return uuid.Nil, fmt.Errorf("decode %s payload: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	if p.UploadID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("%s payload missing upload_id: %w", t.Type(), asynq.SkipRetry)
	}
	return p.UploadID, nil
}

func batchTaskID(batchID uuid.UUID) string   { return "batch-" + batchID.String() }
func analyzeTaskID(uploadID uuid.UUID) string { return "upload-" + uploadID.String() }
