package logger

import "context"

// Field names shared by every component so log queries can join on them.
const (
	FieldRequestID = "request_id"
	FieldUserID    = "user_id"
	FieldBatchID   = "batch_id"
	FieldUploadID  = "upload_id"
)

func (l *Logger) WithRequestID(ctx context.Context, requestID string) context.Context {
	return l.WithField(ctx, FieldRequestID, requestID)
}

func (l *Logger) WithUserID(ctx context.Context, userID string) context.Context {
	return l.WithField(ctx, FieldUserID, userID)
}

func (l *Logger) WithBatchID(ctx context.Context, batchID string) context.Context {
	return l.WithField(ctx, FieldBatchID, batchID)
}

func (l *Logger) WithUploadID(ctx context.Context, uploadID string) context.Context {
	return l.WithField(ctx, FieldUploadID, uploadID)
}
