package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/angelmondragon/mediasearch-backend/pkg/enums"
)

// Action discriminates server to client messages.
type Action string

const (
	ActionUploadProgress  Action = "upload_progress"
	ActionUploadCompleted Action = "upload_completed"
	ActionUploadFailed    Action = "upload_failed"
	ActionBatchProgress   Action = "batch_progress"
	ActionFileProgress    Action = "file_progress"
	ActionAuthSuccess     Action = "auth_success"
	ActionAuthError       Action = "auth_error"
	ActionPing            Action = "ping"
)

// Message is the closed set of events sent to clients.
type Message interface {
	Action() Action
}

// FileStatus is the coarse status reported in per-file progress events.
type FileStatus string

const (
	FileStatusProcessing FileStatus = "processing"
	FileStatusCompleted  FileStatus = "completed"
	FileStatusFailed     FileStatus = "failed"
)

type UploadProgressPayload struct {
	UploadID              uuid.UUID              `json:"upload_id"`
	Status                enums.ProcessingStatus `json:"status"`
	Stage                 enums.ProcessingStage  `json:"stage"`
	ProgressPercent       int                    `json:"progress_percent"`
	Message               string                 `json:"message"`
	ErrorMessage          *string                `json:"error_message,omitempty"`
	DescriptionAuditScore *int                   `json:"description_audit_score,omitempty"`
}

type UploadProgress struct {
	Payload   UploadProgressPayload `json:"payload"`
	Timestamp time.Time             `json:"timestamp"`
}

type UploadCompleted struct {
	UploadID    uuid.UUID `json:"upload_id"`
	Description string    `json:"description"`
	AuditScore  int       `json:"audit_score"`
	Timestamp   time.Time `json:"timestamp"`
}

type UploadFailed struct {
	UploadID     uuid.UUID `json:"upload_id"`
	ErrorMessage string    `json:"error_message"`
	Timestamp    time.Time `json:"timestamp"`
}

type BatchProgressPayload struct {
	BatchID            uuid.UUID         `json:"batch_id"`
	Status             enums.BatchStatus `json:"status"`
	Total              int               `json:"total"`
	Processed          int               `json:"processed"`
	Successful         int               `json:"successful"`
	Failed             int               `json:"failed"`
	ProgressPercentage float64           `json:"progress_percentage"`
}

type BatchProgress struct {
	Payload   BatchProgressPayload `json:"payload"`
	Timestamp time.Time            `json:"timestamp"`
}

type FileProgressPayload struct {
	BatchID            uuid.UUID  `json:"batch_id"`
	UploadID           uuid.UUID  `json:"upload_id"`
	FileName           string     `json:"file_name"`
	FileSize           int64      `json:"file_size"`
	ProgressPercentage int        `json:"progress_percentage"`
	Status             FileStatus `json:"status"`
}

type FileProgress struct {
	Payload   FileProgressPayload `json:"payload"`
	Timestamp time.Time           `json:"timestamp"`
}

type AuthSuccess struct {
	UserID    uuid.UUID `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
}

type AuthError struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type Ping struct {
	Timestamp time.Time `json:"timestamp"`
}

func (UploadProgress) Action() Action  { return ActionUploadProgress }
func (UploadCompleted) Action() Action { return ActionUploadCompleted }
func (UploadFailed) Action() Action    { return ActionUploadFailed }
func (BatchProgress) Action() Action   { return ActionBatchProgress }
func (FileProgress) Action() Action    { return ActionFileProgress }
func (AuthSuccess) Action() Action     { return ActionAuthSuccess }
func (AuthError) Action() Action       { return ActionAuthError }
func (Ping) Action() Action            { return ActionPing }

// Encode serialises msg with its action discriminator as the first field.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("nil message")
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Action(), err)
	}
	prefix := fmt.Sprintf(`{"action":%q`, msg.Action())
	if string(body) == "{}" {
		return []byte(prefix + "}"), nil
	}
	out := make([]byte, 0, len(prefix)+len(body))
	out = append(out, prefix...)
	out = append(out, ',')
	out = append(out, body[1:]...)
	return out, nil
}

// Decode parses a server message into its concrete variant.
func Decode(data []byte) (Message, error) {
	var head struct {
		Action Action `json:"action"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	var msg Message
	switch head.Action {
	case ActionUploadProgress:
		msg = &UploadProgress{}
	case ActionUploadCompleted:
		msg = &UploadCompleted{}
	case ActionUploadFailed:
		msg = &UploadFailed{}
	case ActionBatchProgress:
		msg = &BatchProgress{}
	case ActionFileProgress:
		msg = &FileProgress{}
	case ActionAuthSuccess:
		msg = &AuthSuccess{}
	case ActionAuthError:
		msg = &AuthError{}
	case ActionPing:
		msg = &Ping{}
	default:
		return nil, fmt.Errorf("unknown action %q", head.Action)
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", head.Action, err)
	}
	return msg, nil
}

// ClientMessageType discriminates client to server messages. The auth message
// uses a "type" field while the rest use "action"; both are accepted.
type ClientMessageType string

const (
	ClientAuth              ClientMessageType = "auth"
	ClientSubscribeUpload   ClientMessageType = "subscribe_upload"
	ClientUnsubscribeUpload ClientMessageType = "unsubscribe_upload"
	ClientPong              ClientMessageType = "pong"
	ClientPing              ClientMessageType = "ping"
)

// ClientMessage is a decoded client frame.
type ClientMessage struct {
	Type     ClientMessageType
	Token    string
	UploadID uuid.UUID
}

var errInvalidMessage = errors.New("invalid message format")

var validate = validator.New()

const maxTokenLength = 4096

// DecodeClientMessage validates a client frame against its declared type.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var raw struct {
		Type     string `json:"type"`
		Action   string `json:"action"`
		Token    string `json:"token"`
		UploadID string `json:"upload_id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return ClientMessage{}, fmt.Errorf("%w: %v", errInvalidMessage, err)
	}
	kind := raw.Type
	if kind == "" {
		kind = raw.Action
	}
	msg := ClientMessage{Type: ClientMessageType(kind)}
	switch msg.Type {
	case ClientAuth:
		if err := validate.Var(raw.Token, fmt.Sprintf("required,max=%d", maxTokenLength)); err != nil {
			return ClientMessage{}, fmt.Errorf("%w: token: %v", errInvalidMessage, err)
		}
		msg.Token = raw.Token
	case ClientSubscribeUpload, ClientUnsubscribeUpload:
		id := strings.ToLower(strings.TrimSpace(raw.UploadID))
		if err := validate.Var(id, "required,uuid"); err != nil {
			return ClientMessage{}, fmt.Errorf("%w: upload_id: %v", errInvalidMessage, err)
		}
		msg.UploadID = uuid.MustParse(id)
	case ClientPong, ClientPing:
	default:
		return ClientMessage{}, fmt.Errorf("%w: unknown type %q", errInvalidMessage, kind)
	}
	return msg, nil
}
