package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/mediasearch-backend/internal/audit"
	"github.com/angelmondragon/mediasearch-backend/internal/realtime"
	"github.com/angelmondragon/mediasearch-backend/pkg/db/models"
	"github.com/angelmondragon/mediasearch-backend/pkg/enums"
)

type memStore struct {
	mu        sync.Mutex
	uploads   map[uuid.UUID]*models.Upload
	embedding map[uuid.UUID][]float32
}

func newMemStore(uploads ...*models.Upload) *memStore {
	s := &memStore{uploads: map[uuid.UUID]*models.Upload{}, embedding: map[uuid.UUID][]float32{}}
	for _, u := range uploads {
		cp := *u
		s.uploads[u.ID] = &cp
	}
	return s
}

func (s *memStore) FindByID(ctx context.Context, id uuid.UUID) (*models.Upload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *memStore) UpdateStatus(ctx context.Context, id uuid.UUID, status enums.ProcessingStatus, errMsg *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	u.ProcessingStatus = status
	u.ErrorMessage = errMsg
	return nil
}

func (s *memStore) UpdateThumbnail(ctx context.Context, id uuid.UUID, thumbnailPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	u.ThumbnailPath = &thumbnailPath
	return nil
}

func (s *memStore) UpdateAnalysis(ctx context.Context, id uuid.UUID, description string, embedding []float32, auditScore int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	u.Description = &description
	u.DescriptionAuditScore = &auditScore
	u.ProcessingStatus = enums.ProcessingStatusCompleted
	u.ErrorMessage = nil
	s.embedding[id] = embedding
	return nil
}

func (s *memStore) status(id uuid.UUID) (enums.ProcessingStatus, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.uploads[id]
	msg := ""
	if u.ErrorMessage != nil {
		msg = *u.ErrorMessage
	}
	return u.ProcessingStatus, msg
}

type fakeAI struct {
	mu           sync.Mutex
	describe     func(call int) (string, error)
	describeN    int
	framesN      int
	embedErr     error
	embedded     []string
	seenFrames   []string
	seenImageArg string
}

func (f *fakeAI) DescribeImage(ctx context.Context, path string) (string, error) {
	f.mu.Lock()
	f.describeN++
	call := f.describeN
	f.seenImageArg = path
	f.mu.Unlock()
	if f.describe == nil {
		return "A brown dog running across a green field", nil
	}
	return f.describe(call)
}

func (f *fakeAI) DescribeFrames(ctx context.Context, framePaths []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.framesN++
	f.seenFrames = append([]string(nil), framePaths...)
	return "A short clip of waves breaking on a beach", nil
}

func (f *fakeAI) Embed(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.embedded = append(f.embedded, text)
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	return []float32{0.1, 0.2, 0.3, 0.4}, nil
}

type scriptedAuditor struct {
	results []audit.Result
	calls   int
}

func (a *scriptedAuditor) Audit(description string) audit.Result {
	a.calls++
	if len(a.results) == 0 {
		return audit.Result{Score: 100, Passed: true}
	}
	idx := min(a.calls-1, len(a.results)-1)
	return a.results[idx]
}

type fakeStorage struct {
	mu          sync.Mutex
	thumbnails  int
	thumbErr    error
	framesCalls int
}

func (s *fakeStorage) AbsPath(rel string) (string, error) {
	if rel == "" {
		return "", errors.New("empty path")
	}
	return "/srv/uploads/" + rel, nil
}

func (s *fakeStorage) ExtractFrames(ctx context.Context, rel string, maxFrames int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.framesCalls++
	return []string{"/tmp/frame_0001.jpg", "/tmp/frame_0002.jpg"}, nil
}

func (s *fakeStorage) GenerateThumbnail(ctx context.Context, userID, uploadID uuid.UUID, rel string, fileType enums.FileType) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.thumbnails++
	if s.thumbErr != nil {
		return "", s.thumbErr
	}
	return "thumb/" + uploadID.String() + ".jpg", nil
}

type recordingPublisher struct {
	mu       sync.Mutex
	progress []realtime.Message
	user     []realtime.Message
}

func (p *recordingPublisher) PublishProgress(ctx context.Context, uploadID uuid.UUID, msg realtime.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.progress = append(p.progress, msg)
}

func (p *recordingPublisher) PublishToUser(ctx context.Context, userID uuid.UUID, msg realtime.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.user = append(p.user, msg)
}

func (p *recordingPublisher) stages() []enums.ProcessingStage {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []enums.ProcessingStage
	for _, m := range p.progress {
		if up, ok := m.(realtime.UploadProgress); ok {
			out = append(out, up.Payload.Stage)
		}
	}
	return out
}

func (p *recordingPublisher) fileProgress() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []int
	for _, m := range p.user {
		if fp, ok := m.(realtime.FileProgress); ok {
			out = append(out, fp.Payload.ProgressPercentage)
		}
	}
	return out
}

func (p *recordingPublisher) last() realtime.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.progress) == 0 {
		return nil
	}
	return p.progress[len(p.progress)-1]
}

func newUpload(fileType enums.FileType) *models.Upload {
	return &models.Upload{
		ID:               uuid.New(),
		UserID:           uuid.New(),
		Filename:         "holiday.jpg",
		FilePath:         "user/upload/original.jpg",
		FileType:         fileType,
		FileSize:         2048,
		MimeType:         "image/jpeg",
		ProcessingStatus: enums.ProcessingStatusPending,
	}
}
