package uploads

import (
	"bytes"
	"context"
	"errors"
	"image/color"
	"mime/multipart"
	"net/http"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/mediasearch-backend/pkg/config"
	"github.com/angelmondragon/mediasearch-backend/pkg/db/models"
	"github.com/angelmondragon/mediasearch-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/mediasearch-backend/pkg/errors"
	"github.com/angelmondragon/mediasearch-backend/pkg/storage"
)

type stubDispatcher struct {
	batches  []uuid.UUID
	analyses []uuid.UUID
	err      error
}

func (d *stubDispatcher) EnqueueBatch(_ context.Context, batchID uuid.UUID) error {
	if d.err != nil {
		return d.err
	}
	d.batches = append(d.batches, batchID)
	return nil
}

func (d *stubDispatcher) EnqueueAnalysis(_ context.Context, uploadID uuid.UUID) error {
	if d.err != nil {
		return d.err
	}
	d.analyses = append(d.analyses, uploadID)
	return nil
}

type part struct {
	name string
	body []byte
}

func buildFileHeaders(t *testing.T, parts ...part) []*multipart.FileHeader {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, p := range parts {
		fw, err := w.CreateFormFile("files", p.name)
		require.NoError(t, err)
		_, err = fw.Write(p.body)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	form, err := multipart.NewReader(&buf, w.Boundary()).ReadForm(32 << 20)
	require.NoError(t, err)
	t.Cleanup(func() { _ = form.RemoveAll() })
	return form.File["files"]
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, imaging.New(40, 30, color.NRGBA{G: 255, A: 255}), imaging.PNG))
	return buf.Bytes()
}

func newTestService(t *testing.T, dispatcher *stubDispatcher) (Service, *Repository) {
	t.Helper()
	repo := newTestRepository(t)
	local, err := storage.NewLocal(config.StorageConfig{UploadPath: t.TempDir()})
	require.NoError(t, err)
	svc, err := NewService(ServiceParams{
		Store:      repo,
		Storage:    local,
		Dispatcher: dispatcher,
		Batch: config.BatchConfig{
			MaxFiles:         3,
			MaxTotalBytes:    10 << 20,
			ListDefaultLimit: 20,
			ListMaxLimit:     100,
		},
		MaxFile: 5 << 20,
	})
	require.NoError(t, err)
	return svc, repo
}

func TestCreateBulkUpload_CorrectsTotalAndQueues(t *testing.T) {
	dispatcher := &stubDispatcher{}
	svc, repo := newTestService(t, dispatcher)
	userID := uuid.New()

	files := buildFileHeaders(t,
		part{name: "one.png", body: pngBytes(t)},
		part{name: "notes.txt", body: []byte("plain text is not media")},
		part{name: "two.png", body: pngBytes(t)},
	)

	res, err := svc.CreateBulkUpload(context.Background(), userID, files)
	require.NoError(t, err)
	require.Equal(t, 3, res.TotalFiles)
	require.Equal(t, 2, res.Queued)
	require.Equal(t, 1, res.Failed)
	require.Equal(t, "notes.txt", res.FailedFiles[0].Filename)
	require.Contains(t, res.FailedFiles[0].Error, "not supported")
	require.Equal(t, []uuid.UUID{res.BatchID}, dispatcher.batches)

	batch, err := repo.FindBatch(context.Background(), res.BatchID)
	require.NoError(t, err)
	require.Equal(t, 2, batch.TotalUploads)
	require.Equal(t, enums.BatchStatusPending, batch.Status)

	uploads, err := repo.ListByBatch(context.Background(), res.BatchID)
	require.NoError(t, err)
	require.Len(t, uploads, 2)
	require.Equal(t, enums.FileTypeImage, uploads[0].FileType)
	require.Equal(t, "image/png", uploads[0].MimeType)
	require.EqualValues(t, 40, uploads[0].Metadata["width"])
}

func TestCreateBulkUpload_Validation(t *testing.T) {
	svc, _ := newTestService(t, &stubDispatcher{})
	userID := uuid.New()

	_, err := svc.CreateBulkUpload(context.Background(), userID, nil)
	require.Equal(t, pkgerrors.CodeValidation, pkgerrors.As(err).Code())

	tooMany := buildFileHeaders(t,
		part{name: "a.png", body: pngBytes(t)},
		part{name: "b.png", body: pngBytes(t)},
		part{name: "c.png", body: pngBytes(t)},
		part{name: "d.png", body: pngBytes(t)},
	)
	_, err = svc.CreateBulkUpload(context.Background(), userID, tooMany)
	require.Equal(t, pkgerrors.CodeValidation, pkgerrors.As(err).Code())
}

func TestCreateBulkUpload_NothingQueuedSkipsDispatch(t *testing.T) {
	dispatcher := &stubDispatcher{}
	svc, _ := newTestService(t, dispatcher)

	files := buildFileHeaders(t, part{name: "notes.txt", body: []byte("hello")})
	userID := uuid.New()
	res, err := svc.CreateBulkUpload(context.Background(), userID, files)
	require.NoError(t, err)
	require.Zero(t, res.Queued)
	require.Empty(t, dispatcher.batches)

	view, err := svc.GetBatch(context.Background(), userID, res.BatchID)
	require.NoError(t, err)
	require.Equal(t, enums.BatchStatusCompleted, view.Status)
	require.Zero(t, view.TotalUploads)
}

func TestCreateBulkUpload_EnqueueFailureMarksBatchFailed(t *testing.T) {
	dispatcher := &stubDispatcher{err: errors.New("redis down")}
	svc, repo := newTestService(t, dispatcher)
	userID := uuid.New()

	files := buildFileHeaders(t, part{name: "one.png", body: pngBytes(t)})
	_, err := svc.CreateBulkUpload(context.Background(), userID, files)
	require.Equal(t, pkgerrors.CodeDependency, pkgerrors.As(err).Code())

	batches, err := repo.ListBatchesByUser(context.Background(), userID, 10, 0)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.Equal(t, enums.BatchStatusFailed, batches[0].Status)
}

func TestBatchQueries_OwnerScopedAndPaginated(t *testing.T) {
	svc, repo := newTestService(t, &stubDispatcher{})
	ctx := context.Background()
	owner := uuid.New()
	batch := &models.UploadBatch{UserID: owner, TotalUploads: 4, ProcessedUploads: 1, SuccessfulUploads: 1}
	require.NoError(t, repo.CreateBatch(ctx, batch))

	view, err := svc.GetBatch(ctx, owner, batch.ID)
	require.NoError(t, err)
	require.InDelta(t, 25.0, view.ProgressPercentage, 0.001)

	_, err = svc.GetBatch(ctx, uuid.New(), batch.ID)
	require.Equal(t, http.StatusNotFound, pkgerrors.MetadataFor(pkgerrors.As(err).Code()).HTTPStatus)

	_, err = svc.ListBatches(ctx, owner, 0, 0)
	require.Equal(t, pkgerrors.CodeValidation, pkgerrors.As(err).Code())
	_, err = svc.ListBatches(ctx, owner, 10, -1)
	require.Equal(t, pkgerrors.CodeValidation, pkgerrors.As(err).Code())

	list, err := svc.ListBatches(ctx, owner, 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestCancelBatch(t *testing.T) {
	svc, repo := newTestService(t, &stubDispatcher{})
	ctx := context.Background()
	owner := uuid.New()
	batch := &models.UploadBatch{UserID: owner, TotalUploads: 1}
	require.NoError(t, repo.CreateBatch(ctx, batch))

	view, err := svc.CancelBatch(ctx, owner, batch.ID)
	require.NoError(t, err)
	require.Equal(t, enums.BatchStatusCancelled, view.Status)

	_, err = svc.CancelBatch(ctx, owner, batch.ID)
	require.Equal(t, http.StatusConflict, pkgerrors.MetadataFor(pkgerrors.As(err).Code()).HTTPStatus)
}

func TestRegenerate(t *testing.T) {
	dispatcher := &stubDispatcher{}
	svc, repo := newTestService(t, dispatcher)
	ctx := context.Background()
	owner := uuid.New()

	newUpload := func(status enums.ProcessingStatus) *models.Upload {
		u := &models.Upload{
			UserID: owner, Filename: "a.jpg", FilePath: "a", FileType: enums.FileTypeImage,
			FileSize: 1, MimeType: "image/jpeg", ProcessingStatus: status,
		}
		require.NoError(t, repo.CreateUpload(ctx, u))
		return u
	}

	analyzing := newUpload(enums.ProcessingStatusAnalyzing)
	_, err := svc.Regenerate(ctx, owner, analyzing.ID)
	require.Equal(t, http.StatusConflict, pkgerrors.MetadataFor(pkgerrors.As(err).Code()).HTTPStatus)

	pending := newUpload(enums.ProcessingStatusPending)
	_, err = svc.Regenerate(ctx, owner, pending.ID)
	require.Equal(t, http.StatusUnprocessableEntity, pkgerrors.MetadataFor(pkgerrors.As(err).Code()).HTTPStatus)

	failed := newUpload(enums.ProcessingStatusFailed)
	view, err := svc.Regenerate(ctx, owner, failed.ID)
	require.NoError(t, err)
	require.Equal(t, enums.ProcessingStatusAnalyzing, view.ProcessingStatus)
	require.Equal(t, 1, view.RegenerationCount)
	require.Equal(t, []uuid.UUID{failed.ID}, dispatcher.analyses)

	_, err = svc.Regenerate(ctx, uuid.New(), failed.ID)
	require.Equal(t, pkgerrors.CodeNotFound, pkgerrors.As(err).Code())
}
