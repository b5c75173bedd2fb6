package controllers

import (
	"errors"
	"net/http"

	"github.com/angelmondragon/mediasearch-backend/api/responses"
	"github.com/angelmondragon/mediasearch-backend/internal/uploads"
	pkgerrors "github.com/angelmondragon/mediasearch-backend/pkg/errors"
	"github.com/angelmondragon/mediasearch-backend/pkg/logger"
)

const (
	bulkFilesField = "files"
	// multipartMemory is the in-memory budget before parts spill to temp files.
	multipartMemory = 32 << 20
	// multipartOverhead covers boundaries and part headers on top of file bytes.
	multipartOverhead = 1 << 20
)

// BulkUpload accepts a multipart request with one or more `files` parts and
// queues them as a single batch.
func BulkUpload(svc uploads.Service, maxTotalBytes int64, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "upload service unavailable"))
			return
		}

		userID, err := requestUserID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		if maxTotalBytes > 0 {
			limit := maxTotalBytes + multipartOverhead
			if r.ContentLength > limit {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeTooLarge, "request body too large"))
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}

		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeTooLarge, err, "request body too large"))
				return
			}
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid multipart form"))
			return
		}
		defer func() {
			_ = r.MultipartForm.RemoveAll()
		}()

		result, err := svc.CreateBulkUpload(r.Context(), userID, r.MultipartForm.File[bulkFilesField])
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusAccepted, result)
	}
}

// GetUpload returns a single upload owned by the caller.
func GetUpload(svc uploads.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "upload service unavailable"))
			return
		}
		userID, err := requestUserID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		uploadID, err := pathUUID(r, "uploadId", "upload id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		view, err := svc.GetUpload(r.Context(), userID, uploadID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, view)
	}
}

// RegenerateDescription re-queues analysis for a completed or failed upload.
func RegenerateDescription(svc uploads.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "upload service unavailable"))
			return
		}
		userID, err := requestUserID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		uploadID, err := pathUUID(r, "uploadId", "upload id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		view, err := svc.Regenerate(r.Context(), userID, uploadID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusAccepted, view)
	}
}
