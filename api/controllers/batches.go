package controllers

import (
	"net/http"

	"github.com/angelmondragon/mediasearch-backend/api/responses"
	"github.com/angelmondragon/mediasearch-backend/api/validators"
	"github.com/angelmondragon/mediasearch-backend/internal/uploads"
	"github.com/angelmondragon/mediasearch-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/mediasearch-backend/pkg/errors"
	"github.com/angelmondragon/mediasearch-backend/pkg/logger"
)

type batchListResponse struct {
	Batches []uploads.BatchView `json:"batches"`
	validators.Page
}

// ListBatches pages through the caller's batches, newest first.
func ListBatches(svc uploads.Service, cfg config.BatchConfig, logg *logger.Logger) http.HandlerFunc {
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

		page, err := validators.ParsePage(r, cfg.ListDefaultLimit, cfg.ListMaxLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		batches, err := svc.ListBatches(r.Context(), userID, page.Limit, page.Offset)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, batchListResponse{Batches: batches, Page: page})
	}
}

func GetBatch(svc uploads.Service, logg *logger.Logger) http.HandlerFunc {
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
		batchID, err := pathUUID(r, "batchId", "batch id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		view, err := svc.GetBatch(r.Context(), userID, batchID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, view)
	}
}

// CancelBatch stops a pending or processing batch between items.
func CancelBatch(svc uploads.Service, logg *logger.Logger) http.HandlerFunc {
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
		batchID, err := pathUUID(r, "batchId", "batch id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		view, err := svc.CancelBatch(r.Context(), userID, batchID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, view)
	}
}
