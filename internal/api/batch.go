package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	apperrors "github.com/openpension/batch-dispatch/internal/errors"
	"github.com/openpension/batch-dispatch/internal/types"
	"github.com/openpension/batch-dispatch/internal/validator"
)

// CreateBatchRequest is the inbound payload of POST /batches. Records are raw
// rows straight out of an upload; validation happens here, not at the client.
type CreateBatchRequest struct {
	Currency    string         `json:"currency"`
	InitiatedBy string         `json:"initiatedBy"`
	Dispatch    bool           `json:"dispatch"`
	Records     []types.Record `json:"records"`
}

func (s *Server) CreateBatchHandler(w http.ResponseWriter, r *http.Request) (
	interface{}, error) {
	s.log.Info("Accepted a new batch")

	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		s.log.Error("Unable to read request body", "error", err)
		return nil, err
	}
	defer r.Body.Close()

	var req CreateBatchRequest

	err = json.Unmarshal(bodyBytes, &req)
	if err != nil {
		return nil, fmt.Errorf("batch unmarshalling error: %w", err)
	}

	instructions := validator.BuildInstructions(req.Records)

	batch, err := s.repo.CreateBatch(r.Context(), req.Currency,
		req.InitiatedBy, instructions)
	if err != nil {
		return nil, mapStoreError(err)
	}

	s.log.Info("Batch created", "batch", batch.ID, "code", batch.BatchCode,
		"count", batch.TotalCount)

	if req.Dispatch {
		if err := s.dispatcher.Dispatch(batch.ID); err != nil {
			return nil, err
		}
	}

	return batch, nil
}

func (s *Server) GetBatchHandler(w http.ResponseWriter, r *http.Request) (
	interface{}, error) {
	batch, err := s.repo.GetBatch(r.Context(), r.PathValue("id"))
	if err != nil {
		return nil, mapStoreError(err)
	}

	return batch, nil
}

func (s *Server) ListBatchesHandler(w http.ResponseWriter, r *http.Request) (
	interface{}, error) {
	filter, err := parseBatchFilter(r)
	if err != nil {
		return nil, err
	}

	batches, err := s.repo.ListBatches(r.Context(), filter)
	if err != nil {
		return nil, mapStoreError(err)
	}

	return batches, nil
}

func (s *Server) ListInstructionsHandler(w http.ResponseWriter, r *http.Request) (
	interface{}, error) {
	var status *types.InstructionStatus

	if raw := r.URL.Query().Get("status"); raw != "" {
		parsed := types.InstructionStatus(raw)
		status = &parsed
	}

	instructions, err := s.repo.ListInstructions(r.Context(),
		r.PathValue("id"), status)
	if err != nil {
		return nil, mapStoreError(err)
	}

	return instructions, nil
}

func (s *Server) ProgressHandler(w http.ResponseWriter, r *http.Request) (
	interface{}, error) {
	progress, err := s.dispatcher.Progress(r.Context(), r.PathValue("id"))
	if err != nil {
		return nil, mapStoreError(err)
	}

	return progress, nil
}

func (s *Server) DispatchHandler(w http.ResponseWriter, r *http.Request) (
	interface{}, error) {
	batchID := r.PathValue("id")

	// A dispatch call for an unknown batch should fail loudly, not spawn
	// a scheduler that dies on its first store read.
	if _, err := s.repo.GetBatch(r.Context(), batchID); err != nil {
		return nil, mapStoreError(err)
	}

	if err := s.dispatcher.Dispatch(batchID); err != nil {
		return nil, err
	}

	s.log.Info("Dispatch started", "batch", batchID)

	return "ok", nil
}

func (s *Server) RedispatchHandler(w http.ResponseWriter, r *http.Request) (
	interface{}, error) {
	batchID := r.PathValue("id")

	requeued, err := s.dispatcher.Redispatch(r.Context(), batchID)
	if err != nil {
		return nil, mapStoreError(err)
	}

	s.log.Info("Redispatch started", "batch", batchID, "requeued", requeued)

	return map[string]int{"requeued": requeued}, nil
}

func (s *Server) CancelHandler(w http.ResponseWriter, r *http.Request) (
	interface{}, error) {
	batchID := r.PathValue("id")

	if !s.dispatcher.Cancel(batchID) {
		return nil, &APIError{NoActiveRunError}
	}

	s.log.Info("Cancellation requested", "batch", batchID)

	return "ok", nil
}

func mapStoreError(err error) error {
	switch {
	case errors.Is(err, types.ErrBatchNotFound),
		errors.Is(err, types.ErrInstructionNotFound):
		return &APIError{NotFoundError}
	case errors.Is(err, types.ErrCurrencyMismatch):
		return apperrors.New(apperrors.CodeCurrencyMismatch,
			"instruction currency differs from batch currency", err)
	case errors.Is(err, types.ErrDuplicateInstruction):
		return apperrors.New(apperrors.CodeDuplicateID,
			"duplicate instruction id in batch", err)
	case errors.Is(err, types.ErrEmptyBatch):
		return apperrors.New(apperrors.CodeEmptyBatch,
			"batch has no dispatchable instructions", err)
	default:
		return err
	}
}

func parseBatchFilter(r *http.Request) (types.BatchFilter, error) {
	var filter types.BatchFilter

	query := r.URL.Query()

	if raw := query.Get("status"); raw != "" {
		status := types.BatchStatus(raw)
		if !status.IsValid() {
			return filter, &APIError{BadRequestError}
		}
		filter.Status = &status
	}

	if raw := query.Get("initiatedBy"); raw != "" {
		filter.InitiatedBy = &raw
	}

	if raw := query.Get("from"); raw != "" {
		from, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, &APIError{BadRequestError}
		}
		filter.From = &from
	}

	if raw := query.Get("to"); raw != "" {
		to, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, &APIError{BadRequestError}
		}
		filter.To = &to
	}

	return filter, nil
}
