package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/openpension/batch-dispatch/internal/aggregator"
	"github.com/openpension/batch-dispatch/internal/types"
)

// ReconcileRequest carries a flat transfer log exported from a legacy system
// that never tracked batches as first-class records.
type ReconcileRequest struct {
	Rows []types.TransactionRow `json:"rows"`
}

// ReconcileHandler derives per-batch views from a flat historical log.
func (s *Server) ReconcileHandler(w http.ResponseWriter, r *http.Request) (
	interface{}, error) {
	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		s.log.Error("Unable to read request body", "error", err)
		return nil, err
	}
	defer r.Body.Close()

	var req ReconcileRequest

	err = json.Unmarshal(bodyBytes, &req)
	if err != nil {
		return nil, fmt.Errorf("reconcile request unmarshalling error: %w", err)
	}

	batches := aggregator.ReconcileLog(req.Rows)

	s.log.Info("Reconciled transfer log", "rows", len(req.Rows),
		"batches", len(batches))

	return batches, nil
}
