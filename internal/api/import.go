package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/openpension/batch-dispatch/internal/importer"
)

// ImportHandler accepts an import job and enqueues it for the importer
// worker. The HTTP layer never touches the store here, so a slow upstream
// upload cannot hold a request open while rows are written.
func (s *Server) ImportHandler(w http.ResponseWriter, r *http.Request) (
	interface{}, error) {
	s.log.Info("Accepted a new import job")

	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		s.log.Error("Unable to read request body", "error", err)
		return nil, err
	}
	defer r.Body.Close()

	var message importer.ImportMessage

	err = json.Unmarshal(bodyBytes, &message)
	if err != nil {
		return nil, fmt.Errorf("import message unmarshalling error: %w", err)
	}

	s.log.Debug("Import message", "records", len(message.Records))

	err = s.publisher.Publish(bodyBytes)
	if err != nil {
		s.log.Error(
			"couldn't enqueue import job",
			"records", len(message.Records),
			"error", err,
		)

		return nil, &APIError{EnqueueingError}
	}

	return "ok", nil
}
