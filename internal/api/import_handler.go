package api

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// enqueueImport hands the body to the queue and returns without waiting for
// the import to run.
func (a *API) enqueueImport(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxImportBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "cannot read body: "+err.Error())
		return
	}

	if err := a.queue.Enqueue(r.Context(), topic, body); err != nil {
		a.logger.Error("failed to enqueue import", "topic", topic, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, struct{}{})
}
