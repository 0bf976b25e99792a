package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/livinlefevreloca/syncrunner/internal/orchestrator"
)

func (a *API) triggerSync(w http.ResponseWriter, r *http.Request) {
	syncID := chi.URLParam(r, "syncId")

	var payload orchestrator.SyncPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTriggerBody)).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload: "+err.Error())
		return
	}
	payload.ID = syncID
	if err := payload.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	input, err := payload.Encode()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if _, err := a.runner.Start(r.Context(), syncID, a.config.SyncTarget, input, nil); err != nil {
		if errors.Is(err, orchestrator.ErrAlreadyRunning) {
			writeError(w, http.StatusConflict, "sync is already triggered")
			return
		}
		a.logger.Error("failed to trigger sync", "job_id", syncID, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, struct{}{})
}

func (a *API) abortSync(w http.ResponseWriter, r *http.Request) {
	syncID := chi.URLParam(r, "syncId")

	ctx := r.Context()
	if a.config.StopTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.config.StopTimeout)
		defer cancel()
	}

	if err := a.runner.Abort(ctx, syncID); err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrNotRunning):
			writeError(w, http.StatusConflict, "sync is not running")
		case errors.Is(err, orchestrator.ErrStopTimeout):
			writeError(w, http.StatusGatewayTimeout, "sync did not stop in time")
		default:
			a.logger.Error("failed to abort sync", "job_id", syncID, "error", err)
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, struct{}{})
}

func (a *API) getSync(w http.ResponseWriter, r *http.Request) {
	job, ok := a.runner.GetJob(chi.URLParam(r, "syncId"))
	if !ok {
		writeError(w, http.StatusNotFound, "sync is not running")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *API) listSyncs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.runner.List())
}
