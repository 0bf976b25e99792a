package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// streamEvents writes the progress of one sync as server-sent events until
// the terminal event or until the client goes away.
func (a *API) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	syncID := chi.URLParam(r, "syncId")

	sub := a.config.Progress.Subscribe("", syncID)
	defer a.config.Progress.RemoveSubscriber(sub.ID())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-sub.C():
			if !ok {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				a.logger.Error("failed to encode progress event", "job_id", syncID, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Status, data); err != nil {
				return
			}
			flusher.Flush()
			if evt.Status.Terminal() {
				return
			}
		}
	}
}
