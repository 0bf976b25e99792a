package api

import (
	"net/http"

	"github.com/livinlefevreloca/syncrunner/internal/progress"
)

// StatsResponse is the body of GET /api/v1/stats.
type StatsResponse struct {
	Running  int                   `json:"running"`
	Progress *progress.BrokerStats `json:"progress,omitempty"`
	Queues   map[string]int64      `json:"queues,omitempty"`
}

func (a *API) stats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{Running: len(a.runner.List())}

	if a.config.Progress != nil {
		st := a.config.Progress.Stats()
		resp.Progress = &st
	}

	if a.queue != nil && len(a.config.QueueTopics) > 0 {
		resp.Queues = make(map[string]int64, len(a.config.QueueTopics))
		for _, topic := range a.config.QueueTopics {
			n, err := a.queue.Pending(r.Context(), topic)
			if err != nil {
				a.logger.Error("failed to read queue length", "topic", topic, "error", err)
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			resp.Queues[topic] = n
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
