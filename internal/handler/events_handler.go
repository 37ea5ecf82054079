package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/GTJasonMK/AnyRounterTool/internal/service"
)

const keepAliveInterval = 25 * time.Second

// eventsHandler streams check results as server-sent events until the
// client disconnects.
func eventsHandler(events *service.Broadcaster, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, "streaming unsupported")
			return
		}

		ch, cancel := events.Subscribe()
		defer cancel()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		ticker := time.NewTicker(keepAliveInterval)
		defer ticker.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				fmt.Fprint(w, ": keep-alive\n\n")
				flusher.Flush()
			case res, open := <-ch:
				if !open {
					return
				}
				payload, err := json.Marshal(res)
				if err != nil {
					logger.Warn("events: marshal failed", zap.Error(err))
					continue
				}
				fmt.Fprintf(w, "event: check\ndata: %s\n\n", payload)
				flusher.Flush()
			}
		}
	}
}
