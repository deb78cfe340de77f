package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/bulkload/internal/core"
	"github.com/JonMunkholm/bulkload/internal/logging"
)

// LoadStatusHeader carries the load status next to the result body.
const LoadStatusHeader = "X-Bulk-Load-Status"

// progressResponse is a LoadProgress with its computed percentage.
type progressResponse struct {
	core.LoadProgress
	Percent int `json:"percent"`
}

func newProgressResponse(p core.LoadProgress) progressResponse {
	return progressResponse{LoadProgress: p, Percent: p.Percent()}
}

// handleHealth reports that the process is serving.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus reports invocation slot usage.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.LimiterStatus())
}

// handleAnalyze runs ANALYZE over the request body.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	src, err := s.requestSource(w, r)
	if err != nil {
		fail(w, r, err)
		return
	}

	analysis, err := s.service.Analyze(r.Context(), src)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

// handleLoad runs LOAD over the request body. Synchronous loads stream the
// body straight into the loader and answer with the result; async loads
// spool the body first and answer 202 with the load ID.
func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	req, err := parseLoadRequest(r.URL.Query())
	if err != nil {
		fail(w, r, err)
		return
	}

	src, err := s.requestSource(w, r)
	if err != nil {
		fail(w, r, err)
		return
	}

	ctx := withRequestMetadata(r.Context(), r)
	logger := logging.WithFields(ctx, "source", src.Name, "async", req.async)

	if !req.async {
		res, err := s.service.Load(ctx, src, req.params)
		if err != nil {
			fail(w, r, err)
			return
		}
		logger.Info("load finished", "load_id", res.LoadID, "status", res.Status)
		w.Header().Set(LoadStatusHeader, string(res.Status))
		writeJSON(w, http.StatusOK, res)
		return
	}

	src, err = spool(src)
	if err != nil {
		fail(w, r, err)
		return
	}
	id, err := s.service.StartLoad(ctx, src, req.params)
	if err != nil {
		fail(w, r, err)
		return
	}
	logger.Info("load started", "load_id", id, "bytes", src.Size)

	w.Header().Set("Location", "/api/bulk-data/loads/"+id)
	writeJSON(w, http.StatusAccepted, map[string]string{"loadId": id})
}

// handleListLoads returns the most recent loads, newest first.
func (s *Server) handleListLoads(w http.ResponseWriter, r *http.Request) {
	loads, err := s.service.ListLoads(r.Context(), parseLimit(r.URL.Query()))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loads)
}

// handleGetLoad returns the current progress of an async load.
func (s *Server) handleGetLoad(w http.ResponseWriter, r *http.Request) {
	progress, err := s.service.GetLoadProgress(chi.URLParam(r, "loadID"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newProgressResponse(progress))
}

// handleLoadProgress streams load progress via Server-Sent Events.
// Supports resumption via the Last-Event-ID header or lastEventId query
// parameter; the event ID is the progress percentage.
func (s *Server) handleLoadProgress(w http.ResponseWriter, r *http.Request) {
	loadID := chi.URLParam(r, "loadID")

	lastEventIDStr := r.Header.Get("Last-Event-ID")
	if lastEventIDStr == "" {
		lastEventIDStr = r.URL.Query().Get("lastEventId")
	}
	lastEventID, _ := strconv.Atoi(lastEventIDStr)

	flusher, ok := w.(http.Flusher)
	if !ok {
		fail(w, r, errors.New("streaming not supported"))
		return
	}

	progressCh, err := s.service.SubscribeProgress(loadID)
	if err != nil {
		fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	var last progressResponse
	for {
		select {
		case progress, ok := <-progressCh:
			if !ok {
				data, _ := json.Marshal(last)
				fmt.Fprintf(w, "event: complete\ndata: %s\n\n", data)
				flusher.Flush()
				return
			}

			last = newProgressResponse(progress)

			// Skip events the client already has, except the terminal one.
			if lastEventIDStr != "" && last.Percent <= lastEventID && !progress.Phase.Finished() {
				continue
			}

			data, _ := json.Marshal(last)
			fmt.Fprintf(w, "id: %d\nevent: progress\ndata: %s\n\n", last.Percent, data)
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// handleLoadResult waits for a load to finish and returns its result.
// Loads no longer tracked in memory are looked up in the result store.
func (s *Server) handleLoadResult(w http.ResponseWriter, r *http.Request) {
	loadID := chi.URLParam(r, "loadID")

	res, err := s.service.GetLoadResult(r.Context(), loadID)
	if errors.Is(err, core.ErrLoadNotFound) && s.results != nil {
		res, err = s.results.GetLoadResult(r.Context(), loadID)
	}
	if err != nil {
		fail(w, r, err)
		return
	}

	w.Header().Set(LoadStatusHeader, string(res.Status))
	writeJSON(w, http.StatusOK, res)
}

// handleCancelLoad cancels an in-progress load.
func (s *Server) handleCancelLoad(w http.ResponseWriter, r *http.Request) {
	loadID := chi.URLParam(r, "loadID")
	if err := s.service.CancelLoad(loadID); err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"loadId": loadID, "status": "cancelling"})
}
