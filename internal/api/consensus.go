package api

import (
	"errors"
	"net/http"

	"github.com/banshee-data/tagconsensus/internal/httputil"
	"github.com/banshee-data/tagconsensus/internal/tagging"
)

// showConsensus returns the record for one key, or every record in the frame
// when track_id is omitted. A key that has never been computed answers 404
// with a null record.
func (s *Server) showConsensus(w http.ResponseWriter, r *http.Request) {
	videoID, frameNum, trackID, err := frameQuery(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	if trackID == nil {
		records, err := s.store.GetFrameConsensus(videoID, frameNum)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		httputil.WriteJSONOK(w, map[string]interface{}{"consensus": records})
		return
	}

	rec, err := s.store.GetConsensus(tagging.TagKey{VideoID: videoID, FrameNum: frameNum, TrackID: *trackID})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if rec == nil {
		httputil.WriteJSON(w, http.StatusNotFound, map[string]interface{}{"consensus": nil})
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{"consensus": rec})
}

func (s *Server) listVideoConsensus(w http.ResponseWriter, r *http.Request) {
	status := tagging.Status(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		httputil.BadRequest(w, "invalid 'status' parameter")
		return
	}

	records, err := s.store.ListVideoConsensus(r.PathValue("video_id"), status)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{"consensus": records})
}

type recomputeRequest struct {
	VideoID  string `json:"video_id"`
	FrameNum int64  `json:"frame_num"`
	TrackID  *int64 `json:"track_id,omitempty"`
}

type recomputeResponse struct {
	Records   []tagging.ConsensusRecord `json:"records"`
	Count     int                       `json:"count"`
	Conflicts int                       `json:"conflicts"`
}

// recompute runs the engine for one key or a whole frame.
func (s *Server) recompute(w http.ResponseWriter, r *http.Request) {
	var req recomputeRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if req.VideoID == "" {
		httputil.BadRequest(w, "missing 'video_id'")
		return
	}

	records := []tagging.ConsensusRecord{}
	if req.TrackID != nil {
		rec, err := s.engine.CalculateConsensus(tagging.TagKey{VideoID: req.VideoID, FrameNum: req.FrameNum, TrackID: *req.TrackID})
		if err != nil {
			writeStoreError(w, err)
			return
		}
		if rec != nil {
			records = append(records, *rec)
		}
	} else {
		var err error
		records, err = s.engine.UpdateAllConsensus(req.VideoID, req.FrameNum)
		if err != nil {
			writeStoreError(w, err)
			return
		}
	}

	conflicts := s.openConflicts(records)
	httputil.WriteJSONOK(w, recomputeResponse{Records: records, Count: len(records), Conflicts: conflicts})
}

// openConflicts records an audit conflict for every disputed record and
// returns how many were written. Failures are logged; the consensus records
// are already persisted at this point.
func (s *Server) openConflicts(records []tagging.ConsensusRecord) int {
	if !s.recordConflicts {
		return 0
	}
	n := 0
	for _, rec := range records {
		if rec.Status != tagging.StatusDisputed {
			continue
		}
		trackID := rec.TrackID
		tags, err := s.store.GetTags(rec.VideoID, rec.FrameNum, &trackID)
		if err == nil {
			_, err = s.store.RecordConflict(rec.Key(), tags)
		}
		if err != nil {
			logf("record conflict for %s: %v", rec.Key(), err)
			continue
		}
		n++
	}
	return n
}

// showStats degrades to 503 rather than reporting zero counts when the
// store cannot be read.
func (s *Server) showStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetTaggingStats(r.URL.Query().Get("video_id"))
	if err != nil {
		logf("tagging stats: %v", err)
		httputil.ServiceUnavailable(w, "data unavailable")
		return
	}
	httputil.WriteJSONOK(w, stats)
}

func (s *Server) listConflicts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	conflicts, err := s.store.ListConflicts(q.Get("video_id"), q.Get("resolution"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{"conflicts": conflicts})
}

type resolveRequest struct {
	VideoID    string `json:"video_id"`
	FrameNum   int64  `json:"frame_num"`
	TrackID    int64  `json:"track_id"`
	Resolution string `json:"resolution"`
	ResolvedBy string `json:"resolved_by"`
}

func (s *Server) resolveConflict(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	key := tagging.TagKey{VideoID: req.VideoID, FrameNum: req.FrameNum, TrackID: req.TrackID}
	c, err := s.store.ResolveConflict(key, req.Resolution, req.ResolvedBy)
	if err != nil {
		var ve *tagging.ValidationError
		if errors.As(err, &ve) {
			httputil.BadRequest(w, ve.Field+" "+ve.Reason)
			return
		}
		writeStoreError(w, err)
		return
	}
	httputil.WriteJSONOK(w, c)
}
