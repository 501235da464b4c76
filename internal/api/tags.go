package api

import (
	"net"
	"net/http"
	"strconv"

	"github.com/banshee-data/tagconsensus/internal/httputil"
	"github.com/banshee-data/tagconsensus/internal/tagging"
)

type submitTagRequest struct {
	VideoID    string   `json:"video_id"`
	FrameNum   int64    `json:"frame_num"`
	TrackID    int64    `json:"track_id"`
	PlayerName string   `json:"player_name"`
	UserID     string   `json:"user_id"`
	Confidence *float64 `json:"confidence,omitempty"`
	X          *float64 `json:"x,omitempty"`
	Y          *float64 `json:"y,omitempty"`
	Team       string   `json:"team,omitempty"`
	SessionID  string   `json:"session_id,omitempty"`
	DeviceInfo string   `json:"device_info,omitempty"`
}

func (req submitTagRequest) tag(r *http.Request) *tagging.Tag {
	confidence := tagging.DefaultConfidence
	if req.Confidence != nil {
		confidence = *req.Confidence
	}
	return &tagging.Tag{
		VideoID:    req.VideoID,
		FrameNum:   req.FrameNum,
		TrackID:    req.TrackID,
		PlayerName: req.PlayerName,
		UserID:     req.UserID,
		Confidence: confidence,
		Metadata: tagging.TagMetadata{
			X:          req.X,
			Y:          req.Y,
			Team:       req.Team,
			IPAddress:  clientIP(r),
			SessionID:  req.SessionID,
			DeviceInfo: req.DeviceInfo,
		},
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) submitTag(w http.ResponseWriter, r *http.Request) {
	var req submitTagRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	id, err := s.store.SubmitTag(req.tag(r))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]int64{"tag_id": id})
}

func (s *Server) listTags(w http.ResponseWriter, r *http.Request) {
	videoID, frameNum, trackID, err := frameQuery(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	tags, err := s.store.GetTags(videoID, frameNum, trackID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{"tags": tags})
}

func (s *Server) listUserTags(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 {
			httputil.BadRequest(w, "invalid 'limit' parameter")
			return
		}
		limit = parsed
	}

	tags, err := s.store.GetUserTags(r.PathValue("user_id"), limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{"tags": tags})
}

func (s *Server) showReputation(w http.ResponseWriter, r *http.Request) {
	rep, err := s.store.GetUserReputation(r.PathValue("user_id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if rep == nil {
		httputil.NotFound(w, "no reputation for user")
		return
	}
	httputil.WriteJSONOK(w, rep)
}

func (s *Server) listReputations(w http.ResponseWriter, r *http.Request) {
	reps, err := s.store.ListReputations()
	if err != nil {
		logf("list reputations: %v", err)
		httputil.ServiceUnavailable(w, "data unavailable")
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{"reputations": reps})
}
