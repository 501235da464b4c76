// Package api serves the tagging JSON API over net/http.
package api

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/tagconsensus/internal/consensus"
	"github.com/banshee-data/tagconsensus/internal/httputil"
	"github.com/banshee-data/tagconsensus/internal/monitoring"
	"github.com/banshee-data/tagconsensus/internal/tagging"
	"github.com/banshee-data/tagconsensus/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

var logf = monitoring.Component("api")

// Store is everything the handlers read and write.
type Store interface {
	consensus.Store
	Ping() error
	SubmitTag(tag *tagging.Tag) (int64, error)
	GetUserTags(userID string, limit int) ([]tagging.Tag, error)
	GetConsensus(key tagging.TagKey) (*tagging.ConsensusRecord, error)
	GetFrameConsensus(videoID string, frameNum int64) ([]tagging.ConsensusRecord, error)
	ListVideoConsensus(videoID string, status tagging.Status) ([]tagging.ConsensusRecord, error)
	CountConsensusByStatus(videoID string) (map[tagging.Status]int64, error)
	ListReputations() ([]tagging.Reputation, error)
	GetTaggingStats(videoID string) (tagging.TaggingStats, error)
	RecordConflict(key tagging.TagKey, tags []tagging.Tag) (*tagging.Conflict, error)
	ListConflicts(videoID, resolution string) ([]tagging.Conflict, error)
	ResolveConflict(key tagging.TagKey, resolution, resolvedBy string) (*tagging.Conflict, error)
}

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	store           Store
	engine          *consensus.Engine
	recordConflicts bool
}

// NewServer creates a Server. When recordConflicts is set, every disputed
// recompute opens or refreshes an audit conflict for its key.
func NewServer(store Store, engine *consensus.Engine, recordConflicts bool) *Server {
	return &Server{
		store:           store,
		engine:          engine,
		recordConflicts: recordConflicts,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns a mux with every API route registered.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	s.AttachRoutes(mux)
	return mux
}

// AttachRoutes registers the API routes on mux.
func (s *Server) AttachRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.health)
	mux.HandleFunc("GET /api/version", s.showVersion)

	mux.HandleFunc("POST /api/tagging/tags", s.submitTag)
	mux.HandleFunc("GET /api/tagging/tags", s.listTags)
	mux.HandleFunc("GET /api/tagging/users/{user_id}/tags", s.listUserTags)
	mux.HandleFunc("GET /api/tagging/users/{user_id}/reputation", s.showReputation)
	mux.HandleFunc("GET /api/tagging/reputations", s.listReputations)

	mux.HandleFunc("GET /api/tagging/consensus", s.showConsensus)
	mux.HandleFunc("POST /api/tagging/consensus/recompute", s.recompute)
	mux.HandleFunc("GET /api/tagging/videos/{video_id}/consensus", s.listVideoConsensus)
	mux.HandleFunc("GET /api/tagging/stats", s.showStats)

	mux.HandleFunc("GET /api/tagging/conflicts", s.listConflicts)
	mux.HandleFunc("POST /api/tagging/conflicts/resolve", s.resolveConflict)

	mux.HandleFunc("GET /api/tagging/charts/status", s.statusChart)
	mux.HandleFunc("GET /api/tagging/charts/reputation.png", s.reputationChart)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(); err != nil {
		logf("health check failed: %v", err)
		httputil.ServiceUnavailable(w, "database unavailable")
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"status": "ok"})
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, version.Get())
}

// writeStoreError maps a store failure to a response: validation errors are
// the caller's fault, everything else is a server error.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tagging.ErrInvalidTag):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, tagging.ErrConflictNotFound):
		httputil.NotFound(w, err.Error())
	default:
		logf("request failed: %v", err)
		httputil.InternalServerError(w, "storage error")
	}
}

func requireQuery(r *http.Request, name string) (string, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return "", errors.New("missing '" + name + "' parameter")
	}
	return v, nil
}

func parseInt64(name, v string) (int64, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, errors.New("invalid '" + name + "' parameter")
	}
	return n, nil
}

// frameQuery reads the required video_id and frame_num parameters and the
// optional track_id.
func frameQuery(r *http.Request) (videoID string, frameNum int64, trackID *int64, err error) {
	if videoID, err = requireQuery(r, "video_id"); err != nil {
		return
	}
	var raw string
	if raw, err = requireQuery(r, "frame_num"); err != nil {
		return
	}
	if frameNum, err = parseInt64("frame_num", raw); err != nil {
		return
	}
	if raw = r.URL.Query().Get("track_id"); raw != "" {
		var id int64
		if id, err = parseInt64("track_id", raw); err != nil {
			return
		}
		trackID = &id
	}
	return
}
