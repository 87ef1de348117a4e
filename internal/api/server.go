// Package api serves the consensus snapshot, per-channel status and
// measurement history over HTTP, alongside an offset chart, Prometheus
// metrics and the database debug routes.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/banshee-data/hf-timestd/internal/clockoffset"
	"github.com/banshee-data/hf-timestd/internal/consensus"
	"github.com/banshee-data/hf-timestd/internal/db"
	"github.com/banshee-data/hf-timestd/internal/httputil"
	"github.com/banshee-data/hf-timestd/internal/monitoring"
	"github.com/banshee-data/hf-timestd/internal/pipeline"
	"github.com/banshee-data/hf-timestd/internal/timeutil"
	"github.com/banshee-data/hf-timestd/internal/version"
)

const (
	defaultLimit = 500
	maxLimit     = 10000
)

// ChannelStatus is a running channel pipeline.
type ChannelStatus interface {
	Name() string
	Stats() pipeline.ChannelStats
}

// MeasurementHistory returns a channel's measurements at or after since,
// oldest first.
type MeasurementHistory interface {
	Measurements(ctx context.Context, channel string, since time.Time, limit int) ([]clockoffset.ChannelMeasurement, error)
}

// OffsetLookup interpolates a channel's offset series.
type OffsetLookup interface {
	At(channel string, t time.Time) (clockoffset.Point, bool)
}

// ConsensusHistory returns past consensus results, oldest first.
type ConsensusHistory interface {
	ConsensusHistory(ctx context.Context, since time.Time, limit int) ([]consensus.Result, error)
}

// Options wire the server to the running system. Every field is optional;
// routes whose source is missing answer 404.
type Options struct {
	Publisher    *consensus.Publisher
	Channels     []ChannelStatus
	Latest       consensus.MeasurementSource
	Measurements MeasurementHistory
	Offsets      OffsetLookup
	History      ConsensusHistory
	Gatherer     prometheus.Gatherer
	// DB mounts the /debug/ admin routes when set.
	DB    *db.DB
	Clock timeutil.Clock
}

// Server is the HTTP surface.
type Server struct {
	opts    Options
	started time.Time
	log     *logrus.Entry
}

// NewServer returns a server over opts.
func NewServer(opts Options) *Server {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	return &Server{opts: opts, started: opts.Clock.Now(), log: monitoring.Component("api")}
}

// ServeMux returns the routes.
func (s *Server) ServeMux() (*http.ServeMux, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/consensus", s.handleConsensus)
	mux.HandleFunc("/api/channels", s.handleChannels)
	mux.HandleFunc("/api/channels/measurements", s.handleMeasurements)
	mux.HandleFunc("/api/channels/offset", s.handleOffsetAt)
	mux.HandleFunc("/charts/offsets", s.handleOffsetChart)

	gatherer := s.opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	if s.opts.DB != nil {
		if err := s.opts.DB.AttachAdminRoutes(mux); err != nil {
			return nil, err
		}
	}
	return mux, nil
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	mux, err := s.ServeMux()
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           LoggingMiddleware(s.log, mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("http server listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.WithError(err).Warn("http shutdown")
	}
	return nil
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// LoggingMiddleware logs method, path, status and duration.
func LoggingMiddleware(log *logrus.Entry, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		entry := log.WithFields(logrus.Fields{
			"status":   lrw.statusCode,
			"method":   r.Method,
			"uri":      r.RequestURI,
			"duration": time.Since(start).Round(time.Microsecond),
		})
		if lrw.statusCode >= http.StatusInternalServerError {
			entry.Warn("request failed")
			return
		}
		entry.Debug("request")
	})
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		httputil.MethodNotAllowed(w, http.MethodGet, http.MethodHead)
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"status":   "ok",
		"version":  version.Version,
		"git_sha":  version.GitSHA,
		"uptime_s": int64(s.opts.Clock.Now().Sub(s.started).Seconds()),
		"channels": len(s.opts.Channels),
	})
}

func (s *Server) handleConsensus(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	if s.opts.Publisher == nil {
		httputil.NotFound(w, "consensus is not running")
		return
	}
	res, ok := s.opts.Publisher.Latest()
	if !ok {
		httputil.NotFound(w, "no consensus computed yet")
		return
	}
	httputil.WriteJSONOK(w, res)
}

// ChannelSummary is one entry of /api/channels.
type ChannelSummary struct {
	Name            string                          `json:"name"`
	PacketsIn       int64                           `json:"packets_in"`
	PacketsOut      int64                           `json:"packets_delivered"`
	Duplicates      int64                           `json:"duplicates"`
	Malformed       int64                           `json:"malformed"`
	ForeignStream   int64                           `json:"foreign_stream"`
	HeaderErrors    int64                           `json:"header_errors"`
	Gaps            int64                           `json:"gaps"`
	Resyncs         int64                           `json:"resyncs"`
	SamplesFilled   int64                           `json:"samples_filled"`
	Segments        int64                           `json:"segments_written"`
	SegmentsDropped int64                           `json:"segments_dropped"`
	EventsDropped   int64                           `json:"events_dropped"`
	Detections      int64                           `json:"detections"`
	Measurements    int64                           `json:"measurements"`
	Latest          *clockoffset.ChannelMeasurement `json:"latest_measurement,omitempty"`
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	out := make([]ChannelSummary, 0, len(s.opts.Channels))
	for _, ch := range s.opts.Channels {
		st := ch.Stats()
		sum := ChannelSummary{
			Name:            ch.Name(),
			PacketsIn:       st.Resequencer.PacketsReceived,
			PacketsOut:      st.Resequencer.PacketsResequenced,
			Duplicates:      st.Resequencer.Duplicates,
			Malformed:       st.Resequencer.Malformed,
			ForeignStream:   st.Resequencer.ForeignStream,
			HeaderErrors:    st.HeaderErrors,
			Gaps:            st.Resequencer.GapsDetected,
			Resyncs:         st.Resequencer.Resyncs,
			SamplesFilled:   st.Resequencer.SamplesFilled,
			Segments:        st.Writer.SegmentsWritten,
			SegmentsDropped: st.Writer.SegmentsDropped,
			EventsDropped:   st.EventsDropped,
			Detections:      st.Detections,
			Measurements:    st.Measurements,
		}
		if s.opts.Latest != nil {
			if m, ok := s.opts.Latest.LatestMeasurement(ch.Name()); ok {
				sum.Latest = &m
			}
		}
		out = append(out, sum)
	}
	httputil.WriteJSONOK(w, out)
}

// handleMeasurements serves ?channel=NAME[&since=RFC3339][&limit=N].
func (s *Server) handleMeasurements(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	q := r.URL.Query()
	channel := q.Get("channel")
	if channel == "" {
		httputil.BadRequest(w, "missing 'channel' parameter")
		return
	}
	since, limit, ok := parseWindow(w, q.Get("since"), q.Get("limit"))
	if !ok {
		return
	}
	if s.opts.Measurements == nil {
		httputil.NotFound(w, "measurement history is not available")
		return
	}
	ms, err := s.opts.Measurements.Measurements(r.Context(), channel, since, limit)
	if err != nil {
		s.log.WithError(err).WithField("channel", channel).Warn("query measurements")
		httputil.InternalServerError(w, "failed to retrieve measurements")
		return
	}
	if ms == nil {
		ms = []clockoffset.ChannelMeasurement{}
	}
	httputil.WriteJSONOK(w, ms)
}

// handleOffsetAt serves ?channel=NAME[&t=RFC3339], interpolating between
// the bounding measurements. t defaults to now.
func (s *Server) handleOffsetAt(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	q := r.URL.Query()
	channel := q.Get("channel")
	if channel == "" {
		httputil.BadRequest(w, "missing 'channel' parameter")
		return
	}
	at := s.opts.Clock.Now()
	if raw := q.Get("t"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			httputil.BadRequest(w, "invalid 't' parameter, want RFC 3339")
			return
		}
		at = t
	}
	if s.opts.Offsets == nil {
		httputil.NotFound(w, "offset series are not available")
		return
	}
	p, ok := s.opts.Offsets.At(channel, at.UTC())
	if !ok {
		httputil.NotFound(w, "no offset for "+channel+" at that time")
		return
	}
	httputil.WriteJSONOK(w, p)
}

func parseWindow(w http.ResponseWriter, sinceRaw, limitRaw string) (time.Time, int, bool) {
	var since time.Time
	if sinceRaw != "" {
		t, err := time.Parse(time.RFC3339, sinceRaw)
		if err != nil {
			httputil.BadRequest(w, "invalid 'since' parameter, want RFC 3339")
			return time.Time{}, 0, false
		}
		since = t
	}
	limit := defaultLimit
	if limitRaw != "" {
		n, err := strconv.Atoi(limitRaw)
		if err != nil || n < 1 || n > maxLimit {
			httputil.BadRequest(w, "invalid 'limit' parameter")
			return time.Time{}, 0, false
		}
		limit = n
	}
	return since, limit, true
}

// RegistryHistory serves measurement history from the in-memory series
// when no database is configured.
type RegistryHistory struct {
	Registry *clockoffset.Registry
}

// Measurements implements MeasurementHistory.
func (h RegistryHistory) Measurements(_ context.Context, channel string, since time.Time, limit int) ([]clockoffset.ChannelMeasurement, error) {
	ms := h.Registry.Series(channel).Since(since)
	if limit > 0 && len(ms) > limit {
		ms = ms[:limit]
	}
	return ms, nil
}
