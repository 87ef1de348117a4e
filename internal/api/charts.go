package api

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/hf-timestd/internal/clockoffset"
	"github.com/banshee-data/hf-timestd/internal/consensus"
	"github.com/banshee-data/hf-timestd/internal/httputil"
)

const defaultChartWindow = 24 * time.Hour

// handleOffsetChart renders the consensus offset and every channel's
// measured offset over time as an HTML line chart.
// Query params:
//   - since (optional RFC 3339; defaults to the last 24 hours)
//   - limit (optional; points per series)
func (s *Server) handleOffsetChart(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	q := r.URL.Query()
	since, limit, ok := parseWindow(w, q.Get("since"), q.Get("limit"))
	if !ok {
		return
	}
	if since.IsZero() {
		since = s.opts.Clock.Now().Add(-defaultChartWindow)
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Clock offset", Width: "100%", Height: "640px"}),
		charts.WithTitleOpts(opts.Title{Title: "Clock offset", Subtitle: "since " + since.UTC().Format(time.RFC3339)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Top: "bottom"}),
		charts.WithXAxisOpts(opts.XAxis{Type: "time", Name: "UTC"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "offset (ms)", NameLocation: "middle", NameGap: 45}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
	)

	series := 0
	if s.opts.History != nil {
		results, err := s.opts.History.ConsensusHistory(r.Context(), since, limit)
		if err != nil {
			s.log.WithError(err).Warn("query consensus history")
			httputil.InternalServerError(w, "failed to retrieve consensus history")
			return
		}
		if data := consensusPoints(results); len(data) > 0 {
			line.AddSeries("consensus", data,
				charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}),
				charts.WithLineStyleOpts(opts.LineStyle{Width: 3}),
			)
			series++
		}
	}

	if s.opts.Measurements != nil && s.opts.Latest != nil {
		for _, ch := range s.opts.Latest.Channels() {
			ms, err := s.opts.Measurements.Measurements(r.Context(), ch, since, limit)
			if err != nil {
				s.log.WithError(err).WithField("channel", ch).Warn("query measurements")
				httputil.InternalServerError(w, "failed to retrieve measurements")
				return
			}
			if data := measurementPoints(ms); len(data) > 0 {
				line.AddSeries(ch, data, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(true)}))
				series++
			}
		}
	}

	if series == 0 {
		httputil.NotFound(w, "no offsets recorded in the requested window")
		return
	}

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func consensusPoints(results []consensus.Result) []opts.LineData {
	data := make([]opts.LineData, 0, len(results))
	for _, res := range results {
		if res.State == consensus.StateNoData {
			continue
		}
		data = append(data, opts.LineData{Value: []interface{}{res.Timestamp.UnixMilli(), res.OffsetMs}})
	}
	return data
}

func measurementPoints(ms []clockoffset.ChannelMeasurement) []opts.LineData {
	data := make([]opts.LineData, 0, len(ms))
	for _, m := range ms {
		data = append(data, opts.LineData{Value: []interface{}{m.Timestamp.UnixMilli(), m.OffsetMs}})
	}
	return data
}
