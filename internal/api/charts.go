package api

import (
	"bytes"
	"fmt"
	"image/color"
	"net/http"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/tagconsensus/internal/httputil"
	"github.com/banshee-data/tagconsensus/internal/tagging"
)

var chartStatuses = []tagging.Status{tagging.StatusPending, tagging.StatusConfirmed, tagging.StatusDisputed}

// statusChart renders an HTML bar chart of consensus records per status,
// for one video or globally.
func (s *Server) statusChart(w http.ResponseWriter, r *http.Request) {
	videoID := r.URL.Query().Get("video_id")
	counts, err := s.store.CountConsensusByStatus(videoID)
	if err != nil {
		logf("status chart: %v", err)
		httputil.ServiceUnavailable(w, "data unavailable")
		return
	}

	x := make([]string, 0, len(chartStatuses))
	y := make([]opts.BarData, 0, len(chartStatuses))
	for _, st := range chartStatuses {
		x = append(x, string(st))
		y = append(y, opts.BarData{Value: counts[st]})
	}

	subtitle := "all videos"
	if videoID != "" {
		subtitle = "video=" + videoID
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Consensus status", Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{Title: "Consensus records by status", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(x).
		AddSeries("records", y,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	var buf bytes.Buffer
	if err := bar.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// reputationBins is the number of equal-width score buckets over [0, 1].
const reputationBins = 10

// reputationChart renders a PNG histogram of contributor reputation scores.
func (s *Server) reputationChart(w http.ResponseWriter, r *http.Request) {
	reps, err := s.store.ListReputations()
	if err != nil {
		logf("reputation chart: %v", err)
		httputil.ServiceUnavailable(w, "data unavailable")
		return
	}

	png, err := renderReputationHistogram(reps, time.Now())
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

func reputationHistogram(reps []tagging.Reputation) plotter.Values {
	counts := make(plotter.Values, reputationBins)
	for _, rep := range reps {
		bin := int(rep.ReputationScore * reputationBins)
		if bin >= reputationBins {
			bin = reputationBins - 1
		}
		if bin < 0 {
			bin = 0
		}
		counts[bin]++
	}
	return counts
}

func renderReputationHistogram(reps []tagging.Reputation, now time.Time) ([]byte, error) {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Reputation scores (%d contributors, %s)", len(reps), now.Format("2006-01-02"))
	p.X.Label.Text = "reputation score"
	p.Y.Label.Text = "contributors"
	p.Y.Min = 0

	bars, err := plotter.NewBarChart(reputationHistogram(reps), vg.Points(24))
	if err != nil {
		return nil, fmt.Errorf("build bar chart: %w", err)
	}
	bars.LineStyle.Width = vg.Length(0)
	bars.Color = color.RGBA{R: 49, G: 104, B: 142, A: 255}
	p.Add(bars)
	if p.Y.Max < 1 {
		p.Y.Max = 1
	}

	labels := make([]string, reputationBins)
	for i := range labels {
		labels[i] = fmt.Sprintf("%.1f", float64(i)/reputationBins)
	}
	p.NominalX(labels...)

	wt, err := p.WriterTo(8*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		return nil, fmt.Errorf("create png writer: %w", err)
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}
