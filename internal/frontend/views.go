package frontend

import (
	"context"
	"fmt"
	"io"
	"math"
	"strconv"
	"time"

	"github.com/a-h/templ"

	"procodus.dev/metrics-hub/pkg/hubrpc"
)

var palette = []string{"#2563eb", "#dc2626", "#16a34a", "#d97706", "#7c3aed", "#0891b2", "#db2777", "#4b5563"}

// html collects the first write error so components can stay linear.
type html struct {
	w   io.Writer
	err error
}

func (h *html) raw(s string) {
	if h.err == nil {
		_, h.err = io.WriteString(h.w, s)
	}
}

func (h *html) rawf(format string, args ...any) {
	h.raw(fmt.Sprintf(format, args...))
}

func (h *html) text(s string) {
	h.raw(templ.EscapeString(s))
}

func (h *html) render(ctx context.Context, c templ.Component) {
	if h.err == nil {
		h.err = c.Render(ctx, h.w)
	}
}

func page(title string, body templ.Component) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		h := &html{w: w}
		h.raw(`<!DOCTYPE html><html lang="en"><head><meta charset="utf-8">`)
		h.raw(`<meta name="viewport" content="width=device-width, initial-scale=1">`)
		h.raw(`<title>`)
		h.text(title)
		h.raw(` · Metrics Hub</title><style>`)
		h.raw(`body{font-family:system-ui,sans-serif;margin:0;color:#111827;background:#f9fafb}`)
		h.raw(`nav{background:#111827;padding:.75rem 1.5rem}nav a{color:#f9fafb;margin-right:1.25rem;text-decoration:none}`)
		h.raw(`main{padding:1.5rem;max-width:1100px}table{border-collapse:collapse;width:100%}`)
		h.raw(`th,td{text-align:left;padding:.4rem .6rem;border-bottom:1px solid #e5e7eb}`)
		h.raw(`.chart{background:#fff;border:1px solid #e5e7eb;border-radius:6px;padding:1rem;margin-bottom:1.5rem}`)
		h.raw(`.legend span{margin-right:1rem}.gauges{display:flex;gap:1rem;flex-wrap:wrap}`)
		h.raw(`.gauge{background:#fff;border:1px solid #e5e7eb;border-radius:6px;padding:1rem;min-width:220px}`)
		h.raw(`.empty{color:#6b7280}`)
		h.raw(`</style></head><body><nav><a href="/">Overview</a><a href="/system">System</a><a href="/stocks">Stocks</a></nav><main><h1>`)
		h.text(title)
		h.raw(`</h1>`)
		h.render(ctx, body)
		h.raw(`</main></body></html>`)
		return h.err
	})
}

func overview(aggregators []hubrpc.Aggregator) templ.Component {
	return templ.ComponentFunc(func(_ context.Context, w io.Writer) error {
		h := &html{w: w}
		if len(aggregators) == 0 {
			h.raw(`<p class="empty">No aggregators have reported yet.</p>`)
			return h.err
		}

		h.raw(`<table><thead><tr><th>Name</th><th>GUID</th><th>Devices</th><th>First seen</th><th></th></tr></thead><tbody>`)
		for _, a := range aggregators {
			h.raw(`<tr><td>`)
			h.text(a.Name)
			h.raw(`</td><td><code>`)
			h.text(a.GUID)
			h.raw(`</code></td><td>`)
			h.raw(strconv.FormatInt(a.DeviceCount, 10))
			h.raw(`</td><td>`)
			h.text(a.CreatedAt.UTC().Format(time.RFC3339))
			h.rawf(`</td><td><a href="/system?aggregator=%d">System</a></td></tr>`, a.ID)
		}
		h.raw(`</tbody></table>`)
		return h.err
	})
}

type gauge struct {
	Metric    string
	Timestamp time.Time
	Value     float64
	Found     bool
}

type systemView struct {
	Aggregators []hubrpc.Aggregator
	Charts      []chart
	Gauges      []gauge
	Selected    uint64
}

func systemPage(v systemView) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		h := &html{w: w}

		h.raw(`<form method="get" action="/system"><label>Aggregator <select name="aggregator" onchange="this.form.submit()">`)
		h.raw(`<option value="">none</option>`)
		for _, a := range v.Aggregators {
			selected := ""
			if a.ID == v.Selected {
				selected = ` selected`
			}
			h.rawf(`<option value="%d"%s>`, a.ID, selected)
			h.text(a.Name)
			h.raw(`</option>`)
		}
		h.raw(`</select></label></form>`)

		if v.Selected != 0 {
			h.raw(`<h2>Latest</h2><div class="gauges">`)
			for _, g := range v.Gauges {
				h.render(ctx, gaugeCard(g))
			}
			h.raw(`</div>`)
		}

		for _, c := range v.Charts {
			h.render(ctx, lineChart(c))
		}
		return h.err
	})
}

func gaugeCard(g gauge) templ.Component {
	return templ.ComponentFunc(func(_ context.Context, w io.Writer) error {
		h := &html{w: w}
		h.raw(`<div class="gauge"><strong>`)
		h.text(g.Metric)
		h.raw(`</strong>`)
		if !g.Found {
			h.raw(`<p class="empty">no data</p></div>`)
			return h.err
		}

		fill := math.Max(0, math.Min(100, g.Value))
		h.rawf(`<p class="value">%.2f</p>`, g.Value)
		h.rawf(`<svg width="200" height="12" role="img"><rect width="200" height="12" fill="#e5e7eb"/><rect width="%.1f" height="12" fill="#2563eb"/></svg>`, fill*2)
		h.raw(`<p><small>`)
		h.text(g.Timestamp.UTC().Format(time.RFC3339))
		h.raw(`</small></p></div>`)
		return h.err
	})
}

type stocksView struct {
	Chart chart
}

func stocksPage(v stocksView) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		h := &html{w: w}
		h.raw(`<p>Change since each symbol's first quote.</p>`)
		h.render(ctx, lineChart(v.Chart))
		return h.err
	})
}

func lineChart(c chart) templ.Component {
	return templ.ComponentFunc(func(_ context.Context, w io.Writer) error {
		h := &html{w: w}
		h.raw(`<section class="chart"><h2>`)
		h.text(c.Title)
		h.raw(`</h2>`)

		b, ok := chartBounds(c.Series)
		if !ok {
			h.raw(`<p class="empty">No data yet.</p></section>`)
			return h.err
		}

		h.rawf(`<svg viewBox="0 0 %d %d" width="100%%" role="img">`, chartWidth, chartHeight)
		for i, s := range c.Series {
			h.rawf(`<polyline fill="none" stroke="%s" stroke-width="1.5" points="%s"/>`, palette[i%len(palette)], polyline(s, b))
		}
		h.raw(`</svg><div class="legend">`)
		for i, s := range c.Series {
			h.rawf(`<span style="color:%s">&#9632; `, palette[i%len(palette)])
			h.text(s.Name)
			h.raw(`</span>`)
		}
		h.raw(`</div><p><small>`)
		h.text(fmt.Sprintf("%.2f%s to %.2f%s, %s to %s",
			b.minV, c.Unit, b.maxV, c.Unit,
			b.minT.UTC().Format(time.RFC3339), b.maxT.UTC().Format(time.RFC3339)))
		h.raw(`</small></p></section>`)
		return h.err
	})
}
