package handlers

import (
	"bytes"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/valyala/fasthttp"

	"loadouthub/internal/security"
)

var (
	gateRejectionsTotal *prometheus.CounterVec
	autoBlocksTotal     *prometheus.CounterVec
	securityEventsTotal *prometheus.CounterVec
)

// GateObserver feeds gate activity into Prometheus counters.
type GateObserver struct{}

var _ security.Observer = GateObserver{}

func (GateObserver) EventLogged(ev *security.Event) {
	securityEventsTotal.WithLabelValues(string(ev.Kind), string(ev.Severity)).Inc()
}

func (GateObserver) Rejected(rej *security.Rejection) {
	gateRejectionsTotal.WithLabelValues(strconv.Itoa(rej.Status), rej.Rule).Inc()
}

func (GateObserver) AutoBlocked(reason security.BlockReason) {
	autoBlocksTotal.WithLabelValues(string(reason)).Inc()
}

// InitPrometheusMetrics registers the gate counters and returns the
// observer to hang on the gate.
func InitPrometheusMetrics() GateObserver {
	gateRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loadouthub",
			Name:      "gate_rejections_total",
			Help:      "Requests short-circuited by the security gate.",
		},
		[]string{"status", "rule"},
	)
	autoBlocksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loadouthub",
			Name:      "gate_auto_blocks_total",
			Help:      "IP blocks created automatically by threshold escalation.",
		},
		[]string{"reason"},
	)
	securityEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loadouthub",
			Name:      "security_events_total",
			Help:      "Security events appended to the audit log.",
		},
		[]string{"kind", "severity"},
	)
	prometheus.MustRegister(gateRejectionsTotal, autoBlocksTotal, securityEventsTotal)
	return GateObserver{}
}

// MetricsHandler serves the process metrics in Prometheus text format.
func MetricsHandler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		metricFamilies, err := prometheus.DefaultGatherer.Gather()
		if err != nil {
			ctx.SetStatusCode(fasthttp.StatusInternalServerError)
			ctx.SetBodyString("failed to gather metrics")
			return
		}

		filtered := make([]*dto.MetricFamily, 0, len(metricFamilies))
		for _, mf := range metricFamilies {
			if len(mf.GetMetric()) == 0 {
				continue
			}
			filtered = append(filtered, mf)
		}

		var buf bytes.Buffer
		encoder := expfmt.NewEncoder(&buf, expfmt.FmtText)
		for _, mf := range filtered {
			if err := encoder.Encode(mf); err != nil {
				ctx.SetStatusCode(fasthttp.StatusInternalServerError)
				ctx.SetBodyString("failed to encode metrics")
				return
			}
		}

		ctx.SetContentType(string(expfmt.FmtText))
		ctx.Response.Header.Set("Cache-Control", "no-store")
		ctx.SetBody(buf.Bytes())
	}
}
