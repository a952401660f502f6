package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

const metricName = "aero_call_relay_events_total"

// PrometheusHandler serves every counter in Prometheus' text exposition format
// as one metric with an `event` label.
func PrometheusHandler(m *Metrics) http.Handler {
	labelEscaper := strings.NewReplacer("\\", "\\\\", "\"", "\\\"", "\n", "\\n")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		snap := m.Snapshot()
		keys := make([]string, 0, len(snap))
		for k := range snap {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = fmt.Fprintf(w, "# HELP %s Call relay event counters.\n", metricName)
		_, _ = fmt.Fprintf(w, "# TYPE %s counter\n", metricName)
		for _, k := range keys {
			_, _ = fmt.Fprintf(w, "%s{event=\"%s\"} %d\n", metricName, labelEscaper.Replace(k), snap[k])
		}
	})
}
