package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// PrometheusHandler exposes every counter in Prometheus' text exposition
// format. Each counter becomes its own metric under the signal_relay_
// prefix, so scrapes stay useful without a client-library dependency.
func PrometheusHandler(m *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		snap := m.Snapshot()
		names := make([]string, 0, len(snap))
		for name := range snap {
			names = append(names, name)
		}
		sort.Strings(names)

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		for _, name := range names {
			metric := "signal_relay_" + sanitizeMetricName(name) + "_total"
			_, _ = fmt.Fprintf(w, "# TYPE %s counter\n", metric)
			_, _ = fmt.Fprintf(w, "%s %d\n", metric, snap[name])
		}
	})
}

// sanitizeMetricName maps an arbitrary counter name onto Prometheus' metric
// name alphabet, replacing anything else with underscores.
func sanitizeMetricName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for i, r := range name {
		ok := r == '_' ||
			(r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(i > 0 && r >= '0' && r <= '9')
		if !ok {
			r = '_'
		}
		b.WriteRune(r)
	}
	return b.String()
}
