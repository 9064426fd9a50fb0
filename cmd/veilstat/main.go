// Command veilstat is a tiny read-only stats CLI: it scrapes a running
// VEIL server's Prometheus endpoint and prints a one-shot snapshot of the
// session table, replay/retransmit/congestion counters, and throughput.
// It is not the daemon and does not parse command-line flags; the target
// is read from VEIL_METRICS_ADDR (default http://127.0.0.1:9464/metrics).
package main

import (
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/common/expfmt"
)

const defaultAddr = "http://127.0.0.1:9464/metrics"

func main() {
	addr := os.Getenv("VEIL_METRICS_ADDR")
	if addr == "" {
		addr = defaultAddr
	}

	families, err := scrape(addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "veilstat: %v\n", err)
		os.Exit(1)
	}

	report(os.Stdout, families)
}

// scrape fetches and parses addr's Prometheus text exposition.
func scrape(addr string) (map[string]*metricFamily, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(addr)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", addr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %s", addr, resp.Status)
	}

	var parser expfmt.TextParser
	raw, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse metrics: %w", err)
	}

	out := make(map[string]*metricFamily, len(raw))
	for name, mf := range raw {
		out[name] = newMetricFamily(mf)
	}
	return out, nil
}

// row is one line of the printed report: a label plus a formatted value.
type row struct {
	label string
	value string
}

func report(w *os.File, families map[string]*metricFamily) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	rows := []row{
		{"sessions active", gaugeString(families, "veil_sessions_active")},
		{"sessions total", counterString(families, "veil_sessions_total")},
		{"sessions rejected", counterString(families, "veil_sessions_rejected_total")},
		{"sessions expired", counterString(families, "veil_sessions_expired_total")},
		{"sessions rotated", counterString(families, "veil_sessions_rotated_total")},
		{"", ""},
		{"handshake replays rejected", counterString(families, "veil_handshake_replays_total")},
		{"handshake errors", counterString(families, "veil_handshake_errors_total")},
		{"", ""},
		{"packets dropped (replay)", counterString(families, "veil_packets_dropped_replay_total")},
		{"packets dropped (decrypt)", counterString(families, "veil_packets_dropped_decrypt_total")},
		{"packets retransmitted", counterString(families, "veil_packets_retransmitted_total")},
		{"fast retransmits", counterString(families, "veil_fast_retransmits_total")},
		{"timeout losses", counterString(families, "veil_timeout_losses_total")},
		{"", ""},
		{"congestion window", bytesGaugeString(families, "veil_congestion_window_bytes")},
		{"slow-start threshold", bytesGaugeString(families, "veil_slow_start_threshold_bytes")},
		{"smoothed RTT", secondsGaugeString(families, "veil_srtt_seconds")},
		{"RTO estimate", secondsGaugeString(families, "veil_rto_seconds")},
		{"", ""},
		{"bytes sent", bytesCounterString(families, "veil_bytes_sent_total")},
		{"bytes received", bytesCounterString(families, "veil_bytes_received_total")},
	}

	for _, r := range rows {
		if r.label == "" {
			fmt.Fprintln(tw)
			continue
		}
		fmt.Fprintf(tw, "%s:\t%s\n", r.label, r.value)
	}
}

func gaugeString(families map[string]*metricFamily, name string) string {
	v, ok := families[name]
	if !ok {
		return "n/a"
	}
	return fmt.Sprintf("%.0f", v.sum())
}

func counterString(families map[string]*metricFamily, name string) string {
	v, ok := families[name]
	if !ok {
		return "0"
	}
	return fmt.Sprintf("%.0f", v.sum())
}

func bytesGaugeString(families map[string]*metricFamily, name string) string {
	v, ok := families[name]
	if !ok {
		return "n/a"
	}
	return humanize.Bytes(uint64(v.sum()))
}

func bytesCounterString(families map[string]*metricFamily, name string) string {
	v, ok := families[name]
	if !ok {
		return "0 B"
	}
	return humanize.Bytes(uint64(v.sum()))
}

func secondsGaugeString(families map[string]*metricFamily, name string) string {
	v, ok := families[name]
	if !ok {
		return "n/a"
	}
	return time.Duration(v.sum() * float64(time.Second)).String()
}
