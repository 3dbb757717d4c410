package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// statsMetrics are the series printed by the stats command, in order.
var statsMetrics = []struct{ name, label string }{
	{"aegis_datapoints_pushed_total", "pushed"},
	{"aegis_datapoints_failed_total", "failed"},
	{"aegis_queue_length", "queue"},
	{"aegis_buffer_size_bytes", "buffer_bytes"},
	{"aegis_pending_sinks", "pending_sinks"},
}

func printMetricsSnapshot(ctx context.Context, w io.Writer, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	values, err := scanMetrics(resp.Body)
	if err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", time.Now().Format(time.RFC3339))
	for _, m := range statsMetrics {
		fmt.Fprintf(&b, " %s=%g", m.label, values[m.name])
	}
	_, err = fmt.Fprintln(w, b.String())
	return err
}

// scanMetrics sums the samples of every tracked series across labels.
func scanMetrics(r io.Reader) (map[string]float64, error) {
	values := make(map[string]float64, len(statsMetrics))
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		for _, m := range statsMetrics {
			rest, ok := strings.CutPrefix(line, m.name)
			if !ok || rest == "" || (rest[0] != ' ' && rest[0] != '{') {
				continue
			}
			fields := strings.Fields(rest[strings.LastIndex(rest, "}")+1:])
			if len(fields) == 0 {
				continue
			}
			var v float64
			if _, err := fmt.Sscanf(fields[0], "%g", &v); err == nil {
				values[m.name] += v
			}
		}
	}
	return values, scanner.Err()
}
