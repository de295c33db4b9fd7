// Extraction of EngineStats from a backend's Prometheus text exposition.
// Metric names follow the vLLM engine; a family missing from the scrape is
// reported through the accumulated error but still yields a partial
// snapshot, so one renamed metric does not blind the router entirely.

package router

import (
	"fmt"
	"io"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/multierr"
)

const (
	metricRunning      = "vllm:num_requests_running"
	metricWaiting      = "vllm:num_requests_waiting"
	metricCacheUsage   = "vllm:gpu_cache_usage_perc"
	metricCacheHitRate = "vllm:gpu_prefix_cache_hit_rate"
	metricTTFT         = "vllm:time_to_first_token_seconds"
	metricITL          = "vllm:time_per_output_token_seconds"
)

// parseEngineStats decodes the metrics exposition into an EngineStats
// snapshot. The returned error is the multierr accumulation of per-family
// extraction failures; the snapshot is valid either way.
func parseEngineStats(body io.Reader, now time.Time) (*EngineStats, error) {
	parser := expfmt.TextParser{}
	families, err := parser.TextToMetricFamilies(body)
	if err != nil {
		return nil, fmt.Errorf("parsing metrics exposition: %w", err)
	}

	stats := &EngineStats{LastUpdated: now}
	var errs error

	if v, err := gaugeValue(families, metricRunning); err != nil {
		errs = multierr.Append(errs, err)
	} else {
		stats.RunningRequests = int(v)
	}
	if v, err := gaugeValue(families, metricWaiting); err != nil {
		errs = multierr.Append(errs, err)
	} else {
		stats.WaitingRequests = int(v)
	}
	if v, err := gaugeValue(families, metricCacheUsage); err != nil {
		errs = multierr.Append(errs, err)
	} else {
		stats.CacheUsage = v
	}
	if v, err := gaugeValue(families, metricCacheHitRate); err != nil {
		errs = multierr.Append(errs, err)
	} else {
		stats.CacheHitRate = v
	}
	if v, err := histogramMean(families, metricTTFT); err != nil {
		errs = multierr.Append(errs, err)
	} else {
		stats.MeanTTFT = v
	}
	if v, err := histogramMean(families, metricITL); err != nil {
		errs = multierr.Append(errs, err)
	} else {
		stats.MeanITL = v
	}
	return stats, errs
}

// gaugeValue returns the value of the most recent sample in a gauge or
// counter family.
func gaugeValue(families map[string]*dto.MetricFamily, name string) (float64, error) {
	m, err := latestMetric(families, name)
	if err != nil {
		return 0, err
	}
	if m.GetGauge() != nil {
		return m.GetGauge().GetValue(), nil
	}
	if m.GetCounter() != nil {
		return m.GetCounter().GetValue(), nil
	}
	return 0, fmt.Errorf("metric %q is neither gauge nor counter", name)
}

// histogramMean reduces a histogram family to sample_sum / sample_count of
// its most recent metric. A histogram with no observations yields zero.
func histogramMean(families map[string]*dto.MetricFamily, name string) (float64, error) {
	m, err := latestMetric(families, name)
	if err != nil {
		return 0, err
	}
	h := m.GetHistogram()
	if h == nil {
		return 0, fmt.Errorf("metric %q is not a histogram", name)
	}
	if h.GetSampleCount() == 0 {
		return 0, nil
	}
	return h.GetSampleSum() / float64(h.GetSampleCount()), nil
}

// latestMetric picks the sample with the newest timestamp out of a family;
// engines emitting per-model label sets report the active model last, and
// untimestamped samples fall back to first-wins.
func latestMetric(families map[string]*dto.MetricFamily, name string) (*dto.Metric, error) {
	mf, ok := families[name]
	if !ok {
		return nil, fmt.Errorf("metric family %q not found", name)
	}
	var latest *dto.Metric
	var latestTimestamp int64 = -1
	for _, m := range mf.GetMetric() {
		if m.GetTimestampMs() > latestTimestamp || latest == nil {
			latestTimestamp = m.GetTimestampMs()
			latest = m
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("no samples in metric family %q", name)
	}
	return latest, nil
}
