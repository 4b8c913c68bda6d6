package metrics

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"dexflow/logger"
)

// captureCloudWatch enables publishing against a fake client and a frozen
// clock. The returned func reports every datum handed to PutMetricData.
func captureCloudWatch(t *testing.T, now time.Time) (func() []cwtypes.MetricDatum, func(time.Time)) {
	t.Helper()

	prev := cwState.Load()
	cwState.Store(&cloudWatchState{client: &cloudwatch.Client{}, namespace: "Dexflow"})
	t.Cleanup(func() { cwState.Store(prev) })

	resetMetricPublishTimes()
	t.Cleanup(resetMetricPublishTimes)

	interval := cloudWatchPublishInterval
	cloudWatchPublishInterval = time.Second
	t.Cleanup(func() { cloudWatchPublishInterval = interval })

	clock := now
	timeNow = func() time.Time { return clock }
	t.Cleanup(func() { timeNow = time.Now })

	var data []cwtypes.MetricDatum
	publishMetricsFunc = func(_ context.Context, _ *cloudWatchState, batch []cwtypes.MetricDatum) {
		data = append(data, batch...)
	}
	t.Cleanup(func() { publishMetricsFunc = publishMetrics })

	return func() []cwtypes.MetricDatum { return data }, func(t time.Time) { clock = t }
}

func dimensions(d cwtypes.MetricDatum) map[string]string {
	out := make(map[string]string, len(d.Dimensions))
	for _, dim := range d.Dimensions {
		out[aws.ToString(dim.Name)] = aws.ToString(dim.Value)
	}
	return out
}

func TestDropMetricsThrottlePerMarket(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	published, advance := captureCloudWatch(t, base)

	EmitDropMetric(nil, DropMetricStaleSlot, "SOL-USDC", "bids", "market_worker")
	EmitDropMetric(nil, DropMetricStaleSlot, "SOL-USDC", "bids", "market_worker")
	EmitDropMetric(nil, DropMetricStaleSlot, "RAY-USDC", "bids", "market_worker")
	EmitDropMetric(nil, DropMetricStaleSlot, "SOL-USDC", "asks", "market_worker")

	got := published()
	if len(got) != 3 {
		t.Fatalf("expected one datum per market and role series, got %d", len(got))
	}
	seen := map[string]bool{}
	for _, d := range got {
		if aws.ToString(d.MetricName) != string(DropMetricStaleSlot) {
			t.Fatalf("unexpected metric name %q", aws.ToString(d.MetricName))
		}
		dims := dimensions(d)
		if dims["component"] != dropComponent || dims["stage"] != "market_worker" {
			t.Fatalf("unexpected dimensions %v", dims)
		}
		seen[dims["market"]+"/"+dims["role"]] = true
	}
	for _, want := range []string{"SOL-USDC/bids", "RAY-USDC/bids", "SOL-USDC/asks"} {
		if !seen[want] {
			t.Fatalf("series %s not published: %v", want, seen)
		}
	}

	advance(base.Add(2 * time.Second))
	EmitDropMetric(nil, DropMetricStaleSlot, "SOL-USDC", "bids", "market_worker")
	if n := len(published()); n != 4 {
		t.Fatalf("expected the series to publish again after the interval, got %d data", n)
	}
}

func TestPublishMetricDatumUnitAndDimensions(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	published, _ := captureCloudWatch(t, base)

	publishMetricDatum(Metric{
		Component: "archive",
		Name:      "bytes_written",
		Timestamp: base,
		Fields:    logger.Fields{"unit": "bytes", "market": "SOL-USDC", "attempt": 2, "empty": ""},
	}, 512)
	publishMetricDatum(Metric{
		Component: "router",
		Name:      "inbox_wait",
		Timestamp: base,
		Fields:    logger.Fields{"unit": "fortnights"},
	}, 3)

	got := published()
	if len(got) != 2 {
		t.Fatalf("expected 2 data, got %d", len(got))
	}
	if got[0].Unit != cwtypes.StandardUnitBytes || aws.ToFloat64(got[0].Value) != 512 {
		t.Fatalf("unexpected datum %+v", got[0])
	}
	dims := dimensions(got[0])
	if len(dims) != 2 || dims["component"] != "archive" || dims["market"] != "SOL-USDC" {
		t.Fatalf("only non-empty string fields other than unit become dimensions: %v", dims)
	}
	if got[1].Unit != cwtypes.StandardUnitCount {
		t.Fatalf("unknown units fall back to Count, got %s", got[1].Unit)
	}
}

func TestSeriesKeyIgnoresNonStringFields(t *testing.T) {
	a := seriesKey(Metric{Component: "router", Name: "routed", Fields: logger.Fields{"market": "SOL-USDC", "count": 1}})
	b := seriesKey(Metric{Component: "router", Name: "routed", Fields: logger.Fields{"count": 7, "market": "SOL-USDC"}})
	if a != b {
		t.Fatalf("series keys differ: %q vs %q", a, b)
	}
	if a != "router|routed|market=SOL-USDC" {
		t.Fatalf("unexpected series key %q", a)
	}
}

func TestRenderDashboardSubstitutes(t *testing.T) {
	body := renderDashboard(&cloudWatchState{namespace: "Custom", region: "eu-west-1"})
	if !strings.Contains(body, `"Custom"`) || strings.Contains(body, `"Dexflow"`) {
		t.Fatalf("namespace not substituted")
	}
	if !strings.Contains(body, `"eu-west-1"`) || strings.Contains(body, `"us-east-1"`) {
		t.Fatalf("region not substituted")
	}

	if def := renderDashboard(&cloudWatchState{}); def != dashboardTemplate {
		t.Fatalf("empty state must leave the template untouched")
	}
}

func TestToFloat64(t *testing.T) {
	for _, v := range []interface{}{3, int64(3), uint64(3), float32(3), 3.0} {
		if f, ok := toFloat64(v); !ok || f != 3 {
			t.Fatalf("toFloat64(%T) = %v, %v", v, f, ok)
		}
	}
	if _, ok := toFloat64("3"); ok {
		t.Fatalf("strings are not numeric")
	}
}
