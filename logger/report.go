package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"
)

type channelStat struct {
	messages int64
	bytes    int64
}

type componentStat struct {
	warns  int64
	errors int64
}

var (
	accountUpdates int64
	fills          int64
	publishes      int64
	storeWrites    int64
	channels       sync.Map // map[string]*channelStat
	components     sync.Map // map[string]*componentStat
)

func componentStats(component string) *componentStat {
	if component == "" {
		component = "unknown"
	}
	v, _ := components.LoadOrStore(component, &componentStat{})
	return v.(*componentStat)
}

func recordWarn(component string) {
	atomic.AddInt64(&componentStats(component).warns, 1)
}

func recordError(component string) {
	atomic.AddInt64(&componentStats(component).errors, 1)
}

// IncrementAccountUpdate counts one account notification of size bytes.
func IncrementAccountUpdate(size int) {
	atomic.AddInt64(&accountUpdates, 1)
	recordChannel("account_ws", size)
}

// IncrementFills counts decoded fills.
func IncrementFills(n int) {
	atomic.AddInt64(&fills, int64(n))
}

// IncrementPublish counts one published payload of size bytes.
func IncrementPublish(size int) {
	atomic.AddInt64(&publishes, 1)
	recordChannel("publish", size)
}

// IncrementStoreWrite counts n persisted records.
func IncrementStoreWrite(n int) {
	atomic.AddInt64(&storeWrites, int64(n))
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// StartReport logs system and pipeline statistics every interval until ctx is
// done, mirroring them to CloudWatch when it is configured.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

type report struct {
	fields Fields
	data   []cwtypes.MetricDatum
}

func (r *report) count(field, metric string, v int64) {
	r.fields[field] = v
	r.data = append(r.data, cwtypes.MetricDatum{MetricName: aws.String(metric), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(v))})
}

func (r *report) gauge(field, metric string, v float64, unit cwtypes.StandardUnit) {
	r.fields[field] = v
	r.data = append(r.data, cwtypes.MetricDatum{MetricName: aws.String(metric), Unit: unit, Value: aws.Float64(v)})
}

func buildReport() *report {
	r := &report{fields: Fields{}}

	r.count("account_updates", "Dexflow-AccountUpdates", atomic.LoadInt64(&accountUpdates))
	r.count("fills", "Dexflow-Fills", atomic.LoadInt64(&fills))
	r.count("publishes", "Dexflow-Publishes", atomic.LoadInt64(&publishes))
	r.count("store_writes", "Dexflow-StoreWrites", atomic.LoadInt64(&storeWrites))
	r.count("goroutines", "Dexflow-Goroutines", int64(runtime.NumGoroutine()))

	var warns, errs int64
	byComponent := map[string]map[string]int64{}
	components.Range(func(k, v any) bool {
		cs := v.(*componentStat)
		w, e := atomic.LoadInt64(&cs.warns), atomic.LoadInt64(&cs.errors)
		warns += w
		errs += e
		byComponent[k.(string)] = map[string]int64{"warns": w, "errors": e}
		return true
	})
	r.count("warns", "Dexflow-Warns", warns)
	r.count("errors", "Dexflow-Errors", errs)
	r.fields["components"] = byComponent

	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		msgs, bytes := atomic.LoadInt64(&cs.messages), atomic.LoadInt64(&cs.bytes)
		channelData[name] = map[string]int64{"messages": msgs, "bytes": bytes}
		dims := []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}}
		r.data = append(r.data,
			cwtypes.MetricDatum{MetricName: aws.String("Dexflow-ChannelMessages"), Unit: cwtypes.StandardUnitCount, Dimensions: dims, Value: aws.Float64(float64(msgs))},
			cwtypes.MetricDatum{MetricName: aws.String("Dexflow-ChannelBytes"), Unit: cwtypes.StandardUnitBytes, Dimensions: dims, Value: aws.Float64(float64(bytes))},
		)
		return true
	})
	r.fields["channels"] = channelData

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		r.gauge("cpu_percent", "Dexflow-CPUPercent", pct[0], cwtypes.StandardUnitPercent)
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		r.gauge("memory_mb", "Dexflow-MemoryMB", float64(vm.Used)/1024/1024, cwtypes.StandardUnitMegabytes)
	}
	if du, err := disk.Usage("/"); err == nil {
		r.gauge("disk_mb", "Dexflow-DiskMB", float64(du.Used)/1024/1024, cwtypes.StandardUnitMegabytes)
	}
	if nc, err := gnet.IOCounters(false); err == nil && len(nc) > 0 {
		r.gauge("net_bytes_sent", "Dexflow-NetBytesSent", float64(nc[0].BytesSent), cwtypes.StandardUnitBytes)
		r.gauge("net_bytes_recv", "Dexflow-NetBytesRecv", float64(nc[0].BytesRecv), cwtypes.StandardUnitBytes)
	}
	return r
}

func logReport(ctx context.Context, log *Log) {
	r := buildReport()
	log.WithComponent("report").WithFields(r.fields).Info("runtime report")
	publishMetrics(ctx, r.data)
}
