package sensorrelay

import (
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/ghalamif/SensorRelay/internal/ports"
)

func (r *Runtime) startGauges() {
	r.gaugeStop = make(chan struct{})
	r.gaugeDone = make(chan struct{})

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		r.obs.LogError("process_stats_unavailable", err)
		proc = nil
	}
	go r.recordResourceGauges(proc, r.gaugeStop, r.gaugeDone, gaugeInterval)
}

// recordResourceGauges samples process and pipeline gauges until stop closes.
// proc may be nil.
func (r *Runtime) recordResourceGauges(proc *process.Process, stop <-chan struct{}, done chan<- struct{}, interval time.Duration) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.sampleGauges(proc)
		}
	}
}

func (r *Runtime) sampleGauges(proc *process.Process) {
	if proc != nil {
		if mem, err := proc.MemoryInfo(); err == nil {
			r.obs.SetGauge(ports.GaugeProcessRSS, float64(mem.RSS))
		}
		// interval 0 compares against the previous call
		if pct, err := proc.Percent(0); err == nil {
			r.obs.SetGauge(ports.GaugeProcessCPU, pct)
		}
	}
	if r.wal != nil {
		r.obs.SetGauge(ports.GaugeWALSize, float64(r.wal.Stats().SizeBytes))
	}
	if r.queue != nil {
		r.obs.SetGauge(ports.GaugeQueueLength, float64(r.queue.Len()))
	}
}
