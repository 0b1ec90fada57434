package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "melee"

const (
	PhaseFill       = "fill"
	PhaseCollect    = "collect"
	PhaseTrain      = "train"
	PhaseCheckpoint = "checkpoint"
)

// Pipeline holds the collectors for the experience pipeline. It also
// satisfies transport.Recorder.
type Pipeline struct {
	phaseDuration   *prometheus.HistogramVec
	windowsAdmitted prometheus.Counter
	windowsDropped  *prometheus.CounterVec
	bufferLen       prometheus.Gauge
	producers       prometheus.Gauge
	cycles          prometheus.Counter
	batches         prometheus.Counter
	checkpoints     prometheus.Counter
	checkpointFails prometheus.Counter
}

func New(reg prometheus.Registerer) *Pipeline {
	factory := promauto.With(reg)
	return &Pipeline{
		phaseDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Wall time spent in each training loop phase.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"phase"}),
		windowsAdmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "windows_admitted_total",
			Help:      "Experience windows pushed into the replay buffer.",
		}),
		windowsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "windows_dropped_total",
			Help:      "Experience windows discarded before admission, by reason.",
		}, []string{"reason"}),
		bufferLen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "replay_buffer_windows",
			Help:      "Windows currently held by the replay buffer.",
		}),
		producers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "producers_connected",
			Help:      "Producer connections currently open.",
		}),
		cycles: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "training_cycles_total",
			Help:      "Completed collect/train/checkpoint cycles.",
		}),
		batches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "train_batches_total",
			Help:      "Batches submitted to the trainer.",
		}),
		checkpoints: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_total",
			Help:      "Checkpoints written.",
		}),
		checkpointFails: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_failures_total",
			Help:      "Checkpoint writes that failed.",
		}),
	}
}

func (p *Pipeline) ObservePhase(phase string, d time.Duration) {
	p.phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

func (p *Pipeline) WindowAdmitted(bufferLen int) {
	p.windowsAdmitted.Inc()
	p.bufferLen.Set(float64(bufferLen))
}

func (p *Pipeline) BatchSubmitted() {
	p.batches.Inc()
}

func (p *Pipeline) CycleCompleted() {
	p.cycles.Inc()
}

func (p *Pipeline) CheckpointWritten() {
	p.checkpoints.Inc()
}

func (p *Pipeline) CheckpointFailed() {
	p.checkpointFails.Inc()
}

func (p *Pipeline) ProducerConnected() {
	p.producers.Inc()
}

func (p *Pipeline) ProducerDisconnected() {
	p.producers.Dec()
}

func (p *Pipeline) Dropped(reason string) {
	p.windowsDropped.WithLabelValues(reason).Inc()
}
