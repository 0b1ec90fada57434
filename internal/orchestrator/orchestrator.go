// Package orchestrator drives the training loop: fill the replay buffer once,
// then repeat collect, train and checkpoint until shut down.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"distributed-melee-rl/internal/buffer"
	"distributed-melee-rl/internal/codec"
	"distributed-melee-rl/internal/experience"
	"distributed-melee-rl/internal/metrics"
	"distributed-melee-rl/internal/trainer"
	"distributed-melee-rl/internal/transport"
)

type State int

const (
	StateIdle State = iota
	StateFilling
	StateCollecting
	StateTraining
	StateCheckpointing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFilling:
		return "filling"
	case StateCollecting:
		return "collecting"
	case StateTraining:
		return "training"
	case StateCheckpointing:
		return "checkpointing"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Config struct {
	Sweeps     int
	Batches    int
	BatchSize  int
	BatchSteps int
	MinCollect int
}

func (c Config) SweepSize() int {
	return c.Batches * c.BatchSize
}

func (c Config) validate() error {
	if c.Sweeps <= 0 || c.Batches <= 0 || c.BatchSize <= 0 || c.BatchSteps <= 0 || c.MinCollect <= 0 {
		return fmt.Errorf("loop sizes must be positive: %+v", c)
	}
	return nil
}

type Deps struct {
	Source  transport.Source
	Buffer  *buffer.CircularBuffer
	Codec   *codec.Codec
	Trainer trainer.Trainer
	Metrics *metrics.Pipeline
	Log     *logrus.Entry
	Rand    *rand.Rand
}

// Orchestrator owns the replay buffer. Only Run mutates it; Stats may be
// called concurrently.
type Orchestrator struct {
	cfg     Config
	source  transport.Source
	buffer  *buffer.CircularBuffer
	codec   *codec.Codec
	trainer trainer.Trainer
	metrics *metrics.Pipeline
	log     *logrus.Entry
	rng     *rand.Rand

	mu      sync.Mutex
	state   State
	cycles  int
	last    CycleReport
	dropped int
}

// CycleReport summarizes one collect/train/checkpoint cycle.
type CycleReport struct {
	Cycle      int           `json:"cycle"`
	Collected  int           `json:"collected"`
	Collect    time.Duration `json:"collect_ns"`
	Train      time.Duration `json:"train_ns"`
	Checkpoint time.Duration `json:"checkpoint_ns"`
}

type Stats struct {
	State     string       `json:"state"`
	Cycles    int          `json:"cycles"`
	SweepSize int          `json:"sweep_size"`
	Dropped   int          `json:"dropped"`
	Buffer    buffer.Stats `json:"buffer"`
	Last      CycleReport  `json:"last_cycle"`
}

func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if deps.Source == nil || deps.Buffer == nil || deps.Codec == nil || deps.Trainer == nil {
		return nil, errors.New("source, buffer, codec and trainer are required")
	}
	if deps.Buffer.RecordSize() != deps.Codec.RecordSize() {
		return nil, fmt.Errorf("%w: buffer holds %d-byte records, codec produces %d", experience.ErrSchemaMismatch, deps.Buffer.RecordSize(), deps.Codec.RecordSize())
	}
	if deps.Metrics == nil {
		return nil, errors.New("metrics are required")
	}
	log := deps.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	rng := deps.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Orchestrator{
		cfg:     cfg,
		source:  deps.Source,
		buffer:  deps.Buffer,
		codec:   deps.Codec,
		trainer: deps.Trainer,
		metrics: deps.Metrics,
		log:     log.WithField("component", "orchestrator"),
		rng:     rng,
	}, nil
}

// Prepare initializes fresh trainer state and writes it out, or restores the
// last checkpoint. Any failure is a persistence error.
func (o *Orchestrator) Prepare(init bool) error {
	if init {
		if err := o.trainer.Init(); err != nil {
			return persistenceError("init", err)
		}
		if err := o.trainer.Save(); err != nil {
			return persistenceError("initial save", err)
		}
		return nil
	}
	if err := o.trainer.Restore(); err != nil {
		return persistenceError("restore", err)
	}
	return nil
}

func persistenceError(op string, err error) error {
	if errors.Is(err, experience.ErrPersistence) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, experience.ErrPersistence, err)
}

// Run blocks until ctx is done or a fatal error occurs. Shutdown is checked
// between phases; a cancelled context also ends a blocking receive. Run
// returns nil on orderly shutdown.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer o.setState(StateStopped)

	o.setState(StateFilling)
	start := time.Now()
	if err := o.receiveBlocking(ctx, o.cfg.SweepSize()); err != nil {
		return o.stopped(ctx, err)
	}
	o.metrics.ObservePhase(metrics.PhaseFill, time.Since(start))
	o.log.WithField("windows", o.buffer.Len()).Info("buffer filled")

	for {
		if ctx.Err() != nil {
			return o.stopped(ctx, ctx.Err())
		}

		o.setState(StateCollecting)
		collectStart := time.Now()
		collected, err := o.collect(ctx)
		if err != nil {
			return o.stopped(ctx, err)
		}
		collectTime := time.Since(collectStart)
		o.metrics.ObservePhase(metrics.PhaseCollect, collectTime)
		if ctx.Err() != nil {
			return o.stopped(ctx, ctx.Err())
		}

		o.setState(StateTraining)
		trainStart := time.Now()
		if err := o.train(); err != nil {
			return err
		}
		trainTime := time.Since(trainStart)
		o.metrics.ObservePhase(metrics.PhaseTrain, trainTime)
		if ctx.Err() != nil {
			o.log.Warn("shutdown requested, skipping checkpoint")
			return o.stopped(ctx, ctx.Err())
		}

		o.setState(StateCheckpointing)
		saveStart := time.Now()
		if err := o.trainer.Save(); err != nil {
			o.metrics.CheckpointFailed()
			return persistenceError("checkpoint", err)
		}
		saveTime := time.Since(saveStart)
		o.metrics.ObservePhase(metrics.PhaseCheckpoint, saveTime)
		o.metrics.CheckpointWritten()
		o.metrics.CycleCompleted()

		report := o.completeCycle(collected, collectTime, trainTime, saveTime)
		o.log.WithFields(logrus.Fields{
			"cycle":        report.Cycle,
			"sweeps":       o.cfg.Sweeps,
			"sweep_size":   o.cfg.SweepSize(),
			"collected":    report.Collected,
			"collect_time": report.Collect.Seconds(),
			"train_time":   report.Train.Seconds(),
			"save_time":    report.Checkpoint.Seconds(),
		}).Info("cycle complete")
	}
}

// stopped turns a cancellation into an orderly nil return.
func (o *Orchestrator) stopped(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		o.log.Info("training loop stopped")
		return nil
	}
	return err
}

// collect blocks for MinCollect windows, then takes whatever else is
// already queued without waiting.
func (o *Orchestrator) collect(ctx context.Context) (int, error) {
	if err := o.receiveBlocking(ctx, o.cfg.MinCollect); err != nil {
		return 0, err
	}
	collected := o.cfg.MinCollect

	for {
		d, err := o.source.TryReceive()
		switch {
		case err == nil:
			if o.admit(d) {
				collected++
			}
		case errors.Is(err, transport.ErrEmpty):
			return collected, nil
		case o.rejected(d, err):
		default:
			return collected, err
		}
	}
}

// receiveBlocking admits exactly n valid windows.
func (o *Orchestrator) receiveBlocking(ctx context.Context, n int) error {
	for admitted := 0; admitted < n; {
		d, err := o.source.Receive(ctx)
		switch {
		case err == nil:
			if o.admit(d) {
				admitted++
			}
		case o.rejected(d, err):
		default:
			return err
		}
	}
	return nil
}

func (o *Orchestrator) admit(d transport.Delivery) bool {
	if err := o.buffer.Push(d.Record); err != nil {
		o.rejected(d, err)
		return false
	}
	o.metrics.WindowAdmitted(o.buffer.Len())
	return true
}

// rejected logs and counts records that fail validation. It reports false
// for errors that should stop the loop.
func (o *Orchestrator) rejected(d transport.Delivery, err error) bool {
	if !errors.Is(err, experience.ErrMalformedRecord) && !errors.Is(err, experience.ErrSchemaMismatch) {
		return false
	}
	o.mu.Lock()
	o.dropped++
	o.mu.Unlock()
	o.log.WithError(err).WithField("producer", d.Producer).Warn("dropping window")
	return true
}

func (o *Orchestrator) train() error {
	records := o.buffer.DrainAll()
	windows := make([]experience.Window, len(records))
	for i, record := range records {
		w, err := o.codec.Decode(record)
		if err != nil {
			return fmt.Errorf("decode buffered window %d: %w", i, err)
		}
		windows[i] = w
	}

	for sweep := 0; sweep < o.cfg.Sweeps; sweep++ {
		o.rng.Shuffle(len(windows), func(i, j int) {
			windows[i], windows[j] = windows[j], windows[i]
		})
		for _, batch := range Chunk(windows, o.cfg.BatchSize) {
			if err := o.trainer.TrainStep(batch, o.cfg.BatchSteps); err != nil {
				return fmt.Errorf("train step (sweep %d): %w", sweep, err)
			}
			o.metrics.BatchSubmitted()
		}
	}
	return nil
}

// Chunk splits items into consecutive slices of size; the last one may be
// shorter. The chunks share items' backing array.
func Chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		return nil
	}
	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[start:end:end])
	}
	return chunks
}

func (o *Orchestrator) completeCycle(collected int, collect, train, save time.Duration) CycleReport {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.cycles++
	o.last = CycleReport{
		Cycle:      o.cycles,
		Collected:  collected,
		Collect:    collect,
		Train:      train,
		Checkpoint: save,
	}
	return o.last
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()

	return Stats{
		State:     o.state.String(),
		Cycles:    o.cycles,
		SweepSize: o.cfg.SweepSize(),
		Dropped:   o.dropped,
		Buffer:    o.buffer.Stats(),
		Last:      o.last,
	}
}
