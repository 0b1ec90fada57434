// Package trainer defines what the training loop needs from the learning
// side, plus a statistics-only implementation used to run the pipeline end
// to end.
package trainer

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"distributed-melee-rl/internal/experience"
	"distributed-melee-rl/internal/reward"
)

// Trainer is the external learner. All four operations must be safe to call
// repeatedly.
type Trainer interface {
	Init() error
	Restore() error
	TrainStep(batch []experience.Window, steps int) error
	Save() error
}

var ErrInvalidBatch = errors.New("invalid training batch")

const snapshotName = "snapshot.yaml"

type StatsConfig struct {
	Discount     float64
	TDN          int
	LearningRate float64
	ActionCount  int
}

// StatsState is everything a StatsTrainer checkpoints.
type StatsState struct {
	GlobalStep   uint64    `yaml:"global_step"`
	Windows      uint64    `yaml:"windows"`
	Transitions  uint64    `yaml:"transitions"`
	RewardSum    float64   `yaml:"reward_sum"`
	ReturnEMA    float64   `yaml:"return_ema"`
	ActionCounts []uint64  `yaml:"action_counts"`
	UpdatedAt    time.Time `yaml:"updated_at"`
}

func (s StatsState) MeanReward() float64 {
	if s.Transitions == 0 {
		return 0
	}
	return s.RewardSum / float64(s.Transitions)
}

// StatsTrainer tracks reward, n-step return and action statistics. Each
// gradient step moves ReturnEMA toward the batch's mean n-step return.
// State may be read while training runs.
type StatsTrainer struct {
	cfg   StatsConfig
	store *CheckpointStore
	log   *logrus.Entry

	mu    sync.Mutex
	state StatsState
}

func NewStatsTrainer(cfg StatsConfig, store *CheckpointStore, log *logrus.Entry) (*StatsTrainer, error) {
	if cfg.ActionCount <= 0 {
		return nil, errors.New("action count must be positive")
	}
	if cfg.LearningRate <= 0 || cfg.LearningRate > 1 {
		return nil, fmt.Errorf("learning rate %v not in (0, 1]", cfg.LearningRate)
	}
	if cfg.TDN <= 0 {
		return nil, errors.New("tdN must be positive")
	}
	return &StatsTrainer{
		cfg:   cfg,
		store: store,
		log:   log.WithField("component", "trainer"),
	}, nil
}

func (t *StatsTrainer) Init() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = StatsState{ActionCounts: make([]uint64, t.cfg.ActionCount)}
	t.log.Info("initialized trainer state")
	return nil
}

func (t *StatsTrainer) Restore() error {
	var state StatsState
	if err := t.store.Load(snapshotName, &state); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(state.ActionCounts) != t.cfg.ActionCount {
		return fmt.Errorf("%w: checkpoint has %d actions, want %d", experience.ErrPersistence, len(state.ActionCounts), t.cfg.ActionCount)
	}
	t.state = state
	t.log.WithFields(logrus.Fields{
		"path":        t.store.Path(snapshotName),
		"global_step": state.GlobalStep,
	}).Info("restored trainer state")
	return nil
}

func (t *StatsTrainer) Save() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.UpdatedAt = time.Now().UTC()
	if err := t.store.Save(snapshotName, t.state); err != nil {
		return err
	}
	t.log.WithField("path", t.store.Path(snapshotName)).Debug("saved trainer state")
	return nil
}

func (t *StatsTrainer) TrainStep(batch []experience.Window, steps int) error {
	if len(batch) == 0 {
		return fmt.Errorf("%w: empty batch", ErrInvalidBatch)
	}
	if steps <= 0 {
		return fmt.Errorf("%w: steps must be positive, got %d", ErrInvalidBatch, steps)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.ActionCounts == nil {
		return errors.New("trainer state not initialized; call Init or Restore")
	}

	var (
		returnSum   float64
		returnCount int
		rewardSum   float64
		transitions int
	)
	actions := make([]uint64, t.cfg.ActionCount)
	for wi, w := range batch {
		for i, r := range w.Rewards {
			if math.IsNaN(float64(r)) || math.IsInf(float64(r), 0) {
				return fmt.Errorf("%w: window %d reward %d is %v", ErrInvalidBatch, wi, i, r)
			}
			rewardSum += float64(r)
		}
		transitions += len(w.Rewards)
		for _, g := range reward.NStepReturns(w.Rewards, t.cfg.Discount, t.cfg.TDN) {
			returnSum += g
			returnCount++
		}
		for _, step := range w.Steps {
			if int(step.Action) >= len(actions) {
				return fmt.Errorf("%w: window %d: %w", ErrInvalidBatch, wi, experience.ErrIndexOutOfRange)
			}
			actions[step.Action]++
		}
	}

	target := 0.0
	if returnCount > 0 {
		target = returnSum / float64(returnCount)
	}
	for i := 0; i < steps; i++ {
		t.state.ReturnEMA += t.cfg.LearningRate * (target - t.state.ReturnEMA)
		t.state.GlobalStep++
	}

	t.state.Windows += uint64(len(batch))
	t.state.Transitions += uint64(transitions)
	t.state.RewardSum += rewardSum
	for i, n := range actions {
		t.state.ActionCounts[i] += n
	}
	return nil
}

func (t *StatsTrainer) State() StatsState {
	t.mu.Lock()
	defer t.mu.Unlock()
	state := t.state
	state.ActionCounts = append([]uint64(nil), t.state.ActionCounts...)
	return state
}
