package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"distributed-melee-rl/internal/action"
	"distributed-melee-rl/internal/codec"
	"distributed-melee-rl/internal/experience"
	"distributed-melee-rl/internal/game"
	"distributed-melee-rl/internal/reward"
	"distributed-melee-rl/internal/sim"
	"distributed-melee-rl/internal/transport"
)

// Runner plays the simulator on one port, cuts the stream into windows of
// the codec's experience length and ships each window to the trainer.
type Runner struct {
	ID       string
	Producer transport.Producer
	Codec    *codec.Codec
	Space    *action.Space
	Rewards  *reward.Computer
	Policy   *Policy
	// Port is the controlled port, 0 or 1. The scripted CPU plays the other.
	Port     int
	ActEvery int
	// Limiter paces simulator ticks; nil runs as fast as possible.
	Limiter *rate.Limiter
	// Windows stops the runner after that many windows; 0 runs until ctx is done.
	Windows int
	DumpDir string
	Seed    int64
	Backoff time.Duration
	Log     *logrus.Entry
}

func (r *Runner) validate() error {
	if r.Producer == nil || r.Codec == nil || r.Space == nil || r.Rewards == nil || r.Policy == nil {
		return errors.New("producer, codec, space, rewards and policy are required")
	}
	if r.Policy.Size() != r.Space.Size() {
		return fmt.Errorf("%w: policy has %d actions, space has %d", experience.ErrSchemaMismatch, r.Policy.Size(), r.Space.Size())
	}
	if uint32(r.Space.Size()) != r.Codec.Layout().ActionCount {
		return fmt.Errorf("%w: space has %d actions, layout expects %d", experience.ErrSchemaMismatch, r.Space.Size(), r.Codec.Layout().ActionCount)
	}
	if r.Port != 0 && r.Port != 1 {
		return fmt.Errorf("controlled port %d must be 0 or 1", r.Port)
	}
	if r.ActEvery <= 0 {
		return errors.New("act every must be > 0")
	}
	if r.Limiter != nil && r.Limiter.Burst() < r.ActEvery {
		return fmt.Errorf("limiter burst %d is below act every %d", r.Limiter.Burst(), r.ActEvery)
	}
	return nil
}

func (r *Runner) Run(ctx context.Context) error {
	if err := r.validate(); err != nil {
		return err
	}
	if r.Backoff <= 0 {
		r.Backoff = 500 * time.Millisecond
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	log := r.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("worker", r.ID)
	if r.DumpDir != "" {
		if err := os.MkdirAll(r.DumpDir, 0o755); err != nil {
			return err
		}
	}

	rng := rand.New(rand.NewSource(r.Seed))
	env := sim.NewEnv(rng)
	length := int(r.Codec.Layout().ExperienceLength)
	prev := r.Space.Neutral()
	var sent, failed int

	for produced := 0; r.Windows == 0 || produced < r.Windows; produced++ {
		w, err := r.rollout(ctx, env, rng, length, prev)
		if err != nil {
			return err
		}
		prev = int(w.Steps[length-1].Action)

		record, err := r.Codec.Encode(w)
		if err != nil {
			return fmt.Errorf("encode window: %w", err)
		}
		if r.DumpDir != "" {
			r.dump(log, record)
		}

		if err := r.Producer.Send(ctx, record); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Redialing cannot fix a layout the consumer refuses.
			if errors.Is(err, experience.ErrSchemaMismatch) {
				return fmt.Errorf("send window: %w", err)
			}
			failed++
			log.WithError(err).WithField("failed", failed).Warn("send failed, window dropped")
			if err := sleep(ctx, r.Backoff); err != nil {
				return err
			}
			continue
		}
		sent++
		log.WithFields(logrus.Fields{
			"sent":   sent,
			"reward": sum(w.Rewards),
		}).Debug("window sent")
	}
	log.WithFields(logrus.Fields{"sent": sent, "failed": failed}).Info("runner finished")
	return nil
}

// rollout plays length decisions. Each decision holds its control for
// ActEvery simulator ticks; the frame recorded is the one the decision saw.
func (r *Runner) rollout(ctx context.Context, env *sim.Env, rng *rand.Rand, length, prev int) (experience.Window, error) {
	steps := make([]experience.Step, length)
	frames := make([]game.Frame, length)

	for i := 0; i < length; i++ {
		if r.Limiter != nil {
			if err := r.Limiter.WaitN(ctx, r.ActEvery); err != nil {
				return experience.Window{}, err
			}
		} else if err := ctx.Err(); err != nil {
			return experience.Window{}, err
		}

		frame := env.Frame
		act := r.Policy.Act(prev, rng)
		control, err := r.Space.ToControl(act)
		if err != nil {
			return experience.Window{}, err
		}
		frames[i] = frame
		steps[i] = experience.Step{State: frame, PrevAction: uint32(prev), Action: uint32(act)}

		opponent := 1 - r.Port
		for tick := 0; tick < r.ActEvery; tick++ {
			var controls [2]game.Controller
			controls[r.Port] = control
			controls[opponent] = env.CPU(opponent, r.Port)
			if _, done := env.Step(controls); done {
				env.Reset()
			}
		}
		prev = act
	}

	return experience.Window{Steps: steps, Rewards: r.Rewards.Compute(frames)}, nil
}

func (r *Runner) dump(log *logrus.Entry, record []byte) {
	path := filepath.Join(r.DumpDir, fmt.Sprintf("%s-%s.exp", r.ID, uuid.NewString()))
	if err := r.Codec.WriteFile(path, [][]byte{record}); err != nil {
		log.WithError(err).Warn("experience dump failed")
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func sum(values []float32) float64 {
	var total float64
	for _, v := range values {
		total += float64(v)
	}
	return total
}
