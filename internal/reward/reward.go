package reward

import (
	"errors"
	"fmt"
	"math"

	"distributed-melee-rl/internal/game"
)

type Config struct {
	// Port of the entity whose experience is being recorded.
	Controlled int `mapstructure:"controlled_port" yaml:"controlled_port"`
	// Ports whose stock losses count in the controlled entity's favor.
	Opponents []int `mapstructure:"opponent_ports" yaml:"opponent_ports"`
	// Magnitude of a single stock event.
	StockWeight float64 `mapstructure:"stock_weight" yaml:"stock_weight"`
	// Penalty per percent of damage the controlled entity takes.
	DamageRatio float64 `mapstructure:"damage_ratio" yaml:"damage_ratio"`
}

func DefaultConfig() Config {
	return Config{
		Controlled:  1,
		Opponents:   []int{0},
		StockWeight: 1.0,
		DamageRatio: 0.01,
	}
}

// Computer derives per-step rewards from consecutive frames. It holds no
// state between calls, so rewards for a stored window can be re-derived.
type Computer struct {
	cfg Config
}

func NewComputer(cfg Config) (*Computer, error) {
	if err := checkPort(cfg.Controlled); err != nil {
		return nil, err
	}
	if len(cfg.Opponents) == 0 {
		return nil, errors.New("at least one opponent port is required")
	}
	for _, p := range cfg.Opponents {
		if err := checkPort(p); err != nil {
			return nil, err
		}
		if p == cfg.Controlled {
			return nil, fmt.Errorf("port %d cannot be both controlled and opponent", p)
		}
	}
	cfg.Opponents = append([]int(nil), cfg.Opponents...)
	return &Computer{cfg: cfg}, nil
}

func checkPort(p int) error {
	if p < 0 || p >= game.NumPlayers {
		return fmt.Errorf("port %d not in [0, %d)", p, game.NumPlayers)
	}
	return nil
}

// Compute returns len(frames)-1 rewards; reward i covers frames[i] -> frames[i+1].
// Simultaneous events on different entities add independently.
func (c *Computer) Compute(frames []game.Frame) []float32 {
	if len(frames) < 2 {
		return []float32{}
	}
	rewards := make([]float32, len(frames)-1)
	for i := range rewards {
		rewards[i] = float32(c.transition(&frames[i], &frames[i+1]))
	}
	return rewards
}

func (c *Computer) transition(prev, next *game.Frame) float64 {
	self := c.cfg.Controlled
	r := -c.cfg.StockWeight * float64(stockLost(prev, next, self))
	for _, p := range c.cfg.Opponents {
		r += c.cfg.StockWeight * float64(stockLost(prev, next, p))
	}
	if taken := damageTaken(prev, next, self); taken > 0 {
		r -= c.cfg.DamageRatio * float64(taken)
	}
	return r
}

func stockLost(prev, next *game.Frame, port int) uint32 {
	before, after := prev.Players[port].Stock, next.Players[port].Stock
	if after >= before {
		return 0
	}
	return before - after
}

func damageTaken(prev, next *game.Frame, port int) uint32 {
	before, after := prev.Players[port].Percent, next.Players[port].Percent
	if after <= before {
		return 0
	}
	return after - before
}

// Discount converts a reward half-life in seconds to a per-tick discount.
func Discount(fps int, halflife float64) float64 {
	return math.Pow(0.5, 1.0/(float64(fps)*halflife))
}

// NStepReturns computes truncated n-step discounted returns: out[t] sums
// discount^k * rewards[t+k] for k < n, stopping at the end of the slice.
func NStepReturns(rewards []float32, discount float64, n int) []float64 {
	out := make([]float64, len(rewards))
	if n <= 0 {
		return out
	}
	for t := range rewards {
		g, scale := 0.0, 1.0
		for k := 0; k < n && t+k < len(rewards); k++ {
			g += scale * float64(rewards[t+k])
			scale *= discount
		}
		out[t] = g
	}
	return out
}
