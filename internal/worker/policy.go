package worker

import (
	"errors"
	"math"
	"math/rand"
)

// DefaultRepeat is how often the default policy keeps its previous action.
const DefaultRepeat = 0.75

// Policy samples action indices from fixed logits. With probability Repeat
// it keeps the previous action instead, which gives the held inputs a real
// player produces.
type Policy struct {
	Logits []float64
	Repeat float64

	probs []float64
}

func NewPolicy(logits []float64, repeat float64) (*Policy, error) {
	if len(logits) == 0 {
		return nil, errors.New("policy needs at least one action")
	}
	if repeat < 0 || repeat >= 1 {
		return nil, errors.New("repeat probability must be in [0, 1)")
	}
	return &Policy{
		Logits: logits,
		Repeat: repeat,
		probs:  softmax(logits),
	}, nil
}

// UniformPolicy picks every action with equal probability when it does not
// repeat.
func UniformPolicy(actions int, repeat float64) (*Policy, error) {
	return NewPolicy(make([]float64, actions), repeat)
}

func (p *Policy) Size() int {
	return len(p.probs)
}

// Act returns the next action index given the previous one.
func (p *Policy) Act(prev int, rng *rand.Rand) int {
	if prev >= 0 && prev < len(p.probs) && rng.Float64() < p.Repeat {
		return prev
	}
	return sampleCategorical(p.probs, rng)
}

func softmax(logits []float64) []float64 {
	maxLogit := logits[0]
	for _, v := range logits[1:] {
		if v > maxLogit {
			maxLogit = v
		}
	}
	values := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		values[i] = math.Exp(v - maxLogit)
		sum += values[i]
	}
	for i := range values {
		values[i] /= sum
	}
	return values
}

func sampleCategorical(probs []float64, rng *rand.Rand) int {
	threshold := rng.Float64()
	var cumulativeProb float64
	for i, prob := range probs {
		cumulativeProb += prob
		if threshold <= cumulativeProb {
			return i
		}
	}
	return len(probs) - 1
}
