package experience

import (
	"encoding/binary"
	"fmt"

	"distributed-melee-rl/internal/game"
)

type Step struct {
	State      game.Frame `json:"state"`
	PrevAction uint32     `json:"prev_action"`
	Action     uint32     `json:"action"`
}

// Window is the unit of transport and replay storage. Rewards[i] covers the
// transition from Steps[i] to Steps[i+1], so len(Rewards) == len(Steps)-1.
type Window struct {
	Steps   []Step    `json:"steps"`
	Rewards []float32 `json:"rewards"`
}

func (w Window) Len() int {
	return len(w.Steps)
}

func (w Window) Frames() []game.Frame {
	frames := make([]game.Frame, len(w.Steps))
	for i, step := range w.Steps {
		frames[i] = step.State
	}
	return frames
}

func (w Window) Clone() Window {
	out := Window{
		Steps:   make([]Step, len(w.Steps)),
		Rewards: make([]float32, len(w.Rewards)),
	}
	copy(out.Steps, w.Steps)
	copy(out.Rewards, w.Rewards)
	return out
}

const (
	LayoutVersion = 1
	LayoutSize    = 16
	layoutMagic   = "MXPW"
)

// Layout identifies the record format a producer speaks. Producers announce
// it once per connection; the consumer refuses anything that differs.
type Layout struct {
	Version          uint16 `json:"version" yaml:"version"`
	ExperienceLength uint32 `json:"experience_length" yaml:"experience_length"`
	ActionCount      uint32 `json:"action_count" yaml:"action_count"`
}

func NewLayout(experienceLength, actionCount int) Layout {
	return Layout{
		Version:          LayoutVersion,
		ExperienceLength: uint32(experienceLength),
		ActionCount:      uint32(actionCount),
	}
}

func (l Layout) String() string {
	return fmt.Sprintf("v%d/len=%d/actions=%d", l.Version, l.ExperienceLength, l.ActionCount)
}

func (l Layout) MarshalBinary() ([]byte, error) {
	buf := make([]byte, LayoutSize)
	copy(buf[0:4], layoutMagic)
	binary.LittleEndian.PutUint16(buf[4:6], l.Version)
	binary.LittleEndian.PutUint32(buf[8:12], l.ExperienceLength)
	binary.LittleEndian.PutUint32(buf[12:16], l.ActionCount)
	return buf, nil
}

func (l *Layout) UnmarshalBinary(data []byte) error {
	if len(data) != LayoutSize || string(data[0:4]) != layoutMagic {
		return fmt.Errorf("%w: bad layout header", ErrSchemaMismatch)
	}
	if binary.LittleEndian.Uint16(data[6:8]) != 0 {
		return fmt.Errorf("%w: bad layout header", ErrSchemaMismatch)
	}
	l.Version = binary.LittleEndian.Uint16(data[4:6])
	l.ExperienceLength = binary.LittleEndian.Uint32(data[8:12])
	l.ActionCount = binary.LittleEndian.Uint32(data[12:16])
	return nil
}

// Check returns ErrSchemaMismatch when other cannot be consumed by l.
func (l Layout) Check(other Layout) error {
	if l != other {
		return fmt.Errorf("%w: expected %s, got %s", ErrSchemaMismatch, l, other)
	}
	return nil
}
