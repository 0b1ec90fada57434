package action

import (
	"errors"
	"fmt"

	"distributed-melee-rl/internal/experience"
	"distributed-melee-rl/internal/game"
)

const DefaultGranularity = 3

// Buttons lists the button choices in enumeration order. The zero value is
// "no button".
var Buttons = []game.Button{0, game.ButtonA, game.ButtonB, game.ButtonZ, game.ButtonY, game.ButtonL}

var ErrNotEnumerated = errors.New("control is not an enumerated action")

// Space is the discretized control space: every button choice crossed with a
// granularity x granularity grid of main stick positions. Build it once at
// startup with NewSpace and share it; it is read-only after construction.
type Space struct {
	granularity int
	controls    []game.Controller
	index       map[game.Controller]int
}

func NewSpace(granularity int) (*Space, error) {
	if granularity < 2 {
		return nil, errors.New("granularity must be at least 2")
	}

	axis := make([]float32, granularity)
	for i := range axis {
		axis[i] = float32(i) / float32(granularity-1)
	}

	s := &Space{
		granularity: granularity,
		controls:    make([]game.Controller, 0, len(Buttons)*granularity*granularity),
		index:       make(map[game.Controller]int, len(Buttons)*granularity*granularity),
	}
	for _, button := range Buttons {
		for x := 0; x < granularity; x++ {
			for y := 0; y < granularity; y++ {
				c := game.NeutralController()
				c.Buttons = button
				c.Main = game.Stick{X: axis[x], Y: axis[y]}
				s.index[c] = len(s.controls)
				s.controls = append(s.controls, c)
			}
		}
	}
	return s, nil
}

func (s *Space) Size() int {
	return len(s.controls)
}

func (s *Space) Granularity() int {
	return s.granularity
}

func (s *Space) ToControl(index int) (game.Controller, error) {
	if index < 0 || index >= len(s.controls) {
		return game.Controller{}, fmt.Errorf("%w: %d not in [0, %d)", experience.ErrIndexOutOfRange, index, len(s.controls))
	}
	return s.controls[index], nil
}

// ToIndex only accepts controls that exactly equal an enumerated point.
// Snapping arbitrary input to the grid is the caller's job.
func (s *Space) ToIndex(c game.Controller) (int, error) {
	i, ok := s.index[c]
	if !ok {
		return 0, ErrNotEnumerated
	}
	return i, nil
}

// Neutral is the index of no button with the stick at the middle grid point.
func (s *Space) Neutral() int {
	mid := s.granularity / 2
	return mid*s.granularity + mid
}
