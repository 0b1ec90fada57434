// Package experiencetest builds deterministic windows for tests.
package experiencetest

import (
	"math/rand"

	"distributed-melee-rl/internal/experience"
	"distributed-melee-rl/internal/game"
)

// Window returns a valid window of n steps whose contents are derived from
// seed. Different seeds give different windows.
func Window(n int, actionCount int, seed int64) experience.Window {
	rng := rand.New(rand.NewSource(seed))
	w := experience.Window{
		Steps:   make([]experience.Step, n),
		Rewards: make([]float32, n-1),
	}
	prev := uint32(0)
	for i := range w.Steps {
		act := uint32(rng.Intn(actionCount))
		w.Steps[i] = experience.Step{
			State:      Frame(rng, uint32(i)),
			PrevAction: prev,
			Action:     act,
		}
		prev = act
	}
	for i := range w.Rewards {
		w.Rewards[i] = rng.Float32()*2 - 1
	}
	return w
}

func Frame(rng *rand.Rand, tick uint32) game.Frame {
	f := game.Frame{Tick: tick, Menu: 2, Stage: uint32(rng.Intn(game.MaxStage + 1))}
	for p := range f.Players {
		f.Players[p] = game.Player{
			Percent:       uint32(rng.Intn(200)),
			Stock:         uint32(rng.Intn(5)),
			Facing:        1,
			X:             rng.Float32()*200 - 100,
			Y:             rng.Float32() * 50,
			ActionState:   uint32(rng.Intn(game.MaxActionState + 1)),
			ActionCounter: uint32(rng.Intn(10)),
			ActionFrame:   rng.Float32() * 30,
			Character:     uint32(rng.Intn(game.NumCharacters)),
			Invulnerable:  rng.Intn(2) == 0,
			InAir:         rng.Intn(2) == 0,
			JumpsUsed:     uint32(rng.Intn(3)),
			ShieldSize:    60,
			Controller: game.Controller{
				Buttons: game.Button(rng.Intn(256)),
				Main:    game.Stick{X: rng.Float32(), Y: rng.Float32()},
				C:       game.NeutralStick(),
			},
		}
	}
	return f
}
