// Package sim is a small deterministic two-player fighting simulator that
// produces game.Frame values, so agents can run without an emulator.
package sim

import (
	"math"
	"math/rand"

	"distributed-melee-rl/internal/game"
)

const (
	walkSpeed    = 1.5
	airSpeed     = 1.0
	jumpSpeed    = 3.0
	gravity      = 0.25
	blastZone    = 120.0
	stageEdge    = 70.0
	attackRange  = 12.0
	attackDamage = 7
	attackFrames = 12
	respawnTicks = 60
	maxJumps     = 2
	startStocks  = 4
	shieldFull   = 60.0

	// Melee action state ids used for display only.
	stateDead   = 0x00
	stateWait   = 0x0E
	stateWalk   = 0x14
	stateJump   = 0x19
	stateFall   = 0x1D
	stateAttack = 0x2C
	stateDamage = 0x4B
	stateShield = 0xB3
	stageBattle = 0x1F
	menuInGame  = 2
)

// Env simulates two fighters on ports 0 and 1. Ports 2 and 3 stay empty.
type Env struct {
	Frame game.Frame
	Rand  *rand.Rand

	respawn  [2]int
	cooldown [2]int
}

func NewEnv(rng *rand.Rand) *Env {
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	env := &Env{Rand: rng}
	env.Reset()
	return env
}

func (e *Env) Reset() game.Frame {
	e.Frame = game.Frame{Menu: menuInGame, Stage: stageBattle}
	for port := 0; port < 2; port++ {
		side := float32(-1)
		if port == 1 {
			side = 1
		}
		e.Frame.Players[port] = game.Player{
			Stock:       startStocks,
			Facing:      -side,
			X:           side * 30,
			ActionState: stateWait,
			Character:   uint32(e.Rand.Intn(game.NumCharacters)),
			ShieldSize:  shieldFull,
			Controller:  game.NeutralController(),
		}
	}
	for port := 2; port < game.NumPlayers; port++ {
		e.Frame.Players[port] = game.Player{Controller: game.NeutralController()}
	}
	e.respawn = [2]int{}
	e.cooldown = [2]int{}
	return e.Frame
}

// Step advances one tick with the given controls for ports 0 and 1 and
// reports whether the game ended. A finished game must be Reset.
func (e *Env) Step(controls [2]game.Controller) (game.Frame, bool) {
	e.Frame.Tick++
	for port := 0; port < 2; port++ {
		e.Frame.Players[port].Controller = controls[port]
		e.move(port, controls[port])
	}
	for port := 0; port < 2; port++ {
		if controls[port].Pressed(game.ButtonA) || controls[port].Pressed(game.ButtonB) {
			e.attack(port, 1-port, controls[port].Pressed(game.ButtonB))
		}
	}
	for port := 0; port < 2; port++ {
		e.checkBlastZone(port)
	}
	return e.Frame, e.Done()
}

func (e *Env) Done() bool {
	return e.Frame.Players[0].Stock == 0 || e.Frame.Players[1].Stock == 0
}

func (e *Env) move(port int, c game.Controller) {
	p := &e.Frame.Players[port]
	p.ActionCounter++
	p.ActionFrame++
	if e.cooldown[port] > 0 {
		e.cooldown[port]--
	}
	if e.respawn[port] > 0 {
		e.respawn[port]--
		p.Invulnerable = e.respawn[port] > 0
		p.ActionState = stateDead
		return
	}
	if p.HitstunFramesLeft > 0 {
		p.HitstunFramesLeft--
	}

	stickX := float32(c.Main.X-0.5) * 2
	shielding := c.Pressed(game.ButtonL) || c.Pressed(game.ButtonR) || c.TriggerL > 0.5

	switch {
	case shielding && !p.InAir:
		p.SpeedGroundXSelf = 0
		p.ShieldSize = float32(math.Max(0, float64(p.ShieldSize)-0.3))
		p.ActionState = stateShield
	case p.InAir:
		p.SpeedAirXSelf = stickX * airSpeed
		p.ActionState = stateFall
	default:
		p.SpeedGroundXSelf = stickX * walkSpeed
		p.ActionState = stateWait
		if stickX != 0 {
			p.ActionState = stateWalk
		}
	}
	if !shielding && p.ShieldSize < shieldFull {
		p.ShieldSize = float32(math.Min(shieldFull, float64(p.ShieldSize)+0.1))
	}
	if stickX > 0 {
		p.Facing = 1
	} else if stickX < 0 {
		p.Facing = -1
	}

	jump := c.Pressed(game.ButtonX) || c.Pressed(game.ButtonY) || c.Main.Y > 0.8
	if jump && p.JumpsUsed < maxJumps && p.SpeedYSelf <= 0 {
		p.SpeedYSelf = jumpSpeed
		p.JumpsUsed++
		p.InAir = true
		p.ActionState = stateJump
	}

	if p.InAir {
		p.X += p.SpeedAirXSelf + p.SpeedXAttack
		p.SpeedYSelf -= gravity
	} else {
		p.X += p.SpeedGroundXSelf + p.SpeedXAttack
	}
	p.Y += p.SpeedYSelf + p.SpeedYAttack
	p.SpeedXAttack *= 0.9
	p.SpeedYAttack *= 0.9

	onStage := p.X >= -stageEdge && p.X <= stageEdge
	if p.Y <= 0 && onStage {
		p.Y = 0
		p.SpeedYSelf = 0
		p.InAir = false
		p.JumpsUsed = 0
	} else {
		p.InAir = true
	}
}

func (e *Env) attack(from, to int, strong bool) {
	a := &e.Frame.Players[from]
	d := &e.Frame.Players[to]
	if e.respawn[from] > 0 || e.cooldown[from] > 0 || a.HitstunFramesLeft > 0 {
		return
	}
	e.cooldown[from] = attackFrames
	a.ActionState = stateAttack
	a.ActionFrame = 0

	dx := d.X - a.X
	if math.Abs(float64(dx)) > attackRange || math.Abs(float64(d.Y-a.Y)) > attackRange {
		return
	}
	if (dx > 0) != (a.Facing > 0) || d.Invulnerable || e.respawn[to] > 0 {
		return
	}
	if d.ActionState == stateShield && d.ShieldSize > 0 {
		d.ShieldSize = float32(math.Max(0, float64(d.ShieldSize)-attackDamage))
		return
	}

	damage := uint32(attackDamage)
	if strong {
		damage += uint32(e.Rand.Intn(attackDamage))
	}
	d.Percent += damage
	knockback := float32(1+float64(d.Percent)/25) * a.Facing
	d.SpeedXAttack = knockback
	d.SpeedYAttack = float32(math.Abs(float64(knockback))) / 2
	d.HitstunFramesLeft = float32(d.Percent / 10)
	d.HitlagFramesLeft = 3
	d.ActionState = stateDamage
	d.InAir = true
}

func (e *Env) checkBlastZone(port int) {
	p := &e.Frame.Players[port]
	if e.respawn[port] > 0 {
		return
	}
	if math.Abs(float64(p.X)) <= blastZone && p.Y >= -blastZone && p.Y <= blastZone {
		return
	}
	if p.Stock > 0 {
		p.Stock--
	}
	*p = game.Player{
		Stock:        p.Stock,
		Facing:       p.Facing,
		Y:            40,
		Character:    p.Character,
		ActionState:  stateDead,
		Invulnerable: true,
		InAir:        true,
		ShieldSize:   shieldFull,
		Controller:   p.Controller,
	}
	e.respawn[port] = respawnTicks
}

// CPU is a scripted opponent for port that walks toward target and attacks
// when in range.
func (e *Env) CPU(port, target int) game.Controller {
	c := game.NeutralController()
	me := e.Frame.Players[port]
	them := e.Frame.Players[target]

	dx := them.X - me.X
	switch {
	case me.X < -stageEdge:
		c.Main.X = 1
		c.Main.Y = 1
	case me.X > stageEdge:
		c.Main.X = 0
		c.Main.Y = 1
	case math.Abs(float64(dx)) > attackRange/2:
		if dx > 0 {
			c.Main.X = 1
		} else {
			c.Main.X = 0
		}
	default:
		if e.Rand.Float64() < 0.3 {
			c.Buttons |= game.ButtonA
		}
	}
	if them.Y-me.Y > attackRange && e.Rand.Float64() < 0.1 {
		c.Buttons |= game.ButtonX
	}
	return c
}
