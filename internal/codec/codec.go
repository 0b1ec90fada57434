// Package codec implements the versioned binary record format for experience
// windows. All fields are little-endian and fixed width; nothing depends on
// host memory layout.
//
// Player (PlayerSize bytes):
//
//	  0 percent u32          4 stock u32            8 facing f32
//	 12 x f32               16 y f32               20 z f32
//	 24 action_state u32    28 action_counter u32  32 action_frame f32
//	 36 character u32       40 invulnerable u8     41 charging_smash u8
//	 42 in_air u8           43 reserved u8         44 hitlag_frames_left f32
//	 48 hitstun_frames_left f32                    52 jumps_used u32
//	 56 speed_air_x_self f32                       60 speed_ground_x_self f32
//	 64 speed_y_self f32    68 speed_x_attack f32  72 speed_y_attack f32
//	 76 shield_size f32     80 cursor_x f32        84 cursor_y f32
//	 88 buttons u8          89 reserved [3]u8      92 trigger_l f32
//	 96 trigger_r f32      100 main.x f32         104 main.y f32
//	108 c.x f32            112 c.y f32
//
// Frame (FrameSize bytes): four players, then frame u32, menu u32, stage u32.
// Step (StepSize bytes): frame, then prev_action u32, action u32.
// Window: experience_length steps, then experience_length-1 rewards as f32.
package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"distributed-melee-rl/internal/experience"
	"distributed-melee-rl/internal/game"
)

const (
	PlayerSize = 116
	FrameSize  = game.NumPlayers*PlayerSize + 12
	StepSize   = FrameSize + 8
	rewardSize = 4
)

// Codec encodes and decodes windows of one fixed layout.
type Codec struct {
	layout experience.Layout
	size   int
}

func New(layout experience.Layout) (*Codec, error) {
	if layout.ExperienceLength < 2 {
		return nil, fmt.Errorf("experience length must be at least 2, got %d", layout.ExperienceLength)
	}
	if layout.ActionCount == 0 {
		return nil, fmt.Errorf("action count must be positive")
	}
	return &Codec{layout: layout, size: RecordSize(int(layout.ExperienceLength))}, nil
}

func RecordSize(experienceLength int) int {
	return experienceLength*StepSize + (experienceLength-1)*rewardSize
}

func (c *Codec) Layout() experience.Layout {
	return c.layout
}

func (c *Codec) RecordSize() int {
	return c.size
}

// Encode is deterministic: equal windows always yield equal bytes.
func (c *Codec) Encode(w experience.Window) ([]byte, error) {
	n := int(c.layout.ExperienceLength)
	if len(w.Steps) != n {
		return nil, fmt.Errorf("%w: window has %d steps, layout wants %d", experience.ErrSchemaMismatch, len(w.Steps), n)
	}
	if len(w.Rewards) != n-1 {
		return nil, fmt.Errorf("%w: window has %d rewards, layout wants %d", experience.ErrSchemaMismatch, len(w.Rewards), n-1)
	}

	e := encoder{buf: make([]byte, c.size)}
	for i, step := range w.Steps {
		if step.PrevAction >= c.layout.ActionCount || step.Action >= c.layout.ActionCount {
			return nil, fmt.Errorf("%w: step %d action %d/%d", experience.ErrIndexOutOfRange, i, step.PrevAction, step.Action)
		}
		e.frame(&step.State)
		e.u32(step.PrevAction)
		e.u32(step.Action)
	}
	for _, r := range w.Rewards {
		e.f32(r)
	}
	return e.buf, nil
}

// Decode is the inverse of Encode. It checks lengths and enumeration ranges,
// not game semantics.
func (c *Codec) Decode(data []byte) (experience.Window, error) {
	if len(data) != c.size {
		return experience.Window{}, fmt.Errorf("%w: got %d bytes, want %d", experience.ErrMalformedRecord, len(data), c.size)
	}

	n := int(c.layout.ExperienceLength)
	d := decoder{buf: data}
	w := experience.Window{
		Steps:   make([]experience.Step, n),
		Rewards: make([]float32, n-1),
	}
	for i := range w.Steps {
		step := &w.Steps[i]
		d.frame(&step.State)
		step.PrevAction = d.u32()
		step.Action = d.u32()
		if d.err == nil && (step.PrevAction >= c.layout.ActionCount || step.Action >= c.layout.ActionCount) {
			d.fail("step %d action out of range", i)
		}
		if d.err != nil {
			return experience.Window{}, fmt.Errorf("%w: step %d: %v", experience.ErrMalformedRecord, i, d.err)
		}
	}
	for i := range w.Rewards {
		w.Rewards[i] = d.f32()
	}
	return w, nil
}

// Validate checks a record without keeping the decoded window.
func (c *Codec) Validate(data []byte) error {
	_, err := c.Decode(data)
	return err
}

type encoder struct {
	buf []byte
	off int
}

func (e *encoder) u8(v uint8) {
	e.buf[e.off] = v
	e.off++
}

func (e *encoder) u32(v uint32) {
	binary.LittleEndian.PutUint32(e.buf[e.off:], v)
	e.off += 4
}

func (e *encoder) f32(v float32) {
	e.u32(math.Float32bits(v))
}

func (e *encoder) bool(v bool) {
	if v {
		e.u8(1)
	} else {
		e.u8(0)
	}
}

func (e *encoder) stick(s game.Stick) {
	e.f32(s.X)
	e.f32(s.Y)
}

func (e *encoder) player(p *game.Player) {
	e.u32(p.Percent)
	e.u32(p.Stock)
	e.f32(p.Facing)
	e.f32(p.X)
	e.f32(p.Y)
	e.f32(p.Z)
	e.u32(p.ActionState)
	e.u32(p.ActionCounter)
	e.f32(p.ActionFrame)
	e.u32(p.Character)
	e.bool(p.Invulnerable)
	e.bool(p.ChargingSmash)
	e.bool(p.InAir)
	e.u8(0)
	e.f32(p.HitlagFramesLeft)
	e.f32(p.HitstunFramesLeft)
	e.u32(p.JumpsUsed)
	e.f32(p.SpeedAirXSelf)
	e.f32(p.SpeedGroundXSelf)
	e.f32(p.SpeedYSelf)
	e.f32(p.SpeedXAttack)
	e.f32(p.SpeedYAttack)
	e.f32(p.ShieldSize)
	e.f32(p.CursorX)
	e.f32(p.CursorY)
	e.u8(uint8(p.Controller.Buttons))
	e.u8(0)
	e.u8(0)
	e.u8(0)
	e.f32(p.Controller.TriggerL)
	e.f32(p.Controller.TriggerR)
	e.stick(p.Controller.Main)
	e.stick(p.Controller.C)
}

func (e *encoder) frame(f *game.Frame) {
	for i := range f.Players {
		e.player(&f.Players[i])
	}
	e.u32(f.Tick)
	e.u32(f.Menu)
	e.u32(f.Stage)
}

// decoder keeps the first error and turns later reads into no-ops.
type decoder struct {
	buf []byte
	off int
	err error
}

func (d *decoder) fail(format string, args ...any) {
	if d.err == nil {
		d.err = fmt.Errorf(format, args...)
	}
}

func (d *decoder) u8() uint8 {
	v := d.buf[d.off]
	d.off++
	return v
}

func (d *decoder) u32() uint32 {
	v := binary.LittleEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v
}

func (d *decoder) f32() float32 {
	return math.Float32frombits(d.u32())
}

func (d *decoder) bool(field string) bool {
	switch d.u8() {
	case 0:
		return false
	case 1:
		return true
	default:
		d.fail("%s is not a bool", field)
		return false
	}
}

func (d *decoder) reserved() {
	if d.u8() != 0 {
		d.fail("reserved byte at offset %d is set", d.off-1)
	}
}

func (d *decoder) stick() game.Stick {
	return game.Stick{X: d.f32(), Y: d.f32()}
}

func (d *decoder) player(p *game.Player, port int) {
	p.Percent = d.u32()
	p.Stock = d.u32()
	p.Facing = d.f32()
	p.X = d.f32()
	p.Y = d.f32()
	p.Z = d.f32()
	p.ActionState = d.u32()
	p.ActionCounter = d.u32()
	p.ActionFrame = d.f32()
	p.Character = d.u32()
	p.Invulnerable = d.bool("invulnerable")
	p.ChargingSmash = d.bool("charging_smash")
	p.InAir = d.bool("in_air")
	d.reserved()
	p.HitlagFramesLeft = d.f32()
	p.HitstunFramesLeft = d.f32()
	p.JumpsUsed = d.u32()
	p.SpeedAirXSelf = d.f32()
	p.SpeedGroundXSelf = d.f32()
	p.SpeedYSelf = d.f32()
	p.SpeedXAttack = d.f32()
	p.SpeedYAttack = d.f32()
	p.ShieldSize = d.f32()
	p.CursorX = d.f32()
	p.CursorY = d.f32()
	p.Controller.Buttons = game.Button(d.u8())
	d.reserved()
	d.reserved()
	d.reserved()
	p.Controller.TriggerL = d.f32()
	p.Controller.TriggerR = d.f32()
	p.Controller.Main = d.stick()
	p.Controller.C = d.stick()

	if p.Character >= game.NumCharacters {
		d.fail("player %d character %d out of range", port, p.Character)
	}
	if p.ActionState > game.MaxActionState {
		d.fail("player %d action state %#x out of range", port, p.ActionState)
	}
}

func (d *decoder) frame(f *game.Frame) {
	for i := range f.Players {
		d.player(&f.Players[i], i)
	}
	f.Tick = d.u32()
	f.Menu = d.u32()
	f.Stage = d.u32()

	if f.Menu > game.MaxMenu {
		d.fail("menu %d out of range", f.Menu)
	}
	if f.Stage > game.MaxStage {
		d.fail("stage %d out of range", f.Stage)
	}
}
