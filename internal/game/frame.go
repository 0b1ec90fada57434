package game

const (
	NumPlayers = 4

	// Enumeration bounds enforced by the record decoder.
	NumCharacters  = 33
	MaxActionState = 0x17E
	MaxStage       = 0x20
	MaxMenu        = 0x0F
)

type Button uint8

const (
	ButtonA Button = 1 << iota
	ButtonB
	ButtonX
	ButtonY
	ButtonZ
	ButtonL
	ButtonR
	ButtonStart
)

// Stick coordinates are in [0, 1] with 0.5 as neutral.
type Stick struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
}

func NeutralStick() Stick {
	return Stick{X: 0.5, Y: 0.5}
}

// Controller is a realized analog control signal.
type Controller struct {
	Buttons  Button  `json:"buttons"`
	TriggerL float32 `json:"trigger_l"`
	TriggerR float32 `json:"trigger_r"`
	Main     Stick   `json:"stick_main"`
	C        Stick   `json:"stick_c"`
}

func NeutralController() Controller {
	return Controller{Main: NeutralStick(), C: NeutralStick()}
}

func (c Controller) Pressed(b Button) bool {
	return c.Buttons&b != 0
}

type Player struct {
	Percent           uint32     `json:"percent"`
	Stock             uint32     `json:"stock"`
	Facing            float32    `json:"facing"`
	X                 float32    `json:"x"`
	Y                 float32    `json:"y"`
	Z                 float32    `json:"z"`
	ActionState       uint32     `json:"action_state"`
	ActionCounter     uint32     `json:"action_counter"`
	ActionFrame       float32    `json:"action_frame"`
	Character         uint32     `json:"character"`
	Invulnerable      bool       `json:"invulnerable"`
	ChargingSmash     bool       `json:"charging_smash"`
	InAir             bool       `json:"in_air"`
	HitlagFramesLeft  float32    `json:"hitlag_frames_left"`
	HitstunFramesLeft float32    `json:"hitstun_frames_left"`
	JumpsUsed         uint32     `json:"jumps_used"`
	SpeedAirXSelf     float32    `json:"speed_air_x_self"`
	SpeedGroundXSelf  float32    `json:"speed_ground_x_self"`
	SpeedYSelf        float32    `json:"speed_y_self"`
	SpeedXAttack      float32    `json:"speed_x_attack"`
	SpeedYAttack      float32    `json:"speed_y_attack"`
	ShieldSize        float32    `json:"shield_size"`
	CursorX           float32    `json:"cursor_x"`
	CursorY           float32    `json:"cursor_y"`
	Controller        Controller `json:"controller"`
}

// Frame is one simulation tick of observable state. Frames are values and are
// never mutated after capture.
type Frame struct {
	Players [NumPlayers]Player `json:"players"`
	Tick    uint32             `json:"frame"`
	Menu    uint32             `json:"menu"`
	Stage   uint32             `json:"stage"`
}
