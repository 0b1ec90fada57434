package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"distributed-melee-rl/internal/reward"
)

const (
	EnvPrefix  = "MELEE"
	ParamsFile = "params.yaml"
)

type Config struct {
	Name       string           `mapstructure:"name" yaml:"name"`
	RL         RLConfig         `mapstructure:"rl" yaml:"rl"`
	Reward     reward.Config    `mapstructure:"reward" yaml:"reward"`
	Action     ActionConfig     `mapstructure:"action" yaml:"action"`
	Train      TrainConfig      `mapstructure:"train" yaml:"train"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint" yaml:"checkpoint"`
	Transport  TransportConfig  `mapstructure:"transport" yaml:"transport"`
	Ops        OpsConfig        `mapstructure:"ops" yaml:"ops"`
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
	Worker     WorkerConfig     `mapstructure:"worker" yaml:"worker"`
}

type RLConfig struct {
	// Window duration in seconds.
	ExperienceTime int `mapstructure:"experience_time" yaml:"experience_time"`
	// Simulator ticks per decision.
	ActEvery int `mapstructure:"act_every" yaml:"act_every"`
	// Seconds for a reward to be discounted by half.
	RewardHalflife float64 `mapstructure:"reward_halflife" yaml:"reward_halflife"`
	// n-step TD horizon used by the trainer.
	TDN int `mapstructure:"tdn" yaml:"tdn"`
	// Simulator tick rate.
	BaseFPS int `mapstructure:"base_fps" yaml:"base_fps"`
}

// FPS is the decision rate.
func (c RLConfig) FPS() int {
	return c.BaseFPS / c.ActEvery
}

func (c RLConfig) Discount() float64 {
	return reward.Discount(c.FPS(), c.RewardHalflife)
}

func (c RLConfig) ExperienceLength() int {
	return c.ExperienceTime * c.FPS()
}

type ActionConfig struct {
	Granularity int `mapstructure:"granularity" yaml:"granularity"`
}

type TrainConfig struct {
	Sweeps       int     `mapstructure:"sweeps" yaml:"sweeps"`
	Batches      int     `mapstructure:"batches" yaml:"batches"`
	BatchSize    int     `mapstructure:"batch_size" yaml:"batch_size"`
	BatchSteps   int     `mapstructure:"batch_steps" yaml:"batch_steps"`
	MinCollect   int     `mapstructure:"min_collect" yaml:"min_collect"`
	Capacity     int     `mapstructure:"capacity" yaml:"capacity"`
	LearningRate float64 `mapstructure:"learning_rate" yaml:"learning_rate"`
	Init         bool    `mapstructure:"init" yaml:"-"`
	Seed         int64   `mapstructure:"seed" yaml:"seed"`
}

func (c TrainConfig) SweepSize() int {
	return c.Batches * c.BatchSize
}

// BufferCapacity defaults to one sweep's worth of windows.
func (c TrainConfig) BufferCapacity() int {
	if c.Capacity > 0 {
		return c.Capacity
	}
	return c.SweepSize()
}

type CheckpointConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

type TransportConfig struct {
	Kind      string `mapstructure:"kind" yaml:"kind"`
	Bind      string `mapstructure:"bind" yaml:"bind"`
	URL       string `mapstructure:"url" yaml:"url"`
	NATSURL   string `mapstructure:"nats_url" yaml:"nats_url"`
	Subject   string `mapstructure:"subject" yaml:"subject"`
	InboxSize int    `mapstructure:"inbox_size" yaml:"inbox_size"`
}

type OpsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

type WorkerConfig struct {
	ID       string        `mapstructure:"id" yaml:"-"`
	Agents   int           `mapstructure:"agents" yaml:"agents"`
	TickRate float64       `mapstructure:"tick_rate" yaml:"tick_rate"`
	DumpDir  string        `mapstructure:"dump_dir" yaml:"dump_dir"`
	Windows  int           `mapstructure:"windows" yaml:"-"`
	Seed     int64         `mapstructure:"seed" yaml:"-"`
	Backoff  time.Duration `mapstructure:"backoff" yaml:"backoff"`
}

// Options selects where configuration comes from. LoadDir points at a run
// directory holding params.yaml; it also becomes the checkpoint path.
type Options struct {
	File    string
	LoadDir string
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("name", "melee")

	v.SetDefault("rl.experience_time", 60)
	v.SetDefault("rl.act_every", 3)
	v.SetDefault("rl.reward_halflife", 2.0)
	v.SetDefault("rl.tdn", 5)
	v.SetDefault("rl.base_fps", 60)

	rc := reward.DefaultConfig()
	v.SetDefault("reward.controlled_port", rc.Controlled)
	v.SetDefault("reward.opponent_ports", rc.Opponents)
	v.SetDefault("reward.stock_weight", rc.StockWeight)
	v.SetDefault("reward.damage_ratio", rc.DamageRatio)

	v.SetDefault("action.granularity", 3)

	v.SetDefault("train.sweeps", 1)
	v.SetDefault("train.batches", 1)
	v.SetDefault("train.batch_size", 1)
	v.SetDefault("train.batch_steps", 1)
	v.SetDefault("train.min_collect", 1)
	v.SetDefault("train.capacity", 0)
	v.SetDefault("train.learning_rate", 0.1)
	v.SetDefault("train.init", false)
	v.SetDefault("train.seed", 0)

	v.SetDefault("checkpoint.path", "")

	v.SetDefault("transport.kind", "websocket")
	v.SetDefault("transport.bind", "127.0.0.1:7557")
	v.SetDefault("transport.url", "127.0.0.1:7557")
	v.SetDefault("transport.nats_url", "nats://127.0.0.1:4222")
	v.SetDefault("transport.subject", "melee.experience")
	v.SetDefault("transport.inbox_size", 1024)

	v.SetDefault("ops.addr", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("worker.id", "")
	v.SetDefault("worker.agents", 1)
	v.SetDefault("worker.tick_rate", 0)
	v.SetDefault("worker.dump_dir", "")
	v.SetDefault("worker.windows", 0)
	v.SetDefault("worker.seed", 0)
	v.SetDefault("worker.backoff", "500ms")
}

// Load reads defaults, an optional YAML file and MELEE_* environment
// variables into a validated Config. Flags bound to v take precedence.
func Load(v *viper.Viper, opts Options) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	file := opts.File
	if file == "" && opts.LoadDir != "" {
		file = filepath.Join(opts.LoadDir, ParamsFile)
	}
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	} else {
		v.SetConfigName("melee")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if opts.LoadDir != "" {
		cfg.Checkpoint.Path = opts.LoadDir
	}
	if cfg.Checkpoint.Path == "" {
		cfg.Checkpoint.Path = filepath.Join("saves", cfg.Name)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Name != "", "name must not be empty")
	check(c.RL.ActEvery > 0, "rl.act_every must be positive")
	check(c.RL.BaseFPS > 0, "rl.base_fps must be positive")
	if c.RL.ActEvery > 0 && c.RL.BaseFPS > 0 {
		check(c.RL.FPS() > 0, "rl.act_every %d exceeds rl.base_fps %d", c.RL.ActEvery, c.RL.BaseFPS)
		check(c.RL.ExperienceLength() >= 2, "experience length %d must be at least 2", c.RL.ExperienceLength())
	}
	check(c.RL.RewardHalflife > 0, "rl.reward_halflife must be positive")
	check(c.RL.TDN > 0, "rl.tdn must be positive")
	check(c.Action.Granularity >= 2, "action.granularity must be at least 2")

	check(c.Train.Sweeps > 0, "train.sweeps must be positive")
	check(c.Train.Batches > 0, "train.batches must be positive")
	check(c.Train.BatchSize > 0, "train.batch_size must be positive")
	check(c.Train.BatchSteps > 0, "train.batch_steps must be positive")
	check(c.Train.MinCollect > 0, "train.min_collect must be positive")
	check(c.Train.Capacity >= 0, "train.capacity must not be negative")
	check(c.Train.LearningRate > 0 && c.Train.LearningRate <= 1, "train.learning_rate must be in (0, 1]")

	check(c.Transport.Kind == "websocket" || c.Transport.Kind == "nats", "transport.kind must be 'websocket' or 'nats'")
	check(c.Transport.InboxSize > 0, "transport.inbox_size must be positive")
	check(c.Worker.Agents > 0, "worker.agents must be positive")
	check(c.Worker.TickRate >= 0, "worker.tick_rate must not be negative")
	check(c.Worker.Backoff >= 0, "worker.backoff must not be negative")

	return errors.Join(errs...)
}

// WriteParams records the run's configuration next to its checkpoint so
// later trainer and agent processes agree on the record layout.
func WriteParams(cfg *Config, dir string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	// Readers must never see a partial file.
	tmp, err := os.CreateTemp(dir, ParamsFile+".tmp-*")
	if err != nil {
		return err
	}
	tempName := tmp.Name()
	defer os.Remove(tempName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tempName, filepath.Join(dir, ParamsFile))
}
