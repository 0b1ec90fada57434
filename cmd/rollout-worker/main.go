package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"distributed-melee-rl/internal/action"
	"distributed-melee-rl/internal/codec"
	"distributed-melee-rl/internal/config"
	"distributed-melee-rl/internal/experience"
	"distributed-melee-rl/internal/logging"
	"distributed-melee-rl/internal/reward"
	"distributed-melee-rl/internal/transport"
	"distributed-melee-rl/internal/worker"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var opts config.Options

	cmd := &cobra.Command{
		Use:   "rollout-worker",
		Short: "Play the simulator and stream experience windows to the trainer",
		Long: `rollout-worker runs one or more agents against the built-in simulator.
Each agent cuts its play into fixed-length windows and sends them to the
trainer. Point --load at the trainer's run directory so both sides agree on
the record layout.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, opts)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.File, "config", "", "YAML config file")
	flags.StringVar(&opts.LoadDir, "load", "", "trainer run directory holding params.yaml")
	flags.String("id", "", "worker id prefix (default: random)")
	flags.Int("agents", 0, "concurrent agents")
	flags.Int("windows", 0, "windows per agent before exiting (0: run until interrupted)")
	flags.Float64("tick-rate", 0, "simulator ticks per second per agent (0: unpaced)")
	flags.String("dump-dir", "", "also write every window to this directory")
	flags.String("transport", "", "experience transport: websocket or nats")
	flags.String("url", "", "trainer websocket address")
	flags.String("nats-url", "", "NATS server URL")
	flags.String("log-level", "", "log level")
	for key, name := range map[string]string{
		"worker.id":          "id",
		"worker.agents":      "agents",
		"worker.windows":     "windows",
		"worker.tick_rate":   "tick-rate",
		"worker.dump_dir":    "dump-dir",
		"transport.kind":     "transport",
		"transport.url":      "url",
		"transport.nats_url": "nats-url",
		"logging.level":      "log-level",
	} {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, closer := logging.New(cfg.Logging)
	defer closer.Close()
	log := logrus.NewEntry(logger).WithField("run", cfg.Name)

	space, err := action.NewSpace(cfg.Action.Granularity)
	if err != nil {
		return err
	}
	layout := experience.NewLayout(cfg.RL.ExperienceLength(), space.Size())
	c, err := codec.New(layout)
	if err != nil {
		return err
	}
	rewards, err := reward.NewComputer(cfg.Reward)
	if err != nil {
		return err
	}

	id := cfg.Worker.ID
	if id == "" {
		id = uuid.NewString()[:8]
	}
	seed := cfg.Worker.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	var conn *nats.Conn
	if cfg.Transport.Kind == transport.KindNATS {
		conn, err = transport.ConnectNATS(cfg.Transport.NATSURL, "rollout-"+id)
		if err != nil {
			return err
		}
		defer conn.Close()
	}

	log.WithFields(logrus.Fields{
		"worker":    id,
		"agents":    cfg.Worker.Agents,
		"layout":    layout.String(),
		"transport": cfg.Transport.Kind,
	}).Info("rollout worker starting")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.Worker.Agents; i++ {
		agentID := fmt.Sprintf("%s-%d", id, i)
		policy, err := worker.UniformPolicy(space.Size(), worker.DefaultRepeat)
		if err != nil {
			return err
		}

		producer := newProducer(cfg, conn, agentID, layout)
		runner := &worker.Runner{
			ID:       agentID,
			Producer: producer,
			Codec:    c,
			Space:    space,
			Rewards:  rewards,
			Policy:   policy,
			Port:     cfg.Reward.Controlled,
			ActEvery: cfg.RL.ActEvery,
			Windows:  cfg.Worker.Windows,
			DumpDir:  cfg.Worker.DumpDir,
			Seed:     seed + int64(i),
			Backoff:  cfg.Worker.Backoff,
			Log:      log,
		}
		if cfg.Worker.TickRate > 0 {
			runner.Limiter = rate.NewLimiter(rate.Limit(cfg.Worker.TickRate), cfg.RL.ActEvery)
		}
		g.Go(func() error {
			defer producer.Close()
			return runner.Run(gctx)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		log.WithError(err).Error("rollout worker stopped")
		return err
	}
	log.Info("rollout worker stopped")
	return nil
}

func newProducer(cfg *config.Config, conn *nats.Conn, id string, layout experience.Layout) transport.Producer {
	if conn != nil {
		return transport.NewNATSProducer(conn, cfg.Transport.Subject, id, layout, false)
	}
	return transport.NewRedialer(func(ctx context.Context) (transport.Producer, error) {
		return transport.DialWebsocket(ctx, cfg.Transport.URL, id, layout)
	})
}
