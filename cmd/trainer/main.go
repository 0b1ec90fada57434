package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"distributed-melee-rl/internal/action"
	"distributed-melee-rl/internal/buffer"
	"distributed-melee-rl/internal/codec"
	"distributed-melee-rl/internal/config"
	"distributed-melee-rl/internal/experience"
	"distributed-melee-rl/internal/logging"
	"distributed-melee-rl/internal/metrics"
	"distributed-melee-rl/internal/orchestrator"
	"distributed-melee-rl/internal/trainer"
	"distributed-melee-rl/internal/transport"
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
		Use:   "trainer",
		Short: "Collect experience from rollout workers and train on it",
		Long: `trainer accepts experience windows from many rollout workers, keeps
them in a bounded replay buffer and runs the collect, train and checkpoint
loop until interrupted.

Start a new run with --init; resume one with --load <run dir>.`,
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
	flags.StringVar(&opts.LoadDir, "load", "", "run directory to resume from (reads its params.yaml)")
	flags.Bool("init", false, "initialize fresh trainer state instead of restoring")
	flags.String("name", "", "run name")
	flags.String("transport", "", "experience transport: websocket or nats")
	flags.String("bind", "", "websocket bind address")
	flags.String("nats-url", "", "NATS server URL")
	flags.String("ops-addr", "", "address for /healthz, /stats and /metrics")
	flags.String("log-level", "", "log level")
	for key, name := range map[string]string{
		"train.init":         "init",
		"name":               "name",
		"transport.kind":     "transport",
		"transport.bind":     "bind",
		"transport.nats_url": "nats-url",
		"ops.addr":           "ops-addr",
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

	if cfg.Train.Init {
		if err := config.WriteParams(cfg, cfg.Checkpoint.Path); err != nil {
			return fmt.Errorf("%w: write params: %w", experience.ErrPersistence, err)
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	pipeline := metrics.New(reg)

	inbox, err := transport.NewInbox(c, cfg.Transport.InboxSize, pipeline)
	if err != nil {
		return err
	}
	buf, err := buffer.NewCircularBuffer(cfg.Train.BufferCapacity(), c.RecordSize())
	if err != nil {
		return err
	}
	tr, err := trainer.NewStatsTrainer(trainer.StatsConfig{
		Discount:     cfg.RL.Discount(),
		TDN:          cfg.RL.TDN,
		LearningRate: cfg.Train.LearningRate,
		ActionCount:  space.Size(),
	}, trainer.NewCheckpointStore(cfg.Checkpoint.Path), log)
	if err != nil {
		return err
	}

	seed := cfg.Train.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	orch, err := orchestrator.New(orchestrator.Config{
		Sweeps:     cfg.Train.Sweeps,
		Batches:    cfg.Train.Batches,
		BatchSize:  cfg.Train.BatchSize,
		BatchSteps: cfg.Train.BatchSteps,
		MinCollect: cfg.Train.MinCollect,
	}, orchestrator.Deps{
		Source:  inbox,
		Buffer:  buf,
		Codec:   c,
		Trainer: tr,
		Metrics: pipeline,
		Log:     log,
		Rand:    rand.New(rand.NewSource(seed)),
	})
	if err != nil {
		return err
	}
	if err := orch.Prepare(cfg.Train.Init); err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"layout":     layout.String(),
		"record":     c.RecordSize(),
		"sweep_size": cfg.Train.SweepSize(),
		"capacity":   buf.Capacity(),
		"discount":   cfg.RL.Discount(),
		"transport":  cfg.Transport.Kind,
		"checkpoint": cfg.Checkpoint.Path,
	}).Info("trainer starting")

	// The servers stop when the training loop does.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	switch cfg.Transport.Kind {
	case transport.KindNATS:
		conn, err := transport.ConnectNATS(cfg.Transport.NATSURL, "trainer-"+cfg.Name)
		if err != nil {
			return err
		}
		defer conn.Close()
		source := transport.NewNATSSource(inbox, layout, log, pipeline)
		if err := source.Subscribe(conn, cfg.Transport.Subject); err != nil {
			return err
		}
		defer source.Close()
	default:
		server := transport.NewServer(inbox, layout, c.RecordSize(), log, pipeline)
		g.Go(func() error {
			return server.ListenAndServe(gctx, cfg.Transport.Bind)
		})
	}

	if cfg.Ops.Addr != "" {
		router := metrics.NewRouter(reg, func() any {
			return struct {
				Loop    orchestrator.Stats `json:"loop"`
				Trainer trainer.StatsState `json:"trainer"`
				Layout  string             `json:"layout"`
			}{orch.Stats(), tr.State(), layout.String()}
		})
		g.Go(func() error {
			return metrics.Serve(gctx, cfg.Ops.Addr, router, log)
		})
	}

	g.Go(func() error {
		defer cancel()
		return orch.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("trainer stopped")
		return err
	}
	log.Info("trainer stopped")
	return nil
}
