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
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	ffb "ffb-core/closed_loop/force_feedback"
	"ffb-core/storage"
	"ffb-core/utils"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e := newEnv()
	defer e.Close()

	if err := RootCmd(e).ExecuteContext(ctx); err != nil {
		return 1
	}
	return 0
}

// env carries the configuration shared by all subcommands
type env struct {
	v   *viper.Viper
	cfg LoopConfig
	log *utils.Logger
}

func newEnv() *env {
	return &env{v: newLoopViper()}
}

// Close releases the log file; it runs whether or not the command failed
func (e *env) Close() {
	if e.log != nil {
		_ = e.log.Close()
		e.log = nil
	}
}

func RootCmd(e *env) *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:          "closed_loop",
		Short:        "Steering force-feedback control loop",
		Long:         "Computes spring-damper steering torque from steering state and drives the FFB actuator over CAN.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadLoopConfig(e.v, cfgPath)
			if err != nil {
				return err
			}
			log, err := cfg.Log.OpenLogger()
			if err != nil {
				return fmt.Errorf("open log: %w", err)
			}
			for _, w := range cfg.Warnings() {
				log.Warn("%s", w)
			}
			e.cfg, e.log = cfg, log
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgPath, "config", "", "config file (yaml, json or toml)")
	flags.String("log", "info", "trace|debug|info|warn|error|critical")
	flags.String("log-file", "", "also append log lines to this file")
	_ = e.v.BindPFlag("log.level", flags.Lookup("log"))
	_ = e.v.BindPFlag("log.file", flags.Lookup("log-file"))

	cmd.AddCommand(
		RunCmd(e),
		ReplayCmd(e),
		TorqueCmd(e),
		FramesCmd(e),
		TraceCmd(e),
	)

	return cmd
}

func RunCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the CAN force-feedback loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c := e.cfg

			cmap, err := utils.LoadCANMap(c.CAN.Map)
			if err != nil {
				return fmt.Errorf("load can map: %w", err)
			}

			writer, err := utils.NewSocketCANWriter(ctx, c.CAN.Interface)
			if err != nil {
				return err
			}
			reader, err := utils.NewSocketCANReader(ctx, c.CAN.Interface)
			if err != nil {
				_ = writer.Close()
				return err
			}

			duration, _ := cmd.Flags().GetDuration("duration")
			runner, err := NewRunner(RunnerConfig{
				RxFrame:    c.CAN.RxFrame,
				TxFrame:    c.CAN.TxFrame,
				StaleAfter: c.CAN.StaleAfter,
				Duration:   duration,
				Model:      c.FFB,
				Shaping:    c.Shaping,
			}, cmap, reader, writer, e.log.Named("loop"))
			if err != nil {
				_ = reader.Close()
				_ = writer.Close()
				return fmt.Errorf("startup failed: %w", err)
			}
			defer runner.Close()

			store, err := openTraceStore(ctx, c.Trace)
			if err != nil {
				return err
			}
			if store != nil {
				defer store.Close()
				run := newRun("can:"+c.CAN.Interface, storage.SourceCAN, c.FFB)
				if err := runner.RecordTo(ctx, store, run); err != nil {
					return err
				}
				e.log.Info("Recording trace as run %s", run.ID)
			}

			if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				e.log.Critical("Run failed: %v", err)
				return err
			}
			return nil
		},
	}
	cmd.Flags().Duration("duration", 0, "stop after this long (0 runs until interrupted)")
	return cmd
}

func ReplayCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <scenario.json>",
		Short: "Replay a steering scenario through the model offline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			scen, err := LoadScenario(args[0])
			if err != nil {
				return fmt.Errorf("load scenario: %w", err)
			}

			trace := Replay(&scen, e.cfg.FFB, e.cfg.Shaping)
			st := Summarize(trace)
			e.log.Info("Replayed %s: samples=%d min=%.3f Nm max=%.3f Nm mean|T|=%.3f Nm",
				scen.Meta.Name, st.Samples, st.MinTorqueNm, st.MaxTorqueNm, st.MeanAbsNm)

			if verbose, _ := cmd.Flags().GetBool("print"); verbose {
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, "t_s,steer_norm,yaw_rate_dps,torque_nm,command_nm")
				for _, r := range trace {
					fmt.Fprintf(out, "%.4f,%.4f,%.3f,%.4f,%.4f\n", r.TimeS, r.SteerNorm, r.YawRateDPS, r.TorqueNm, r.CommandNm)
				}
			}

			store, err := openTraceStore(ctx, e.cfg.Trace)
			if err != nil {
				return err
			}
			if store == nil {
				return nil
			}
			defer store.Close()

			model := e.cfg.FFB
			if scen.Model != nil {
				model = *scen.Model
			}
			run := newRun(scen.Meta.Name, storage.SourceReplay, model)
			rec, err := newTraceRecorder(ctx, store, run, len(trace))
			if err != nil {
				return err
			}
			for _, r := range trace {
				rec.Add(ctx, r)
			}
			if err := rec.Flush(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), run.ID)
			return nil
		},
	}
	cmd.Flags().Bool("print", false, "print the trace as CSV")
	return cmd
}

func TorqueCmd(e *env) *cobra.Command {
	var s ffb.SteeringSample
	cmd := &cobra.Command{
		Use:   "torque",
		Short: "Compute the torque for one steering sample",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := e.cfg.FFB
			if cmd.Flags().Changed("spring") {
				cfg.SpringGain, _ = cmd.Flags().GetFloat64("spring")
			}
			if cmd.Flags().Changed("damper") {
				cfg.DamperGain, _ = cmd.Flags().GetFloat64("damper")
			}
			t := ffb.ComputeTorque(s, cfg)
			fmt.Fprintf(cmd.OutOrStdout(), "%g\n", t.Nm())
			return nil
		},
	}
	cmd.Flags().Float64Var(&s.SteerNorm, "steer", 0, "normalized steering angle")
	cmd.Flags().Float64Var(&s.YawRateDPS, "yaw", 0, "yaw rate in deg/s")
	cmd.Flags().Float64("spring", ffb.DefaultSpringGain, "override spring gain (Nm per unit steer)")
	cmd.Flags().Float64("damper", ffb.DefaultDamperGain, "override damper gain (Nm per deg/s)")
	return cmd
}

func FramesCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "frames",
		Short: "List frames and signals of the CAN map",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmap, err := utils.LoadCANMap(e.cfg.CAN.Map)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, name := range cmap.FrameNames() {
				fd := cmap.ByName[name]
				fmt.Fprintf(out, "%s 0x%X %s dlc=%d cycle_ms=%d\n", fd.Name, fd.ID, fd.Direction, fd.DLC, fd.CycleMS)
				for _, s := range fd.Signals {
					fmt.Fprintf(out, "  %-16s bits %2d+%-2d x%g [%g, %g] %s\n",
						s.Name, s.StartBit, s.BitLength, s.Factor, s.Min, s.Max, s.Unit)
				}
			}
			return nil
		},
	}
}

func TraceCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "trace <run-id>",
		Short: "Print a stored trace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openTraceStore(ctx, e.cfg.Trace)
			if err != nil {
				return err
			}
			if store == nil {
				return errors.New("trace.store is none")
			}
			defer store.Close()

			run, ok, err := store.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: %s", storage.ErrRunNotFound, args[0])
			}
			trace, err := store.ListTrace(ctx, run.ID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "# %s %s %s spring=%g damper=%g\n",
				run.Name, run.Source, run.StartedAt.Format(time.RFC3339), run.SpringGain, run.DamperGain)
			for _, r := range trace {
				fmt.Fprintf(out, "%d,%.4f,%.4f,%.3f,%.4f,%.4f\n", r.Seq, r.TimeS, r.SteerNorm, r.YawRateDPS, r.TorqueNm, r.CommandNm)
			}
			return nil
		},
	}
}

// openTraceStore returns nil when tracing is disabled
func openTraceStore(ctx context.Context, c utils.TraceConfig) (storage.Store, error) {
	if c.Store == "none" || c.Store == "" {
		return nil, nil
	}
	store, err := storage.NewStore(c.Store, c.Path)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("init %s store: %w", c.Store, err)
	}
	return store, nil
}

func newRun(name, source string, model ffb.ModelConfig) storage.Run {
	return storage.Run{
		ID:         uuid.NewString(),
		Name:       name,
		Source:     source,
		StartedAt:  time.Now().UTC(),
		SpringGain: model.SpringGain,
		DamperGain: model.DamperGain,
	}
}
