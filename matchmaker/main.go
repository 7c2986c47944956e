package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"ffb-core/matchmaker/auth"
	"ffb-core/matchmaker/rooms"
	"ffb-core/utils"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e := &env{v: utils.NewViper()}
	defer e.Close()

	if err := RootCmd(e).ExecuteContext(ctx); err != nil {
		return 1
	}
	return 0
}

type env struct {
	v   *viper.Viper
	cfg utils.AppConfig
	log *utils.Logger
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
		Use:          "matchmaker",
		Short:        "Hands out remote cars to drivers",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := utils.LoadConfig(e.v, cfgPath)
			if err != nil {
				return err
			}
			log, err := cfg.Log.OpenLogger()
			if err != nil {
				return fmt.Errorf("open log: %w", err)
			}
			e.cfg, e.log = cfg, log.Named("matchmaker")
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgPath, "config", "", "config file (yaml, json or toml)")
	flags.String("log", "info", "trace|debug|info|warn|error|critical")
	_ = e.v.BindPFlag("log.level", flags.Lookup("log"))

	cmd.AddCommand(ServeCmd(e))
	return cmd
}

func ServeCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the room API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c := e.cfg.Matchmaker

			secret := c.TokenSecret
			if secret == "" {
				secret = uuid.NewString()
				e.log.Warn("matchmaker.token_secret not set; tokens will not survive a restart")
			}

			reg := rooms.NewRegistry(c.Cars,
				rooms.WithLifetime(c.ClaimTTL),
				rooms.WithLogger(e.log.Named("rooms")))
			srv := NewServer(ctx, reg, auth.NewSigner(secret, c.TokenTTL), e.log.Named("http"))

			ln, err := net.Listen("tcp", c.Listen)
			if err != nil {
				return fmt.Errorf("listen %s: %w", c.Listen, err)
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				reg.Start(gctx)
				return nil
			})
			g.Go(func() error {
				return srv.Serve(gctx, ln)
			})

			e.log.Info("Serving %d cars, claim ttl %v", c.Cars, c.ClaimTTL)
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				e.log.Critical("Serve failed: %v", err)
				return err
			}
			return nil
		},
	}
	cmd.Flags().String("listen", ":8081", "listen address")
	_ = e.v.BindPFlag("matchmaker.listen", cmd.Flags().Lookup("listen"))
	return cmd
}
