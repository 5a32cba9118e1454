package main

// reticulad is the daemon/CLI entrypoint: a cobra root with subcommand-
// constructor functions, one per verb.

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"reticula/core"
	pkgconfig "reticula/pkg/config"
)

func main() {
	rootCmd := &cobra.Command{Use: "reticulad"}
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(identityCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func buildContext(cfg *pkgconfig.Config) (*core.Context, error) {
	profile := core.ProfileConstrained
	if cfg.Node.Profile == "hosted" {
		profile = core.ProfileHosted
	}

	var store core.Storage
	if cfg.Storage.StoragePath != "" {
		fs, err := core.NewFileStorage(cfg.Storage.StoragePath)
		if err != nil {
			return nil, err
		}
		store = fs
	}

	id, err := core.LoadOrCreateIdentityFile(cfg.Node.IdentityPath)
	if err != nil {
		return nil, err
	}

	ctx := core.NewContext(profile, id, store)
	ctx.TransportEnabled = cfg.Node.TransportEnabled
	return ctx, nil
}

func serveCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run a Reticula instance until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := uuid.New().String()
			log := logrus.WithField("run_id", runID)

			cfg, err := pkgconfig.Load(env)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Logging.Level != "" {
				if lvl, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
					logrus.SetLevel(lvl)
				}
			}

			ctx, err := buildContext(cfg)
			if err != nil {
				return fmt.Errorf("build context: %w", err)
			}
			tr := core.NewTransport(ctx)

			if cfg.Node.IdentityPath == "" {
				if _, err := tr.LoadIdentity(); err != nil {
					log.WithError(err).Warn("reticulad: identity reload failed, starting fresh")
				}
			}
			if err := tr.LoadTables(); err != nil {
				log.WithError(err).Warn("reticulad: path table reload failed, starting empty")
			}
			if err := tr.LoadTunnels(); err != nil {
				log.WithError(err).Warn("reticulad: tunnel table reload failed, starting empty")
			}
			if err := tr.LoadHashlist(); err != nil {
				log.WithError(err).Warn("reticulad: packet hashlist reload failed, starting empty")
			}
			tr.CleanCaches()

			log.WithFields(logrus.Fields{
				"profile":           cfg.Node.Profile,
				"transport_enabled": cfg.Node.TransportEnabled,
			}).Info("reticulad: instance starting")

			ticker := time.NewTicker(core.JobsInterval)
			defer ticker.Stop()
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			sched := core.NewJobScheduler()
			for {
				select {
				case <-ticker.C:
					tr.RunJobs(sched)
				case <-sigCh:
					log.Info("reticulad: shutting down")
					_ = tr.SaveTables()
					_ = tr.SaveTunnels()
					_ = tr.SaveHashlist()
					if cfg.Node.IdentityPath == "" {
						_ = tr.SaveIdentity()
					}
					return nil
				}
			}
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "environment overlay to merge onto default.yaml")
	return cmd
}

func statusCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "print table occupancy and buffer pool stats for the configured profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := pkgconfig.Load(env)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx, err := buildContext(cfg)
			if err != nil {
				return fmt.Errorf("build context: %w", err)
			}
			occ := ctx.Transport.Occupancy()
			for name, n := range occ {
				fmt.Printf("%-24s %d\n", name, n)
			}
			free, fallbacks := ctx.Pool.Stats()
			fmt.Printf("%-24s %v\n", "bufferpool_free", free)
			fmt.Printf("%-24s %d\n", "bufferpool_fallbacks", fallbacks)
			return nil
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "environment overlay to merge onto default.yaml")
	return cmd
}

func identityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "identity",
		Short: "generate a fresh identity key pair and print its hashes",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := core.NewIdentity()
			if err != nil {
				return err
			}
			pub := id.PublicKeys()
			full := core.FullHash(pub[:])
			trunc := core.TruncatedHash(pub[:])
			fmt.Printf("full_hash   %x\n", full)
			fmt.Printf("trunc_hash  %x\n", trunc)
			return nil
		},
	}
}
