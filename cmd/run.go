package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/iddsops/idds/internal/agents/carrier"
	"github.com/iddsops/idds/internal/agents/clerk"
	"github.com/iddsops/idds/internal/agents/transformer"
	"github.com/iddsops/idds/internal/cache"
	"github.com/iddsops/idds/internal/config"
	"github.com/iddsops/idds/internal/database"
	"github.com/iddsops/idds/internal/driver"
	"github.com/iddsops/idds/internal/eventbus"
	"github.com/iddsops/idds/internal/log"
	"github.com/iddsops/idds/internal/persistence"
	"github.com/iddsops/idds/internal/tracing"
)

var (
	runAgents string
	runDriver string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon with the selected agents",
	RunE:  runDaemon,
}

func init() {
	runCmd.Flags().StringVar(&runAgents, "agents", "clerk,transformer,carrier",
		"comma-separated agents to start")
	runCmd.Flags().StringVar(&runDriver, "driver", "fake",
		"task driver backend")
	rootCmd.AddCommand(runCmd)
}

// runnable is the lifecycle every agent exposes.
type runnable interface {
	Run()
	Stop()
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	logger := log.Setup(cfg.Log.Level, cfg.Log.Format)

	tracer, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracer.Shutdown(ctx)
	}()

	db, err := database.OpenAndMigrate(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	store := persistence.NewStore(db)

	bus, err := eventbus.New(cfg.EventBus.Backend)
	if err != nil {
		return err
	}
	c, err := cache.New(cfg.Cache)
	if err != nil {
		return err
	}

	taskDriver, metadataDriver, err := buildDrivers(runDriver)
	if err != nil {
		return err
	}

	var agents []runnable
	for _, name := range strings.Split(runAgents, ",") {
		switch strings.TrimSpace(name) {
		case "clerk":
			agents = append(agents, clerk.New(cfg.Clerk, store, bus, logger))
		case "transformer":
			agents = append(agents, transformer.New(cfg.Transformer, store, bus, metadataDriver, c, logger))
		case "carrier":
			agents = append(agents, carrier.New(cfg.Carrier, store, bus, taskDriver, logger))
		case "":
		default:
			return fmt.Errorf("unknown agent %q", name)
		}
	}
	if len(agents) == 0 {
		return fmt.Errorf("no agents selected")
	}

	for _, a := range agents {
		a.Run()
	}
	logger.Info().
		Str("agents", runAgents).
		Str("database", cfg.Database.Path).
		Msg("daemon started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Info().Str("signal", s.String()).Msg("shutting down")

	bus.Stop()
	for i := len(agents) - 1; i >= 0; i-- {
		agents[i].Stop()
	}
	return nil
}

// buildDrivers resolves the driver backend by tag. The scripted fake is
// the only compiled-in backend; real workload-manager drivers register
// here.
func buildDrivers(name string) (driver.TaskDriver, driver.MetadataDriver, error) {
	switch name {
	case "fake":
		return driver.NewFakeTaskDriver(), driver.NewFakeMetadataDriver(), nil
	default:
		return nil, nil, fmt.Errorf("unknown task driver %q", name)
	}
}
