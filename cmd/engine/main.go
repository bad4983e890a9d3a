// Command engine runs the tradeplane execution and reconciliation engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/tradeplane/internal/infra/config"
	"github.com/coachpo/tradeplane/internal/observability"
)

const (
	defaultConfigPath        = "config/app.yaml"
	engineLoggerPrefix       = "engine "
	shutdownTimeout          = 30 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	poolShutdownTimeout      = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

type options struct {
	configPath      string
	accountID       string
	positionControl string
	controlType     string
	sync            bool
	syncDays        int
	terminateBot    string
}

func main() {
	opts := parseFlags()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := log.New(os.Stdout, engineLoggerPrefix, log.LstdFlags|log.Lmicroseconds)

	appCfg, err := config.LoadOrDefault(ctx, resolveConfigPath(opts.configPath))
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	observability.SetLogger(observability.NewLogrusLogger(observability.LogrusOptions{
		Level:  appCfg.Logging.Level,
		Format: appCfg.Logging.Format,
		Output: os.Stdout,
	}))
	logger.Printf("configuration initialised: env=%s, accounts=%d, database=%t",
		appCfg.Environment, len(appCfg.Accounts), appCfg.Database.Enabled())

	eng, err := build(ctx, appCfg, logger)
	if err != nil {
		logger.Fatalf("initialise engine: %v", err)
	}

	if opts.oneShot() {
		err := runCommand(ctx, eng, opts)
		shutdown(logger, eng, nil)
		if err != nil {
			logger.Fatalf("%v", err)
		}
		return
	}

	var lifecycle conc.WaitGroup
	eng.start(ctx, &lifecycle, appCfg)
	logger.Print("engine started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")
	cancel()
	shutdown(logger, eng, &lifecycle)
}

func parseFlags() options {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.StringVar(&opts.accountID, "account", "", "Account for one-shot commands")
	flag.StringVar(&opts.positionControl, "position-control", "", "Flatten SYMBOL on -account and exit")
	flag.StringVar(&opts.controlType, "control-type", "manual", "Label recorded with -position-control")
	flag.BoolVar(&opts.sync, "sync", false, "Sync -account's closed positions into daily performance and exit")
	flag.IntVar(&opts.syncDays, "sync-days", 1, "Days of position history folded by -sync")
	flag.StringVar(&opts.terminateBot, "terminate-bot", "", "Close every position of the bot's accounts and exit")
	flag.Parse()
	return opts
}

func (o options) oneShot() bool {
	return o.positionControl != "" || o.sync || o.terminateBot != ""
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

func runCommand(ctx context.Context, eng *engine, opts options) error {
	if opts.terminateBot != "" {
		res, err := eng.terminator().TerminateBotAccounts(ctx, opts.terminateBot)
		if err != nil {
			return fmt.Errorf("terminate bot: %w", err)
		}
		for _, r := range res.Results {
			observability.Log().Info("account termination",
				observability.F("account_id", r.AccountID),
				observability.F("success", r.Success),
				observability.F("closed_positions", r.ClosedPositions),
				observability.Err(r.Err))
		}
		if !res.Success {
			return fmt.Errorf("terminate bot %s: no account flattened", opts.terminateBot)
		}
		return nil
	}

	accountID := strings.TrimSpace(opts.accountID)
	if accountID == "" {
		return fmt.Errorf("-account is required")
	}
	ops, err := eng.operations(accountID)
	if err != nil {
		return err
	}
	if opts.positionControl != "" {
		res, err := ops.PositionControl(ctx, strings.ToUpper(opts.positionControl), opts.controlType)
		if err != nil {
			return fmt.Errorf("position control: %w", err)
		}
		observability.Log().Info("position control complete", observability.F("symbol", res.Symbol), observability.F("success", res.Success))
	}
	if opts.sync {
		days := opts.syncDays
		if days <= 0 {
			days = 1
		}
		end := time.Now().UTC()
		metrics, err := ops.SyncPerformance(ctx, end.AddDate(0, 0, -days), end)
		if err != nil {
			return fmt.Errorf("sync performance: %w", err)
		}
		observability.Log().Info("performance sync complete",
			observability.F("account_id", accountID),
			observability.F("closed_trades", metrics.ClosedTrades),
			observability.F("total_pnl", metrics.TotalPnL.String()))
	}
	return nil
}

func shutdown(logger *log.Logger, eng *engine, lifecycle *conc.WaitGroup) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	start := time.Now()

	step := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, stepCancel := context.WithTimeout(ctx, timeout)
		defer stepCancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if lifecycle != nil {
		step("waiting for background loops", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}
	step("closing venue clients", poolShutdownTimeout, func(context.Context) error {
		eng.clients.Close()
		eng.publicSpecs.Close()
		eng.verifyPool.Close()
		eng.resolver.Close()
		return nil
	})
	step("draining notifications", poolShutdownTimeout, func(stepCtx context.Context) error {
		err := eng.notifyPool.Shutdown(stepCtx)
		eng.closeSinks()
		return err
	})
	if eng.db != nil {
		step("closing database", poolShutdownTimeout, func(context.Context) error {
			eng.db.Close()
			return nil
		})
	}
	step("shutting down telemetry", telemetryShutdownTimeout, eng.telemetry.Shutdown)
	logger.Printf("shutdown completed in %v", time.Since(start))
}
