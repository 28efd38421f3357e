package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/andrey-zotov/ib-console/internal/broker"
	"github.com/andrey-zotov/ib-console/internal/config"
	"github.com/andrey-zotov/ib-console/internal/console"
	"github.com/andrey-zotov/ib-console/internal/database"
	"github.com/andrey-zotov/ib-console/internal/logger"
	"github.com/andrey-zotov/ib-console/internal/marketdata"
	"github.com/andrey-zotov/ib-console/internal/models"
	"github.com/andrey-zotov/ib-console/internal/monitor"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:           "ibc",
	Short:         "Interactive Brokers account console",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Get account status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(runAccount)
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List positions and orders",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(runLs)
	},
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Monitor the account continuously",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(runMonitor)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", ".", "directory containing ibc.yml")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	rootCmd.AddCommand(accountCmd, lsCmd, monitorCmd)
}

// app bundles the wired components behind one command run.
type app struct {
	cfg     config.Config
	log     *zap.Logger
	store   *database.Store
	client  *broker.Client
	cache   *marketdata.Cache
	engine  *monitor.Engine
	console *console.Console
	account *models.Account
}

// newApp loads configuration, opens the database and connects the broker
// client, then loads (or creates) the local account matching the broker's
// authenticated account.
func newApp() (*app, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("could not load config: %w", err)
	}
	if verbose {
		cfg.Logger.Level = "info"
	}

	log, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("could not initialize logger: %w", err)
	}

	db, err := database.NewDatabase(cfg.Database.DSN)
	if err != nil {
		log.Error("Failed to open database", zap.Error(err))
		return nil, err
	}
	store := database.NewStore(db)

	client := broker.NewClient(&cfg.Broker, log)
	code, err := client.AccountCode()
	if err != nil {
		log.Error("Failed to connect to the gateway", zap.Error(err))
		return nil, err
	}

	account, err := store.LoadAccount(code)
	if err != nil {
		log.Error("Failed to load account", zap.Error(err))
		return nil, err
	}

	resolver := broker.NewResolver(client, log)
	cache := marketdata.NewCache(client, log)
	engine := monitor.NewEngine(log, client, store, cache, resolver)

	return &app{
		cfg:     cfg,
		log:     log,
		store:   store,
		client:  client,
		cache:   cache,
		engine:  engine,
		console: console.New(),
		account: account,
	}, nil
}

// close releases every market-data subscription before disconnecting, so
// nothing leaks on the broker side.
func (a *app) close() {
	a.cache.ReleaseAll()
	if err := a.client.Disconnect(); err != nil {
		a.log.Warn("Disconnect failed", zap.Error(err))
	}
	_ = a.log.Sync()
}

func withApp(run func(a *app) error) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()
	return run(a)
}

func runAccount(a *app) error {
	a.console.Print("Retrieving account status...")
	a.console.Print("Account: " + a.account.Code)

	if err := a.engine.Refresh(a.account); err != nil {
		return err
	}
	a.console.PrintAccount(a.account)
	a.console.PrintPositions(a.account)
	return nil
}

func runLs(a *app) error {
	a.console.Print("Listing orders...")
	a.console.Print("Account: " + a.account.Code)

	if err := a.engine.Refresh(a.account); err != nil {
		return err
	}
	a.console.PrintAccount(a.account)
	a.console.PrintPositions(a.account)
	a.console.PrintOrders(a.account.Orders)
	return nil
}

func runMonitor(a *app) error {
	a.console.Print("Starting monitor...")
	a.console.Print("Account: " + a.account.Code)

	if err := a.client.ConnectStream(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loop := monitor.NewLoop(a.log, a.client, a.engine, a.cfg.Monitor)
	loop.Render = func(account *models.Account) {
		orders, err := a.store.ActiveOrders(account.ID)
		if err != nil {
			a.log.Warn("Failed to query active orders", zap.Error(err))
		}
		a.console.Dashboard(a.engine, account, orders)
		a.console.Print("Waiting for updates - press Ctrl-C to exit...")
	}

	loop.Run(ctx, a.account)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ibc: %v\n", err)
		os.Exit(1)
	}
}
