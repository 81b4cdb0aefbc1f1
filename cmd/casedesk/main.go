package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/saltyorg/casedesk/internal/config"
	"github.com/saltyorg/casedesk/internal/database"
	"github.com/saltyorg/casedesk/internal/dbsession"
	"github.com/saltyorg/casedesk/internal/logging"
	"github.com/saltyorg/casedesk/internal/probe"
	"github.com/saltyorg/casedesk/internal/secret"
	"github.com/saltyorg/casedesk/internal/watcher"
	"github.com/saltyorg/casedesk/internal/web"
	"github.com/saltyorg/casedesk/internal/web/handlers"
	"github.com/saltyorg/casedesk/internal/web/middleware"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// CLI flags
var (
	configPath string
	dbPath     string
	verbosity  int

	// serve overrides
	port        int
	bind        string
	allowSubnet string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "casedesk",
		Short:         "Casedesk - session-scoped database connection coordinator",
		Long:          `Casedesk hands out session-scoped database connections and runs units of work on them, with an inspection API, connection probes and config hot reload.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (or set "+config.EnvConfigPath+")")
	rootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "", "Registry SQLite database path (overrides database.path)")
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Increase verbosity (-v debug, -vv trace)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the inspection API, probes and config watcher",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	serveCmd.Flags().IntVarP(&port, "port", "p", 0, "HTTP server port (overrides server.port)")
	serveCmd.Flags().StringVarP(&bind, "bind", "b", "", "IP address to bind to (e.g., 127.0.0.1, 0.0.0.0)")
	serveCmd.Flags().StringVarP(&allowSubnet, "allow-subnet", "a", "", "CIDR subnet allowed to connect (e.g., 192.168.1.0/24)")

	rootCmd.AddCommand(
		serveCmd,
		&cobra.Command{
			Use:   "register <key> <connection-string>",
			Short: "Register a connection string under a key",
			Args:  cobra.ExactArgs(2),
			RunE:  runRegister,
		},
		&cobra.Command{
			Use:   "keys",
			Short: "List registered connection keys",
			Args:  cobra.NoArgs,
			RunE:  runKeys,
		},
		&cobra.Command{
			Use:   "check [key...]",
			Short: "Probe connections once and print the results",
			RunE:  runCheck,
		},
		&cobra.Command{
			Use:   "version",
			Short: "Show version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("casedesk %s (commit: %s, built: %s)\n", version, commit, date)
			},
		},
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// app is everything a command needs, opened from the config file and registry
type app struct {
	file       *config.File
	configPath string
	db         *database.DB
	cipher     *secret.Cipher
	coord      *dbsession.Coordinator
	loader     *config.Loader
}

func openApp() (*app, error) {
	logging.ApplyConsole(logging.LevelFromVerbosity(verbosity))

	var (
		f    *config.File
		path string
		err  error
	)
	if configPath != "" {
		f, path, err = config.LoadFromPath(configPath)
	} else {
		f, path, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		f.Database.Path = dbPath
	}

	db, err := database.New(f.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate registry: %w", err)
	}
	if err := db.InitializeDefaults(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize settings: %w", err)
	}

	key, err := secret.LoadOrCreateKey(secret.KeyPath(f.Database.Path))
	if err != nil {
		db.Close()
		return nil, err
	}
	cipher, err := secret.NewCipher(key)
	if err != nil {
		db.Close()
		return nil, err
	}
	db.SetSealer(cipher)

	pool := f.PoolConfig()
	config.SetGlobalPool(pool)
	coord := dbsession.New(dbsession.Options{
		Store:           db,
		MaxOpenConns:    pool.MaxOpenConns,
		MaxIdleConns:    pool.MaxIdleConns,
		ConnMaxLifetime: pool.ConnMaxLifetime,
	})

	a := &app{
		file:       f,
		configPath: path,
		db:         db,
		cipher:     cipher,
		coord:      coord,
		loader:     config.NewLoader(db),
	}

	if n, err := watcher.RegisterConnections(coord, cipher, f.Connections); err != nil {
		log.Warn().Err(err).Int("registered", n).Msg("Some configured connections could not be registered")
	} else if n > 0 {
		log.Debug().Int("registered", n).Msg("Configured connections registered")
	}
	return a, nil
}

func (a *app) Close() {
	if err := a.coord.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close coordinator")
	}
	if err := a.db.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close registry")
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	level := logging.LevelFromVerbosity(verbosity)
	if verbosity == 0 {
		level = a.loader.String("log.level", "info")
	}
	logging.Apply(level, a.loader, logging.FilePathForDB(a.file.Database.Path))

	if cmd.Flags().Changed("port") {
		a.file.Server.Port = port
	}
	if cmd.Flags().Changed("bind") {
		a.file.Server.Bind = bind
	}
	if cmd.Flags().Changed("allow-subnet") {
		a.file.Server.AllowSubnet = allowSubnet
	}

	srv := a.file.Server
	if srv.Bind != "" && net.ParseIP(srv.Bind) == nil {
		return fmt.Errorf("invalid bind address: %s", srv.Bind)
	}
	allowedNet, err := middleware.ParseSubnet(srv.AllowSubnet)
	if err != nil {
		return fmt.Errorf("invalid allow-subnet: %w", err)
	}

	// Warn if binding to all interfaces without an allow list
	if (srv.Bind == "" || srv.Bind == "0.0.0.0" || srv.Bind == "::") && allowedNet == nil {
		log.Warn().Msg("Server is accessible from all interfaces without subnet restrictions. Consider using --bind or --allow-subnet for security.")
	}

	log.Info().
		Str("version", version).
		Int("port", srv.Port).
		Str("bind", srv.Bind).
		Str("allow_subnet", srv.AllowSubnet).
		Str("database", a.file.Database.Path).
		Str("config", a.configPath).
		Msg("Starting Casedesk")

	prober := probe.New(a.coord, a.db, a.db, probe.ConfigFrom(a.file, a.loader))
	if err := prober.Start(); err != nil {
		return err
	}
	defer prober.Stop()

	if a.configPath != "" {
		w, err := watcher.New(a.configPath, a.coord, a.cipher)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize config watcher")
		} else {
			w.OnReload(func(f *config.File, err error) {
				if err != nil {
					log.Error().Err(err).Msg("Config reload failed")
					return
				}
				log.Info().Int("connections", len(f.Connections)).Msg("Config reloaded")
			})
			if err := w.Start(); err != nil {
				log.Warn().Err(err).Msg("Failed to start config watcher")
			} else {
				defer w.Stop()
			}
		}
	}

	server := web.NewServer(a.coord, a.db, handlers.VersionInfo{Version: version, Commit: commit, Date: date}, srv.Port, srv.Bind, allowedNet)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	log.Info().Msg("Casedesk stopped")
	return nil
}

func runRegister(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	key, cs := args[0], args[1]
	if secret.IsSealed(cs) {
		if cs, err = a.cipher.Open(cs); err != nil {
			return fmt.Errorf("connection string for %s: %w", key, err)
		}
	}
	if err := a.coord.RegisterConnectionString(key, cs); err != nil {
		return err
	}

	fmt.Printf("registered %s\n", key)
	return nil
}

func runKeys(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	keys, err := a.coord.ConnectionKeys()
	if err != nil {
		return err
	}
	for _, k := range keys {
		fmt.Println(k)
	}
	return nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	prober := probe.New(a.coord, a.db, nil, probe.ConfigFrom(a.file, a.loader))
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var results []*database.ProbeResult
	if len(args) == 0 {
		results = prober.RunOnce(ctx)
	} else {
		for _, key := range args {
			results = append(results, prober.Probe(ctx, key))
		}
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tSTATUS\tLATENCY\tERROR")
	failed := 0
	for _, r := range results {
		status := "ok"
		if !r.OK {
			status = "failed"
			failed++
		}
		if r.Reset {
			status += " (reset)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%dms\t%s\n", r.Key, status, r.LatencyMS, r.Error)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d connections failed", failed, len(results))
	}
	return nil
}
