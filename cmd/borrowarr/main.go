// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/borrowarr/borrowarr/internal/api"
	"github.com/borrowarr/borrowarr/internal/buildinfo"
	"github.com/borrowarr/borrowarr/internal/config"
	"github.com/borrowarr/borrowarr/internal/database"
	"github.com/borrowarr/borrowarr/internal/domain"
	"github.com/borrowarr/borrowarr/internal/downloadclient"
	"github.com/borrowarr/borrowarr/internal/metrics"
	"github.com/borrowarr/borrowarr/internal/models"
	"github.com/borrowarr/borrowarr/internal/services/fetcher"
	"github.com/borrowarr/borrowarr/internal/services/grab"
)

func main() {
	config.InitDefaultLogger(buildinfo.Version)

	var rootCmd = &cobra.Command{
		Use:   "borrowarr",
		Short: "One API for every torrent and usenet download client",
		Long: `borrowarr - hand releases to qBittorrent, Transmission, Deluge, SABnzbd,
NZBGet and ten more download clients through a single interface.`,
	}

	rootCmd.Version = buildinfo.Version

	rootCmd.AddCommand(RunServeCommand())
	rootCmd.AddCommand(RunVersionCommand())
	rootCmd.AddCommand(RunGenerateConfigCommand())
	rootCmd.AddCommand(RunClientCommand())
	rootCmd.AddCommand(RunGrabCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func RunServeCommand() *cobra.Command {
	var (
		configDir string
		dataDir   string
		logPath   string
		pprofFlag bool
	)

	var command = &cobra.Command{
		Use:   "serve",
		Short: "Start the server",
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory path (default is OS-specific: ~/.config/borrowarr/ or %APPDATA%\\borrowarr\\). Can also be a direct path to a .toml file")
	command.Flags().StringVar(&dataDir, "data-dir", "", "data directory for the database (default is next to config file)")
	command.Flags().StringVar(&logPath, "log-path", "", "log file path (default is stdout)")
	command.Flags().BoolVar(&pprofFlag, "pprof", false, "enable pprof server on :6060")

	command.Run = func(cmd *cobra.Command, args []string) {
		app := NewApplication(configDir, dataDir, logPath, pprofFlag)
		app.runServer()
	}

	return command
}

func RunVersionCommand() *cobra.Command {
	var command = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of borrowarr",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(buildinfo.String())
		},
	}

	return command
}

func RunGenerateConfigCommand() *cobra.Command {
	var configDir string

	command := &cobra.Command{
		Use:   "generate-config",
		Short: "Generate a default configuration file",
		Long: `Generate a default configuration file without starting the server.

If no --config-dir is specified, uses the OS-specific default location:
- Linux/macOS: ~/.config/borrowarr/config.toml
- Windows: %APPDATA%\borrowarr\config.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := resolveConfigFile(configDir)

			if _, err := os.Stat(configPath); err == nil {
				cmd.Printf("Configuration file already exists at: %s\n", configPath)
				cmd.Println("Skipping generation to avoid overwriting existing configuration.")
				return nil
			}

			if err := config.WriteDefaultConfig(configPath); err != nil {
				return fmt.Errorf("failed to create configuration file: %w", err)
			}

			cmd.Printf("Configuration file created successfully at: %s\n", configPath)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")

	return command
}

func resolveConfigFile(configDir string) string {
	if configDir == "" {
		return filepath.Join(config.GetDefaultConfigDir(), "config.toml")
	}
	if strings.HasSuffix(strings.ToLower(configDir), ".toml") {
		return configDir
	}
	if info, err := os.Stat(configDir); err == nil && !info.IsDir() {
		return configDir
	}
	return filepath.Join(configDir, "config.toml")
}

func readSecret(prompt string) (string, error) {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Print(prompt)
		secret, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("failed to read secret: %w", err)
		}
		return string(secret), nil
	}

	fmt.Fprint(os.Stderr, prompt)
	var secret string
	if _, err := fmt.Scanln(&secret); err != nil {
		return "", fmt.Errorf("failed to read secret from stdin: %w", err)
	}
	return secret, nil
}

// storeFlags opens the config and database for the offline commands.
type storeFlags struct {
	configDir string
	dataDir   string
}

func (f *storeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")
	cmd.Flags().StringVar(&f.dataDir, "data-dir", "",
		"data directory path (defaults to next to config file)")
}

func (f *storeFlags) open() (*config.AppConfig, *database.DB, *models.DownloadClientStore, error) {
	cfg, err := config.New(f.configDir, buildinfo.Version)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize configuration: %w", err)
	}
	if f.dataDir != "" {
		cfg.SetDataDir(f.dataDir)
	}

	db, err := database.New(cfg.GetDatabasePath())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	store, err := models.NewDownloadClientStore(db, cfg.GetEncryptionKey())
	if err != nil {
		db.Close()
		return nil, nil, nil, fmt.Errorf("failed to initialize download client store: %w", err)
	}

	return cfg, db, store, nil
}

func RunClientCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "client",
		Short: "Manage download clients without starting the server",
	}

	command.AddCommand(runClientListCommand())
	command.AddCommand(runClientAddCommand())
	command.AddCommand(runClientTestCommand())

	return command
}

func runClientListCommand() *cobra.Command {
	var flags storeFlags

	command := &cobra.Command{
		Use:   "list",
		Short: "List configured download clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, store, err := flags.open()
			if err != nil {
				return err
			}
			defer db.Close()

			clients, err := store.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list download clients: %w", err)
			}

			if len(clients) == 0 {
				cmd.Println("No download clients configured.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tTYPE\tHOST\tENABLED")
			for _, c := range clients {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%t\n", c.ID, c.Name, c.Type, c.Host, c.Enabled)
			}
			return w.Flush()
		},
	}

	flags.register(command)
	return command
}

func runClientAddCommand() *cobra.Command {
	var (
		flags  storeFlags
		client models.DownloadClient
		typ    string
	)

	command := &cobra.Command{
		Use:   "add",
		Short: "Add a download client",
		Long: `Add a download client to the database.

Secrets that the client type needs are prompted for when not passed as flags.
Run 'borrowarr client add --type list' to see the supported types.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if typ == "list" {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "TYPE\tNAME\tAUTH\tPORT")
				for _, d := range downloadclient.SupportedTypes() {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", d.Type, d.DisplayName, d.Scheme, d.DefaultPort)
				}
				return w.Flush()
			}

			t, err := downloadclient.ParseClientType(typ)
			if err != nil {
				return err
			}
			client.Type = t

			if err := promptSecrets(&client); err != nil {
				return err
			}

			_, db, store, err := flags.open()
			if err != nil {
				return err
			}
			defer db.Close()

			created, err := store.Create(cmd.Context(), &client)
			if err != nil {
				return fmt.Errorf("failed to add download client: %w", err)
			}

			cmd.Printf("Download client '%s' created with ID: %d\n", created.Name, created.ID)
			return nil
		},
	}

	flags.register(command)
	command.Flags().StringVar(&typ, "type", "", "client type, or 'list' to show the supported types")
	command.Flags().StringVar(&client.Name, "name", "", "display name")
	command.Flags().StringVar(&client.Host, "host", "", "host name or URL")
	command.Flags().IntVar(&client.Port, "port", 0, "port (defaults per client type)")
	command.Flags().BoolVar(&client.UseSSL, "ssl", false, "connect over https")
	command.Flags().StringVar(&client.URLBase, "url-base", "", "path prefix of the client web API")
	command.Flags().StringVar(&client.Username, "username", "", "username")
	command.Flags().StringVar(&client.Password, "password", "", "password (prompted if the type needs one)")
	command.Flags().StringVar(&client.APIKey, "api-key", "", "API key (prompted if the type needs one)")
	command.Flags().StringVar(&client.SecretToken, "secret", "", "RPC secret token")
	command.Flags().StringVar(&client.AppID, "app-id", "", "application id")
	command.Flags().StringVar(&client.AppToken, "app-token", "", "application token")
	command.Flags().StringVar(&client.Category, "category", "", "category or label for new downloads")
	command.Flags().StringVar(&client.Directory, "directory", "", "download directory (watch folder for blackhole)")
	command.Flags().BoolVar(&client.AddPaused, "paused", false, "add downloads paused")
	command.Flags().BoolVar(&client.Enabled, "enabled", true, "enable the client")
	_ = command.MarkFlagRequired("type")

	return command
}

func promptSecrets(c *models.DownloadClient) error {
	d, ok := downloadclient.DescriptorOf(c.Type)
	if !ok {
		return errors.Errorf("unsupported client type %q", c.Type)
	}

	var err error
	switch d.Scheme {
	case downloadclient.AuthUserPass:
		if c.Username != "" && c.Password == "" {
			c.Password, err = readSecret("Enter password: ")
		}
	case downloadclient.AuthAPIKey:
		if c.APIKey == "" {
			c.APIKey, err = readSecret("Enter API key: ")
		}
	case downloadclient.AuthAppToken:
		if c.AppToken == "" {
			c.AppToken, err = readSecret("Enter app token: ")
		}
	}
	return err
}

func runClientTestCommand() *cobra.Command {
	var flags storeFlags
	var timeout time.Duration

	command := &cobra.Command{
		Use:   "test <id>",
		Short: "Test the connection to a stored download client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id int
			if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
				return errors.Errorf("invalid client id %q", args[0])
			}

			cfg, db, store, err := flags.open()
			if err != nil {
				return err
			}
			defer db.Close()

			stored, err := store.Get(cmd.Context(), id)
			if err != nil {
				return err
			}

			client, err := downloadclient.New(stored.Settings().WithDefaultTimeout(cfg.Config.ClientTimeoutDuration()))
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			res := client.TestConnection(ctx)
			if !res.Success {
				return errors.Errorf("%s: %s (%s)", stored.Name, res.Error, res.Kind)
			}

			cmd.Printf("%s: %s\n", stored.Name, res.Message)
			return nil
		},
	}

	flags.register(command)
	command.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "test timeout")

	return command
}

func RunGrabCommand() *cobra.Command {
	var (
		flags    storeFlags
		clientID int
		req      grab.Request
		file     string
	)

	command := &cobra.Command{
		Use:   "grab",
		Short: "Hand a release to a download client",
		Long: `Hand a release to a download client.

Pass a release URL with --url, a magnet link with --magnet, or a local
.torrent/.nzb file with --file. Without --client the first enabled client
that handles the protocol is used.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if file != "" {
				content, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("failed to read release file: %w", err)
				}
				req.FileContent = content
				req.Filename = filepath.Base(file)
			}

			cfg, db, store, err := flags.open()
			if err != nil {
				return err
			}
			defer db.Close()

			pool := downloadclient.NewPool(store, downloadclient.PoolOptions{
				DefaultTimeout: cfg.Config.ClientTimeoutDuration(),
			})
			defer pool.Close()

			f := fetcher.New(fetcher.WithHTTPClient(&http.Client{Timeout: cfg.Config.ClientTimeoutDuration()}))
			service := grab.NewService(store, pool, f, nil)

			res := service.GrabWithClient(cmd.Context(), clientID, req)

			out, err := json.MarshalIndent(res, "", "  ")
			if err != nil {
				return err
			}
			cmd.Println(string(out))

			if !res.Success {
				return errors.New("grab failed")
			}
			return nil
		},
	}

	flags.register(command)
	command.Flags().IntVar(&clientID, "client", 0, "download client id (0 picks the first enabled client)")
	command.Flags().StringVar(&req.DownloadURL, "url", "", "release download URL")
	command.Flags().StringVar(&req.MagnetLink, "magnet", "", "magnet link")
	command.Flags().StringVar((*string)(&req.Protocol), "protocol", "", "torrent or nzb (inferred when empty)")
	command.Flags().StringVar(&req.Title, "title", "", "release title")
	command.Flags().StringVar(&file, "file", "", "local .torrent or .nzb file")

	return command
}

type Application struct {
	configDir string
	dataDir   string
	logPath   string
	pprofFlag bool
}

func NewApplication(configDir, dataDir, logPath string, pprofFlag bool) *Application {
	return &Application{
		configDir: configDir,
		dataDir:   dataDir,
		logPath:   logPath,
		pprofFlag: pprofFlag,
	}
}

func (app *Application) runServer() {
	cfg, err := config.New(app.configDir, buildinfo.Version)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize configuration")
	}

	// Override with CLI flags if provided
	if app.dataDir != "" {
		os.Setenv("BORROWARR__DATA_DIR", app.dataDir)
		cfg.SetDataDir(app.dataDir)
	}
	if app.logPath != "" {
		os.Setenv("BORROWARR__LOG_PATH", app.logPath)
		cfg.Config.LogPath = app.logPath
	}

	if app.pprofFlag {
		cfg.Config.PprofEnabled = true
	}

	cfg.ApplyLogConfig()

	log.Info().Str("version", buildinfo.Version).Msg("Starting borrowarr")

	db, err := database.New(cfg.GetDatabasePath())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	downloadClientStore, err := models.NewDownloadClientStore(db, cfg.GetEncryptionKey())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize download client store")
	}

	clientPool := downloadclient.NewPool(downloadClientStore, downloadclient.PoolOptions{
		IdleTimeout:         cfg.Config.ClientIdleTimeoutDuration(),
		HealthCheckInterval: cfg.Config.HealthCheckIntervalDuration(),
		DefaultTimeout:      cfg.Config.ClientTimeoutDuration(),
	})
	defer clientPool.Close()

	releaseFetcher := fetcher.New(fetcher.WithHTTPClient(&http.Client{Timeout: cfg.Config.ClientTimeoutDuration()}))

	var (
		metricsManager *metrics.Manager
		grabMetrics    *grab.Metrics
	)
	if cfg.Config.MetricsEnabled {
		metricsManager = metrics.NewMetricsManager(downloadClientStore, clientPool)
		grabMetrics = grab.NewMetrics(metricsManager.Registry())
	}

	grabService := grab.NewService(downloadClientStore, clientPool, releaseFetcher, grabMetrics)

	cfg.RegisterReloadListener(func(conf *domain.Config) {
		log.Debug().Str("logLevel", conf.LogLevel).Msg("Configuration reloaded")
	})

	// Warm the pool so the first grab does not pay for a login
	go func() {
		listCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		clients, err := downloadClientStore.List(listCtx)
		cancel()

		if err != nil {
			log.Error().Err(err).Msg("Failed to list download clients for startup connection")
			return
		}

		for _, c := range clients {
			if !c.Enabled {
				log.Debug().
					Int("clientID", c.ID).
					Str("clientName", c.Name).
					Msg("Skipping startup connection for disabled download client")
				continue
			}

			go func(clientID int) {
				connCtx, connCancel := context.WithTimeout(context.Background(), 60*time.Second)
				defer connCancel()

				res := clientPool.Test(connCtx, clientID, true)
				if !res.Success {
					log.Debug().Str("error", res.Error).Int("clientID", clientID).Msg("Failed to connect to download client on startup")
				} else {
					log.Debug().Int("clientID", clientID).Msg("Successfully connected to download client on startup")
				}
			}(c.ID)
		}
	}()

	httpServer := api.NewServer(&api.Dependencies{
		Config:              cfg,
		Version:             buildinfo.Version,
		DB:                  db,
		DownloadClientStore: downloadClientStore,
		ClientPool:          clientPool,
		GrabService:         grabService,
	})

	errorChannel := make(chan error)
	serverReady := make(chan struct{}, 1)
	go func() {
		if err := httpServer.ListenAndServeReady(serverReady); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorChannel <- err
		}
	}()

	select {
	case <-serverReady:
	case err := <-errorChannel:
		log.Fatal().Err(err).Msg("failed to start HTTP server")
	}

	var metricsServer *metrics.Server
	if metricsManager != nil {
		metricsServer = metrics.NewMetricsServer(metricsManager, cfg.Config.MetricsHost, cfg.Config.MetricsPort)
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errorChannel <- err
			}
		}()
	}

	if cfg.Config.PprofEnabled {
		go func() {
			log.Info().Msg("Starting pprof server on :6060")
			log.Info().Msg("Access profiling at: http://localhost:6060/debug/pprof/")
			if err := http.ListenAndServe(":6060", nil); err != nil {
				log.Error().Err(err).Msg("Profiling server failed")
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigCh:
		log.Info().Msgf("got signal %v, shutting down server", sig.String())
	case err := <-errorChannel:
		log.Error().Err(err).Msg("got unexpected error from server")
		exitCode = 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("got error during metrics server shutdown")
		}
	}

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("got error during graceful http shutdown")
		exitCode = 1
	}

	// os.Exit skips deferred calls
	clientPool.Close()
	db.Close()

	os.Exit(exitCode)
}
