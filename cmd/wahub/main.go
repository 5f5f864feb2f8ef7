package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/wahub-io/wahub/internal/api"
	"github.com/wahub-io/wahub/internal/config"
	"github.com/wahub-io/wahub/internal/dedupe"
	"github.com/wahub-io/wahub/internal/dispatch"
	"github.com/wahub-io/wahub/internal/media"
	"github.com/wahub-io/wahub/internal/models"
	"github.com/wahub-io/wahub/internal/storage"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "wahub",
		Short: "wahub — Self-hosted WhatsApp Business messaging gateway",
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(numberCmd(&configPath))
	rootCmd.AddCommand(contactCmd(&configPath))
	rootCmd.AddCommand(statsCmd(&configPath))
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the wahub gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging)

			store, err := setupStorage(cfg.Storage, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			log.Info().Msg("database migrations completed")

			mediaStore, err := media.NewStore(cfg.Media.Dir)
			if err != nil {
				return fmt.Errorf("failed to setup media dir: %w", err)
			}

			dedupeCache := setupDedupe(cfg.Dedupe, log)
			defer dedupeCache.Close()

			pool := dispatch.NewPool(cfg.Dispatch, cfg.WhatsApp, store, log)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			pool.Start(ctx)

			server := api.NewServer(cfg, store, pool, mediaStore, dedupeCache, log)
			go func() {
				if err := server.Start(); err != nil && err != http.ErrServerClosed {
					log.Fatal().Err(err).Msg("server error")
				}
			}()

			log.Info().
				Str("version", version).
				Int("port", cfg.Server.Port).
				Int("workers", cfg.Dispatch.Workers).
				Str("storage", cfg.Storage.Driver).
				Bool("dedupe", cfg.Dedupe.Enabled).
				Msg("wahub is running")

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			log.Info().Msg("shutting down...")

			if err := server.Shutdown(10 * time.Second); err != nil {
				log.Error().Err(err).Msg("server shutdown error")
			}

			pool.Stop()

			log.Info().Msg("wahub stopped")
			return nil
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging)

			store, err := setupStorage(cfg.Storage, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			log.Info().Msg("migrations completed successfully")
			return nil
		},
	}
}

func numberCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "number",
		Short: "Manage phone numbers",
	}

	// number create
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Register a phone number",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			phone, _ := cmd.Flags().GetString("phone")
			apiType, _ := cmd.Flags().GetString("type")
			if phone == "" {
				return fmt.Errorf("--phone is required")
			}

			phone = models.NormalizePhone(phone)
			if err := models.ValidatePhone(phone); err != nil {
				return err
			}
			if name == "" {
				name = phone
			}

			t := models.APIType(apiType)
			if t != models.APITypeOfficial && t != models.APITypeWAHA {
				return fmt.Errorf("--type must be official or waha")
			}

			store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			now := time.Now().UTC()
			n := &models.PhoneNumber{
				ID:           models.NewID("num"),
				DisplayName:  name,
				PhoneNumber:  phone,
				APIType:      t,
				Active:       true,
				VerifyToken:  models.NewToken(),
				WebhookToken: models.NewToken(),
				CreatedAt:    now,
				UpdatedAt:    now,
			}

			if t == models.APITypeOfficial {
				n.PhoneNumberID, _ = cmd.Flags().GetString("phone-number-id")
				n.BusinessAccountID, _ = cmd.Flags().GetString("business-account-id")
				n.AccessToken, _ = cmd.Flags().GetString("access-token")
				n.AppSecret, _ = cmd.Flags().GetString("app-secret")
			} else {
				n.WAHAEndpoint, _ = cmd.Flags().GetString("waha-endpoint")
				n.WAHAUsername, _ = cmd.Flags().GetString("waha-username")
				n.WAHAPassword, _ = cmd.Flags().GetString("waha-password")
				n.WAHASession, _ = cmd.Flags().GetString("waha-session")
				if n.WAHASession == "" {
					n.WAHASession = "default"
				}
				other, err := store.GetPhoneNumberByWAHASession(context.Background(), n.WAHASession)
				if err != nil {
					return err
				}
				if other != nil {
					return fmt.Errorf("waha session %q is already used by %s", n.WAHASession, other.ID)
				}
			}

			if err := store.CreatePhoneNumber(context.Background(), n); err != nil {
				return fmt.Errorf("failed to create phone number: %w", err)
			}

			out, _ := json.MarshalIndent(n, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
	createCmd.Flags().String("name", "", "display name")
	createCmd.Flags().String("phone", "", "phone number in international format")
	createCmd.Flags().String("type", "official", "api type (official or waha)")
	createCmd.Flags().String("phone-number-id", "", "Cloud API phone number id")
	createCmd.Flags().String("business-account-id", "", "Cloud API business account id")
	createCmd.Flags().String("access-token", "", "Cloud API access token")
	createCmd.Flags().String("app-secret", "", "Meta app secret for webhook signatures")
	createCmd.Flags().String("waha-endpoint", "", "WAHA base URL")
	createCmd.Flags().String("waha-username", "", "WAHA username")
	createCmd.Flags().String("waha-password", "", "WAHA password")
	createCmd.Flags().String("waha-session", "", "WAHA session name")

	// number list
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List registered phone numbers",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			numbers, err := store.ListPhoneNumbers(context.Background())
			if err != nil {
				return fmt.Errorf("failed to list phone numbers: %w", err)
			}

			if len(numbers) == 0 {
				fmt.Println("No phone numbers registered.")
				return nil
			}

			for _, n := range numbers {
				state := "inactive"
				if n.Active {
					state = "active"
				}
				fmt.Printf("  %s  +%s  %s  %s  (%s)\n", n.ID, n.PhoneNumber, n.APIType, n.DisplayName, state)
			}
			return nil
		},
	}

	cmd.AddCommand(createCmd, listCmd)
	return cmd
}

func contactCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contact",
		Short: "Manage contacts",
	}

	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Add a contact",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			phone, _ := cmd.Flags().GetString("phone")
			if phone == "" {
				return fmt.Errorf("--phone is required")
			}

			phone = models.NormalizePhone(phone)
			if err := models.ValidatePhone(phone); err != nil {
				return err
			}

			store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			contact, err := store.GetOrCreateContactByPhone(context.Background(), phone, name)
			if err != nil {
				return fmt.Errorf("failed to add contact: %w", err)
			}

			out, _ := json.MarshalIndent(contact, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
	addCmd.Flags().String("name", "", "contact name")
	addCmd.Flags().String("phone", "", "phone number in international format")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List contacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			contacts, err := store.ListContacts(context.Background())
			if err != nil {
				return fmt.Errorf("failed to list contacts: %w", err)
			}

			if len(contacts) == 0 {
				fmt.Println("No contacts found.")
				return nil
			}

			for _, c := range contacts {
				fmt.Printf("  %s  +%s  %s\n", c.ID, c.PhoneNumber, c.Name)
			}
			return nil
		},
	}

	cmd.AddCommand(addCmd, listCmd)
	return cmd
}

func statsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show message stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := store.GetStats(context.Background())
			if err != nil {
				return fmt.Errorf("failed to get stats: %w", err)
			}

			out, _ := json.MarshalIndent(stats, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("wahub v%s\n", version)
		},
	}
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func setupStorage(cfg config.StorageConfig, log zerolog.Logger) (storage.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		log.Info().Str("path", cfg.SQLite.Path).Msg("using SQLite storage")
		return storage.NewSQLite(cfg.SQLite.Path)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}

func setupDedupe(cfg config.DedupeConfig, log zerolog.Logger) dedupe.Cache {
	if !cfg.Enabled {
		return dedupe.Disabled{}
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	log.Info().Str("addr", cfg.Addr).Msg("webhook dedupe backed by redis")
	return dedupe.NewRedisCache(rdb, cfg.TTL)
}

func storeFromConfig(configPath string) (storage.Store, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log := setupLogger(cfg.Logging)
	store, err := setupStorage(cfg.Storage, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to setup storage: %w", err)
	}

	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, func() { store.Close() }, nil
}
