package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/coursework/backend/internal/agents"
	"github.com/MarcoPoloResearchLab/coursework/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/coursework/backend/internal/config"
	"github.com/MarcoPoloResearchLab/coursework/backend/internal/courses"
	"github.com/MarcoPoloResearchLab/coursework/backend/internal/docstore"
	"github.com/MarcoPoloResearchLab/coursework/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/coursework/backend/internal/server"
	"github.com/MarcoPoloResearchLab/coursework/backend/internal/sessions"
	"github.com/MarcoPoloResearchLab/coursework/backend/internal/transcriptions"
	"github.com/MarcoPoloResearchLab/coursework/backend/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "coursework-api",
		Short: "Coursework learning platform backend",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.StringSlice("allowed-origins", defaults.GetStringSlice("http.allowed_origins"), "CORS origins; * echoes any origin")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("store-backend", defaults.GetString("store.backend"), "Document store backend (memory, bolt, sqlite, redis)")
	flags.String("bolt-path", defaults.GetString("store.bolt_path"), "bbolt file path")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path")
	flags.String("redis-address", defaults.GetString("redis.address"), "Redis address")
	flags.Int("redis-db", defaults.GetInt("redis.db"), "Redis database number")
	flags.String("signing-secret", "", "Session signing secret (overrides env)")
	flags.String("cookie-name", defaults.GetString("auth.cookie_name"), "Session cookie name")
	flags.Duration("token-ttl", defaults.GetDuration("auth.token_ttl"), "Session token lifetime")
	flags.Duration("transcription-ttl", defaults.GetDuration("transcriptions.ttl"), "Transcription lifetime")
	flags.Duration("sweep-interval", defaults.GetDuration("transcriptions.sweep_interval"), "Expired transcription sweep interval")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "store.backend", "store-backend")
	bindFlag(cmd, "store.bolt_path", "bolt-path")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "redis.db", "redis-db")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.cookie_name", "cookie-name")
	bindFlag(cmd, "auth.token_ttl", "token-ttl")
	bindFlag(cmd, "transcriptions.ttl", "transcription-ttl")
	bindFlag(cmd, "transcriptions.sweep_interval", "sweep-interval")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newTokenCommand() *cobra.Command {
	var (
		email       string
		displayName string
		roles       []string
	)
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint a session token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.AuthSigningSecret),
				Issuer:        appConfig.AuthIssuer,
				TokenTTL:      appConfig.AuthTokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueSessionToken(auth.Identity{
				UserID:      args[0],
				Email:       email,
				DisplayName: displayName,
				Roles:       roles,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %s\n", time.Duration(expiresIn)*time.Second)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Email claim")
	cmd.Flags().StringVar(&displayName, "display-name", "", "Display name claim")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "Role claim (repeatable)")
	return cmd
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	store, closeStore, err := openStore(ctx, appConfig, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
		CookieName:    appConfig.AuthCookieName,
	})
	if err != nil {
		return err
	}

	ids := docstore.NewUUIDProvider()
	userService, err := users.NewService(users.ServiceConfig{Store: store, IDProvider: ids, Logger: logger})
	if err != nil {
		return err
	}
	courseService, err := courses.NewService(courses.ServiceConfig{Store: store, IDProvider: ids, Logger: logger})
	if err != nil {
		return err
	}
	sessionService, err := sessions.NewService(sessions.ServiceConfig{Store: store, Courses: courseService, IDProvider: ids, Logger: logger})
	if err != nil {
		return err
	}
	transcriptionService, err := transcriptions.NewService(transcriptions.ServiceConfig{
		Store:      store,
		IDProvider: ids,
		Logger:     logger,
		TTL:        appConfig.TranscriptionTTL,
	})
	if err != nil {
		return err
	}
	agentService, err := agents.NewService(agents.ServiceConfig{Store: store, Courses: courseService, IDProvider: ids, Logger: logger})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Validator:      validator,
		Users:          userService,
		Courses:        courseService,
		Sessions:       sessionService,
		Transcriptions: transcriptionService,
		Agents:         agentService,
		Realtime:       server.NewRealtimeDispatcher(logger),
		Logger:         logger,
		AllowedOrigins: appConfig.AllowedOrigins,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}
	sweeper := transcriptions.NewSweeper(transcriptionService,
		transcriptions.WithSweepInterval(appConfig.TranscriptionSweepInterval),
		transcriptions.WithSweepLogger(logger))

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("store_backend", appConfig.StoreBackend))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		sweeper.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("server shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})
	return group.Wait()
}
