package cmd

import (
	"fmt"
	"net/http"
	"os"

	"github.com/CrowderSoup/boardsync/board"
	"github.com/CrowderSoup/boardsync/client"
	"github.com/CrowderSoup/boardsync/config"
	"github.com/CrowderSoup/boardsync/services"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// cliSubject is the JWT subject used when the CLI mints its own tokens.
const cliSubject = "boardsync-cli"

var rootCmd = &cobra.Command{
	Use:           "boardsync",
	Short:         "Optimistic drag-and-drop board over a records API",
	Long:          "boardsync groups records into stage columns, moves cards between stages with optimistic updates, and serves a reference backend.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (default .boardsync.yaml)")
	rootCmd.PersistentFlags().String("api", "", "records API base URL")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("api.base_url", rootCmd.PersistentFlags().Lookup("api"))
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initConfig() {
	if cfgFile, _ := rootCmd.Flags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName(".boardsync")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
	}

	config.BindEnv(viper.GetViper())

	// It's fine if no config file is found; we use defaults.
	_ = viper.ReadInConfig()
}

// loadConfig resolves the configuration and the logger it describes.
func loadConfig() (config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return config.Config{}, nil, err
	}
	logger := cfg.Log.NewLogger()
	if used := viper.ConfigFileUsed(); used != "" {
		logger.WithField("file", used).Debug("Loaded config file")
	}
	return cfg, logger, nil
}

// tokenProvider prefers a configured API token and otherwise mints tokens
// with the shared JWT secret. With neither, requests go out unauthenticated.
func tokenProvider(cfg config.Config) (client.TokenProvider, error) {
	if cfg.API.Token != "" {
		return client.StaticToken(cfg.API.Token), nil
	}
	if cfg.Auth.JWTSecret == "" {
		return nil, nil
	}
	auth, err := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if err != nil {
		return nil, err
	}
	return client.TokenFunc(auth.TokenSource(cliSubject)), nil
}

func newClient(cfg config.Config, log logrus.FieldLogger) (*client.Client, error) {
	tokens, err := tokenProvider(cfg)
	if err != nil {
		return nil, err
	}
	opts := []client.Option{
		client.WithHTTPClient(&http.Client{Timeout: cfg.API.Timeout}),
		client.WithLogger(log),
	}
	if tokens != nil {
		opts = append(opts, client.WithTokenProvider(tokens))
	}
	return client.New(cfg.API.BaseURL, opts...), nil
}

// newReconciler wires a reconciler whose stages, records and status updates
// all go through one API client.
func newReconciler(cfg config.Config, log logrus.FieldLogger, opts ...board.Option) (*board.Reconciler, *client.Client, error) {
	c, err := newClient(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	opts = append([]board.Option{board.WithLogger(log)}, opts...)
	return board.NewReconciler(c, c, c, opts...), c, nil
}
