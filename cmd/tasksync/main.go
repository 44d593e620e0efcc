package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tasksync/internal/app"
	"tasksync/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "tasksync",
	Short: "Collaborative task list client",
	Long: `tasksync keeps a local view of a shared task list in sync with a hub.
- Tasks: owned by their creator; only the owner or an admin may change or delete them.
- Notifications: each user sees only their own; read is final.
- Live updates: changes made by anyone reach every connected client over one websocket.
- Hub: 'tasksync serve' runs a reference hub backed by sqlite (and redis for fan-out across instances).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		log.SetOutput(os.Stderr)
		log.SetLevel(log.WarnLevel)
		if viper.GetBool("debug") {
			log.SetLevel(log.DebugLevel)
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TASKSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("config", "c", config.Path("."), "config file (defaults apply when missing)")
	rootCmd.PersistentFlags().String("api", "", "hub base URL (overrides api.base_url)")
	rootCmd.PersistentFlags().String("token-file", "", "session token file (overrides session.token_file)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Bool("debug", false, "debug logging")
	for _, name := range []string{"config", "api", "token-file", "json", "debug"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(logoutCmd())
	rootCmd.AddCommand(whoamiCmd())
	rootCmd.AddCommand(tasksCmd())
	rootCmd.AddCommand(notificationsCmd())
	rootCmd.AddCommand(activityCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(serveCmd())
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	if api := strings.TrimSpace(viper.GetString("api")); api != "" {
		if err := cfg.SetBaseURL(api); err != nil {
			return nil, fmt.Errorf("--api: %w", err)
		}
	}
	if tf := strings.TrimSpace(viper.GetString("token-file")); tf != "" {
		cfg.Session.TokenFile = tf
	}
	return cfg, nil
}

// withClient runs fn against a started session and closes it afterwards.
func withClient(ctx context.Context, opts app.Options, fn func(context.Context, *app.Client) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	opts.Logger = log.StandardLogger()
	c, err := app.Connect(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}
