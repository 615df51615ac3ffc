// Package cmds holds the chatline cobra commands.
package cmds

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/chatline/pkg/config"
	"github.com/go-go-golems/chatline/pkg/logging"
	"github.com/go-go-golems/chatline/pkg/notify"
	"github.com/go-go-golems/chatline/pkg/render"
)

func NewRootCommand() *cobra.Command {
	env := &Env{}
	rootCmd := &cobra.Command{
		Use:           config.AppName,
		Short:         "chatline is a terminal client for the forum chat, chatbot and notifications",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.GetViper()
			if err := config.Init(v, cmd.Flags(), env.ConfigFile); err != nil {
				return err
			}
			c, err := config.Load(v)
			if err != nil {
				return err
			}
			env.Config = c
			// reinitialize the logger now that --log-level and co are parsed
			return logging.Init(c.Logging)
		},
	}

	d := config.Default()
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&env.ConfigFile, "config", "", "config file (default ~/.config/chatline/config.yaml)")
	pf.String("base-url", d.Server.BaseURL, "forum base URL")
	pf.String("cookie", "", "session cookie sent with every request, e.g. JSESSIONID=...")
	pf.String("username", "", "your username")
	pf.String("group-id", "", "group whose topic to follow")
	pf.String("lang", d.Lang, "language of notices and toasts (en, vi)")
	pf.Duration("http-timeout", 0, "HTTP request timeout, 0 for none")
	pf.String("state-path", "", "SQLite state file")
	pf.String("metrics-addr", "", "serve Prometheus metrics on this address")
	pf.String("log-level", d.Logging.Level, "log level (trace, debug, info, warn, error)")
	pf.String("log-format", d.Logging.Format, "log format (auto, console, json)")
	pf.String("log-file", "", "write logs to this rotated file")
	pf.Bool("with-caller", false, "log caller file and line")
	pf.Bool("redis", false, "mirror inbound events to Redis streams")
	pf.String("redis-addr", d.Redis.Addr, "Redis address")

	rootCmd.AddCommand(
		newInboxCommand(env),
		newConversationsCommand(env),
		newHistoryCommand(env),
		newSendCommand(env),
		newRecallCommand(env),
		newDeleteCommand(env),
		newBotCommand(env),
		newNotificationsCommand(env),
		newTailCommand(env),
		newUsersCommand(env),
		newGroupsCommand(env),
		newImagesCommand(env),
		newConfigCommand(env),
	)
	return rootCmd
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// stderrToaster prints toasts for the non-interactive commands.
var stderrToaster = notify.ToasterFunc(func(t notify.Toast) {
	fmt.Fprintln(os.Stderr, render.Toast(t))
})
