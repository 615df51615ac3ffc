package cmds

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/chatline/pkg/config"
)

func (e *Env) configPath() (string, error) {
	if e.ConfigFile != "" {
		return e.ConfigFile, nil
	}
	return config.DefaultPath()
}

func newConfigCommand(env *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create, inspect and edit the config file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with the default settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := env.configPath()
			if err != nil {
				return err
			}
			if err := config.WriteDefault(path, config.Default(), force); err != nil {
				return err
			}
			fmt.Println(path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	var showSecrets bool
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := env.Config
			if c.Server.Cookie != "" && !showSecrets {
				c.Server.Cookie = "***"
			}
			if used := viper.ConfigFileUsed(); used != "" {
				fmt.Fprintf(os.Stderr, "# %s\n", used)
			}
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer func() { _ = enc.Close() }()
			return enc.Encode(c)
		},
	}
	show.Flags().BoolVar(&showSecrets, "show-secrets", false, "do not hide the session cookie")

	set := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a dotted key, e.g. server.base-url, in the config file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := env.configPath()
			if err != nil {
				return err
			}
			ed, err := config.NewEditor(path)
			if err != nil {
				return err
			}
			if err := ed.Set(args[0], args[1]); err != nil {
				return err
			}
			return ed.Save()
		},
	}

	get := &cobra.Command{
		Use:   "get <key>",
		Short: "Print a dotted key from the config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := env.configPath()
			if err != nil {
				return err
			}
			ed, err := config.NewEditor(path)
			if err != nil {
				return err
			}
			v, err := ed.Get(args[0])
			if err != nil {
				return err
			}
			fmt.Println(v)
			return nil
		},
	}

	cmd.AddCommand(initCmd, show, set, get)
	return cmd
}
