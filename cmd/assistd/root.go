package main

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	envFiles   []string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "assistd",
		Short:         "Personal automation daemon: rules, calendar and notifications",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return opts.loadEnv()
		},
	}

	defCfg := strings.TrimSpace(os.Getenv("ASSISTD_CONFIG"))
	if defCfg == "" {
		defCfg = "./assistd.yaml"
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defCfg, "path to config file (json or yaml)")
	cmd.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", []string{".env"}, "dotenv files loaded before the config is read")

	cmd.AddCommand(newServeCmd(opts), newCheckCmd(opts))
	return cmd
}

// loadEnv loads dotenv files without overriding variables already set.
// Missing files are skipped.
func (o *rootOptions) loadEnv() error {
	for _, f := range o.envFiles {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}
