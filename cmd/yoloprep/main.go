// Downloads COCO-annotated images as a YOLO dataset, splits it into train and validation subsets
// and exports splits as TFRecord files.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(viper.New()).ExecuteContext(ctx); err != nil {
		stop()
		logrus.WithError(err).Fatal("yoloprep failed")
	}
}

// newRootCommand creates the root command. All configuration is read through v, which merges
// flags, YOLOPREP_* environment variables and an optional YAML config file.
func newRootCommand(v *viper.Viper) *cobra.Command {
	var configPath string
	var debug bool

	rootCmd := &cobra.Command{
		Use:           "yoloprep",
		Short:         "Prepare COCO-annotated images as a YOLO training dataset",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initialize(v, cmd, configPath, debug)
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug output")

	rootCmd.AddCommand(
		downloadCommand(v),
		splitCommand(v),
		exportCommand(v),
	)

	return rootCmd
}

// initialize binds the running command's flags and loads the configuration.
func initialize(v *viper.Viper, cmd *cobra.Command, configPath string, debug bool) error {
	v.SetEnvPrefix("YOLOPREP")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return errors.Wrap(err, "error binding flags")
	}
	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return errors.Wrapf(err, "read config %q", configPath)
		}
	}

	logrus.SetOutput(cmd.ErrOrStderr())
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if debug || v.GetBool("debug") {
		logrus.SetLevel(logrus.DebugLevel)
	}

	return nil
}
