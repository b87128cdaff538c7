package main

import (
	"io"
	"os"

	"github.com/always-cache/always-redirect/config"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// this is set by goreleaser
var version string

func main() {
	if version == "" {
		version = "DEV"
	}
	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("Exiting")
		os.Exit(1)
	}
}

type rootFlags struct {
	configFile   string
	verboseTrace bool
	logFilename  string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	v := config.New()

	cmd := &cobra.Command{
		Use:           "always-redirect",
		Short:         "always-redirect: turn 404s into redirects",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(cmd.OutOrStdout(), flags)
		},
	}
	cmd.Version = version

	cmd.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "Config file (YAML)")
	cmd.PersistentFlags().BoolVarP(&flags.verboseTrace, "verbose", "v", false, "Verbosity: trace logging")
	cmd.PersistentFlags().StringVar(&flags.logFilename, "log-file", "", "Log file to use (in addition to stdout)")
	cmd.PersistentFlags().String("sqlite", "", "SQLite database for rules and misses (use 'memory' for in-memory db)")
	cmd.PersistentFlags().String("site", "", "Public base URL of the site")
	bindFlag(v, "sqlite", cmd.PersistentFlags().Lookup("sqlite"))
	bindFlag(v, "siteBaseUrl", cmd.PersistentFlags().Lookup("site"))

	loadConfig := func() (config.Config, error) {
		return config.Load(v, flags.configFile)
	}

	cmd.AddCommand(newServeCmd(v, loadConfig))
	cmd.AddCommand(newImportCmd(loadConfig))
	cmd.AddCommand(newMissesCmd(loadConfig))

	return cmd
}

func setupLogging(stdout io.Writer, flags *rootFlags) error {
	// set log level
	logLevel := zerolog.DebugLevel
	if flags.verboseTrace {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := []io.Writer{zerolog.ConsoleWriter{Out: stdout}}
	if flags.logFilename != "" {
		logFileOutput, err := os.OpenFile(flags.logFilename, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return err
		}
		logOutputs = append(logOutputs, logFileOutput)
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()
	return nil
}

func bindFlag(v *viper.Viper, key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}
