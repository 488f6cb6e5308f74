package main

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/go-go-golems/turnkit/cmd/turnkit/cmds"
)

var rootCmd = &cobra.Command{
	Use:   "turnkit",
	Short: "turnkit runs turns through engines, middlewares and tools",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// flags are parsed now, so --log-level and co take effect
		return initLogger()
	},
	SilenceUsage: true,
}

type logConfig struct {
	WithCaller bool
	Level      string
	LogFormat  string
	LogFile    string
}

func initLogger() error {
	logLevel := viper.GetString("log-level")
	if viper.GetBool("verbose") && logLevel != "trace" {
		logLevel = "debug"
	}
	return InitLogger(&logConfig{
		Level:      logLevel,
		LogFile:    viper.GetString("log-file"),
		LogFormat:  viper.GetString("log-format"),
		WithCaller: viper.GetBool("with-caller"),
	})
}

func initConfig(configPath string) error {
	viper.SetEnvPrefix("turnkit")

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("turnkit")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.turnkit")
		if xdg, err := os.UserConfigDir(); err == nil {
			viper.AddConfigPath(xdg + "/turnkit")
		}
	}

	err := viper.ReadInConfig()
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		// no config file
	} else if err != nil {
		return err
	}
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		return err
	}
	if err := initLogger(); err != nil {
		return err
	}

	log.Debug().Str("config", viper.ConfigFileUsed()).Msg("Loaded configuration")
	return nil
}

// newLogger starts from a fresh logger so repeated initialization does not
// stack caller hooks.
func newLogger(w io.Writer, config *logConfig) zerolog.Logger {
	ctx := zerolog.New(w).With().Timestamp()
	if config.WithCaller {
		ctx = ctx.Caller()
	}
	return ctx.Logger()
}

func InitLogger(config *logConfig) error {
	var logWriter io.Writer
	if config.LogFormat == "text" {
		logWriter = zerolog.ConsoleWriter{Out: os.Stderr}
	} else {
		logWriter = os.Stderr
	}

	if config.LogFile != "" {
		logWriter = io.MultiWriter(
			logWriter,
			zerolog.ConsoleWriter{
				NoColor: true,
				Out: &lumberjack.Logger{
					Filename:   config.LogFile,
					MaxSize:    10, // megabytes
					MaxBackups: 3,
					MaxAge:     28, // days
				},
			})
	}

	log.Logger = newLogger(logWriter, config)

	if config.Level == "" {
		config.Level = "info"
	}
	level, err := zerolog.ParseLevel(config.Level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(level)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	pf.String("log-format", "text", "Log format (json, text)")
	pf.String("log-file", "", "Also write logs to this file, rotated")
	pf.Bool("with-caller", false, "Log caller")
	pf.BoolP("verbose", "v", false, "Verbose output")
	pf.String("config", "", "Config file (default ./turnkit.yaml, $HOME/.turnkit/turnkit.yaml)")
	pf.String("profile-registries", "", "Comma-separated registry sources (yaml:path, sqlite:path, sqlite-dsn:dsn); later sources take precedence")
	pf.String("redis-url", "", "Persist final turns to this Redis instance")
	pf.String("metrics-addr", "", "Serve Prometheus metrics on this address while running")

	// --config has to be known before the command line is fully parsed
	configPath := ""
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			configPath = os.Args[i+1]
		} else if strings.HasPrefix(arg, "--config=") {
			configPath = strings.TrimPrefix(arg, "--config=")
		}
	}
	cobra.CheckErr(initConfig(configPath))

	rootCmd.AddCommand(
		cmds.NewRunCommand(),
		cmds.NewProfilesCommand(),
		cmds.NewToolsCommand(),
	)
}
