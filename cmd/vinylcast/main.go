package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zsiec/vinylcast/internal/config"
)

var version = "dev"

var (
	cfgFile  string
	envFiles []string

	flagSource    string
	flagFile      string
	flagStreamKey string
	flagNoEncode  bool
)

var rootCmd = &cobra.Command{
	Use:   "vinylcast",
	Short: "Stream a live audio input over HTTP and SRT",
	Long: `vinylcast captures audio from a sound card (or a file, a test tone or stdin),
encodes it to AAC and serves it live as ADTS over HTTP, HTTP/3 and SRT,
alongside a raw WAV stream and a spectrum level feed.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveCmd.RunE(cmd, args)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Capture and serve the stream (default)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		out, err := cfg.YAML()
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "vinylcast %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./vinylcast.yaml or /etc/vinylcast/vinylcast.yaml)")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files to load (default .env)")
	rootCmd.PersistentFlags().StringVar(&flagSource, "source", "", "capture source: portaudio, mp3, tone or stdin")
	rootCmd.PersistentFlags().StringVar(&flagFile, "file", "", "MP3 file for the mp3 source")
	rootCmd.PersistentFlags().StringVar(&flagStreamKey, "stream-key", "", "stream key used in URLs and SRT stream IDs")
	rootCmd.PersistentFlags().BoolVar(&flagNoEncode, "no-encode", false, "serve raw PCM only")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig loads configuration and applies command-line overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile, envFiles...)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	flags := cmd.Flags()
	if flags.Changed("source") {
		cfg.Source.Type = flagSource
	}
	if flags.Changed("file") {
		cfg.Source.File = flagFile
	}
	if flags.Changed("stream-key") {
		cfg.StreamKey = flagStreamKey
	}
	if flagNoEncode {
		cfg.Encoder.Enabled = false
	}
	cfg.Validate()
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
