// Command meshnode runs the mesh-core node as a standalone process:
// `start` brings the node up (storage → identity → rotation → connection
// tracker → BLE engine → router, spec.md §9), `panic-wipe` destroys all
// persisted secrets. Grounded on the teacher's cmd/server.go root-command
// shape (a bare cobra.Command with PersistentFlags, each backed by an
// os.Getenv fallback) and cmd/relay-server/main.go's zerolog.ConsoleWriter
// setup.
package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	flagStoreDir           string
	flagMasterKeyPath      string
	flagRotationSecretPath string
	flagNickname           string
	flagRotation           bool
	flagTorDisabled        bool
	flagPowerProfile       string
)

var rootCmd = &cobra.Command{
	Use:   "meshnode",
	Short: "A peer-to-peer encrypted mesh messaging node over Bluetooth Low Energy",
}

func init() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagStoreDir, "store-dir", envOr("MESHCORE_STORE_DIR", defaultPath("store")), "pebble data directory (env: MESHCORE_STORE_DIR)")
	flags.StringVar(&flagMasterKeyPath, "master-key", envOr("MESHCORE_MASTER_KEY", defaultPath("master.key")), "at-rest encryption master key file (env: MESHCORE_MASTER_KEY)")
	flags.StringVar(&flagRotationSecretPath, "rotation-secret", envOr("MESHCORE_ROTATION_SECRET", ""), "protocol-wide rotation secret file for an isolated private mesh; empty uses the public default (env: MESHCORE_ROTATION_SECRET)")

	rootCmd.AddCommand(startCmd, panicWipeCmd)

	startFlags := startCmd.Flags()
	startFlags.StringVar(&flagNickname, "nickname", os.Getenv("MESHCORE_NICKNAME"), "displayed nickname, max 64 bytes (env: MESHCORE_NICKNAME)")
	startFlags.BoolVar(&flagRotation, "rotation-enabled", envOrBool("MESHCORE_ROTATION_ENABLED", true), "rotate ephemeral peer ID/service UUID hourly (env: MESHCORE_ROTATION_ENABLED)")
	startFlags.BoolVar(&flagTorDisabled, "tor-disabled", envOrBool("MESHCORE_TOR_DISABLED", false), "disable Tor-over-BLE bridging, if present (env: MESHCORE_TOR_DISABLED)")
	startFlags.StringVar(&flagPowerProfile, "power-profile", envOr("MESHCORE_POWER_PROFILE", "balanced"), "performance|balanced|power_saver (env: MESHCORE_POWER_PROFILE)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("meshnode")
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v == "true" || v == "1"
}

func defaultPath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return home + "/.meshcore/" + name
}
