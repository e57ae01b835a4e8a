package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gridmesh/meshcore/internal/ble"
	"github.com/gridmesh/meshcore/internal/core"
)

var panicWipeCmd = &cobra.Command{
	Use:   "panic-wipe",
	Short: "Delete persisted identity/settings and re-initialize with fresh keys",
	RunE:  runPanicWipe,
}

func runPanicWipe(cmd *cobra.Command, args []string) error {
	cfg := core.Config{
		StoreDir:           flagStoreDir,
		MasterKeyPath:      flagMasterKeyPath,
		RotationSecretPath: flagRotationSecretPath,
		PowerProfile:       ble.ProfileBalanced,
		Scanner:            noBLEHardware{},
		Advertiser:         noBLEHardware{},
		CentralDriver:      noBLEHardware{},
		PeripheralDriver:   noBLEHardware{},
	}

	c, err := core.New(cfg)
	if err != nil {
		return err
	}
	if err := c.PanicWipe(); err != nil {
		return err
	}

	fresh, err := core.New(cfg)
	if err != nil {
		return err
	}
	defer fresh.Close()

	log.Info().Hex("fingerprint", fingerprintSlice(fresh)).Msg("panic wipe complete, fresh identity generated")
	return nil
}
