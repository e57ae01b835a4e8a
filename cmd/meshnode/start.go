package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gridmesh/meshcore/internal/ble"
	"github.com/gridmesh/meshcore/internal/core"
	"github.com/gridmesh/meshcore/internal/router"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start scan + advertise loops and run until interrupted",
	RunE:  runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg := core.Config{
		StoreDir:           flagStoreDir,
		MasterKeyPath:      flagMasterKeyPath,
		RotationSecretPath: flagRotationSecretPath,
		Nickname:           flagNickname,
		RotationEnabled:    flagRotation,
		TorDisabled:        flagTorDisabled,
		PowerProfile:       ble.Profile(flagPowerProfile),
		Scanner:            noBLEHardware{},
		Advertiser:         noBLEHardware{},
		CentralDriver:      noBLEHardware{},
		PeripheralDriver:   noBLEHardware{},
	}

	c, err := core.New(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	c.Subscribe(func(e router.PacketEvent) {
		log.Info().
			Uint8("packet_type", e.PacketType).
			Hex("sender_fingerprint", e.SenderFingerprint[:]).
			Int("bytes", len(e.Plaintext)).
			Msg("message received")
	}, func(e router.PeerEvent) {
		log.Info().
			Int("kind", int(e.Kind)).
			Str("address", e.Address).
			Msg("peer event")
	})

	log.Info().Hex("fingerprint", fingerprintSlice(c)).Msg("meshnode starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c.Start(ctx)
	return c.Wait()
}

func fingerprintSlice(c *core.Core) []byte {
	fp := c.Fingerprint()
	return fp[:]
}
