package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/caststream/caststream/audio"
	"github.com/caststream/caststream/client"
	"github.com/caststream/caststream/internal/config"
	"github.com/caststream/caststream/internal/logging"
	"github.com/caststream/caststream/internal/xcmd"
)

var clientCmdArgs struct {
	ConfigPath string
	Port       int
}

var clientCmd = &cobra.Command{
	Use:   "client <host>",
	Short: "Connect to a caststream server and play the streamed MP3",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := runClient(args[0]); err != nil {
			if errors.Is(err, xcmd.Interrupted{}) {
				return
			}
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	clientCmd.Flags().StringVarP(&clientCmdArgs.ConfigPath, "config", "c", "", "Path to the client configuration file")
	clientCmd.Flags().IntVarP(&clientCmdArgs.Port, "port", "p", config.DefaultPort, "Port to dial on host")
}

func runClient(host string) error {
	cfg, err := config.LoadClientConfig(clientCmdArgs.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// The positional host argument always overrides whatever DialAddr the
	// config file or its defaults set.
	cfg.DialAddr = fmt.Sprintf("%s:%d", host, clientCmdArgs.Port)

	log, _, err := logging.Init(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer log.Sync()

	log.Infow("connecting to caststream server", "dial_addr", cfg.DialAddr)

	sink := audio.NewPortAudioSink(cfg.Audio.SampleRate, cfg.Audio.Channels, cfg.Audio.FramesPerBuffer)

	cl := client.New(client.Options{
		DialAddr:           cfg.DialAddr,
		InputRingSize:      int(cfg.InputRingSize.Bytes()),
		InputLowWatermark:  int(cfg.InputLowWatermark.Bytes()),
		InputHighWatermark: int(cfg.InputHighWatermark.Bytes()),
		PCMRingSize:        int(cfg.PCMRingSize.Bytes()),
		PCMLowWatermark:    int(cfg.PCMLowWatermark.Bytes()),
		PCMHighWatermark:   int(cfg.PCMHighWatermark.Bytes()),
		Decoder:              audio.NewGoMP3Decoder(),
		Sink:                 sink,
		HousekeepingInterval: time.Duration(cfg.HousekeepingIntervalSeconds) * time.Second,
		Log:                  log,
	})

	wg, ctx := errgroup.WithContext(context.Background())

	wg.Go(func() error {
		return cl.Run(ctx)
	})

	wg.Go(func() error {
		err := xcmd.WaitInterrupted(ctx)
		log.Infow("caught signal, shutting down", "error", err)
		return err
	})

	return wg.Wait()
}
