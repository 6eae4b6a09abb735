package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/caststream/caststream/internal/config"
	"github.com/caststream/caststream/internal/logging"
	"github.com/caststream/caststream/internal/xcmd"
	"github.com/caststream/caststream/server"
)

var serverCmdArgs struct {
	ConfigPath string
	MP3Path    string
	ListenAddr string
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Stream an MP3 file to connecting clients",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runServer(cmd); err != nil {
			if errors.Is(err, xcmd.Interrupted{}) {
				return
			}
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	serverCmd.Flags().StringVarP(&serverCmdArgs.ConfigPath, "config", "c", "", "Path to the server configuration file")
	serverCmd.Flags().StringVarP(&serverCmdArgs.MP3Path, "mp3", "m", "", "Path to the MP3 file to stream")
	serverCmd.Flags().StringVarP(&serverCmdArgs.ListenAddr, "listen", "l", "", "TCP address to accept connections on")
}

func runServer(cmd *cobra.Command) error {
	cfg, err := config.LoadServerConfig(serverCmdArgs.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Flags explicitly passed on the command line override the config file.
	if cmd.Flags().Changed("mp3") {
		cfg.MP3Path = serverCmdArgs.MP3Path
	}
	if cmd.Flags().Changed("listen") {
		cfg.ListenAddr = serverCmdArgs.ListenAddr
	}

	log, _, err := logging.Init(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer log.Sync()

	log.Infow("starting caststream server",
		"listen_addr", cfg.ListenAddr,
		"mp3_path", cfg.MP3Path,
	)

	srv, err := server.New(
		cfg.ListenAddr,
		cfg.MP3Path,
		int(cfg.OutputRingSize.Bytes()),
		time.Duration(cfg.HousekeepingIntervalSeconds)*time.Second,
		log,
	)
	if err != nil {
		return fmt.Errorf("failed to set up server: %w", err)
	}

	srv.SetClientTextHandler(func(remote net.Addr, text string) {
		log.Infow("client message", "remote", remote, "text", text)
	})

	wg, ctx := errgroup.WithContext(context.Background())

	wg.Go(func() error {
		return srv.Run(ctx)
	})

	wg.Go(func() error {
		err := xcmd.WaitInterrupted(ctx)
		log.Infow("caught signal, shutting down", "error", err)
		return err
	})

	return wg.Wait()
}
