package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	launchProcs int

	launchCmd = &cobra.Command{
		Use:   "launch [-- worker flags]",
		Short: "Start a local group of worker processes",
		Long: `Starts one worker process per rank on this host and waits for all of
them. If any worker fails, the others are killed. Arguments after -- are
passed to every worker.`,
		RunE: runLaunch,
	}
)

func init() {
	addLaunchFlags(launchCmd)
}

func addLaunchFlags(cmd *cobra.Command) {
	cmd.Flags().IntVarP(&launchProcs, "nprocs", "n", 2, "Number of worker processes")
	cmd.Flags().StringVar(&workerFlags.rendezvous, "rendezvous", "", "Rendezvous address for rank 0 (fixed port)")
}

// workerArgs builds the command line of one rank.
func workerArgs(rank, size int, rendezvous, cfgPath string, extra []string) []string {
	args := []string{
		"worker",
		"--rank", strconv.Itoa(rank),
		"--world-size", strconv.Itoa(size),
		"--rendezvous", rendezvous,
	}
	if cfgPath != "" {
		args = append(args, "--config", cfgPath)
	}
	args = append(args, extra...)
	if rank != 0 {
		// Only rank 0 serves metrics so the ranks do not fight over one port.
		args = append(args, "--metrics-addr=")
	}
	return args
}

func runLaunch(cmd *cobra.Command, args []string) error {
	if launchProcs < 1 {
		return fmt.Errorf("nprocs must be positive, got %d", launchProcs)
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	rendezvous := cfg.RendezvousAddr
	if _, port, err := net.SplitHostPort(rendezvous); err != nil || port == "0" {
		return fmt.Errorf("launch needs a fixed rendezvous port, got %q", rendezvous)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	log.Info().Int("nprocs", launchProcs).Str("rendezvous", rendezvous).Msg("Launching workers")
	for rank := 0; rank < launchProcs; rank++ {
		g.Go(func() error {
			return runRank(ctx, exe, workerArgs(rank, launchProcs, rendezvous, configPath, args))
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Int("nprocs", launchProcs).Msg("All workers finished")
	return nil
}

func runRank(ctx context.Context, exe string, args []string) error {
	c := exec.CommandContext(ctx, exe, args...)
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	c.Env = os.Environ()
	if err := c.Run(); err != nil {
		return fmt.Errorf("worker %v: %w", args[1:5], err)
	}
	return nil
}
