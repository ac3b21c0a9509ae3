package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/config"
	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/printer"
	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/utils"
)

func newDiscoverCmd() *cobra.Command {
	var (
		subnet  string
		workers int
		timeout time.Duration
		save    bool
	)

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Scan the local /24 for hosts answering on the printer ports",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(configFlag)
			out := cmd.OutOrStdout()
			// Discovery usually runs before the config is complete; Load
			// still returns the defaults merged with whatever it could read.
			cfg, err := config.Load(path)
			if err != nil {
				fmt.Fprintf(out, "config %s: %v\n", path, err)
			}

			if subnet == "" {
				ip, err := utils.DetectLocalIP()
				if err != nil {
					return fmt.Errorf("could not detect local IP: %w", err)
				}
				if subnet, err = utils.Subnet24(ip); err != nil {
					return err
				}
			}

			ports := printer.CascadePorts(cfg.Printer.Cascade)
			fmt.Fprintf(out, "Scanning %s.0/24 on ports %v...\n", subnet, ports)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			found := printer.Discover(ctx, utils.SubnetHosts(subnet), ports, workers, timeout)
			if len(found) == 0 {
				fmt.Fprintln(out, "No printers found.")
				return nil
			}
			for i, f := range found {
				fmt.Fprintf(out, "[%d] %s ports %v\n", i+1, f.Host, f.Ports)
			}
			if !save {
				return nil
			}

			choice, err := pick(cmd.InOrStdin(), out, len(found))
			if err != nil || choice < 0 {
				return err
			}
			cfg.Printer.Host = found[choice].Host
			if err := config.Save(path, cfg); err != nil {
				return err
			}
			fmt.Fprintf(out, "Printer %s saved to %s\n", cfg.Printer.Host, path)
			return nil
		},
	}

	cmd.Flags().StringVar(&subnet, "subnet", "", "first three octets to scan, e.g. 192.168.1 (default: local subnet)")
	cmd.Flags().IntVar(&workers, "workers", 50, "concurrent probes")
	cmd.Flags().DurationVar(&timeout, "timeout", 500*time.Millisecond, "per-probe connect timeout")
	cmd.Flags().BoolVar(&save, "save", false, "ask which printer to use and save it as printer.host")
	return cmd
}

// pick reads a 1-based choice; an empty answer skips and returns -1.
func pick(in io.Reader, out io.Writer, n int) (int, error) {
	fmt.Fprintf(out, "Use which printer? [1-%d, empty to skip]: ", n)
	line, _ := bufio.NewReader(in).ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		return -1, nil
	}
	i, err := strconv.Atoi(line)
	if err != nil || i < 1 || i > n {
		return -1, fmt.Errorf("invalid choice %q", line)
	}
	return i - 1, nil
}
