package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func ctlCmd() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "ctl <command> [args...]",
		Short: "Send a command to a running multiplexer's control port",
		Example: `  multiplexer ctl ir
  multiplexer ctl quality 40
  multiplexer ctl stream depth
  multiplexer ctl status`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = dialAddr(cfg.Control.Addr)
			}
			logger.Debug("sending control command", zap.String("addr", addr), zap.Strings("args", args))

			conn, err := net.DialTimeout("tcp", addr, timeout)
			if err != nil {
				return fmt.Errorf("connecting to %s: %w", addr, err)
			}
			defer conn.Close()
			conn.SetDeadline(time.Now().Add(timeout))

			if _, err := fmt.Fprintf(conn, "%s\n", strings.Join(args, " ")); err != nil {
				return fmt.Errorf("sending command: %w", err)
			}

			reply, err := bufio.NewReader(conn).ReadString('\n')
			if err != nil {
				return fmt.Errorf("reading reply: %w", err)
			}
			fmt.Print(reply)

			if strings.HasPrefix(reply, "ERROR:") {
				os.Exit(2)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "control address (default: control.addr from config)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "connect and reply timeout")

	return cmd
}

// dialAddr turns a listen address such as ":5603" into one that can be dialed.
func dialAddr(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil || host != "" {
		return listen
	}
	return net.JoinHostPort("127.0.0.1", port)
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and print the resolved streams",
		RunE: func(cmd *cobra.Command, args []string) error {
			// PersistentPreRunE already loaded and validated cfg.
			fmt.Printf("config ok: %d stream(s)\n", len(cfg.Streams))
			for _, sc := range cfg.Streams {
				fmt.Printf("  %-10s source=%s quality=%d scale=%g picam_res=%s raw=%s max_clients=%d\n",
					sc.ID, sc.Source, sc.Quality, sc.Scale, sc.PicamPreset, sc.RawAddr, sc.MaxClients)
			}
			fmt.Printf("  control    %s (stream %s)\n", cfg.Control.Addr, cfg.ControlStream())
			if cfg.HTTP.Enabled {
				for _, lc := range cfg.HTTP.Listeners {
					fmt.Printf("  http       %s (stream %s)\n", lc.Addr, lc.Stream)
				}
			}
			return nil
		},
	}
}
