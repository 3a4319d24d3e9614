package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/kinect-multiplexer/internal/client"
	"github.com/dgnsrekt/kinect-multiplexer/internal/snapshot"
)

type remoteFlags struct {
	url     string
	timeout time.Duration
	retries int
}

func (f *remoteFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.url, "url", "", "multiplexer base URL (default: first http listener from config)")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 10*time.Second, "request timeout")
	cmd.Flags().IntVar(&f.retries, "retries", 3, "retries on transient errors")
}

func (f *remoteFlags) client() (*client.HTTPClient, error) {
	base := f.url
	if base == "" {
		if len(cfg.HTTP.Listeners) == 0 {
			return nil, fmt.Errorf("no http listener configured, pass --url")
		}
		base = "http://" + dialAddr(cfg.HTTP.Listeners[0].Addr)
	}
	return client.NewClient(base, 5, f.timeout, 500*time.Millisecond, f.retries, logger.Named("client")), nil
}

func statusCmd() *cobra.Command {
	var flags remoteFlags

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the status document of a running multiplexer",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			st, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		},
	}

	flags.register(cmd)
	return cmd
}

func snapshotCmd() *cobra.Command {
	var (
		flags   remoteFlags
		outDir  string
		batch   string
		workers int
	)

	cmd := &cobra.Command{
		Use:   "snapshot [stream...]",
		Short: "Save the next frame of each stream as a JPEG file",
		Long: `Fetch one frame from each named stream (every stream when none are
named) and write them to <out>/<batch>/<stream>.jpg. Frames are staged and
moved into place together.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}

			streams := args
			if len(streams) == 0 {
				st, err := c.Status(cmd.Context())
				if err != nil {
					return err
				}
				streams = st.Order
			}
			if batch == "" {
				batch = time.Now().Format("20060102-150405")
			}

			tasks := make([]snapshot.Task, 0, len(streams))
			for _, id := range streams {
				tasks = append(tasks, snapshot.Task{Stream: id, Batch: batch})
			}

			mgr := snapshot.NewManager(c, snapshot.NewStager(outDir), workers, logger.Named("snapshot"))
			result, err := mgr.Run(cmd.Context(), tasks)
			if err != nil {
				return err
			}

			logger.Info("snapshot complete",
				zap.String("batch", batch),
				zap.Int("total", result.Total),
				zap.Int("success", result.Success),
				zap.Int("skipped", result.Skipped),
				zap.Int("notFound", result.NotFound),
				zap.Int("failed", result.Failed),
			)
			for _, e := range result.Errors {
				logger.Error("snapshot failed", zap.String("detail", e))
			}
			if result.Failed > 0 {
				return fmt.Errorf("%d snapshot(s) failed", result.Failed)
			}
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVarP(&outDir, "out", "o", "snapshots", "output directory")
	cmd.Flags().StringVar(&batch, "batch", "", "batch directory name (default: current time)")
	cmd.Flags().IntVar(&workers, "workers", 2, "concurrent fetches")
	return cmd
}
