package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sigreer/zfcpgod/internal/telemetry"
	"github.com/sigreer/zfcpgod/internal/uevent"
	"github.com/sigreer/zfcpgod/internal/zfcp"
)

const maxResubscribeDelay = 30 * time.Second

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Stream zFCP controller and disk change events",
	Long: `Listen for hardware change notifications and print one JSON event per line.

Controller events come from udev (ccw bus, zfcp driver). Disk events come from
udev block events or, with events.disk_source: inotify, from /dev/disk/by-path.
Use --stream to follow only zfcp_disks or zfcp_controllers.

If a notification source drops, the hardware is probed again and a new
subscription is started.`,
	Run: func(cmd *cobra.Command, args []string) {
		streamName, _ := cmd.Flags().GetString("stream")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		e := probed(ctx)
		defer e.close()

		agg, err := selectStream(e, streamName)
		if err != nil {
			e.close()
			fatal("selecting stream", err)
		}

		if metricsAddr == "" {
			metricsAddr = e.cfg.Metrics.Addr
		}
		if metricsAddr != "" {
			go func() {
				if err := e.metrics.Serve(ctx, metricsAddr); err != nil {
					e.log.Error().Err(err).Str("addr", metricsAddr).Msg("metrics endpoint stopped")
				}
			}()
		}
		e.metrics.ObserveSnapshot(e.engine.Snapshot())

		if err := follow(ctx, e, agg); err != nil {
			e.close()
			fatal("monitoring events", err)
		}
	},
}

// selectStream builds the aggregator for the requested stream. An empty name
// merges both sources into one stream.
func selectStream(e *env, name string) (*zfcp.Aggregator, error) {
	srcOpts := uevent.Options{
		Logger: telemetry.Component(e.log, "uevent"),
		Buffer: e.cfg.Events.Buffer,
	}
	controllers := uevent.NewControllerSource(srcOpts)
	var disks zfcp.Source
	if e.cfg.Events.DiskSource == "inotify" {
		disks = uevent.NewByPathSource(e.cfg.DevRoot, srcOpts)
	} else {
		disks = uevent.NewDiskSource(srcOpts)
	}

	opts := zfcp.AggregatorOptions{
		Logger:   telemetry.Component(e.log, "events"),
		Recorder: e.recorder(),
		Buffer:   e.cfg.Events.Buffer,
	}
	if name == "" {
		return zfcp.NewAggregator(opts,
			zfcp.LabelledSource{Kind: zfcp.KindController, Source: controllers},
			zfcp.LabelledSource{Kind: zfcp.KindDisk, Source: disks},
		), nil
	}
	for _, s := range zfcp.EventStreams(opts, controllers, disks) {
		if s.Name == name {
			return s.Aggregator, nil
		}
	}
	return nil, fmt.Errorf("unknown stream %q (want %s or %s)", name, zfcp.StreamDisks, zfcp.StreamControllers)
}

// follow prints events until ctx is done. A lost subscription is replaced
// after a fresh probe, with exponential backoff between attempts.
func follow(ctx context.Context, e *env, agg *zfcp.Aggregator) error {
	enc := json.NewEncoder(os.Stdout)
	delay := time.Second

	for {
		sub, err := agg.Subscribe(ctx)
		if err != nil {
			return err
		}

		received := 0
		for ev := range sub.Events() {
			received++
			if err := e.engine.Observe(ctx, ev); err != nil && ctx.Err() == nil {
				e.log.Warn().Err(err).Str("path", ev.Path().String()).Msg("could not apply event")
			}
			if err := enc.Encode(ev); err != nil {
				sub.Close()
				return fmt.Errorf("writing event: %w", err)
			}
			e.metrics.ObserveSnapshot(e.engine.Snapshot())
		}

		if ctx.Err() != nil {
			return nil
		}
		if err := sub.Err(); err != nil && !errors.Is(err, zfcp.ErrSubscriptionLost) {
			return err
		}
		if received > 0 {
			delay = time.Second
		}

		e.log.Warn().Err(sub.Err()).Dur("retry_in", delay).Msg("event subscription lost")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay = min(delay*2, maxResubscribeDelay)

		if err := e.engine.Probe(ctx); err != nil && ctx.Err() == nil {
			e.log.Error().Err(err).Msg("reprobe failed")
		}
	}
}

func init() {
	monitorCmd.Flags().String("stream", "", "Follow a single stream (zfcp_disks or zfcp_controllers)")
	monitorCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address (overrides metrics.addr)")
}
