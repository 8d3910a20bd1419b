// Command sd2iecsim runs the sd2iec bus state machine against either a
// real IEC adapter reachable as a serial device, or an in-memory
// loopback bus for local testing, the way the teacher's
// cmd/wicos64-server wires its Config/log.Printf/net.Listen startup
// sequence into one main, here replacing the HTTP listener with the
// bus engine's Run loop.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/sd2iec/sd2iec/internal/bus"
	"github.com/sd2iec/sd2iec/internal/bus/serialbus"
	"github.com/sd2iec/sd2iec/internal/bus/virtualbus"
	"github.com/sd2iec/sd2iec/internal/busfsm"
	"github.com/sd2iec/sd2iec/internal/chanbuf"
	"github.com/sd2iec/sd2iec/internal/collab"
	"github.com/sd2iec/sd2iec/internal/config"
	"github.com/sd2iec/sd2iec/internal/diskimage"
	"github.com/sd2iec/sd2iec/internal/doscmd"
	"github.com/sd2iec/sd2iec/internal/fastload"
	"github.com/sd2iec/sd2iec/internal/mount"
	"github.com/sd2iec/sd2iec/internal/version"
)

func main() {
	root := &cobra.Command{
		Use:   "sd2iecsim",
		Short: "Run the sd2iec drive simulator",
	}

	var configPath string
	var loopback bool
	var serialDevice string

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the bus engine until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return errors.Wrap(err, "load config")
			}
			if serialDevice != "" {
				cfg.SerialDevice = serialDevice
			}

			parts, err := newPartitionSet(cfg)
			if err != nil {
				return errors.Wrap(err, "mount partitions")
			}

			leds := collab.NullIndicators{}
			pool := chanbuf.NewPool(cfg.BufferCount, leds)
			detector := &fastload.Detector{}
			loaders := fastload.NewDispatcher()
			loaders.Detector = detector

			dispatcher := doscmd.New(pool, parts, cfg.DeviceAddress)
			dispatcher.JiffyOn = cfg.JiffyEnabled
			dispatcher.VC20Mode = cfg.VC20Mode
			dispatcher.FastloaderFeed = func(addr uint16, data []byte) {
				detector.Feed(addr, data)
				if !cfg.FastloaderAllowed(detector.Armed().String()) {
					detector.Clear()
				}
			}

			lines, err := openLines(cfg, loopback)
			if err != nil {
				return errors.Wrap(err, "open bus lines")
			}
			trx := bus.NewTransceiver(lines)
			dispatcher.Executor = &loaderExecutor{
				disp:  loaders,
				lines: lines,
				parts: parts,
			}

			engine := busfsm.NewEngine(lines, trx, pool, dispatcher, cfg.DeviceAddress)

			log.Printf("sd2iecsim %s", version.Get().String())
			log.Printf("device address %d, jiffy=%v, partitions=%d", cfg.DeviceAddress, cfg.JiffyEnabled, len(cfg.Partitions))

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()
			if err := engine.Run(ctx); err != nil && errors.Cause(err) != context.Canceled {
				return err
			}
			return nil
		},
	}
	runCmd.Flags().StringVar(&configPath, "config", "", "path to sd2iec config JSON")
	runCmd.Flags().BoolVar(&loopback, "loopback", false, "use an in-memory bus instead of a serial adapter")
	runCmd.Flags().StringVar(&serialDevice, "serial", "", "serial device path carrying the IEC adapter")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			log.Println(version.Get().String())
		},
	}

	root.AddCommand(runCmd, versionCmd)
	if err := root.Execute(); err != nil {
		log.Fatalf("sd2iecsim: %v", err)
	}
}

func openLines(cfg config.Config, loopback bool) (bus.Lines, error) {
	if loopback || cfg.SerialDevice == "" {
		vb := virtualbus.New()
		return vb.NewEndpoint(), nil
	}
	adapter, err := serialbus.OpenTTY(cfg.SerialDevice)
	if err != nil {
		return nil, err
	}
	return serialbus.NewLines(adapter), nil
}

// partitionSet implements both doscmd.Partitions and chanbuf.PartitionResolver.
type partitionSet struct {
	parts   []*diskimage.Partition
	current int
}

func newPartitionSet(cfg config.Config) (*partitionSet, error) {
	ps := &partitionSet{}
	for i, pc := range cfg.Partitions {
		ops, err := mount.Open(pc.Path, pc.Label, pc.ID)
		if err != nil {
			return nil, errors.Wrapf(err, "partition %d (%s)", i, pc.Path)
		}
		ps.parts = append(ps.parts, &diskimage.Partition{Number: i, Ops: ops, Type: ops.Type()})
	}
	return ps, nil
}

func (ps *partitionSet) Current() *diskimage.Partition {
	if ps.current < 0 || ps.current >= len(ps.parts) {
		return nil
	}
	return ps.parts[ps.current]
}

func (ps *partitionSet) Switch(n int) error {
	if n < 0 || n >= len(ps.parts) {
		return errors.Errorf("no such partition %d", n)
	}
	ps.current = n
	return nil
}

// loaderExecutor adapts fastload.Dispatcher.Execute to doscmd.MemoryExecutor.
type loaderExecutor struct {
	disp  *fastload.Dispatcher
	lines bus.Lines
	parts *partitionSet
}

func (e *loaderExecutor) Execute(addr uint16) error {
	p := e.parts.Current()
	if p == nil {
		return errors.New("no current partition")
	}
	bo, ok := p.Ops.(diskimage.BlockOps)
	if !ok {
		return nil
	}
	ctx := context.Background()
	_, err := e.disp.Execute(ctx, addr, e.lines, &blockSource{bo: bo})
	return err
}

// blockSource adapts diskimage.BlockOps to fastload.BlockSource.
type blockSource struct {
	bo diskimage.BlockOps
}

func (s *blockSource) ReadSector(track, sector int) ([]byte, error) {
	buf := make([]byte, 256)
	if err := s.bo.ReadSector(track, sector, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
