// Command pico-cec runs the CEC-to-HID bridge: it resolves this node's CEC
// addresses, claims a logical address on the bus, and dispatches received
// frames until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/doismellburning/pico-cec-bridge/internal/bittiming"
	"github.com/doismellburning/pico-cec-bridge/internal/config"
	"github.com/doismellburning/pico-cec-bridge/internal/edid"
	"github.com/doismellburning/pico-cec-bridge/internal/frame"
	"github.com/doismellburning/pico-cec-bridge/internal/hidqueue"
	"github.com/doismellburning/pico-cec-bridge/internal/indicator"
	"github.com/doismellburning/pico-cec-bridge/internal/protocol"
	flag "github.com/spf13/pflag"
)

func main() {
	var (
		configPath   = flag.StringP("config", "c", "", "path to pico-cec.yaml (searched in config.SearchPaths if empty)")
		gpioChip     = flag.String("gpio-chip", "/dev/gpiochip0", "gpio-cdev chip device for the CEC line")
		gpioLine     = flag.Int("gpio-line", 0, "gpio-cdev line offset for the CEC line")
		logLevel     = flag.String("log-level", "info", "log level: debug, info, warn, error")
		tracePattern = flag.String("trace-format", "%H:%M:%S", "strftime pattern for the bus trace log; empty disables tracing")
		dryRun       = flag.Bool("dry-run", false, "load the configuration and exit without opening the GPIO line or resolving addresses")
	)
	flag.Parse()

	logger := log.New(os.Stderr)
	if lvl, err := log.ParseLevel(*logLevel); err == nil {
		logger.SetLevel(lvl)
	} else {
		logger.Warn("unrecognized log level, defaulting to info", "requested", *logLevel)
	}

	if err := run(logger, *configPath, *gpioChip, *gpioLine, *tracePattern, *dryRun); err != nil {
		logger.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(logger *log.Logger, configPath, gpioChip string, gpioLine int, tracePattern string, dryRun bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		// A configuration-load failure is fatal (§7): the engine does not
		// start. The indicator is not created yet at this point, so the fault
		// is reported only as a log line; no indicator state is set.
		logger.Error("fault", "reason", err)
		return fmt.Errorf("loading configuration: %w", err)
	}
	logger.Info("configuration loaded", "device_type", cfg.DeviceType)

	if dryRun {
		logger.Info("dry run: skipping GPIO and the receive-dispatch loop")
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	driver, err := bittiming.NewDriver(logger.With("component", "bittiming"), gpioChip, gpioLine)
	if err != nil {
		return fmt.Errorf("opening CEC GPIO line: %w", err)
	}
	defer driver.Close()

	codec := frame.New(driver, logger.With("component", "frame"))

	ind := indicator.NewChannel()
	go logIndicatorTransitions(ctx, logger.With("component", "indicator"), ind)

	keys := hidqueue.New(8)
	go drainKeyQueue(ctx, logger.With("component", "hidqueue"), keys)

	var trace *protocol.BusTrace
	if tracePattern != "" {
		trace = protocol.NewBusTrace(tracePattern, func(line string) {
			logger.Debug("bus trace", "line", line)
		})
	}

	engine := protocol.New(logger.With("component", "protocol"), codec, cfg, edid.Unknown{}, driver, keys, ind, trace)

	if err := engine.Startup(ctx); err != nil {
		return fmt.Errorf("starting protocol engine: %w", err)
	}
	logger.Info("bridge online", "self_logical_address", fmt.Sprintf("0x%X", engine.State().SelfLogicalAddress),
		"self_physical_address", fmt.Sprintf("0x%04X", engine.State().SelfPhysicalAddress))

	if err := engine.Run(ctx); err != nil {
		return fmt.Errorf("protocol engine exited: %w", err)
	}
	logger.Info("shutting down")
	return nil
}

// logIndicatorTransitions stands in for the real LED driver (§6, §12): it
// just logs what the engine asserts, until ctx is cancelled.
func logIndicatorTransitions(ctx context.Context, logger *log.Logger, ind *indicator.Channel) {
	for {
		select {
		case s := <-ind.C():
			logger.Info("indicator", "state", s)
		case <-ctx.Done():
			return
		}
	}
}

// drainKeyQueue stands in for the real HID task (§6): it just logs the
// keycode stream, until ctx is cancelled.
func drainKeyQueue(ctx context.Context, logger *log.Logger, keys *hidqueue.Queue) {
	for {
		select {
		case k := <-keys.C():
			if k == hidqueue.NoKey {
				logger.Debug("key up")
			} else {
				logger.Debug("key down", "hid_keycode", fmt.Sprintf("0x%02X", k))
			}
		case <-ctx.Done():
			return
		}
	}
}
