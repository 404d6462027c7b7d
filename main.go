// Command grid-shadow-compensator is the site-local energy controller
// entry point: it wires the meter reader, cloud poller, power-control
// transform, inverter feeder, alert engine and status assembler together
// on a fixed set of scheduled tasks.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devskill-org/grid-shadow-compensator/internal/alert"
	"github.com/devskill-org/grid-shadow-compensator/internal/cloud"
	"github.com/devskill-org/grid-shadow-compensator/internal/config"
	"github.com/devskill-org/grid-shadow-compensator/internal/feeder"
	"github.com/devskill-org/grid-shadow-compensator/internal/httpapi"
	"github.com/devskill-org/grid-shadow-compensator/internal/meter"
	"github.com/devskill-org/grid-shadow-compensator/internal/sched"
	"github.com/devskill-org/grid-shadow-compensator/internal/status"
	"github.com/devskill-org/grid-shadow-compensator/internal/transform"
)

func main() {
	var (
		configFile = flag.String("config", "config.json", "Configuration file path")
		help       = flag.Bool("help", false, "Show help message")
	)
	flag.Parse()

	if *help {
		showHelp()
		return
	}

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Println("Error loading configuration:", err)
		os.Exit(1)
	}

	fmt.Printf("Starting grid-shadow compensator with the following configuration:\n")
	fmt.Printf("  Meter port:    %s @ %d baud\n", cfg.MeterPort, cfg.MeterBaudRate)
	fmt.Printf("  Inverter port: %s @ %d baud\n", cfg.InverterPort, cfg.InverterBaudRate)
	fmt.Printf("  Cloud SN:      %s\n", cfg.SN)
	fmt.Printf("  Min import:    %.2f kW\n", cfg.MinImportKW)
	fmt.Printf("  Health port:   %d\n", cfg.HealthCheckPort)
	fmt.Println()

	logger := log.New(os.Stdout, "[MAIN] ", log.LstdFlags)

	alerts := alert.New()

	meterReader := meter.NewReader(meter.Config{
		Port:                        cfg.MeterPort,
		BaudRate:                    cfg.MeterBaudRate,
		SlaveID:                     byte(cfg.MeterSlaveID),
		PollIntervalMs:              cfg.PollIntervalMs,
		InitialOpenDelayMs:          cfg.InitialOpenDelayMs,
		ReopenBackoffMs:             cfg.ReopenBackoffMs,
		WarmupMs:                    cfg.WarmupMs,
		TimeoutsBeforeReopen:        cfg.TimeoutsBeforeReopen,
		MeterStaleMs:                cfg.MeterStaleMs,
		StaleAlertMinPeriodMs:       cfg.StaleAlertMinPeriodMs,
		MaxWindowErrorsBeforeReopen: cfg.MaxWindowErrorsBeforeReopen,
	}, alerts, log.New(os.Stdout, "[METER] ", log.LstdFlags))

	cloudPoller := cloud.NewPoller(cloud.Config{
		APIID:            cfg.APIID,
		APISecret:        cfg.APISecret,
		BaseURI:          cfg.BaseURI,
		SN:               cfg.SN,
		FetchPeriodS:     cfg.FetchPeriodS,
		MinImportKW:      cfg.MinImportKW,
		MaxDataAgeMs:     cfg.MaxDataAgeMs,
		SmoothingFactor:  cfg.SmoothingFactor,
		ClampMaxKW:       cfg.ClampMaxKW,
		DeltaMaxKWPerSec: cfg.DeltaMaxKWPerSec,
		OverrideEnabled:  cfg.OverrideEnabled,
		RequestTimeoutMs: cfg.RequestTimeoutMs,
		MaxClockSkewMs:   cfg.MaxClockSkewMs,
	}, alerts)

	xformCfg := transform.Config{
		ScalePT:        cfg.ScalePT,
		ScaleCT:        cfg.ScaleCT,
		MinPowerFactor: cfg.MinPowerFactor,
		StaleToZeroMs:  cfg.StaleToZeroMs,
		PhaseMinVolt:   cfg.PhaseMinVolt,
		SafeDivMinVolt: cfg.SafeDivMinVolt,
	}

	inverterFeeder := feeder.NewFeeder(feeder.Config{
		Port:                     cfg.InverterPort,
		BaudRate:                 uint(cfg.InverterBaudRate),
		SlaveID:                  uint8(cfg.InverterSlaveID),
		InitRegisters:            cfg.InitRegisters,
		MaxSMAgeForWriteMs:       cfg.MaxSMAgeForWriteMs,
		OutStaleMs:               cfg.OutStaleMs,
		DeferOpenUntilFirstFrame: cfg.DeferOpenUntilFirstFrame,
		RepublishOnStale:         cfg.RepublishOnStale,
	}, xformCfg, alerts, log.New(os.Stdout, "[FEEDER] ", log.LstdFlags),
		meterReader.LatestSnapshot, cloudPoller.CurrentDeltaKW)

	statusCfg := status.Config{ScalePT: cfg.ScalePT, ScaleCT: cfg.ScaleCT}
	statusAssembler := status.New(statusCfg, meterReader, inverterFeeder, cloudPoller, alerts)

	api := httpapi.New(statusAssembler, alerts, cfg.HealthCheckPort)

	tasks := []sched.Task{
		{
			Name:         "meter_poll",
			InitialDelay: time.Duration(cfg.InitialOpenDelayMs) * time.Millisecond,
			Interval:     time.Duration(cfg.PollIntervalMs) * time.Millisecond,
			Run:          func(ctx context.Context) { meterReader.Poll() },
		},
		{
			Name:         "cloud_poll",
			InitialDelay: 5 * time.Second,
			Interval:     time.Duration(cfg.FetchPeriodS) * time.Second,
			Run:          func(ctx context.Context) { cloudPoller.Poll(ctx) },
		},
		{
			Name:     "inverter_ensure_open",
			Interval: 5 * time.Second,
			Run:      func(ctx context.Context) { inverterFeeder.EnsureOpen() },
		},
		{
			Name:     "inverter_tick",
			Interval: 1 * time.Second,
			Run:      func(ctx context.Context) { inverterFeeder.Tick() },
		},
		{
			Name:         "inverter_output_watchdog",
			InitialDelay: 5 * time.Second,
			Interval:     2 * time.Second,
			Run:          func(ctx context.Context) { inverterFeeder.WatchOutputStaleness() },
		},
		{
			Name:     "status_summary_log",
			Interval: 30 * time.Second,
			Run: func(ctx context.Context) {
				r := statusAssembler.Snapshot()
				logger.Printf("status: up=%v cloud=%s grid_import=%.2fkW comp=%.2fkW meter_age=%s",
					r.SystemUp, r.CloudState, r.GridImportKW, r.CompensationDeltaKW, r.MeterSnapshotAgeHuman)
			},
		},
	}

	pool := sched.New(tasks, alerts, log.New(os.Stdout, "[SCHED] ", log.LstdFlags))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := api.Start(); err != nil {
		logger.Printf("status API failed to start: %v", err)
	}

	go func() {
		if err := pool.Start(ctx); err != nil {
			logger.Printf("scheduler error: %v", err)
		}
	}()

	logger.Printf("controller started. Press Ctrl+C to stop...")

	<-sigChan
	logger.Printf("shutdown signal received, stopping...")

	cancel()
	pool.Stop()
	meterReader.Close()
	inverterFeeder.Close()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := api.Stop(stopCtx); err != nil {
		logger.Printf("status API shutdown error: %v", err)
	}

	logger.Printf("controller stopped")
}

func showHelp() {
	fmt.Println("grid-shadow-compensator - site-local energy controller")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Polls a 3-phase Acrel meter over Modbus-RTU, combines it with a cloud")
	fmt.Println("  compensation set-point, and republishes an augmented register image")
	fmt.Println("  to a neighbouring inverter over a second Modbus-RTU bus.")
	fmt.Println()
	fmt.Println("  Key Features:")
	fmt.Println("  - Resilient Modbus-RTU master on the meter bus")
	fmt.Println("  - Cloud-driven compensation set-point with safety gating")
	fmt.Println("  - Modbus-RTU slave republishing the compensated image")
	fmt.Println("  - Alert/episode engine with a JSON+websocket status surface")
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  grid-shadow-compensator [OPTIONS]")
	fmt.Println()
	fmt.Println("OPTIONS:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  # Basic usage with default settings")
	fmt.Println("  grid-shadow-compensator")
	fmt.Println()
	fmt.Println("  # Custom configuration")
	fmt.Println("  grid-shadow-compensator --config=config.json")
	fmt.Println()
	fmt.Println("  # Show this help")
	fmt.Println("  grid-shadow-compensator -help")
}
