package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pisugar-power-go/internal/config"
	"pisugar-power-go/internal/core"
	"pisugar-power-go/internal/device"
	"pisugar-power-go/internal/i2cbus"
	"pisugar-power-go/internal/mqtt"
	"pisugar-power-go/internal/server"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

// Exit codes: 1 configuration error, 2 bus not available, 3 bind failure.
const (
	exitConfig = 1
	exitBus    = 2
	exitBind   = 3
)

type flags struct {
	configPath string
	model      string
	i2cBus     int
	i2cAddr    int
	uds        string
	tcp        string
	ws         string
	http       string
	webRoot    string
	logLevel   string
}

func main() {
	var f flags
	cmd := &cobra.Command{
		Use:           "pisugar-server",
		Short:         "Power management server for PiSugar battery/RTC boards",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Run: func(cmd *cobra.Command, args []string) {
			run(cmd, &f)
		},
	}
	fs := cmd.Flags()
	fs.StringVarP(&f.configPath, "config", "c", config.DefaultPath, "configuration file path")
	fs.StringVar(&f.model, "model", "", "board model (overrides config; empty = autodetect)")
	fs.IntVar(&f.i2cBus, "i2c-bus", -1, "i2c bus number (overrides config)")
	fs.IntVar(&f.i2cAddr, "i2c-addr", 0, "i2c device address (overrides config)")
	fs.StringVar(&f.uds, "uds", "/tmp/pisugar-server.sock", "unix domain socket path (empty disables)")
	fs.StringVar(&f.tcp, "tcp", "0.0.0.0:8423", "tcp listen address (empty disables)")
	fs.StringVar(&f.ws, "ws", "0.0.0.0:8422", "websocket listen address (empty disables)")
	fs.StringVar(&f.http, "http", "0.0.0.0:8421", "http listen address (empty disables)")
	fs.StringVar(&f.webRoot, "web", "", "web ui root directory")
	fs.StringVar(&f.logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	if err := cmd.Execute(); err != nil {
		os.Exit(exitConfig)
	}
}

func run(cmd *cobra.Command, f *flags) {
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := config.Load(f.configPath, bootLogger)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(exitConfig)
	}
	applyOverrides(cmd, f, cfg)
	if err := cfg.Validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(exitConfig)
	}

	logger := newLogger(f.logLevel)
	slog.SetDefault(logger)
	logger.Info("pisugar-server starting", "version", version)

	bus, err := i2cbus.Open(cfg.I2CBus, logger)
	if err != nil {
		logger.Error("open i2c bus", "bus", cfg.I2CBus, "err", err)
		os.Exit(exitBus)
	}
	defer bus.Close()

	dev, err := bindDevice(bus, cfg, logger)
	if err != nil {
		logger.Error("probe device", "err", err)
		os.Exit(exitBus)
	}

	if err := dev.Battery.Init(device.InitOptions{
		AutoPowerOn:  cfg.AutoPowerOn,
		SoftPoweroff: cfg.SoftPoweroff,
		AntiMistouch: cfg.AntiMistouch,
		InputProtect: cfg.BatteryInputProtect,
	}); err != nil {
		logger.Warn("device init", "err", err)
	}
	applyCurveOverride(dev, cfg)

	events := core.NewBus(logger)
	store := core.NewStore(cfg, f.configPath, events, logger)
	// Configured alarm is the source of truth at startup.
	store.MarkAlarmDirty()

	runShell := core.SpawnShell(logger)
	engine := core.NewEngine(store, dev, runShell, logger)
	monitor := core.NewMonitor(store, dev, engine, runShell, logger)
	dispatcher := server.NewDispatcher(store, dev, version, logger)

	auth, err := server.NewAuth(time.Duration(cfg.SessionTimeout) * time.Second)
	if err != nil {
		logger.Error("init auth", "err", err)
		os.Exit(exitConfig)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := server.New(dispatcher, store, events, auth, logger, server.WithWebRoot(f.webRoot))
	bound := 0
	attempted := 0
	listen := func(name string, fn func() error) {
		attempted++
		if err := fn(); err != nil {
			logger.Error("listen", "transport", name, "err", err)
			return
		}
		bound++
	}
	if f.uds != "" {
		listen("uds", func() error { return srv.ServeUDS(ctx, f.uds) })
	}
	if f.tcp != "" {
		listen("tcp", func() error { return srv.ServeTCP(ctx, f.tcp) })
	}
	if f.ws != "" {
		listen("ws", func() error { return srv.ServeWS(ctx, f.ws) })
	}
	if f.http != "" {
		listen("http", func() error { return srv.ServeHTTP(ctx, f.http) })
	}
	if attempted > 0 && bound == 0 {
		logger.Error("no listen address could be bound")
		os.Exit(exitBind)
	}

	var bridge *mqtt.Bridge
	if cfg.MQTT.Broker != "" {
		bridge, err = mqtt.NewBridge(events, store, cfg.MQTT, dev.Model().String(), logger)
		if err != nil {
			logger.Warn("mqtt bridge", "err", err)
		} else {
			bridge.Start()
		}
	}

	go monitor.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	cancel()
	if bridge != nil {
		bridge.Stop()
	}
	if err := store.Close(); err != nil {
		logger.Error("persist config on shutdown", "err", err)
	}
	// Give in-flight pushes a short grace before the sockets die.
	time.Sleep(200 * time.Millisecond)
	logger.Info("goodbye")
}

// applyOverrides lets explicitly-set flags win over the config file.
func applyOverrides(cmd *cobra.Command, f *flags, cfg *config.Config) {
	if cmd.Flags().Changed("model") {
		cfg.Model = f.model
	}
	if cmd.Flags().Changed("i2c-bus") {
		cfg.I2CBus = f.i2cBus
	}
	if cmd.Flags().Changed("i2c-addr") {
		addr := f.i2cAddr
		cfg.I2CAddr = &addr
	}
}

func bindDevice(bus *i2cbus.Bus, cfg *config.Config, logger *slog.Logger) (*device.Device, error) {
	var addr uint16
	if cfg.I2CAddr != nil {
		addr = uint16(*cfg.I2CAddr)
	}
	if cfg.Model == "" {
		return device.Detect(bus, logger)
	}
	model, err := device.ParseModel(cfg.Model)
	if err != nil {
		return nil, err
	}
	return device.Probe(bus, model, addr, logger)
}

// applyCurveOverride installs a user battery_curve on the models that
// derive capacity in software.
func applyCurveOverride(dev *device.Device, cfg *config.Config) {
	if len(cfg.BatteryCurve) == 0 {
		return
	}
	type curveSetter interface {
		SetCurve(device.Curve)
	}
	setter, ok := dev.Battery.(curveSetter)
	if !ok {
		return
	}
	curve := make(device.Curve, len(cfg.BatteryCurve))
	for i, t := range cfg.BatteryCurve {
		curve[i] = device.Threshold{VoltageMV: t.VoltageMV, Percent: t.Percent}
	}
	setter.SetCurve(curve)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
