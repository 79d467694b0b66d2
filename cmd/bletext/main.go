package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chaz8081/bletext/internal/ble"
	"github.com/chaz8081/bletext/internal/config"
	"github.com/chaz8081/bletext/internal/server"
)

const usage = `Usage: bletext [-config path] <command> [flags] [args]

Commands:
  scan    list nearby peripherals
  send    connect to a peripheral and send text (args, or stdin line by line)
  serve   run the HTTP/WebSocket bridge
  init    write a default config file
`

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/bletext/config.yaml)")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]

	switch cmd {
	case "scan", "send", "serve":
	case "init":
		path, err := config.WriteDefault()
		if err != nil {
			fatal("init", err)
		}
		if path == "" {
			fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
			return
		}
		fmt.Printf("Wrote default config to %s\n", path)
		return
	default:
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal("config", err)
	}
	if err := cfg.Validate(); err != nil {
		fatal("config validation", err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	adapter, err := newAdapter(cfg)
	if err != nil {
		fatal("adapter", err)
	}
	mgr := ble.NewManager(adapter, cfg.ManagerOptions())
	defer mgr.Close()

	switch cmd {
	case "scan":
		err = runScan(ctx, cfg, mgr, args)
	case "send":
		err = runSend(ctx, cfg, mgr, args)
	case "serve":
		printBanner(cfg)
		err = runServe(ctx, cfg, mgr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		mgr.Close()
		fatal(cmd, err)
	}
}

// newAdapter returns the radio backend selected by adapter.backend.
func newAdapter(cfg *config.Config) (ble.Adapter, error) {
	if cfg.Adapter.Backend == "bluez" {
		return ble.NewBlueZAdapter(cfg.Adapter.BlueZAdapter)
	}
	return ble.NewTinyGoAdapter(), nil
}

func runScan(ctx context.Context, cfg *config.Config, mgr *ble.Manager, args []string) error {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	name := fs.String("name", cfg.Scan.NameFilter, "only list devices advertising this exact name")
	duration := fs.Duration("duration", cfg.Scan.Duration, "how long to scan (0 scans until interrupted)")
	fs.Parse(args)

	filter := cfg.ScanFilter()
	filter.Name = *name

	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	devices, cancel := mgr.Devices().Subscribe()
	defer cancel()
	if err := mgr.StartScan(filter); err != nil {
		return err
	}
	defer mgr.StopScan()

	fmt.Println("Scanning... Ctrl+C to stop.")
	seen := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				fmt.Printf("Found %d device(s)\n", len(seen))
				return nil
			}
			return ctx.Err()
		case list, ok := <-devices:
			if !ok {
				return ble.ErrClosed
			}
			for _, d := range list {
				if seen[d.Address] {
					continue
				}
				seen[d.Address] = true
				fmt.Printf("  %-24s %-20s %4d dBm\n", d.DisplayName(), d.Address, d.RSSI)
			}
		}
	}
}

func runSend(ctx context.Context, cfg *config.Config, mgr *ble.Manager, args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	addr := fs.String("addr", "", "device address to connect to")
	name := fs.String("name", cfg.Scan.NameFilter, "connect to the first device advertising this exact name")
	preset := fs.String("preset", cfg.Protocol.Preset, "protocol preset: nus, wildcard or custom")
	fs.Parse(args)

	if *addr == "" && *name == "" {
		return errors.New("one of -addr or -name is required")
	}

	pc := cfg.Protocol
	pc.Preset = *preset
	proto, err := pc.Build()
	if err != nil {
		return err
	}

	filter := cfg.ScanFilter()
	filter.Name = *name
	dev, err := findDevice(ctx, mgr, filter, *addr, cfg.Scan.Duration)
	if err != nil {
		return err
	}

	go logStatus(ctx, mgr)

	if err := mgr.Connect(ctx, dev, proto); err != nil {
		return err
	}
	defer mgr.Disconnect()
	slog.Info("[BLE] ready", "device", dev.DisplayName(), "mtu", mgr.MTU())

	if fs.NArg() > 0 {
		return mgr.SendText(ctx, strings.Join(fs.Args(), " "))
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if err := mgr.SendText(ctx, scanner.Text()); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// findDevice scans until a device passing filter (and matching address, if
// set) is seen, or timeout elapses. A zero timeout waits until ctx is done.
func findDevice(ctx context.Context, mgr *ble.Manager, filter ble.ScanFilter, address string, timeout time.Duration) (ble.Device, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	devices, cancel := mgr.Devices().Subscribe()
	defer cancel()
	if err := mgr.StartScan(filter); err != nil {
		return ble.Device{}, err
	}
	defer mgr.StopScan()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ble.Device{}, fmt.Errorf("no matching device found within %s", timeout)
			}
			return ble.Device{}, ctx.Err()
		case list, ok := <-devices:
			if !ok {
				return ble.Device{}, ble.ErrClosed
			}
			for _, d := range list {
				if address == "" || strings.EqualFold(d.Address, address) {
					slog.Info("[BLE] found device", "name", d.DisplayName(), "address", d.Address, "rssi", d.RSSI)
					return d, nil
				}
			}
		}
	}
}

func runServe(ctx context.Context, cfg *config.Config, mgr *ble.Manager) error {
	proto, err := cfg.Protocol.Build()
	if err != nil {
		return err
	}
	srv := server.New(mgr, server.Options{
		Listen:     cfg.Server.Listen,
		Protocol:   proto,
		ScanFilter: cfg.ScanFilter(),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error {
		logStatus(gctx, mgr)
		return nil
	})
	return g.Wait()
}

// logStatus logs every status message until ctx is done or the manager
// closes.
func logStatus(ctx context.Context, mgr *ble.Manager) {
	status, cancel := mgr.Status().Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-status:
			if !ok {
				return
			}
			slog.Info("[BLE] " + msg)
		}
	}
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		slog.Info("Config loaded", "path", defaultPath)
		return cfg, nil
	}

	slog.Info("No config file found, using defaults")
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== bletext ===")
	fmt.Printf("  Backend:  %s\n", cfg.Adapter.Backend)
	fmt.Printf("  Protocol: %s (%s)\n", cfg.Protocol.Preset, cfg.Protocol.Encoding)
	fmt.Printf("  Connect:  timeout %s, MTU %d\n", cfg.Connect.Timeout, cfg.Connect.RequestMTU)
	fmt.Printf("  Listen:   %s\n", cfg.Server.Listen)
	fmt.Printf("  Log:      %s\n", cfg.LogLevel)
	fmt.Println("===============")
}

func fatal(what string, err error) {
	slog.Error(what, "error", err)
	os.Exit(1)
}
