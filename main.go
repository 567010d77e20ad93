package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"
	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/smazurov/vimputti/cmd"
	"github.com/smazurov/vimputti/internal/config"
	"github.com/smazurov/vimputti/internal/events"
	"github.com/smazurov/vimputti/internal/logging"
	"github.com/smazurov/vimputti/internal/manager"
	"github.com/smazurov/vimputti/internal/metrics"
	vimputtinats "github.com/smazurov/vimputti/internal/nats"
)

// Options for the CLI - flat structure with toml mapping.
type Options struct {
	Config string `help:"Path to configuration file" short:"c" default:"config.toml"`

	// Manager settings
	ControlSocket string `help:"Control socket path (default derived from instance)" toml:"manager.control_socket" env:"CONTROL_SOCKET"`
	Instance      string `help:"Instance name" default:"default" toml:"manager.instance" env:"INSTANCE"`
	BasePath      string `help:"Base path for the emulated filesystem surface" toml:"manager.base_path" env:"BASE_PATH"`

	// Logging settings
	LoggingLevel   string `help:"Global logging level (debug, info, warn, error)" default:"info" toml:"logging.level" env:"LOG_LEVEL"`
	LoggingFormat  string `help:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOG_FORMAT"`
	LoggingDevice  string `help:"Device logging level" default:"info" toml:"logging.device" env:"LOG_DEVICE"`
	LoggingHotplug string `help:"Hotplug logging level" default:"info" toml:"logging.hotplug" env:"LOG_HOTPLUG"`
	LoggingUinput  string `help:"uinput logging level" default:"info" toml:"logging.uinput" env:"LOG_UINPUT"`

	// Admin surface settings
	MetricsAddr string `help:"Loopback address for /healthz and /metrics (empty disables)" toml:"admin.metrics_addr" env:"METRICS_ADDR"`

	// NATS settings
	NATSEnabled bool `help:"Enable embedded NATS telemetry server" default:"false" toml:"nats.enabled" env:"NATS_ENABLED"`
	NATSPort    int  `help:"NATS server port" default:"4222" toml:"nats.port" env:"NATS_PORT"`
}

// controlSocketPath resolves the manager's control socket: explicit flag,
// else /run/user/{uid}/vimputti-{instance} when the runtime dir exists,
// else /tmp/vimputti-{instance}.
func controlSocketPath(opts *Options) string {
	if opts.ControlSocket != "" {
		return opts.ControlSocket
	}
	runDir := fmt.Sprintf("/run/user/%d", os.Getuid())
	if info, err := os.Stat(runDir); err == nil && info.IsDir() {
		return filepath.Join(runDir, "vimputti-"+opts.Instance)
	}
	return filepath.Join("/tmp", "vimputti-"+opts.Instance)
}

// basePath resolves the filesystem surface root: explicit setting (flag,
// VIMPUTTI_BASE_PATH, or file), else a default derived from the control
// socket's parent directory.
func basePath(opts *Options, controlPath string) string {
	if opts.BasePath != "" {
		return opts.BasePath
	}
	return filepath.Join(filepath.Dir(controlPath), "vimputti")
}

func main() {
	cli := humacli.New(func(hooks humacli.Hooks, opts *Options) {
		if loadErr := config.LoadConfig(opts, nil); loadErr != nil {
			slog.Warn("Failed to load config", "error", loadErr)
		}

		logging.Initialize(logging.Config{
			Level:  opts.LoggingLevel,
			Format: opts.LoggingFormat,
			// No component retrieves the device, hotplug or uinput module
			// loggers: they log through the manager logger below, so these
			// levels do not affect their output.
			Modules: map[string]string{
				"device":  opts.LoggingDevice,
				"hotplug": opts.LoggingHotplug,
				"uinput":  opts.LoggingUinput,
			},
		})
		logger := logging.For("manager")

		controlPath := controlSocketPath(opts)
		base := basePath(opts, controlPath)

		lock, err := manager.AcquireLock(controlPath + ".lock")
		if err != nil {
			logger.Error("Failed to acquire instance lock", "error", err)
			os.Exit(1)
		}

		eventBus := events.New()
		mgr := manager.New(base, eventBus, logger)
		server := manager.NewServer(mgr, eventBus, logger)

		// Log a warning after debounced create or write events in the
		// devices directory. Removals do not trigger it and the manager's
		// own socket binds do; purely a warning, never a correctness
		// dependency.
		devicesDir := filepath.Join(base, "devices")
		_ = os.MkdirAll(devicesDir, 0o755)
		watcher := config.NewConfigWatcher(
			devicesDir,
			func(path string) ([]string, error) {
				entries, err := os.ReadDir(path)
				if err != nil {
					return nil, err
				}
				names := make([]string, 0, len(entries))
				for _, e := range entries {
					names = append(names, e.Name())
				}
				return names, nil
			},
			logging.For("manager"),
			config.WithDebounce[[]string](500*time.Millisecond),
		)
		watcher.OnReload(func(names []string) {
			logger.Warn("devices directory changed externally", "entries", len(names))
		})

		var natsServer *vimputtinats.Server
		var natsBridge *vimputtinats.Bridge
		if opts.NATSEnabled {
			natsServer = vimputtinats.NewServer(vimputtinats.ServerOptions{
				Port:   opts.NATSPort,
				Name:   "vimputti",
				Logger: logging.For("nats"),
			})
			if startErr := natsServer.Start(); startErr != nil {
				logger.Error("Failed to start NATS server", "error", startErr)
			} else {
				natsBridge = vimputtinats.NewBridge(natsServer.ClientURL(), eventBus, logging.For("nats"))
				if bridgeErr := natsBridge.Start(); bridgeErr != nil {
					logger.Warn("Failed to start NATS bridge", "error", bridgeErr)
				}
			}
		}

		var adminServer *http.Server
		if opts.MetricsAddr != "" {
			mux := http.NewServeMux()
			api := humago.New(mux, huma.DefaultConfig("vimputti-manager", "1.0.0"))
			huma.Register(api, huma.Operation{
				OperationID: "healthz",
				Method:      http.MethodGet,
				Path:        "/healthz",
				Summary:     "Process liveness",
			}, func(_ context.Context, _ *struct{}) (*struct {
				Body struct {
					Status string `json:"status"`
				}
			}, error) {
				resp := &struct {
					Body struct {
						Status string `json:"status"`
					}
				}{}
				resp.Body.Status = "ok"
				return resp, nil
			})
			mux.Handle("/metrics", metrics.Handler())
			adminServer = &http.Server{Addr: opts.MetricsAddr, Handler: mux}
		}

		hooks.OnStart(func() {
			if startErr := server.Start(controlPath); startErr != nil {
				logger.Error("Failed to start manager", "error", startErr)
				lock.Release()
				os.Exit(1)
			}
			if watchErr := watcher.Start(); watchErr != nil {
				logger.Warn("Failed to watch devices directory", "error", watchErr)
			}
			if adminServer != nil {
				go func() {
					logger.Info("Admin surface listening", "addr", adminServer.Addr)
					if serveErr := adminServer.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
						logger.Warn("Admin surface failed", "error", serveErr)
					}
				}()
			}
			logger.Info("Manager started", "control", controlPath, "base", base)
		})

		hooks.OnStop(func() {
			logger.Info("Shutting down manager")
			if adminServer != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				_ = adminServer.Shutdown(ctx)
				cancel()
			}
			_ = watcher.Stop()
			server.Close()
			if natsBridge != nil {
				natsBridge.Stop()
			}
			if natsServer != nil {
				natsServer.Stop()
			}
			lock.Release()
		})
	})

	cli.Root().AddCommand(cmd.CreatePingCmd())
	cli.Root().AddCommand(cmd.CreateListCmd())

	cli.Run()
}
