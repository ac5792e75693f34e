// Command hookrelayd runs the relay daemon: the local hook socket, the
// network channel, discovery, and the admin plane.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/hookrelay/internal/admin"
	"github.com/danmuck/hookrelay/internal/config"
	"github.com/danmuck/hookrelay/internal/discovery"
	"github.com/danmuck/hookrelay/internal/logging"
	"github.com/danmuck/hookrelay/internal/observability"
	"github.com/danmuck/hookrelay/internal/pairing"
	"github.com/danmuck/hookrelay/internal/relay"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	socketPath := flag.String("socket", "", "override unix socket path")
	bindMode := flag.String("bind", "", "network bind mode: off, loopback, all")
	port := flag.Int("port", 0, "override network channel port")
	flag.Parse()

	logging.ConfigureRuntime()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logging.Errf("hookrelayd config: %v", err)
		os.Exit(1)
	}
	if *socketPath != "" {
		cfg.SocketPath = *socketPath
	}
	if *bindMode != "" {
		cfg.BindMode = config.BindMode(*bindMode)
	}
	if *port != 0 {
		cfg.Port = *port
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		logging.Errf("hookrelayd config: %v", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		logging.Errf("hookrelayd: %v", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func run(cfg config.Config) error {
	svc := relay.NewService(cfg.HeartbeatInterval)
	defer svc.Close()

	pairingSvc := pairing.New(cfg.Secret)

	server, err := relay.NewServer(cfg, svc, pairingSvc)
	if err != nil {
		return err
	}
	if err := server.Start(); err != nil {
		return err
	}
	defer server.Close()

	var adv *discovery.Advertiser
	if cfg.Discovery && cfg.BindMode == config.BindAll {
		adv, err = discovery.Advertise(cfg.ServiceName, cfg.Port)
		if err != nil {
			// Discovery is best effort; the relay still works with
			// manual addressing.
			logging.Warnf("hookrelayd discovery unavailable: %v", err)
		}
	}
	defer adv.Shutdown()

	adminLogger := observability.InitLogger(os.Getenv(logging.EnvLogLevel))
	adminSrv := admin.New(cfg, svc, pairingSvc, adminLogger)
	if err := adminSrv.Start(); err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = adminSrv.Shutdown(ctx)
	}()

	logging.Infof("hookrelayd up socket=%q bind=%q port=%d admin=%q",
		cfg.SocketPath, cfg.BindMode, cfg.Port, cfg.AdminAddr)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	fmt.Fprintln(os.Stderr)
	logging.Infof("hookrelayd shutting down signal=%q", sig)
	return nil
}
