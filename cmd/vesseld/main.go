package main

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/InsulaLabs/vessel/chain"
	"github.com/InsulaLabs/vessel/chain/memchain"
	"github.com/InsulaLabs/vessel/config"
	"github.com/InsulaLabs/vessel/internal/devnet"
	"github.com/InsulaLabs/vessel/keyserver"
	"github.com/InsulaLabs/vessel/models"
	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

func main() {
	var (
		configFile    string
		genConfigFile string
		logLevel      string
	)
	fs := flag.NewFlagSet("vesseld", flag.ExitOnError)
	fs.StringVar(&configFile, "config", "vesseld.yaml", "Path to the daemon configuration file.")
	fs.StringVar(&genConfigFile, "new-cfg", "", "Generate a new daemon configuration file to a given path.")
	fs.StringVar(&logLevel, "log-level", "info", "debug, info, warn or error.")
	fs.Parse(os.Args[1:])

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(logLevel)})).With("service", "vesseld")

	if genConfigFile != "" {
		if _, err := config.GenerateDaemonConfig(genConfigFile); err != nil {
			logger.Error("Failed to generate daemon configuration", "error", err)
			os.Exit(1)
		}
		logger.Info("Successfully generated new configuration file", "path", genConfigFile)
		return
	}

	cfg, err := config.LoadDaemonConfig(configFile)
	if err != nil {
		logger.Error("Failed to load daemon configuration", "path", configFile, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("Received signal, initiating shutdown...", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Daemon exited with error", "error", err)
		os.Exit(1)
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "info", "":
		return slog.LevelInfo
	default:
		color.HiYellow("Unknown logging level: %s, defaulting to info", s)
		return slog.LevelInfo
	}
}

func run(ctx context.Context, cfg *config.Daemon, logger *slog.Logger) error {
	sysPkg := models.MustParseID(cfg.SystemPackage)
	ledger := memchain.New(memchain.Config{
		SystemPackage: sysPkg,
		PricePerUnit:  cfg.PricePerUnit,
		Epoch:         cfg.Epoch,
		Quorum:        cfg.Quorum,
		Logger:        logger,
	})
	if cfg.PolicyPackage != "" {
		pkg := models.MustParseID(cfg.PolicyPackage)
		ledger.RegisterPolicy(pkg, models.PolicyOwnerOnly.Module(), memchain.OwnerOnly)
		members := make([]models.Address, 0, len(cfg.Allowlist))
		for _, a := range cfg.Allowlist {
			addr, _ := models.ParseAddress(a)
			members = append(members, addr)
		}
		ledger.RegisterPolicy(pkg, models.PolicyAllowlist.Module(), memchain.Allowlist(members...))
		logger.Info("Policy package registered", "package", pkg.String(), "allowlist", len(members))
	}

	network, err := devnet.New(devnet.Config{
		Ledger:  ledger,
		Builder: chain.NewBuilder(sysPkg),
		Nodes:   cfg.Nodes,
		Faucet:  cfg.Faucet,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	servers := []*http.Server{{Addr: cfg.StorageBinding, Handler: network.Handler()}}
	storageURL := "http://" + cfg.StorageBinding
	fmt.Printf("%s %s\n", color.GreenString("storage:"), color.CyanString(storageURL))

	clientServers := make([]config.KeyServer, 0, len(cfg.KeyServers))
	for _, k := range cfg.KeyServers {
		var master []byte
		if k.MasterKey != "" {
			if master, err = hex.DecodeString(k.MasterKey); err != nil {
				return fmt.Errorf("key server %s: master key is not hex: %w", k.Name, err)
			}
		}
		ks, err := keyserver.NewServer(keyserver.ServerConfig{
			ObjectID:      models.MustParseID(k.ObjectID),
			Name:          k.Name,
			MasterKey:     master,
			Policy:        ledger,
			RatePerSecond: k.RatePerSecond,
			Burst:         4,
			Logger:        logger,
		})
		if err != nil {
			return fmt.Errorf("key server %s: %w", k.Name, err)
		}
		pk := ks.PublicKey()
		url := "http://" + k.Binding
		servers = append(servers, &http.Server{Addr: k.Binding, Handler: ks.Handler()})
		clientServers = append(clientServers, config.KeyServer{
			ObjectID:  k.ObjectID,
			Name:      k.Name,
			URL:       url,
			PublicKey: base64.StdEncoding.EncodeToString(pk[:]),
		})
		fmt.Printf("%s %s %s\n", color.GreenString("key server:"), color.CyanString(k.Name), url)
	}

	if len(clientServers) > 0 {
		snippet, err := yaml.Marshal(map[string]any{
			"publisher":  storageURL,
			"aggregator": storageURL,
			"chain":      storageURL,
			"keyServers": clientServers,
		})
		if err != nil {
			return err
		}
		fmt.Printf("\n%s\n%s\n", color.YellowString("# client configuration"), snippet)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			logger.Info("Listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("Shutdown failed", "addr", srv.Addr, "error", err)
			}
		}
		return nil
	})

	start := time.Now()
	err = g.Wait()
	logger.Info("Daemon stopped", "uptime", time.Since(start).Round(time.Second).String())
	return err
}
