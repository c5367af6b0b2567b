// @title        vpnctl control plane API
// @version      1.0
// @description  Self-hosted WireGuard control plane: peer lifecycle, reconciliation, and live telemetry.
// @host         localhost:8080
// @BasePath     /

package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"vpnctl/internal/acl"
	"vpnctl/internal/adminauth"
	"vpnctl/internal/allocator"
	"vpnctl/internal/config"
	"vpnctl/internal/configstore"
	"vpnctl/internal/cryptutil"
	"vpnctl/internal/httpapi"
	"vpnctl/internal/keytool"
	"vpnctl/internal/lifecycle"
	"vpnctl/internal/logger"
	"vpnctl/internal/reconciler"
	"vpnctl/internal/registry"
	"vpnctl/internal/telemetry"

	"go.uber.org/zap"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment")
	}

	logger.Init("logs/app.log")
	defer logger.Logger.Sync()

	cfg := config.Load()
	overrides, err := config.LoadFile(os.Getenv("VPNCTL_CONFIG_FILE"))
	if err != nil {
		logger.Logger.Fatal("loading config file overrides", zap.Error(err))
	}
	config.ApplyFileOverrides(cfg, overrides)

	reg, err := registry.Open(cfg.RegistryPath)
	if err != nil {
		logger.Logger.Fatal("opening registry", zap.Error(err))
	}

	kt := keytool.New(cfg.WGInterface, cfg.DerivedWgCmdTimeout)
	store := configstore.New(cfg.WGConfigPath)

	addrRange, err := allocator.NewRange(cfg.VPNSubnetCIDR, cfg.VPNRangeStart, cfg.VPNRangeEnd)
	if err != nil {
		logger.Logger.Fatal("building address range", zap.Error(err))
	}

	serverIP, err := gatewayAddress(cfg.VPNSubnetCIDR)
	if err != nil {
		logger.Logger.Fatal("deriving gateway address", zap.Error(err))
	}
	enforcer, err := acl.New(acl.Config{
		Interface:   cfg.WGInterface,
		EgressIface: cfg.EgressIface,
		SubnetCIDR:  cfg.VPNSubnetCIDR,
		ListenPort:  fmt.Sprintf("%d", cfg.Server.ListenPort),
		ServerIP:    serverIP,
	})
	if err != nil {
		logger.Logger.Fatal("initializing ACL enforcer", zap.Error(err))
	}
	if err := enforcer.EnsureGlobalInvariants(serverIP); err != nil {
		logger.Logger.Fatal("installing global ACL invariants", zap.Error(err))
	}

	serverPublicKey, err := kt.DerivePublicKey(context.Background(), cfg.Server.PrivateKey)
	if err != nil {
		logger.Logger.Fatal("deriving server public key", zap.Error(err))
	}

	mgr := &lifecycle.Manager{
		Keytool:               kt,
		Store:                 store,
		Registry:              reg,
		Range:                 addrRange,
		ACL:                   enforcer,
		Sealer:                cryptutil.NewSealer(cfg.SessionSecret),
		ServerPublicKey:       serverPublicKey,
		ServerEndpoint:        cfg.DerivedServerEndpoint,
		ClientDNS:             cfg.ClientConfig.DNSServers,
		ClientMTU:             cfg.ClientConfig.MTU,
		Keepalive:             cfg.ClientConfig.PersistentKeepalive,
		NeverStorePrivateKeys: cfg.NeverStorePrivateKeys,
	}

	recon := reconciler.New(kt, store, reg)
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), cfg.DerivedWgCmdTimeout*3)
	if result, err := recon.Reconcile(startupCtx); err != nil {
		logger.Logger.Error("startup reconciliation failed", zap.Error(err))
	} else {
		logger.Logger.Info("startup reconciliation complete",
			zap.Int("zombiesRemoved", len(result.ZombiesRemoved)),
			zap.Int("peersEnforced", result.PeersEnforced),
			zap.Int("warnings", len(result.Warnings)),
		)
	}
	cancelStartup()

	fanout := telemetry.NewFanout()
	poller := telemetry.NewPoller(
		kt, reg, fanout,
		time.Duration(cfg.Intervals.LivenessWindowSeconds)*time.Second,
		time.Duration(cfg.Intervals.IdleIntervalSeconds)*time.Second,
		time.Duration(cfg.Intervals.PollIntervalSeconds)*time.Second,
		time.Duration(cfg.Intervals.DBSyncIntervalSeconds)*time.Second,
	)

	pollerCtx, stopPoller := context.WithCancel(context.Background())
	defer stopPoller()
	go poller.Run(pollerCtx)

	issuer := adminauth.NewIssuer(cfg.SessionSecret)
	handlers := &httpapi.Handlers{Lifecycle: mgr, Reconciler: recon, Sessions: reg}
	router := httpapi.NewRouter(handlers, reg, issuer, fanout)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.Logger.Info("vpnctl listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// gatewayAddress returns the .1 host of cidr, the address the tunnel
// interface itself holds and the ACL invariants anchor DNS hijacking to.
func gatewayAddress(cidr string) (string, error) {
	_, subnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return "", fmt.Errorf("parsing subnet %q: %w", cidr, err)
	}
	ip := make(net.IP, len(subnet.IP))
	copy(ip, subnet.IP)
	ip[len(ip)-1] = 1
	return ip.String(), nil
}
