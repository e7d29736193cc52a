package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/meshnet-tools/meshagent/counter"
	"github.com/meshnet-tools/meshagent/dashboard"
	"github.com/meshnet-tools/meshagent/debt"
	"github.com/meshnet-tools/meshagent/discovery"
	"github.com/meshnet-tools/meshagent/internal/cert"
	"github.com/meshnet-tools/meshagent/internal/clock"
	"github.com/meshnet-tools/meshagent/internal/healthcheck"
	"github.com/meshnet-tools/meshagent/internal/ticker"
	"github.com/meshnet-tools/meshagent/kernel"
	"github.com/meshnet-tools/meshagent/payment"
	"github.com/meshnet-tools/meshagent/traffic"
	"github.com/meshnet-tools/meshagent/tunnel"
)

// agentMain is the true entry point. Using a nested function means
// deferred cleanup still runs before main calls os.Exit, mirroring
// lnd.go's lndMain/main split.
func agentMain() int {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 64
	}

	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 64
	}
	if err := initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename), cfg.MaxLogFileSize, cfg.MaxLogFiles); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 64
	}
	if err := setLogLevels(cfg.DebugLevel); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 64
	}
	useLoggers()

	self, err := cfg.identity()
	if err != nil {
		mainLog.Errorf("invalid identity config: %v", err)
		return 64
	}

	runner := kernel.NewExecRunner()
	caps, err := runner.Capabilities(context.Background())
	if err != nil || !caps.OK() {
		mainLog.Errorf("missing kernel capabilities: %v (missing=%v)", err, caps.Missing())
		return 65
	}

	clk := clock.NewDefaultClock()

	thresholds := newThresholdSnapshot(cfg.thresholds())
	keeper, err := debt.New(thresholds.Get(), clk)
	if err != nil {
		mainLog.Errorf("debt keeper: %v", err)
		return 64
	}

	nat := tunnel.NewBestEffortMapper()
	tunMgr, err := tunnel.New(tunnel.Config{
		WGPortLo:       cfg.WGPortLo,
		WGPortHi:       cfg.WGPortHi,
		MaxTunnels:     cfg.MaxTunnels,
		IfacePrefix:    cfg.IfacePrefix,
		InstallTimeout: tunnel.DefaultInstallTimeout,
	}, clk, runner, nat)
	if err != nil {
		mainLog.Errorf("tunnel manager: %v", err)
		return 64
	}

	sigKey, err := loadOrCreateSigKey(cfg.SigKeyPath)
	if err != nil {
		mainLog.Errorf("hello signing key: %v", err)
		return 64
	}

	disc := discovery.New(discovery.Config{
		Self:          self,
		SigKey:        sigKey,
		WGPort:        cfg.WGPort,
		ImPort:        cfg.ImPort,
		HelloInterval: cfg.HelloInterval,
		PeerRateLimit: cfg.PeerRateLimit,
	}, clk)

	cntr := counter.New(runner, ticker.New(cfg.WatchTick))

	prices := traffic.NewStaticPriceSource(cfg.PriceWeCharge)
	watcher := traffic.New(traffic.Config{PriceWeCharge: cfg.PriceWeCharge}, keeper, prices)

	resolver := payment.NewResolver(cfg.DNSServer)
	chainRPC := payment.NewJSONRPCChainRPC(cfg.RPCHost, resolver)
	payCtrl := payment.New(payment.Config{
		ConfirmationsRequired: cfg.ConfirmationsRequired,
		PaymentTimeout:        cfg.PaymentTimeout,
	}, clk, chainRPC, keeper)

	rootKey, err := loadOrCreateRootKey(cfg.AdminRootKeyPath)
	if err != nil {
		mainLog.Errorf("admin macaroon root key: %v", err)
		return 64
	}
	dashSvc := dashboard.NewService(keeper, tunMgr, disc, payCtrl)
	dashSrv := dashboard.NewServer(dashSvc, rootKey)
	httpSrv := &http.Server{Addr: cfg.HTTPListenAddr, Handler: dashSrv.Handler()}

	if err := bootstrapTLSCert(cfg.TLSCertPath, cfg.TLSKeyPath, cfg.HTTPListenAddr); err != nil {
		mainLog.Errorf("dashboard TLS certificate: %v", err)
		return 64
	}

	metricsReg := prometheus.NewRegistry()
	metrics := dashboard.NewMetrics(metricsReg)
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: cfg.MetricsListenAddr, Handler: metricsMux}

	hc := healthcheck.NewMonitor(healthcheck.Observation{
		Name: "kernel-capabilities",
		Check: func(ctx context.Context) error {
			caps, err := runner.Capabilities(ctx)
			if err != nil {
				return err
			}
			if !caps.OK() {
				return fmt.Errorf("missing: %v", caps.Missing())
			}
			return nil
		},
		Interval: time.Minute,
		Timeout:  5 * time.Second,
		Retries:  5,
		Backoff:  time.Second,
		OnFailure: func(err error) {
			mainLog.Criticalf("kernel capability probe failed permanently: %v", err)
			os.Exit(65)
		},
	})

	keeper.Start()
	tunMgr.Start()
	disc.Start()
	cntr.Start()
	watcher.Start()
	payCtrl.Start()
	hc.Start()

	cntr.WatchEvents(tunMgr.Events())
	watcher.WatchSamples(cntr.Samples())

	helloTicker := ticker.New(cfg.HelloInterval)
	helloTicker.Resume()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	go pollMetrics(gctx, metrics, keeper, tunMgr, defaultMetricsPollInterval)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-helloTicker.Ticks():
				if err := disc.Tick(gctx); err != nil {
					if gctx.Err() != nil {
						return nil
					}
					mainLog.Warnf("discovery tick: %v", err)
					continue
				}
				metrics.DiscoveryHellosTotal.Inc()
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case obs, ok := <-disc.Observations():
				if !ok {
					return nil
				}
				if err := tunMgr.PeerObserved(gctx, obs); err != nil {
					mainLog.Warnf("peer observed: %v", err)
				}
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case iface, ok := <-tunMgr.ReadyForListen():
				if !ok {
					return nil
				}
				if err := disc.Listen(gctx, iface); err != nil {
					mainLog.Warnf("listen %s: %v", iface, err)
				}
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case err, ok := <-watcher.Errors():
				if !ok {
					return nil
				}
				mainLog.Errorf("traffic watcher invariant violation: %v", err)
				return err
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case action, ok := <-watcher.Actions():
				if !ok {
					return nil
				}
				dispatchDebtAction(gctx, action, tunMgr, payCtrl, metrics)
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case action, ok := <-payCtrl.Actions():
				if !ok {
					return nil
				}
				dispatchDebtAction(gctx, action, tunMgr, payCtrl, metrics)
			}
		}
	})
	g.Go(func() error {
		if err := httpSrv.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	mainLog.Infof("meshagentd started, dashboard listening on %s", cfg.HTTPListenAddr)

	<-ctx.Done()
	mainLog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpSrv.Shutdown(shutdownCtx)
	metricsSrv.Shutdown(shutdownCtx)
	helloTicker.Stop()

	hc.Stop()
	payCtrl.Stop()
	watcher.Stop()
	cntr.Stop()
	disc.Stop()
	tunMgr.Stop()
	keeper.Stop()

	if err := g.Wait(); err != nil {
		mainLog.Errorf("invariant violation during shutdown: %v", err)
		return 70
	}

	mainLog.Info("shutdown complete")
	return 0
}

// dispatchDebtAction routes a debt.Action to the component that acts on
// it, per spec.md §4.5: MakePayment to PaymentController, CloseTunnel/
// OpenTunnel to TunnelManager.
func dispatchDebtAction(ctx context.Context, action debt.Action, tunMgr *tunnel.Manager, payCtrl *payment.Controller, metrics *dashboard.Metrics) {
	switch a := action.(type) {
	case debt.MakePayment:
		if err := payCtrl.MakePayment(ctx, a.Identity, a.Amount); err != nil {
			mainLog.Warnf("make payment to %s: %v", a.Identity, err)
			return
		}
		metrics.PaymentsSentTotal.Inc()
	case debt.CloseTunnel:
		if err := tunMgr.Close(ctx, a.Identity); err != nil {
			mainLog.Warnf("close tunnel for %s: %v", a.Identity, err)
		}
	case debt.OpenTunnel:
		if err := tunMgr.AllowReopen(ctx, a.Identity); err != nil {
			mainLog.Warnf("allow reopen for %s: %v", a.Identity, err)
		}
	default:
		mainLog.Errorf("unknown debt action %T", action)
	}
}

// bootstrapTLSCert loads the dashboard's TLS certificate, generating and
// persisting a fresh self-signed one if absent or stale, so the admin API
// never starts plaintext.
func bootstrapTLSCert(certPath, keyPath, listenAddr string) error {
	host, _, err := net.SplitHostPort(listenAddr)
	if err != nil {
		host = listenAddr
	}
	hosts := []string{"localhost", host}
	ips := []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")}

	if !cert.IsOutdated(certPath, hosts, ips, time.Now()) {
		return nil
	}

	sc, err := cert.Generate("meshagentd", hosts, ips, cert.DefaultValidity)
	if err != nil {
		return fmt.Errorf("generate: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(certPath), 0o700); err != nil {
		return fmt.Errorf("create cert dir: %w", err)
	}
	return sc.WriteTo(certPath, keyPath)
}

func main() {
	os.Exit(agentMain())
}
