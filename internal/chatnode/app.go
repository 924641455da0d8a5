// Package chatnode is the terminal host for the communicator core: it maps
// flags to a core configuration, prints notifications and runs stdin
// commands.
package chatnode

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"dht-chat/internal/dht"
	"dht-chat/internal/nat"
	"dht-chat/internal/p2p"
	"dht-chat/internal/paths"
	"dht-chat/internal/storage"
)

type App struct {
	cfg Config
	ui  Printer
	log logrus.FieldLogger

	Core *p2p.Core

	metrics *http.Server
	quit    chan struct{}
}

var _ p2p.Host = (*App)(nil)

// New opens the store and builds a disconnected core.
func New(cfg Config, ui Printer, log *logrus.Logger) (*App, error) {
	a := &App{
		cfg:  cfg,
		ui:   ui,
		log:  log.WithField("component", "chatnode"),
		quit: make(chan struct{}),
	}

	var store storage.Store = storage.NewMemStore()
	if cfg.DataDir != "" {
		path, err := paths.StorePath(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("data dir: %w", err)
		}
		bs, err := storage.OpenBolt(path)
		if err != nil {
			return nil, err
		}
		store = bs
	}

	var resolver nat.Resolver = nat.Local{}
	if len(cfg.STUN) > 0 {
		resolver = &nat.STUNResolver{Servers: cfg.STUN, Timeout: 3 * time.Second, Log: log}
	}

	pcfg := p2p.DefaultConfig()
	pcfg.Name = cfg.Name
	pcfg.TCPPort = cfg.TCPPort
	pcfg.UDPPort = cfg.UDPPort
	pcfg.Bootstrap = cfg.Bootstrap
	pcfg.Store = store
	pcfg.NAT = resolver
	pcfg.LAN = cfg.LAN
	pcfg.SecureChannel = cfg.Secure
	pcfg.ProxyAddr = cfg.Proxy
	pcfg.Log = log

	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		m, err := dht.NewPromMetrics(reg)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		pcfg.Metrics = m
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		a.metrics = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}

	core, err := p2p.New(a, pcfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.Core = core
	return a, nil
}

// Start connects the core and serves metrics when configured.
func (a *App) Start(ctx context.Context) error {
	if a.metrics != nil {
		go func() {
			if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.WithError(err).Warn("metrics server stopped")
			}
		}()
	}
	return a.Core.Connect(ctx)
}

// Run executes commands read from r. It returns on /quit or when r or ctx
// ends.
func (a *App) Run(ctx context.Context, r io.Reader) error {
	PrintBanner(a.ui, a.Core)
	a.ui.Prompt()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if line = strings.TrimSpace(line); line != "" {
				a.handleCommand(ctx, line)
			}
			select {
			case <-a.quit:
				return nil
			default:
			}
			a.ui.Prompt()
		}
	}
}

// StopAll closes the core, the store and the metrics server.
func (a *App) StopAll() error {
	var errs []error
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		errs = append(errs, a.metrics.Shutdown(ctx))
	}
	errs = append(errs, a.Core.Close())
	return errors.Join(errs...)
}

func (a *App) OnInitialized() {
	a.ui.Event("NET", "connected")
}

func (a *App) OnPeerJoined(p *p2p.Peer) {
	a.ui.Event("NET", "peer joined: %s (%s)", peerName(p), p.Endpoint())
}

func (a *App) OnPeerLeft(p *p2p.Peer) {
	a.ui.Event("NET", "peer left: %s", peerName(p))
}

func (a *App) OnMessageReceived(p *p2p.Peer, text string) {
	a.ui.Chat(time.Now(), peerName(p), text)
}

func (a *App) OnPeersListChanged() {
	a.log.WithField("peers", len(a.Core.Peers())).Debug("peer list changed")
}
