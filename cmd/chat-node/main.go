package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"dht-chat/internal/chatnode"
	"dht-chat/internal/paths"
)

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func main() {
	name := flag.String("name", "anon", "display name")
	tcpPort := flag.Uint("tcp", 0, "chat TCP port (0 picks one)")
	udpPort := flag.Uint("udp", 0, "DHT UDP port (0 picks one)")
	bootstrapStr := flag.String("bootstrap", "", "comma-separated DHT seeds, host:port or multiaddr")
	dataDir := flag.String("data", paths.DefaultDataDir(), "data directory; empty keeps state in memory")
	stunStr := flag.String("stun", "", "comma-separated STUN servers host:port")
	secure := flag.Bool("secure", false, "encrypt chat sessions with Noise")
	proxyAddr := flag.String("proxy", "", "SOCKS5 proxy for outbound chat connections")
	lan := flag.Bool("lan", false, "discover DHT nodes on the local network")
	metricsAddr := flag.String("metrics", "", "serve Prometheus metrics on this address")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Parse()

	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *debug {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.WarnLevel)
	}

	if *tcpPort > 0xffff || *udpPort > 0xffff {
		log.Fatal("ports must be at most 65535")
	}

	cfg := chatnode.Config{
		DataDir:     *dataDir,
		Name:        *name,
		TCPPort:     uint16(*tcpPort),
		UDPPort:     uint16(*udpPort),
		Bootstrap:   splitList(*bootstrapStr),
		STUN:        splitList(*stunStr),
		Secure:      *secure,
		Proxy:       *proxyAddr,
		LAN:         *lan,
		MetricsAddr: *metricsAddr,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := chatnode.New(cfg, chatnode.NewStdPrinter(os.Stdout, chatnode.WithPrompt("> ")), log)
	if err != nil {
		log.WithError(err).Fatal("create node")
	}

	startCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	err = app.Start(startCtx)
	cancel()
	if err != nil {
		_ = app.StopAll()
		log.WithError(err).Fatal("connect")
	}

	if err := app.Run(ctx, os.Stdin); err != nil {
		log.WithError(err).Error("run")
	}
	if err := app.StopAll(); err != nil {
		log.WithError(err).Warn("shutdown")
	}
}
