// Command sokmux-echo runs a demultiplexing UDP echo server: every peer
// that completes the secure handshake gets its datagrams sealed back to
// it. The demultiplexer's single event descriptor is registered in a
// parent dispatch loop rather than driven directly, exercising the
// nested composition path.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sokmux/sokmux/boxtp"
	"github.com/sokmux/sokmux/demux"
	"github.com/sokmux/sokmux/poll"
	"github.com/sokmux/sokmux/types"
	"github.com/sokmux/sokmux/types/ifaces"
)

var (
	dev        = flag.Bool("dev", false, "run in localhost development mode (overrides -a)")
	addr       = flag.String("a", ":5340", "UDP listen address, in form \":port\", \"ip:port\", or for IPv6 \"[ip]:port\". If the IP is omitted, it defaults to all interfaces.")
	configPath = flag.String("c", "", "config file path")
	verbose    = flag.Bool("v", false, "enable debug logging")
	idle       = flag.Duration("idle", 0, "drop established peers with no inbound traffic for this long (0 disables)")
)

const demuxTag uint64 = 1

func main() {
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *dev {
		*addr = "127.0.0.1:5340"
		log.Printf("Running in dev mode.")
	}

	{
		programLevel := new(slog.LevelVar) // Info by default
		h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: programLevel})
		slog.SetDefault(slog.New(h))
		if *verbose {
			programLevel.Set(slog.LevelDebug)
		}
	}

	ap, err := parseListenAddr(*addr)
	if err != nil {
		log.Fatalf("invalid listen address: %v", err)
	}

	cfg := loadConfig()

	log.Printf("echo: using public key %s", cfg.PrivateKey.Public().Debug())

	factory := boxtp.NewServerFactory(cfg.PrivateKey, slog.Default())

	// The sink echoes back through the demultiplexer it belongs to, so
	// the handle is declared ahead of its own construction.
	var d *demux.Demux
	echo := ifaces.PayloadSinkFunc(func(peer netip.AddrPort, payload []byte) {
		slog.Debug("echoing", "peer", peer, "len", len(payload))
		if d.Send(demux.To(peer), payload) == 0 {
			slog.Warn("echo did not reach peer", "peer", peer)
		}
	})

	d, err = demux.New(demux.Config{
		Listen:      []netip.AddrPort{ap},
		Transports:  factory,
		Payloads:    echo,
		IdleTimeout: *idle,
	})
	if err != nil {
		log.Fatalf("echo: could not create demultiplexer: %v", err)
	}
	defer d.Close()

	// Parent loop: the demultiplexer is just one more pollable
	// descriptor in it. Readiness anywhere inside is drained with a
	// zero-timeout Process.
	parent, err := poll.New(poll.EventSinkFunc(func(tag uint64, _ poll.Readiness) error {
		if tag != demuxTag {
			return nil
		}
		_, err := d.Process(0)
		return err
	}))
	if err != nil {
		log.Fatalf("echo: could not create dispatch loop: %v", err)
	}
	defer parent.Close()

	if err := parent.Add(d.EventDescriptor(), demuxTag, poll.Readable); err != nil {
		log.Fatalf("echo: could not register demultiplexer: %v", err)
	}

	slog.Info("echo: serving", "addrs", d.LocalAddrs())

	for ctx.Err() == nil {
		if _, err := parent.Wait(500 * time.Millisecond); err != nil {
			if errors.Is(err, types.ErrClosed) {
				break
			}
			log.Fatalf("echo: dispatch error: %v", err)
		}
	}

	slog.Info("echo: shutting down")
}

func parseListenAddr(a string) (netip.AddrPort, error) {
	host, port, err := net.SplitHostPort(a)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if host == "" {
		host = "::"
	}
	return netip.ParseAddrPort(net.JoinHostPort(host, port))
}

type Config struct {
	PrivateKey boxtp.Private
}

func loadConfig() Config {
	if *dev {
		return newConfig()
	}
	if *configPath == "" {
		if os.Getuid() == 0 {
			*configPath = "/var/lib/sokmux/echo.key"
		} else {
			log.Fatalf("echo: -c <config path> not specified")
		}
		log.Printf("no config path specified; using %s", *configPath)
	}
	b, err := os.ReadFile(*configPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return writeNewConfig()
	case err != nil:
		log.Fatal(err)
		panic("unreachable")
	default:
		var cfg Config
		if err := json.Unmarshal(b, &cfg); err != nil {
			log.Fatalf("echo: config: %v", err)
		}
		return cfg
	}
}

func writeNewConfig() Config {
	if err := os.MkdirAll(filepath.Dir(*configPath), 0777); err != nil {
		log.Fatal(err)
	}
	cfg := newConfig()
	b, err := json.MarshalIndent(cfg, "", "\t")
	if err != nil {
		log.Fatal(err)
	}
	if err := os.WriteFile(*configPath, b, 0600); err != nil {
		log.Fatal(err)
	}
	return cfg
}

func newConfig() Config {
	return Config{PrivateKey: boxtp.NewPrivate()}
}
