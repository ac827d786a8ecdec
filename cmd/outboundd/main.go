// Command outboundd runs the outbound SMTP delivery engine: a Queue
// Dispatcher leasing due Messages to a Delivery Worker, per spec.md.
//
// Grounded on the teacher's cmd/maddy/main.go: a small flag-driven entry
// point, not the DSL-config-reading wrapper maddy itself uses, since
// configuration loading is out of scope here (spec.md §1).
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/driftmail/outbound/internal/bodystore"
	"github.com/driftmail/outbound/internal/config"
	"github.com/driftmail/outbound/internal/dispatcher"
	"github.com/driftmail/outbound/internal/dnsutil"
	"github.com/driftmail/outbound/internal/log"
	"github.com/driftmail/outbound/internal/policy"
	"github.com/driftmail/outbound/internal/ratelimit"
	"github.com/driftmail/outbound/internal/reporter"
	"github.com/driftmail/outbound/internal/store"
	"github.com/driftmail/outbound/internal/worker"
)

func main() {
	var (
		hostname      string
		relayHost     string
		relayProtocol string
		debug         bool
		spillDir      string
		spillBytes    int64
	)
	flag.StringVar(&hostname, "hostname", "localhost.localdomain", "EHLO hostname and DSN Reporting-MTA")
	flag.StringVar(&relayHost, "relay-host", "", "if set, override MX resolution and relay every message through this host")
	flag.StringVar(&relayProtocol, "relay-protocol", config.RelayProtocolSMTP, "protocol to reach -relay-host with; anything but \"smtp\" is handed to a LocalDeliverer instead of dialed")
	flag.BoolVar(&debug, "debug", false, "enable debug-level logging")
	flag.StringVar(&spillDir, "spill-dir", "", "directory for message bodies spilled to disk")
	flag.Int64Var(&spillBytes, "spill-threshold", 1<<20, "body size, in bytes, above which it is spilled to disk")
	flag.Parse()

	logger := log.Logger{
		Out:   log.WriterOutput(os.Stderr, true),
		Name:  "outboundd",
		Debug: debug,
	}

	cfg := config.Default()
	cfg.Hostname = hostname
	cfg.RelayHost = relayHost
	cfg.RelayProtocol = relayProtocol

	dnsResolver, err := dnsutil.NewExtResolver()
	if err != nil {
		logger.Error("failed to initialize DNSSEC-aware resolver", err)
		os.Exit(1)
	}

	resolver := policy.NewResolver(dnsResolver, logger)
	resolver.MaxMX = cfg.MaxMX
	resolver.MaxMultihomed = cfg.MaxMultihomed

	limiter := ratelimit.New()
	bodies := &bodystore.MemStore{SpillDir: spillDir, SpillThreshold: spillBytes}
	tlsrpt := reporter.NewTLSRPTScheduler(cfg.TLSRPTOrgName, cfg.TLSRPTContact)

	st := store.NewMemory()

	// No LocalDeliverer ships with this command: non-SMTP relaying is a
	// deployment-specific collaborator (LMTP, Maildir, ...) left for the
	// caller to supply. Refuse to start rather than silently failing every
	// domain once one is configured.
	if cfg.RelayProtocol != "" && cfg.RelayProtocol != config.RelayProtocolSMTP {
		logger.Printf("no local-delivery collaborator wired for -relay-protocol=%s", cfg.RelayProtocol)
		os.Exit(1)
	}

	w := worker.New(cfg, resolver, limiter, st, bodies, tlsrpt, logger, nil)

	notify := make(chan dispatcher.Notification, 256)
	disp := dispatcher.New(st, w.Deliver, notify, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		for n := range notify {
			logger.Debugf("queue_id=%d outcome=%s", n.QueueID, n.Outcome)
		}
	}()

	go disp.Run(ctx)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logger.Println("shutting down")
	cancel()
	time.Sleep(200 * time.Millisecond)
	close(notify)
}
