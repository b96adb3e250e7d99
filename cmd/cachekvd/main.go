// Command cachekvd runs the cache engine as a standalone TCP daemon: an
// inline-protocol listener, an optional RESP gateway for stock Redis
// clients, an optional Prometheus /metrics endpoint, and a periodic
// expiry sweep, all funneled onto one goroutine that owns the store.Store
// so the core itself never needs a lock.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/mshaverdo/cachekv/dispatcher"
	"github.com/mshaverdo/cachekv/log"
	"github.com/mshaverdo/cachekv/metrics"
	"github.com/mshaverdo/cachekv/respgateway"
	"github.com/mshaverdo/cachekv/snapshot"
	"github.com/mshaverdo/cachekv/store"
)

func main() {
	var (
		host         string
		port         int
		respAddr     string
		metricsAddr  string
		snapshotPath string
		maxMemory    uint64
		evictionFlag string
		sweepSeconds int
		quiet        bool
		verbose      bool
		veryVerbose  bool
	)

	flag.StringVar(&host, "h", "", "The listening host.")
	flag.IntVar(&port, "p", 6380, "The inline-protocol listening port.")
	flag.StringVar(&respAddr, "resp", ":6381", "RESP gateway listen address. Empty disables it.")
	flag.StringVar(&metricsAddr, "metrics", ":9121", "Prometheus /metrics listen address. Empty disables it.")
	flag.StringVar(&snapshotPath, "snapshot", "", "Snapshot file path. Empty disables LOAD/FLUSH SAVE and startup restore.")
	flag.Uint64Var(&maxMemory, "maxmemory", 0, "Memory cap in bytes; 0 means unlimited.")
	flag.StringVar(&evictionFlag, "eviction", "none", "Eviction policy: none, allkeys-lru, allkeys-random.")
	flag.IntVar(&sweepSeconds, "e", 1, "Expired-key sweep interval in seconds.")
	flag.BoolVar(&verbose, "v", false, "Enable verbose logging.")
	flag.BoolVar(&quiet, "q", false, "Quiet logging. Totally silent.")
	flag.BoolVar(&veryVerbose, "vv", false, "Enable very verbose logging.")
	flag.Parse()

	switch {
	case veryVerbose:
		log.SetLevel(log.DEBUG)
	case verbose:
		log.SetLevel(log.INFO)
	case quiet:
		log.SetLevel(-1)
	default:
		log.SetLevel(log.NOTICE)
	}

	policy, err := parsePolicy(evictionFlag)
	if err != nil {
		log.Critical(err.Error())
		os.Exit(1)
	}

	cfg := store.Config{
		MaxMemoryBytes: maxMemory,
		Policy:         policy,
		SnapshotPath:   snapshotPath,
	}
	s := store.New(cfg)

	if snapshotPath != "" {
		if err := snapshot.Load(s, snapshotPath); err != nil {
			log.Errorf("startup snapshot load failed: %s", err)
		}
	}

	d := dispatcher.New(s, snapshotPath)
	collector := metrics.NewCollector(s)
	d.Observer = collector
	s.OnEvict(func(string) { collector.ObserveEvictions(1) })

	// run is the single entry point onto the goroutine that owns s: every
	// command from every listener, plus the sweep tick, passes through
	// here and runs to completion before the next is admitted. This is
	// the concrete realization of the single dispatch loop described in
	// the design notes — store and dispatcher themselves stay lock-free.
	jobs := make(chan func(), 256)
	go func() {
		for fn := range jobs {
			fn()
		}
	}()
	run := func(fn func()) {
		done := make(chan struct{})
		jobs <- func() {
			defer close(done)
			fn()
		}
		<-done
	}

	addr := fmt.Sprintf("%s:%d", host, port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Critical(err.Error())
		os.Exit(1)
	}

	var handleSeq uint64
	go acceptInline(listener, d, run, &handleSeq)
	log.Noticef("cachekv inline protocol listening on %s", addr)

	var gw *respgateway.Gateway
	if respAddr != "" {
		gw = respgateway.New(s, respAddr)
		gw.SetRunner(run)
		go func() {
			if err := gw.ListenAndServe(); err != nil {
				log.Errorf("resp gateway stopped: %s", err)
			}
		}()
		log.Noticef("cachekv RESP gateway listening on %s", respAddr)
	}

	if metricsAddr != "" {
		go func() {
			if err := metrics.Serve(metricsAddr, collector); err != nil {
				log.Errorf("metrics server stopped: %s", err)
			}
		}()
	}

	sweepStop := make(chan struct{})
	go sweepLoop(s, run, collector, time.Duration(sweepSeconds)*time.Second, sweepStop)

	waitForShutdown()

	log.Notice("shutting down cachekv...")
	close(sweepStop)
	listener.Close()
	if gw != nil {
		gw.Close()
	}

	if snapshotPath != "" {
		run(func() {
			if err := snapshot.Save(s, snapshotPath); err != nil {
				log.Errorf("final snapshot save failed: %s", err)
			}
		})
	}

	log.Notice("goodbye")
}

func parsePolicy(flagValue string) (store.EvictionPolicy, error) {
	switch flagValue {
	case "none", "":
		return store.PolicyNone, nil
	case "allkeys-lru":
		return store.PolicyAllKeysLRU, nil
	case "allkeys-random":
		return store.PolicyAllKeysRandom, nil
	default:
		return 0, fmt.Errorf("unknown eviction policy %q", flagValue)
	}
}

// acceptInline accepts connections on listener and serves each with the
// inline dispatcher, one line at a time, on its own goroutine — every
// actual store/dispatcher call is relayed through run so it executes on
// the single owning goroutine.
func acceptInline(listener net.Listener, d *dispatcher.Dispatcher, run func(func()), handleSeq *uint64) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		go serveInlineConn(conn, d, run, store.SubscriberHandle(atomic.AddUint64(handleSeq, 1)))
	}
}

func serveInlineConn(conn net.Conn, d *dispatcher.Dispatcher, run func(func()), handle store.SubscriberHandle) {
	defer conn.Close()

	dc := dispatcher.NewConn(handle, conn)
	run(func() { d.Register(dc) })
	defer run(func() { d.Unregister(dc) })

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		var handleErr error
		run(func() { handleErr = d.HandleLine(dc, line) })
		if handleErr != nil {
			log.Warningf("writing response failed: %s", handleErr)
			return
		}
	}
}

// sweepLoop calls CollectExpired on the owning goroutine every interval
// and reports the removed count to collector, until stop is closed. This
// is the "periodic tick" the store-to-host boundary expects the host to
// provide.
func sweepLoop(s *store.Store, run func(func()), collector *metrics.Collector, interval time.Duration, stop chan struct{}) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			run(func() {
				expired := s.CollectExpired()
				collector.ObserveExpired(len(expired))
			})
		case <-stop:
			return
		}
	}
}

func waitForShutdown() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
}
