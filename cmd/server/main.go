package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	persistlog "terrastream.dev/internal/persistence/log"
	"terrastream.dev/internal/persistence/regiondb"
	"terrastream.dev/internal/sim/engine"
	"terrastream.dev/internal/sim/terrain/gen"
	"terrastream.dev/internal/sim/tuning"
	"terrastream.dev/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		seed       = flag.Int64("seed", 0, "terrain seed override (0 keeps the tuning value)")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "./configs/tuning.yaml", "path to tuning.yaml")
		disableDB  = flag.Bool("disable_db", false, "disable the region database (terrain regenerates every run)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", *tuningPath)
		tune = tuning.Defaults()
	}
	if *seed != 0 {
		tune.Seed = *seed
	}

	_ = os.MkdirAll(*dataDir, 0o755)

	deps := engine.Deps{
		Logger: logger,
		Gen: &gen.HeightField{
			Seed:      tune.Seed,
			SeaLevel:  0,
			Amplitude: 24,
		},
	}

	var db *regiondb.Store
	if !*disableDB {
		db, err = regiondb.Open(filepath.Join(*dataDir, "regions.db"))
		if err != nil {
			logger.Fatalf("open region db: %v", err)
		}
		defer db.Close()
		deps.Persist = db
		deps.ClassifySink = db
	} else {
		logger.Printf("region db disabled; terrain is ephemeral")
	}

	lifecycleLog := persistlog.NewLifecycleLogger(*dataDir)
	editLog := persistlog.NewEditLogger(*dataDir)
	defer lifecycleLog.Close()
	defer editLog.Close()
	deps.LifecycleLog = lifecycleLog
	deps.EditLog = editLog

	e := engine.New(tune, deps)

	if db != nil {
		warm, err := db.LoadClassifications()
		if err != nil {
			logger.Printf("warm classification cache: %v", err)
		} else if len(warm) > 0 {
			e.Cache().Warm(warm)
			logger.Printf("warmed classification cache with %d entries", len(warm))
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	go func() {
		if err := e.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("engine stopped: %v", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

		m := e.Metrics()

		// Minimal Prometheus exposition format.
		fmt.Fprintf(rw, "# HELP terrastream_tick Current engine tick.\n")
		fmt.Fprintf(rw, "# TYPE terrastream_tick gauge\n")
		fmt.Fprintf(rw, "terrastream_tick %d\n", m.Tick)

		fmt.Fprintf(rw, "# HELP terrastream_observers Current number of tracked observers.\n")
		fmt.Fprintf(rw, "# TYPE terrastream_observers gauge\n")
		fmt.Fprintf(rw, "terrastream_observers %d\n", m.Observers)

		fmt.Fprintf(rw, "# HELP terrastream_resident_regions Regions currently holding data.\n")
		fmt.Fprintf(rw, "# TYPE terrastream_resident_regions gauge\n")
		fmt.Fprintf(rw, "terrastream_resident_regions %d\n", m.ResidentRegions)

		fmt.Fprintf(rw, "# HELP terrastream_inflight_loads Region loads currently running.\n")
		fmt.Fprintf(rw, "# TYPE terrastream_inflight_loads gauge\n")
		fmt.Fprintf(rw, "terrastream_inflight_loads %d\n", m.InflightLoads)

		fmt.Fprintf(rw, "# HELP terrastream_load_queue_depth Region loads waiting for dispatch.\n")
		fmt.Fprintf(rw, "# TYPE terrastream_load_queue_depth gauge\n")
		fmt.Fprintf(rw, "terrastream_load_queue_depth %d\n", m.LoadQueueDepth)

		fmt.Fprintf(rw, "# HELP terrastream_pending_edits Edits queued for unloaded regions.\n")
		fmt.Fprintf(rw, "# TYPE terrastream_pending_edits gauge\n")
		fmt.Fprintf(rw, "terrastream_pending_edits %d\n", m.PendingEdits)

		fmt.Fprintf(rw, "# HELP terrastream_quarantined_regions Regions excluded from streaming after load failures.\n")
		fmt.Fprintf(rw, "# TYPE terrastream_quarantined_regions gauge\n")
		fmt.Fprintf(rw, "terrastream_quarantined_regions %d\n", m.Quarantined)

		fmt.Fprintf(rw, "# HELP terrastream_pool_free Free region data buffers.\n")
		fmt.Fprintf(rw, "# TYPE terrastream_pool_free gauge\n")
		fmt.Fprintf(rw, "terrastream_pool_free %d\n", m.PoolFree)

		fmt.Fprintf(rw, "# HELP terrastream_pool_capacity Total region data buffers.\n")
		fmt.Fprintf(rw, "# TYPE terrastream_pool_capacity gauge\n")
		fmt.Fprintf(rw, "terrastream_pool_capacity %d\n", m.PoolCapacity)

		fmt.Fprintf(rw, "# HELP terrastream_step_ms Last tick step duration in milliseconds.\n")
		fmt.Fprintf(rw, "# TYPE terrastream_step_ms gauge\n")
		fmt.Fprintf(rw, "terrastream_step_ms %.3f\n", m.StepMS)
	})

	if envBool("TS_ENABLE_ADMIN_HTTP", true) {
		// Local-only admin endpoint.
		mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			rw.Header().Set("Content-Type", "application/json")
			resp := struct {
				Tick    uint64         `json:"tick"`
				Metrics engine.Metrics `json:"metrics"`
			}{
				Tick:    e.CurrentTick(),
				Metrics: e.Metrics(),
			}
			_ = json.NewEncoder(rw).Encode(resp)
		})
	} else {
		logger.Printf("admin endpoints disabled (TS_ENABLE_ADMIN_HTTP=false)")
	}
	if envBool("TS_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	mux.HandleFunc("/v1/ws", ws.NewServer(e, tune, logger).Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func envBool(name string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
