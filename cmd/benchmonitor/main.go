// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"github.com/google/gops/agent"

	"github.com/nhr-fau/benchmonitor/internal/batchwriter"
	"github.com/nhr-fau/benchmonitor/internal/benchlog"
	"github.com/nhr-fau/benchmonitor/internal/clock"
	"github.com/nhr-fau/benchmonitor/internal/config"
	"github.com/nhr-fau/benchmonitor/internal/coordinator"
	"github.com/nhr-fau/benchmonitor/internal/decoder"
	"github.com/nhr-fau/benchmonitor/internal/eventbus"
	"github.com/nhr-fau/benchmonitor/internal/maintenance"
	"github.com/nhr-fau/benchmonitor/internal/readapi"
	"github.com/nhr-fau/benchmonitor/internal/registry"
	"github.com/nhr-fau/benchmonitor/internal/router"
	"github.com/nhr-fau/benchmonitor/internal/runtimeEnv"
	"github.com/nhr-fau/benchmonitor/internal/store"
	"github.com/nhr-fau/benchmonitor/internal/telemetry"
	"github.com/nhr-fau/benchmonitor/internal/transport"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	batchSize     = 500
	flushInterval = 2 * time.Second
)

func main() {
	var flagConfigFile, flagReadAddr, flagMetricsAddr, flagEventbusAddr string
	var flagGops bool
	flag.StringVar(&flagConfigFile, "config", "./config.json", "Overwrite the default runtime options by those specified in `config.json`")
	flag.StringVar(&flagReadAddr, "read-addr", ":8090", "Address the read-only history/API HTTP server listens on")
	flag.StringVar(&flagMetricsAddr, "metrics-addr", ":9090", "Address the Prometheus /metrics server listens on")
	flag.StringVar(&flagEventbusAddr, "nats-addr", "", "NATS server address for health/anomaly fan-out (empty disables it)")
	flag.BoolVar(&flagGops, "gops", false, "Listen via github.com/google/gops/agent (for debugging)")
	flag.Parse()

	if flagGops {
		if err := agent.Listen(agent.Options{}); err != nil {
			benchlog.Errorf("gops/agent.Listen failed: %s", err.Error())
			os.Exit(1)
		}
	}

	if err := runtimeEnv.LoadEnv("./.env"); err != nil && !os.IsNotExist(err) {
		benchlog.Errorf("parsing './.env' file failed: %s", err.Error())
		os.Exit(1)
	}

	cfgWatcher, err := config.NewWatcher(flagConfigFile)
	if err != nil {
		benchlog.Errorf("config: %s", err.Error())
		os.Exit(1)
	}
	defer cfgWatcher.Close()
	cfg := cfgWatcher.Current()

	reg, err := registry.Load()
	if err != nil {
		benchlog.Errorf("registry: %s", err.Error())
		os.Exit(1)
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		benchlog.Errorf("store: %s", err.Error())
		os.Exit(1)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := st.BackfillExperimentPostIDs(ctx, reg); err != nil {
		benchlog.Warnf("store: backfilling experiment post ids: %s", err.Error())
	}

	clk := clock.System{}
	rt := router.New(reg.Len())
	bw := batchwriter.New(st, batchSize, flushInterval)
	dec := decoder.New(reg)

	// mloop is assigned below, before transport ever connects; the
	// closure only runs once tr.Connect is called later in main.
	var mloop *maintenance.Loop
	tr := transport.New(cfg.TransmitterHost, cfg.TransmitterPort, time.Duration(cfg.ConnectTimeoutMs)*time.Millisecond, dec, func(b []byte) {
		for _, s := range dec.Feed(b, clk.Now()) {
			rt.Dispatch(s)
			if mloop != nil {
				mloop.ObserveSample()
			}
		}
	})

	coord := coordinator.New(reg, st, rt, bw, tr, clk)

	ebus, err := eventbus.Connect(flagEventbusAddr)
	if err != nil {
		benchlog.Warnf("eventbus: connect %s failed: %s, fan-out disabled", flagEventbusAddr, err.Error())
		ebus = nil
	}
	if ebus != nil {
		coord.SetAnomalyPublisher(ebus)
		defer ebus.Close()
	}

	mloop = maintenance.New(coord, bw, tr, clk, ebus, reg.Len())

	if recovered, err := coord.BeginMonitoring(ctx); err != nil {
		benchlog.Errorf("coordinator: begin monitoring: %s", err.Error())
		os.Exit(1)
	} else if len(recovered) > 0 {
		benchlog.Warnf("coordinator: recovered %d crashed experiment(s): %v", len(recovered), recovered)
	}

	if err := tr.Connect(ctx); err != nil {
		benchlog.Warnf("transport: initial connect failed: %s, will keep retrying", err.Error())
	}

	if err := mloop.Start(ctx); err != nil {
		benchlog.Errorf("maintenance: start: %s", err.Error())
		os.Exit(1)
	}

	collector := telemetry.New(rt, bw, dec, coord)
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collector)

	metricsServer := &http.Server{Addr: flagMetricsAddr, Handler: promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})}
	readServer := readapi.NewServer(flagReadAddr, readapi.NewRouter(coord))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			benchlog.Errorf("metrics server: %s", err.Error())
		}
	}()
	go func() {
		defer wg.Done()
		if err := readServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			benchlog.Errorf("read api server: %s", err.Error())
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	if os.Getenv("GOGC") == "" {
		debug.SetGCPercent(25)
	}

	runtimeEnv.SystemdNotifiy(true, "running")
	<-sigs
	runtimeEnv.SystemdNotifiy(false, "shutting down")

	cancel()
	mloop.Shutdown()
	_ = metricsServer.Shutdown(context.Background())
	_ = readServer.Shutdown(context.Background())
	wg.Wait()

	benchlog.Infof("shutdown complete")
}
