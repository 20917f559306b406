// Copyright 2026 The cortexd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// cortexd is the local, resource-bounded inference router. It owns the
// model pool, routing, cascade selection and health monitoring in-process;
// the only network surface it exposes is the observability one
// (/health, /metrics, /). Requests are read as newline-delimited text from
// stdin, matching a local router embedded next to the assistant process
// rather than a public-facing API.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/cortexd/cortexd/internal/audit"
	"github.com/cortexd/cortexd/internal/cascade"
	"github.com/cortexd/cortexd/internal/classifier"
	"github.com/cortexd/cortexd/internal/config"
	"github.com/cortexd/cortexd/internal/embedding"
	"github.com/cortexd/cortexd/internal/engine"
	"github.com/cortexd/cortexd/internal/health"
	"github.com/cortexd/cortexd/internal/httpapi"
	"github.com/cortexd/cortexd/internal/logging"
	"github.com/cortexd/cortexd/internal/metacontrol"
	"github.com/cortexd/cortexd/internal/model"
	"github.com/cortexd/cortexd/internal/persist"
	"github.com/cortexd/cortexd/internal/pool"
	"github.com/cortexd/cortexd/internal/refiner"
	"github.com/cortexd/cortexd/internal/router"
	"github.com/cortexd/cortexd/internal/semcache"

	_ "github.com/cortexd/cortexd/internal/backend" // registers local-file/remote-rpc constructors
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "./cortexd.yaml", "path to the YAML config file")
	flag.Parse()

	logging.Setup()

	watcher, err := config.NewWatcher(*configPath)
	if err != nil {
		log.WithError(err).Fatal("config: failed to start")
		return 1
	}
	cfg := watcher.Current()

	if err := logging.ConfigureOutput(false, ""); err != nil {
		log.WithError(err).Warn("logging: failed to configure output, continuing on stdout")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
	}()

	go watcher.Run(ctx)

	deps, auditSink, err := buildDeps(cfg)
	if err != nil {
		log.WithError(err).Error("startup failed")
		return 1
	}
	if auditSink != nil {
		defer auditSink.Close()
	}

	go deps.Health.Run(ctx)
	go deps.Pool.IdleReap(ctx, 30*time.Second)

	eng := engine.New(*deps)

	srv := httpapi.New(httpapi.Deps{
		Pool:        deps.Pool,
		Health:      deps.Health,
		Cache:       deps.Cache,
		Oracle:      deps.Oracle,
		MetaControl: deps.MetaControl,
	})
	deps.Pool.SetFallbackObserver(srv.RecordFallback)

	serveErrCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		log.WithField("addr", addr).Info("http surface listening")
		serveErrCh <- httpapi.Serve(ctx, addr, srv.Handler())
	}()

	stdinDone := make(chan struct{})
	go runStdinLoop(ctx, eng, stdinDone)

	select {
	case <-ctx.Done():
	case err := <-serveErrCh:
		if err != nil {
			log.WithError(err).Error("http surface exited")
		}
		cancel()
	}

	<-stdinDone
	deps.Pool.UnloadAll()
	log.Info("shutdown complete")
	return 0
}

func buildDeps(cfg *config.Config) (*engine.Deps, *os.File, error) {
	embCfg := embedding.Config{ModelPath: cfg.Embedding.ModelPath, VocabPath: cfg.Embedding.VocabPath, SharedLibraryPath: cfg.Embedding.SharedLib}
	embEngine, err := embedding.New(embCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("embedding: %w", err)
	}
	if err := embEngine.Initialize(); err != nil {
		log.WithError(err).Warn("embedding: starting in degraded mode (zero vectors)")
	}

	var cacheStore *persist.Store
	if cfg.Cache.PersistPath != "" {
		cacheStore = persist.Open(cfg.Cache.PersistPath)
	}
	cache := semcache.NewWithPersistence(time.Duration(cfg.Cache.SemanticTTLSeconds)*time.Second, 4096, cfg.Cache.QuantLevels, cacheStore)

	cls := classifier.New()

	bootstrap, err := metacontrol.NewBootstrapPhase(metacontrol.DefaultRules(), model.Weights{Alpha: 0.6, Beta: 0.4})
	if err != nil {
		return nil, nil, fmt.Errorf("metacontrol: %w", err)
	}
	var metaStore *persist.Store
	if cfg.MetaControl.PersistPath != "" {
		metaStore = persist.Open(cfg.MetaControl.PersistPath)
	}
	controller := metacontrol.NewControllerWithPersistence(bootstrap, cfg.MetaControl.Phase2PromoteAt, cfg.MetaControl.Phase3PromoteAt, metaStore)
	controller.RegisterPhase2(metacontrol.NewLearnedProjectionPhase(metacontrol.ProjectionRow{}))
	controller.RegisterPhase3(metacontrol.NewSequenceModelPhase(0.3))

	p := pool.New(pool.Config{
		Descriptors:    defaultDescriptors(),
		SwapGroups:     defaultSwapGroups(),
		MaxConcurrent:  cfg.Runtime.MaxConcurrentModels,
		RAMCapBytes:    cfg.Memory.MaxRAMBytes,
		LoadDeadline:   10 * time.Second,
		DefaultIdleTTL: time.Duration(cfg.Memory.IdleTTLSeconds) * time.Second,
	})

	var lexer cascade.LexicalSignal
	if tk := mustLexer(); tk != nil {
		lexer = tk
	}
	oracle := cascade.New(cascade.Config{
		Tier1Model:         "tiny",
		Tier2Model:         "expert_short",
		Tier3Model:         "expert_long",
		Tier1MinConfidence: cfg.Cascade.Tier1.MinConfidence,
		Tier2MinConfidence: cfg.Cascade.Tier2.MinConfidence,
		ForcePatterns:      cfg.Cascade.ForcePatterns,
	}, lexer)

	healthMon := health.New(health.Config{
		CapBytes:     cfg.Memory.MaxRAMBytes,
		Alpha:        cfg.Health.EWMAAlpha,
		SamplePeriod: 2 * time.Second,
		MinSamples:   6,
		WarnSeconds:  float64(cfg.Health.OOMWarnSeconds),
	}, sampleProcessRAM)

	var sink *os.File
	var auditLogger *audit.Logger
	if cfg.Audit.Enabled {
		sink, err = os.OpenFile(cfg.Audit.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			log.WithError(err).Warn("audit: cannot open sink, auditing disabled")
			sink = nil
			auditLogger = audit.New(nil)
		} else {
			auditLogger = audit.New(sink)
		}
	} else {
		auditLogger = audit.New(nil)
	}

	deps := &engine.Deps{
		Health:      healthMon,
		Embedding:   embEngine,
		Classifier:  cls,
		Cache:       cache,
		MetaControl: controller,
		Pool:        p,
		Oracle:      oracle,
		RouterCfg:   router.DefaultConfig(),
		Refiner: refiner.Config{
			Enabled:              cfg.Refiner.Enabled,
			MaxIterations:        cfg.Refiner.MaxIterations,
			ConvergenceThreshold: cfg.Refiner.ConvergenceThreshold,
			MinQueryLength:       cfg.Refiner.MinQueryLength,
			QualityWeights:       refiner.QualityWeights{Length: 0.3, KeywordOverlap: 0.3, SentenceCount: 0.2, ConclusionMarker: 0.2},
		},
		Audit: auditLogger,
	}
	return deps, sink, nil
}

func mustLexer() *cascade.TiktokenLexical {
	lexer, err := cascade.NewTiktokenLexical()
	if err != nil {
		log.WithError(err).Warn("cascade: tiktoken unavailable, falling back to word-count lexical signal")
		return nil
	}
	return lexer
}

// defaultDescriptors declares the logical model names from spec §3's
// literal example set. Concrete backend selection (local-file vs
// remote-rpc) and location are placeholders: wiring a real GGUF/RPC
// backend is explicitly out of scope (spec §1 Non-goals).
func defaultDescriptors() []model.ModelDescriptor {
	return []model.ModelDescriptor{
		{Name: "tiny", Backend: model.BackendLocalFile, Location: "./models/tiny.bin", RAMEstimate: 512 << 20, LoadEstimate: 500 * time.Millisecond, IdleTTL: 5 * time.Minute, Fallback: []string{"expert_short"}},
		{Name: "expert_short", Backend: model.BackendLocalFile, Location: "./models/expert_short.bin", RAMEstimate: 2 << 30, LoadEstimate: 3 * time.Second, IdleTTL: 10 * time.Minute, Fallback: []string{"expert_long"}},
		{Name: "expert_long", Backend: model.BackendLocalFile, Location: "./models/expert_long.bin", RAMEstimate: 6 << 30, LoadEstimate: 8 * time.Second, IdleTTL: 10 * time.Minute},
		{Name: "vision", Backend: model.BackendLocalFile, Location: "./models/vision.bin", RAMEstimate: 3 << 30, LoadEstimate: 4 * time.Second, IdleTTL: 5 * time.Minute, SwapGroup: "visual-exclusive"},
		{Name: "code", Backend: model.BackendLocalFile, Location: "./models/code.bin", RAMEstimate: 3 << 30, LoadEstimate: 4 * time.Second, IdleTTL: 10 * time.Minute},
		{Name: "audio", Backend: model.BackendRemoteRPC, Location: "localhost:7701", RAMEstimate: 256 << 20, LoadEstimate: time.Second, IdleTTL: 5 * time.Minute, SwapGroup: "visual-exclusive"},
	}
}

func defaultSwapGroups() []model.SwapGroup {
	return []model.SwapGroup{
		{Name: "visual-exclusive", Members: []string{"vision", "audio"}},
	}
}

// sampleProcessRAM reads the total memory the Go runtime has obtained from
// the OS (runtime.MemStats.Sys) as the health monitor's RAM signal.
func sampleProcessRAM() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Sys
}

// runStdinLoop is the local ingress: one request per line, response printed
// to stdout. Closes stdinDone when ctx is cancelled or stdin reaches EOF.
func runStdinLoop(ctx context.Context, eng *engine.Engine, done chan<- struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(os.Stdin)
	lineCh := make(chan string)
	go func() {
		defer close(lineCh)
		for scanner.Scan() {
			lineCh <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lineCh:
			if !ok {
				return
			}
			if line == "" {
				continue
			}
			req := model.NewRequest("", line)
			resp, err := eng.Process(ctx, req)
			if err != nil {
				if model.IsKind(err, model.KindInvalidRequest) {
					fmt.Fprintf(os.Stderr, "rejected: %v\n", err)
				} else {
					fmt.Fprintf(os.Stderr, "error: %v\n", err)
				}
				continue
			}
			fmt.Println(resp.Text)
		}
	}
}
