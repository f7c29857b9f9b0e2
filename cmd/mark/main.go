// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// mark is the autonomous market maker: it watches the settlement hub for
// invoices, fills them with its own liquidity and continuously rebalances
// that liquidity across chains.
package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"

	"github.com/everclearorg/mark/admin"
	"github.com/everclearorg/mark/bridge"
	"github.com/everclearorg/mark/cache"
	"github.com/everclearorg/mark/chainservice"
	"github.com/everclearorg/mark/config"
	"github.com/everclearorg/mark/core"
	"github.com/everclearorg/mark/hub"
	"github.com/everclearorg/mark/planner"
	"github.com/everclearorg/mark/poller"
	"github.com/everclearorg/mark/processor"
	"github.com/everclearorg/mark/queue"
	"github.com/everclearorg/mark/rebalance"
	"github.com/everclearorg/mark/store"
)

const clientIdentifier = "mark"

var app = &cli.App{
	Name:    clientIdentifier,
	Usage:   "Everclear market maker and cross-chain rebalancer",
	Version: "1.0.0",
}

func init() {
	app.Action = run
	app.Commands = []*cli.Command{
		{
			Name:   "migrate",
			Usage:  "apply database migrations and exit",
			Action: migrateOnly,
		},
	}
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:  "admin-addr",
			Usage: "listen address for the admin HTTP surface",
			Value: ":8080",
		},
	}
	app.Before = func(ctx *cli.Context) error {
		log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, log.LevelInfo, true)))
		return nil
	}
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func migrateOnly(cliCtx *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	st, err := store.Open(cliCtx.Context, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer st.Close()
	return st.Migrate()
}

func run(cliCtx *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cliCtx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(); err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort),
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis unreachable: %w", err)
	}

	eventQueue := queue.New(rdb)
	purchaseCache := cache.New(rdb)
	hubClient := hub.New(cfg.EverclearAPIURL)

	signer := chainservice.NewSignerClient(cfg.SignerURL, cfg.SignerAddress)
	chains, err := chainservice.Dial(ctx, cfg.Chains, signer)
	if err != nil {
		return err
	}
	defer chains.Close()

	registry := bridge.NewRegistry()
	warnUnregisteredBridges(registry, cfg.Routes)

	assets, spokes, intentAssets, xerc20 := assetMaps(cfg)
	minRebalance := parseMinimums(cfg.MinRebalanceAmounts)

	balanceSource := processor.NewLiveBalanceSource(chains, hubClient, assets)
	intentBuilder := processor.NewSpokeIntentBuilder(spokes, intentAssets, cfg.SignerAddress)

	plannerCfg := planner.Config{
		SupportedDomains: cfg.SupportedSettlementDomains,
		TopN:             len(cfg.SupportedSettlementDomains),
		MaxDestinations:  config.MaxDestinations,
	}
	if cfg.PurchaseMinShortfall != "" {
		if minAllocation, err := core.ParseAmount(cfg.PurchaseMinShortfall); err == nil {
			plannerCfg.MinAllocation = minAllocation
		}
	}

	proc := processor.New(hubClient, purchaseCache, st, chains, balanceSource, intentBuilder, st, processor.Config{
		PlannerConfig: plannerCfg,
		InvoiceAge:    cfg.InvoiceAge,
		XERC20Chains:  xerc20,
	})

	engine := rebalance.New(st, registry, chains, rebalance.NewHubInvoiceSource(hubClient, 100), rebalance.Config{
		Routes:              cfg.Routes,
		Assets:              assets,
		MinRebalanceAmounts: minRebalance,
		Sender:              cfg.SignerAddress,
		TickInterval:        cfg.TickInterval,
		EarmarkTTL:          24 * time.Hour,
	})

	backfill := poller.New(hubClient, eventQueue, purchaseCache, cfg.PollInterval)

	pool := queue.NewConsumerPool(eventQueue, map[core.EventType]queue.Handler{
		core.EventInvoiceEnqueued:    queue.HandlerFunc(proc.HandleInvoiceEnqueued),
		core.EventSettlementEnqueued: queue.HandlerFunc(proc.HandleSettlementEnqueued),
	}, cfg.ConsumerWorkers)

	adminServer := admin.New(st, eventQueue, purchaseCache, engine, cfg.AdminToken)

	// reclaim events a previous process crashed on before consuming
	if err := eventQueue.MoveProcessingToPending(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	runTask := func(name string, task func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task(ctx)
			log.Info("task exited", "task", name)
		}()
	}

	runTask("consumers", pool.Run)
	runTask("rebalance", engine.Run)
	runTask("backfill", backfill.Run)
	runTask("dead-letter-cleanup", func(ctx context.Context) {
		sweepDeadLetters(ctx, eventQueue)
	})
	runTask("admin", func(ctx context.Context) {
		if err := adminServer.ListenAndServe(ctx, cliCtx.String("admin-addr")); err != nil {
			log.Error("admin server failed", "err", err)
		}
	})

	log.Info("mark started",
		"workers", cfg.ConsumerWorkers, "chains", len(cfg.Chains), "routes", len(cfg.Routes))
	<-ctx.Done()
	log.Info("shutdown requested")
	wg.Wait()
	return nil
}

// sweepDeadLetters prunes expired dead-letter entries daily.
func sweepDeadLetters(ctx context.Context, eventQueue *queue.Queue) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := eventQueue.CleanupExpiredDeadLetter(ctx, config.DeadLetterTTL)
			if err != nil {
				log.Error("dead-letter cleanup failed", "err", err)
				continue
			}
			if removed > 0 {
				log.Info("dead-letter entries pruned", "count", removed)
			}
		}
	}
}

// assetMaps flattens the chain configuration into the lookup tables the
// processor and engine consume.
func assetMaps(cfg *config.Config) (
	assets map[string]map[string]rebalance.Asset,
	spokes map[string]string,
	intentAssets map[string]map[string]string,
	xerc20 map[string]bool,
) {
	assets = make(map[string]map[string]rebalance.Asset)
	spokes = make(map[string]string)
	intentAssets = make(map[string]map[string]string)
	xerc20 = make(map[string]bool)

	for chainID, chain := range cfg.Chains {
		if chain.SpokeContract != "" {
			spokes[chainID] = chain.SpokeContract
		}
		if chain.XERC20Only {
			xerc20[chainID] = true
		}
		for _, asset := range chain.Assets {
			if assets[chainID] == nil {
				assets[chainID] = make(map[string]rebalance.Asset)
				intentAssets[chainID] = make(map[string]string)
			}
			assets[chainID][asset.TickerHash] = rebalance.Asset{
				Address:  asset.Address,
				Decimals: asset.Decimals,
			}
			intentAssets[chainID][asset.TickerHash] = asset.Address
		}
	}
	return assets, spokes, intentAssets, xerc20
}

func parseMinimums(raw map[string]string) map[string]*big.Int {
	out := make(map[string]*big.Int, len(raw))
	for tickerHash, amount := range raw {
		parsed, err := core.ParseAmount(amount)
		if err != nil {
			log.Warn("bad minimum rebalance amount", "ticker", tickerHash, "err", err)
			continue
		}
		out[tickerHash] = parsed
	}
	return out
}

// warnUnregisteredBridges flags route preferences that name a bridge no
// adapter was registered for. Adapters are wired per deployment; a missing
// one means that preference silently falls through at tick time.
func warnUnregisteredBridges(registry *bridge.Registry, routes []config.RouteConfig) {
	registered := make(map[bridge.SupportedBridge]bool)
	for _, tag := range registry.Tags() {
		registered[tag] = true
	}
	for _, route := range routes {
		for _, preference := range route.Preferences {
			if !registered[bridge.SupportedBridge(preference)] {
				log.Warn("route names unregistered bridge",
					"bridge", preference, "origin", route.OriginChainID, "destination", route.DestinationChainID)
			}
		}
	}
}
