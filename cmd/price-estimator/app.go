package main

import (
	"context"
	"fmt"
	"strings"

	"tc.com/price-estimator/pkg/config"
	"tc.com/price-estimator/pkg/logging"
	"tc.com/price-estimator/pkg/server/aggregator"
	"tc.com/price-estimator/pkg/server/cache"
	"tc.com/price-estimator/pkg/server/estimator"
	"tc.com/price-estimator/pkg/server/sources"
	"tc.com/price-estimator/pkg/token"

	// Register adapters
	_ "tc.com/price-estimator/pkg/server/sources/cex"
	_ "tc.com/price-estimator/pkg/server/sources/dex"
	_ "tc.com/price-estimator/pkg/server/sources/evm"
)

const resolverCacheSize = 1024

// app holds the wired engine.
type app struct {
	estimator *estimator.Estimator
	cache     *cache.Cache
	adapters  []sources.Adapter
	store     *cache.RedisStore
}

func (a *app) Close() {
	if a.store != nil {
		_ = a.store.Close()
	}
}

func buildApp(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*app, error) {
	adapters := buildAdapters(cfg, logger)
	if len(adapters) == 0 {
		return nil, fmt.Errorf("no sources available")
	}

	resolver, err := buildResolver(cfg)
	if err != nil {
		return nil, err
	}

	a := &app{adapters: adapters}

	cacheCfg := cache.Config{
		Policies:    cache.PoliciesFromConfig(cfg.Estimator),
		HistorySize: cfg.Estimator.HistorySize,
	}
	if cfg.Cache.Redis.Enabled {
		store, err := cache.DialRedis(ctx, cfg.Cache.Redis)
		if err != nil {
			return nil, err
		}
		a.store = store
		cacheCfg.Store = store
		logger.Info("Using redis snapshot store", "addr", cfg.Cache.Redis.Addr, "prefix", cfg.Cache.Redis.Prefix)
	}
	a.cache = cache.New(cacheCfg, logger.With("component", "cache"))

	agg := aggregator.New(adapters, aggregator.Config{
		AdapterTimeout: cfg.Estimator.AdapterTimeout.ToDuration(),
		Weights:        aggregator.WeightsFromConfig(cfg.Estimator),
	}, logger.With("component", "aggregator"))

	a.estimator = estimator.New(agg, a.cache, resolver, estimator.Config{
		MaxWait:    cfg.Server.MaxWait.ToDuration(),
		MaxMaxWait: cfg.Server.MaxMaxWait.ToDuration(),
	}, logger.With("component", "estimator"))

	return a, nil
}

// buildAdapters creates every enabled source. Sources that fail to build are
// logged and skipped.
func buildAdapters(cfg *config.Config, logger *logging.Logger) []sources.Adapter {
	var adapters []sources.Adapter
	for _, sourceCfg := range cfg.EnabledSources() {
		logger.Info("Initializing source", "type", sourceCfg.Type, "name", sourceCfg.Name, "weight", sourceCfg.Weight)

		// Add logger to config so sources don't create their own
		srcConfig := make(map[string]interface{}, len(sourceCfg.Config)+2)
		for k, v := range sourceCfg.Config {
			srcConfig[k] = v
		}
		srcConfig["logger"] = logger.With("source", sourceCfg.Name)
		if _, ok := srcConfig["name"]; !ok {
			srcConfig["name"] = sourceCfg.Name
		}

		adapter, err := sources.Create(strings.ToLower(sourceCfg.Type), sourceCfg.Name, srcConfig)
		if err != nil {
			logger.Warn("Failed to create source", "type", sourceCfg.Type, "name", sourceCfg.Name, "error", err)
			continue
		}
		adapters = append(adapters, adapter)
		logger.Info("Source ready", "source", adapter.ID(), "class", string(adapter.Class()))
	}
	return adapters
}

func buildResolver(cfg *config.Config) (token.Resolver, error) {
	static := token.NewStaticResolver()
	for _, t := range cfg.Tokens {
		static.Add(token.NewDescriptor(token.ChainID(t.ChainID), t.Address, t.Symbol, int32(t.Decimals)))
	}
	resolver, err := token.NewCachingResolver(static, resolverCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create token resolver: %w", err)
	}
	return resolver, nil
}
