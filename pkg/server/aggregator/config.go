package aggregator

import (
	"github.com/shopspring/decimal"

	"tc.com/price-estimator/pkg/config"
	"tc.com/price-estimator/pkg/server/sources"
)

// WeightsFromConfig converts configured source and class weights.
func WeightsFromConfig(cfg config.EstimatorConfig) Weights {
	w := Weights{
		Source: make(map[string]decimal.Decimal, len(cfg.SourceWeights)),
		Class:  make(map[sources.Class]decimal.Decimal, len(cfg.ClassWeights)),
	}
	for id, v := range cfg.SourceWeights {
		w.Source[id] = decimal.NewFromFloat(v)
	}
	for class, v := range cfg.ClassWeights {
		w.Class[sources.Class(class)] = decimal.NewFromFloat(v)
	}
	return w
}
