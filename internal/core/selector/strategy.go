package selector

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"liuproxy_broker/internal/model"
)

// Strategy names a selection algorithm.
type Strategy string

const (
	LeastConnections   Strategy = "least_connections"
	WeightedRoundRobin Strategy = "weighted_round_robin"
	LatencyFirst       Strategy = "latency_first"
	SuccessRateFirst   Strategy = "success_rate_first"
	Random             Strategy = "random"
	HighestScore       Strategy = "highest_score"
)

// Strategies lists every supported strategy.
var Strategies = []Strategy{LeastConnections, WeightedRoundRobin, LatencyFirst, SuccessRateFirst, Random, HighestScore}

// StrategyFromString parses a strategy name, case-insensitively.
func StrategyFromString(s string) (Strategy, error) {
	name := Strategy(strings.ToLower(strings.TrimSpace(s)))
	for _, st := range Strategies {
		if st == name {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown selection strategy '%s'", s)
}

// Rand is the random source used by Random and WeightedRoundRobin.
// *rand.Rand from math/rand/v2 satisfies it.
type Rand interface {
	Float64() float64
	IntN(n int) int
}

// globalRand uses the goroutine-safe top-level functions of math/rand/v2.
type globalRand struct{}

func (globalRand) Float64() float64 { return rand.Float64() }
func (globalRand) IntN(n int) int   { return rand.IntN(n) }

// applyStrategy picks one candidate. candidates must be non-empty and already
// stripped of blacklisted, excluded and below-minimum entries.
func applyStrategy(strategy Strategy, candidates []model.ProxyScore, rnd Rand) model.ProxyScore {
	switch strategy {
	case LeastConnections:
		return pickLeastConnections(candidates)
	case WeightedRoundRobin:
		return pickWeighted(candidates, rnd)
	case LatencyFirst:
		return pickLowestLatency(candidates)
	case SuccessRateFirst:
		return pickHighestSuccessRate(candidates)
	case Random:
		return candidates[rnd.IntN(len(candidates))]
	default:
		return pickHighestScore(candidates)
	}
}

func pickLeastConnections(candidates []model.ProxyScore) model.ProxyScore {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.ActiveConnections < best.ActiveConnections {
			best = c
		}
	}
	return best
}

// pickWeighted draws in [0, Σscore) and walks the cumulative sum.
// A zero total degrades to a uniform pick.
func pickWeighted(candidates []model.ProxyScore, rnd Rand) model.ProxyScore {
	total := 0
	for _, c := range candidates {
		total += c.Score
	}
	if total <= 0 {
		return candidates[rnd.IntN(len(candidates))]
	}

	draw := rnd.Float64() * float64(total)
	cum := 0.0
	for _, c := range candidates {
		cum += float64(c.Score)
		if cum > draw {
			return c
		}
	}
	return candidates[len(candidates)-1]
}

func pickLowestLatency(candidates []model.ProxyScore) model.ProxyScore {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.LatencyMs < best.LatencyMs {
			best = c
		}
	}
	return best
}

func pickHighestSuccessRate(candidates []model.ProxyScore) model.ProxyScore {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.SuccessRate > best.SuccessRate {
			best = c
		}
	}
	return best
}

func pickHighestScore(candidates []model.ProxyScore) model.ProxyScore {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Score > best.Score {
			best = c
		}
	}
	return best
}
