package pool

import (
	"math"

	"liuproxy_broker/internal/model"
)

func latencyScore(latencyMs int64) float64 {
	return math.Max(0, 100-float64(latencyMs)/10)
}

func healthScore(h model.HealthStatus) float64 {
	switch h {
	case model.HealthHealthy:
		return 100
	case model.HealthDegraded:
		return 50
	default:
		return 0
	}
}

func connectionScore(active int) float64 {
	return math.Max(0, 100-10*float64(active))
}

// computeScore blends the sub-scores with w, clamped to [0,100] and rounded.
// A blacklisted proxy always scores 0.
func computeScore(s *model.ProxyScore, w model.ScoreWeights) int {
	if s.Blacklisted {
		return 0
	}
	raw := w.Latency*latencyScore(s.LatencyMs) +
		w.SuccessRate*math.Max(0, math.Min(100, s.SuccessRate)) +
		w.Health*healthScore(s.Health) +
		w.Connections*connectionScore(s.ActiveConnections)
	return int(math.Round(math.Max(0, math.Min(100, raw))))
}
