package routing

// Weights of the routing score components.
const (
	uptimeWeight     = 0.5
	latencyWeight    = 0.3
	throughputWeight = 0.2
)

// Score turns a mapping's live metrics into a routing score where lower is
// better. Every component is squashed into [0, 1) before weighting so no
// single metric dominates. Unknown values (zero) count as average.
func Score(uptime, latencyMs, throughput float64) float64 {
	if uptime <= 0 {
		uptime = 95
	}
	if uptime > 100 {
		uptime = 100
	}
	if latencyMs <= 0 {
		latencyMs = 1000
	}
	if throughput <= 0 {
		throughput = 50
	}

	uptimePenalty := (100 - uptime) / 100
	latencyPenalty := latencyMs / (latencyMs + 1000)
	throughputPenalty := 1 / (1 + throughput/50)

	return uptimeWeight*uptimePenalty +
		latencyWeight*latencyPenalty +
		throughputWeight*throughputPenalty
}
