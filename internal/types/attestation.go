package types

import "time"

// Attestation is a hash-chained proof that a cycle produced a verified improvement
type Attestation struct {
	Seq          int64        `json:"seq"`
	RunID        string       `json:"run_id"`
	Timestamp    time.Time    `json:"timestamp"`
	RecipeID     string       `json:"recipe_id"`
	MetricsDelta MetricsDelta `json:"metrics_delta"`
	GatesPassed  bool         `json:"gates_passed"`
	PreviousHash string       `json:"previous_hash"`
	Hash         string       `json:"hash"`
}
