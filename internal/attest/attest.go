// Package attest keeps the append-only, hash-chained record of verified
// improvements and detects tampering with it.
package attest

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/steveyegge/mend/internal/types"
)

// Store persists the chain
type Store interface {
	LastAttestation(ctx context.Context) (*types.Attestation, error)
	AppendAttestation(ctx context.Context, a *types.Attestation) error
	ListAttestations(ctx context.Context) ([]*types.Attestation, error)
}

// Config holds attestor configuration
type Config struct {
	Store  Store
	Logger *slog.Logger
}

// Attestor appends attestations. Appends are serialized.
type Attestor struct {
	store  Store
	logger *slog.Logger
	mu     sync.Mutex
	now    func() time.Time
}

// New creates a new attestor
func New(cfg *Config) (*Attestor, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Attestor{store: cfg.Store, logger: cfg.Logger, now: time.Now}, nil
}

// Attest links a new attestation to the chain head and appends it
func (a *Attestor) Attest(ctx context.Context, runID, recipeID string, delta types.MetricsDelta, gatesPassed bool) (*types.Attestation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	head, err := a.store.LastAttestation(ctx)
	if err != nil {
		return nil, err
	}
	prev := ""
	if head != nil {
		prev = head.Hash
	}

	att := &types.Attestation{
		RunID:        runID,
		Timestamp:    a.now().UTC(),
		RecipeID:     recipeID,
		MetricsDelta: delta,
		GatesPassed:  gatesPassed,
		PreviousHash: prev,
	}
	if att.Hash, err = Hash(att); err != nil {
		return nil, err
	}
	if err := a.store.AppendAttestation(ctx, att); err != nil {
		return nil, fmt.Errorf("failed to append attestation: %w", err)
	}

	a.logger.Info("attestation appended", "run", runID, "recipe", recipeID, "seq", att.Seq, "hash", att.Hash)
	return att, nil
}

// Chain returns the whole chain in append order
func (a *Attestor) Chain(ctx context.Context) ([]*types.Attestation, error) {
	return a.store.ListAttestations(ctx)
}

// Verify loads the chain and checks every link. It returns the chain length.
func (a *Attestor) Verify(ctx context.Context) (int, error) {
	chain, err := a.store.ListAttestations(ctx)
	if err != nil {
		return 0, err
	}
	return len(chain), VerifyChain(chain)
}

// canonical is the hashed form of an attestation. Field order is fixed by the
// struct; encoding/json sorts map keys.
type canonical struct {
	RunID        string         `json:"run_id"`
	Timestamp    string         `json:"timestamp"`
	RecipeID     string         `json:"recipe_id"`
	ByCategory   map[string]int `json:"by_category"`
	BySeverity   map[string]int `json:"by_severity"`
	WeightedFrom int            `json:"weighted_before"`
	WeightedTo   int            `json:"weighted_after"`
	GatesPassed  bool           `json:"gates_passed"`
	PreviousHash string         `json:"previous_hash"`
}

// Canonical returns the bytes an attestation's hash is computed over:
// every field except Seq and Hash.
func Canonical(a *types.Attestation) ([]byte, error) {
	c := canonical{
		RunID:        a.RunID,
		Timestamp:    a.Timestamp.UTC().Format(time.RFC3339Nano),
		RecipeID:     a.RecipeID,
		ByCategory:   make(map[string]int, len(a.MetricsDelta.ByCategory)),
		BySeverity:   make(map[string]int, len(a.MetricsDelta.BySeverity)),
		WeightedFrom: a.MetricsDelta.WeightedBefore,
		WeightedTo:   a.MetricsDelta.WeightedAfter,
		GatesPassed:  a.GatesPassed,
		PreviousHash: a.PreviousHash,
	}
	for k, v := range a.MetricsDelta.ByCategory {
		c.ByCategory[k] = v
	}
	for k, v := range a.MetricsDelta.BySeverity {
		c.BySeverity[string(k)] = v
	}
	return json.Marshal(c)
}

// Hash returns hex(SHA-256(Canonical(a)))
func Hash(a *types.Attestation) (string, error) {
	data, err := Canonical(a)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize attestation: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyChain recomputes every hash and link and reports the first broken
// entry as *types.ChainIntegrityError. It never repairs anything.
func VerifyChain(chain []*types.Attestation) error {
	prev := ""
	for i, a := range chain {
		if !hashEqual(a.PreviousHash, prev) {
			return &types.ChainIntegrityError{
				Index: i, RunID: a.RunID, Reason: "previous hash does not match prior entry",
				Expected: prev, Actual: a.PreviousHash,
			}
		}
		computed, err := Hash(a)
		if err != nil {
			return err
		}
		if !hashEqual(computed, a.Hash) {
			return &types.ChainIntegrityError{
				Index: i, RunID: a.RunID, Reason: "content does not match stored hash",
				Expected: computed, Actual: a.Hash,
			}
		}
		prev = a.Hash
	}
	return nil
}

func hashEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
