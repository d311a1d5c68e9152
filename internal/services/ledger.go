// Package services - ReportLedger keeps a Merkle tree over finalized report
// digests so any archived report can be shown to be part of the record.
package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/complyops/playbook-runner/internal/database"
	"github.com/complyops/playbook-runner/internal/models"
	"go.uber.org/zap"
)

// ReportLedger manages the Merkle tree of report digests.
type ReportLedger struct {
	mu            sync.RWMutex
	leaves        []string
	layers        [][]string
	root          string
	lastBuildTime time.Time
	logger        *zap.SugaredLogger
}

// NewReportLedger creates an empty ledger.
func NewReportLedger(logger *zap.SugaredLogger) *ReportLedger {
	return &ReportLedger{
		leaves: make([]string, 0),
		layers: make([][]string, 0),
		logger: logger,
	}
}

// BuildFromDigests rebuilds the tree from report digests in finalization
// order. The store's order is authoritative: a leaf index handed out by
// AppendIfAbsent may shift after a rebuild, so clients resolve proofs by
// digest or incident rather than by a remembered index. Digests appended
// after the store was read are kept, after the rebuilt leaves.
func (m *ReportLedger) BuildFromDigests(digests []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool, len(digests))
	leaves := make([]string, 0, len(digests))
	for _, d := range digests {
		if !seen[d] {
			seen[d] = true
			leaves = append(leaves, d)
		}
	}
	for _, d := range m.leaves {
		if !seen[d] {
			seen[d] = true
			leaves = append(leaves, d)
		}
	}

	m.leaves = leaves
	m.buildTree()
	m.lastBuildTime = time.Now()

	m.logger.Infow("Report ledger rebuilt",
		"leaves", len(m.leaves),
		"root", m.root,
	)
}

// AppendIfAbsent adds a digest unless it is already a leaf and returns its
// leaf index. The lookup and the append happen under one lock.
func (m *ReportLedger) AppendIfAbsent(digest string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if i := m.indexOf(digest); i >= 0 {
		return i
	}
	m.leaves = append(m.leaves, digest)
	m.buildTree()
	m.lastBuildTime = time.Now()
	return len(m.leaves) - 1
}

// IndexOf returns the leaf index of a digest, or -1.
func (m *ReportLedger) IndexOf(digest string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.indexOf(digest)
}

func (m *ReportLedger) indexOf(digest string) int {
	for i, leaf := range m.leaves {
		if leaf == digest {
			return i
		}
	}
	return -1
}

// GetRoot returns the current Merkle root.
func (m *ReportLedger) GetRoot() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.root
}

// GetLeafCount returns the number of leaves.
func (m *ReportLedger) GetLeafCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.leaves)
}

// GetLastBuildTime returns when the tree was last rebuilt.
func (m *ReportLedger) GetLastBuildTime() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastBuildTime
}

// GetProof generates an inclusion proof for the given leaf index.
func (m *ReportLedger) GetProof(index int) (*models.MerkleProof, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if index < 0 || index >= len(m.leaves) {
		return nil, fmt.Errorf("index %d out of range (0-%d)", index, len(m.leaves)-1)
	}

	proof := &models.MerkleProof{
		LeafHash: m.leaves[index],
		Root:     m.root,
		Index:    index,
		Proof:    make([]models.ProofStep, 0),
	}

	currentIndex := index
	for i := 0; i < len(m.layers)-1; i++ {
		layer := m.layers[i]
		isRight := currentIndex%2 == 1
		siblingIndex := currentIndex + 1
		if isRight {
			siblingIndex = currentIndex - 1
		}

		// An odd node out is paired with itself.
		sibling := layer[currentIndex]
		if siblingIndex < len(layer) {
			sibling = layer[siblingIndex]
		}
		position := "right"
		if isRight {
			position = "left"
		}
		proof.Proof = append(proof.Proof, models.ProofStep{Hash: sibling, Position: position})

		currentIndex /= 2
	}

	proof.Verified = VerifyProof(proof)
	return proof, nil
}

// VerifyProof recomputes the root from the leaf and its proof path.
func VerifyProof(p *models.MerkleProof) bool {
	if p == nil || p.LeafHash == "" || p.Root == "" {
		return false
	}
	current := p.LeafHash
	for _, step := range p.Proof {
		switch step.Position {
		case "right":
			current = hashPair(current, step.Hash)
		case "left":
			current = hashPair(step.Hash, current)
		default:
			return false
		}
	}
	return current == p.Root
}

// buildTree constructs the Merkle tree from leaves (internal, must hold write lock)
func (m *ReportLedger) buildTree() {
	if len(m.leaves) == 0 {
		m.root = ""
		m.layers = nil
		return
	}

	currentLayer := make([]string, len(m.leaves))
	copy(currentLayer, m.leaves)
	m.layers = [][]string{currentLayer}

	for len(currentLayer) > 1 {
		nextLayer := make([]string, 0, (len(currentLayer)+1)/2)
		for i := 0; i < len(currentLayer); i += 2 {
			left := currentLayer[i]
			right := left
			if i+1 < len(currentLayer) {
				right = currentLayer[i+1]
			}
			nextLayer = append(nextLayer, hashPair(left, right))
		}
		m.layers = append(m.layers, nextLayer)
		currentLayer = nextLayer
	}

	m.root = currentLayer[0]
}

// hashPair combines and hashes two nodes
func hashPair(left, right string) string {
	h := sha256.New()
	h.Write([]byte(left + right))
	return hex.EncodeToString(h.Sum(nil))
}

// IntegrityWorker periodically rebuilds the ledger from the report store so
// the in-memory tree never drifts from what is persisted.
type IntegrityWorker struct {
	ledger *ReportLedger
	store  database.Store
	logger *zap.SugaredLogger
}

// NewIntegrityWorker creates a new background integrity worker.
func NewIntegrityWorker(ledger *ReportLedger, store database.Store, logger *zap.SugaredLogger) *IntegrityWorker {
	return &IntegrityWorker{ledger: ledger, store: store, logger: logger}
}

// Start rebuilds immediately, then on every interval until ctx is cancelled.
func (w *IntegrityWorker) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.Rebuild(ctx)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Integrity worker stopped")
			return
		case <-ticker.C:
			w.Rebuild(ctx)
		}
	}
}

// Rebuild reloads every report digest from the store.
func (w *IntegrityWorker) Rebuild(ctx context.Context) {
	digests, err := w.store.ListReportDigests(ctx)
	if err != nil {
		w.logger.Errorw("Report ledger rebuild failed", "error", err)
		return
	}
	w.ledger.BuildFromDigests(digests)
}
