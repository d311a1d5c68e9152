package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/complyops/playbook-runner/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func digests(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%064x", i+1)
	}
	return out
}

func TestReportLedger_ProofsVerifyForEveryLeaf(t *testing.T) {
	for _, n := range []int{1, 2, 3, 5, 8, 13} {
		t.Run(fmt.Sprintf("%d leaves", n), func(t *testing.T) {
			ledger := NewReportLedger(zap.NewNop().Sugar())
			ledger.BuildFromDigests(digests(n))
			require.Equal(t, n, ledger.GetLeafCount())

			for i := 0; i < n; i++ {
				proof, err := ledger.GetProof(i)
				require.NoError(t, err)
				assert.True(t, proof.Verified, "leaf %d", i)
				assert.True(t, VerifyProof(proof))
			}
		})
	}
}

func TestReportLedger_TamperedProofFails(t *testing.T) {
	ledger := NewReportLedger(zap.NewNop().Sugar())
	ledger.BuildFromDigests(digests(4))

	proof, err := ledger.GetProof(2)
	require.NoError(t, err)

	proof.LeafHash = fmt.Sprintf("%064x", 99)
	assert.False(t, VerifyProof(proof))

	proof, _ = ledger.GetProof(2)
	proof.Proof[0].Position = "up"
	assert.False(t, VerifyProof(proof))

	assert.False(t, VerifyProof(nil))
}

func TestReportLedger_AppendMatchesRebuild(t *testing.T) {
	appended := NewReportLedger(zap.NewNop().Sugar())
	for i, d := range digests(5) {
		assert.Equal(t, i, appended.AppendIfAbsent(d))
	}

	rebuilt := NewReportLedger(zap.NewNop().Sugar())
	rebuilt.BuildFromDigests(digests(5))

	assert.Equal(t, rebuilt.GetRoot(), appended.GetRoot())
	assert.Equal(t, 3, appended.IndexOf(digests(5)[3]))
	assert.Equal(t, -1, appended.IndexOf("nope"))
}

func TestReportLedger_AppendIfAbsentKeepsOneLeafPerDigest(t *testing.T) {
	ledger := NewReportLedger(zap.NewNop().Sugar())
	ledger.BuildFromDigests(digests(3))

	assert.Equal(t, 1, ledger.AppendIfAbsent(digests(3)[1]))
	assert.Equal(t, 3, ledger.GetLeafCount())

	late := fmt.Sprintf("%064x", 42)
	assert.Equal(t, 3, ledger.AppendIfAbsent(late))
	assert.Equal(t, 3, ledger.AppendIfAbsent(late))
	assert.Equal(t, 4, ledger.GetLeafCount())
}

// A rebuild from a store read taken before a report was appended must not
// drop that report, and one taken after must not duplicate it.
func TestReportLedger_RebuildRacingAppend(t *testing.T) {
	ledger := NewReportLedger(zap.NewNop().Sugar())
	stale := digests(2)
	late := fmt.Sprintf("%064x", 42)
	ledger.BuildFromDigests(stale)
	ledger.AppendIfAbsent(late)

	ledger.BuildFromDigests(stale)
	assert.Equal(t, 3, ledger.GetLeafCount())
	assert.Equal(t, 2, ledger.IndexOf(late))

	ledger.BuildFromDigests([]string{late, stale[0], stale[1]})
	assert.Equal(t, 3, ledger.GetLeafCount())
	assert.Equal(t, 0, ledger.IndexOf(late), "store order wins")

	proof, err := ledger.GetProof(ledger.IndexOf(late))
	require.NoError(t, err)
	assert.True(t, proof.Verified)
}

func TestReportLedger_ProofOutOfRange(t *testing.T) {
	ledger := NewReportLedger(zap.NewNop().Sugar())
	_, err := ledger.GetProof(0)
	assert.Error(t, err)
	assert.Empty(t, ledger.GetRoot())
}

func TestIntegrityWorker_RebuildsFromStore(t *testing.T) {
	store := database.NewMemoryStore()
	ctx := context.Background()
	for i, d := range digests(3) {
		require.NoError(t, store.SaveReport(ctx, database.ReportRecord{
			IncidentID:  fmt.Sprintf("inc-%d", i),
			Digest:      d,
			FinalizedAt: testNow.Add(time.Duration(i) * time.Minute),
		}))
	}

	ledger := NewReportLedger(zap.NewNop().Sugar())
	NewIntegrityWorker(ledger, store, zap.NewNop().Sugar()).Rebuild(ctx)

	assert.Equal(t, 3, ledger.GetLeafCount())
	assert.Equal(t, 0, ledger.IndexOf(digests(3)[0]))
	assert.False(t, ledger.GetLastBuildTime().IsZero())
}
