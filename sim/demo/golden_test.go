package demo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgrid/agentgrid/sim"
	"github.com/agentgrid/agentgrid/sim/cluster"
	"github.com/agentgrid/agentgrid/sim/internal/testutil"
	"github.com/agentgrid/agentgrid/sim/store"
)

// TestHealth_GoldenDataset replays every health reference run and checks
// the exact write counts and committed totals.
func TestHealth_GoldenDataset(t *testing.T) {
	dataset := testutil.LoadGoldenDataset(t)
	require.NotEmpty(t, dataset.Tests)

	for _, tc := range dataset.Tests {
		if tc.Sim != "health" {
			continue
		}
		t.Run(tc.Name, func(t *testing.T) {
			// GIVEN the golden population, codec and assigner
			codec, err := sim.NewCodec(tc.Codec)
			require.NoError(t, err)
			assigner, err := cluster.NewAssigner(tc.Assigner)
			require.NoError(t, err)
			st := store.NewMemory()
			defer st.Close()
			m := cluster.NewManager[HealthState, HealthWorld, ChangeHealth](st, cluster.ManagerConfig{
				Codec:    codec,
				Assigner: assigner,
			})
			ctx := context.Background()
			ids, err := m.Spawns(ctx, HealthPopulation(tc.Active, tc.Dormant))
			require.NoError(t, err)

			// WHEN the run completes
			summary, err := m.Run(ctx, Health{}, HealthWorld{Delta: tc.Delta}, runConfig(tc.Steps, tc.Workers))
			require.NoError(t, err)

			// THEN the counters match exactly
			assert.Equal(t, tc.Steps, summary.Steps, "steps")
			assert.Equal(t, tc.Metrics.Writes, summary.Writes, "writes")
			assert.Equal(t, tc.Metrics.Unchanged, summary.Unchanged, "unchanged")
			assert.Equal(t, tc.Metrics.QueuedRemote, summary.QueuedRemote, "queued_remote")
			assert.Equal(t, tc.Metrics.Failures, summary.Failures, "failures")

			// AND the committed population sums to the golden total
			sum := 0
			for _, id := range ids {
				s, err := m.Lookup(ctx, id)
				require.NoError(t, err)
				sum += s.Health
			}
			assert.Equal(t, tc.Metrics.HealthSum, sum, "health_sum")
			testutil.AssertFloat64Equal(t, "mean_health", tc.Metrics.MeanHealth, float64(sum)/float64(len(ids)), 1e-9)
		})
	}
}
