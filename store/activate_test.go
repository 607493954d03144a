package store

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStagingRow(t *testing.T) {
	clusterID := int64(11)
	prob := 0.7
	row := stagingRow(OpinionAnalytics{
		OpinionID:           5,
		MajorityProbability: &prob,
		Clusters:            [MaxClusters]ClusterCounts{{ClusterID: &clusterID, Agrees: 3, Disagrees: 1, Passes: 2}},
	})

	require.Len(t, row, len(stagingColumns))
	assert.Equal(t, int64(5), row[0])
	assert.Nil(t, row[6].(*float64), "probability without a majority type is dropped")
	assert.Equal(t, []any{int64(11), int64(3), int64(1), int64(2)}, row[7:11])
	for _, v := range row[11:] {
		assert.Nil(t, v)
	}
}

func TestStagingSQLCoversEverySlot(t *testing.T) {
	create := createStagingSQL()
	apply := applyStagingSQL()
	for _, col := range stagingColumns {
		assert.Contains(t, create, col)
	}
	assert.Equal(t, MaxClusters, strings.Count(apply, "_num_passes = "))
	assert.Contains(t, apply, "cluster_5_id = s.c5_id")
	assert.Contains(t, apply, "polis_majority_type = s.majority_type::vote_enum_simple")
}
