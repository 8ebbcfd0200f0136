package fusion

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// Two edges observing the same physical queue from overlapping coverage.
func twoEdgeObservations() (Observation, Observation) {
	a := Observation{
		ID:         "A_1",
		Center:     Point{X: 50, Y: 50},
		Length:     20,
		WaitTime:   120,
		Density:    0.6,
		Direction:  Vector{X: 1, Y: 0},
		Confidence: 0.8,
		Timestamp:  100.0,
		QueueType:  QueueVehicle,
	}
	b := Observation{
		ID:         "B_1",
		Center:     Point{X: 52, Y: 50},
		Length:     22,
		WaitTime:   130,
		Density:    0.7,
		Direction:  Vector{X: 0.95, Y: 0.05},
		Confidence: 0.7,
		Timestamp:  100.1,
		QueueType:  QueueVehicle,
	}
	return a, b
}

func TestCorrelationScoreCloseObservations(t *testing.T) {
	a, b := twoEdgeObservations()

	score := correlationScore(a, b)
	assert.InDelta(t, 0.99, score, 0.01)
	assert.Greater(t, score, correlationThreshold)
}

func TestCorrelationScoreFarApart(t *testing.T) {
	a, b := twoEdgeObservations()
	b.Center = Point{X: 500, Y: 500}

	assert.Less(t, correlationScore(a, b), correlationThreshold)
}

func TestCorrelationScoreStaleObservation(t *testing.T) {
	a, b := twoEdgeObservations()
	b.Timestamp = a.Timestamp + 300

	assert.Less(t, correlationScore(a, b), correlationThreshold)
}

func TestDirectionSimilarityZeroVector(t *testing.T) {
	assert.Equal(t, 0.0, directionSimilarity(Vector{}, Vector{X: 1, Y: 0}))
	assert.Equal(t, 0.0, directionSimilarity(Vector{X: 1, Y: 0}, Vector{}))
}

func TestDirectionSimilarityOpposedFloorsAtZero(t *testing.T) {
	sim := directionSimilarity(Vector{X: 1, Y: 0}, Vector{X: -1, Y: 0})
	assert.Equal(t, 0.0, sim)
}

func TestMergeObservations(t *testing.T) {
	a, b := twoEdgeObservations()

	merged := mergeObservations("A", "B", a, b)

	assert.Equal(t, "global_A_B_100", merged.QueueID)
	assert.Equal(t, "A", merged.PrimaryEdge)
	assert.ElementsMatch(t, []string{"A", "B"}, merged.ContributingEdges)
	assert.InDelta(t, 20.93, merged.Length, 0.01)
	assert.InDelta(t, 0.75, merged.Confidence, 1e-9)
	assert.InDelta(t, 0.65, merged.Density, 1e-9)
	assert.Equal(t, Vector{X: 1, Y: 0}, merged.Direction)
}

func TestMergeObservationsCommutative(t *testing.T) {
	a, b := twoEdgeObservations()

	forward := mergeObservations("A", "B", a, b)
	reverse := mergeObservations("B", "A", b, a)

	assert.Equal(t, forward.QueueID, reverse.QueueID)
	assert.Equal(t, forward.PrimaryEdge, reverse.PrimaryEdge)
	assert.InDelta(t, forward.Length, reverse.Length, 1e-9)
	assert.InDelta(t, forward.Confidence, reverse.Confidence, 1e-9)
}

func TestMergeObservationsMixedType(t *testing.T) {
	a, b := twoEdgeObservations()
	b.QueueType = QueuePedestrian

	merged := mergeObservations("A", "B", a, b)
	assert.Equal(t, QueueMixed, merged.QueueType)
}

func TestCoverageOverlap(t *testing.T) {
	a := []Point{{X: 0, Y: 0}, {X: 100, Y: 0}, {X: 100, Y: 100}, {X: 0, Y: 100}}
	b := []Point{{X: 80, Y: 0}, {X: 180, Y: 0}, {X: 180, Y: 100}, {X: 80, Y: 100}}

	assert.InDelta(t, 0.2, coverageOverlap(a, b), 1e-9)
	assert.InDelta(t, 0.2, coverageOverlap(b, a), 1e-9)
}

func TestCoverageOverlapDisjoint(t *testing.T) {
	a := []Point{{X: 0, Y: 0}, {X: 10, Y: 10}}
	b := []Point{{X: 20, Y: 20}, {X: 30, Y: 30}}

	assert.Equal(t, 0.0, coverageOverlap(a, b))
}

func TestCoverageOverlapEmpty(t *testing.T) {
	assert.Equal(t, 0.0, coverageOverlap(nil, []Point{{X: 0, Y: 0}, {X: 1, Y: 1}}))
}
