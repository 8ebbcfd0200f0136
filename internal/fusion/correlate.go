package fusion

import (
	"fmt"
	"math"
)

// Correlation weights and thresholds.
const (
	spatialWeight   = 0.4
	temporalWeight  = 0.3
	directionWeight = 0.3

	spatialRange  = 100.0 // units beyond which observations cannot match
	temporalRange = 60.0  // seconds beyond which observations cannot match

	correlationThreshold = 0.7
	overlapThreshold     = 0.1
	eventProximityUnits  = 50.0
)

func distance(a, b Point) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

// directionSimilarity is the cosine between two direction vectors, floored at
// zero. A zero-magnitude vector correlates with nothing.
func directionSimilarity(a, b Vector) float64 {
	magA := math.Hypot(a.X, a.Y)
	magB := math.Hypot(b.X, b.Y)
	if magA == 0 || magB == 0 {
		return 0
	}

	cos := (a.X*b.X + a.Y*b.Y) / (magA * magB)
	return math.Max(0, cos)
}

// correlationScore scores how likely two observations describe the same
// physical queue, in [0, 1].
func correlationScore(a, b Observation) float64 {
	spatial := math.Max(0, 1-distance(a.Center, b.Center)/spatialRange)
	temporal := math.Max(0, 1-math.Abs(a.Timestamp-b.Timestamp)/temporalRange)
	direction := directionSimilarity(a.Direction, b.Direction)

	return spatialWeight*spatial + temporalWeight*temporal + directionWeight*direction
}

// mergeObservations fuses two correlated observations from edges p and q into
// a DistributedQueue. Scalars are confidence-weighted, densities averaged,
// the direction inherits from the first contributor and the primary edge is
// the lexicographically smaller one.
func mergeObservations(p, q string, a, b Observation) *DistributedQueue {
	first, second := p, q
	if second < first {
		first, second = second, first
		a, b = b, a
	}

	total := a.Confidence + b.Confidence
	wa, wb := 0.5, 0.5
	if total > 0 {
		wa = a.Confidence / total
		wb = b.Confidence / total
	}

	queueType := a.QueueType
	if a.QueueType != b.QueueType {
		queueType = QueueMixed
	}
	if queueType == "" {
		queueType = QueueUnknown
	}

	return &DistributedQueue{
		QueueID:           fmt.Sprintf("global_%s_%s_%d", first, second, int64(math.Floor(a.Timestamp))),
		PrimaryEdge:       first,
		ContributingEdges: []string{first, second},
		QueueType:         queueType,
		Location: Point{
			X: wa*a.Center.X + wb*b.Center.X,
			Y: wa*a.Center.Y + wb*b.Center.Y,
		},
		Length:          wa*a.Length + wb*b.Length,
		AverageWaitTime: wa*a.WaitTime + wb*b.WaitTime,
		Density:         (a.Density + b.Density) / 2,
		Direction:       a.Direction,
		Confidence:      math.Min(1, total/2),
		LastUpdated:     math.Max(a.Timestamp, b.Timestamp),
	}
}

// boundingBox returns the axis-aligned bounds of a polygon.
func boundingBox(polygon []Point) (min, max Point, ok bool) {
	if len(polygon) == 0 {
		return Point{}, Point{}, false
	}

	min, max = polygon[0], polygon[0]
	for _, p := range polygon[1:] {
		min.X = math.Min(min.X, p.X)
		min.Y = math.Min(min.Y, p.Y)
		max.X = math.Max(max.X, p.X)
		max.Y = math.Max(max.Y, p.Y)
	}
	return min, max, true
}

// coverageOverlap estimates how much two coverage areas overlap as the
// bounding-box intersection area over the smaller box area, in [0, 1].
func coverageOverlap(a, b []Point) float64 {
	minA, maxA, okA := boundingBox(a)
	minB, maxB, okB := boundingBox(b)
	if !okA || !okB {
		return 0
	}

	ix := math.Min(maxA.X, maxB.X) - math.Max(minA.X, minB.X)
	iy := math.Min(maxA.Y, maxB.Y) - math.Max(minA.Y, minB.Y)
	if ix <= 0 || iy <= 0 {
		return 0
	}

	areaA := (maxA.X - minA.X) * (maxA.Y - minA.Y)
	areaB := (maxB.X - minB.X) * (maxB.Y - minB.Y)
	smaller := math.Min(areaA, areaB)
	if smaller <= 0 {
		return 0
	}

	return math.Min(1, (ix*iy)/smaller)
}
