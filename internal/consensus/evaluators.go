package consensus

import "fmt"

// Evaluator decides the local vote on a proposal's data and explains it.
type Evaluator func(data map[string]interface{}) (vote bool, reasoning string)

// Well-known proposal types.
const (
	ProposalTrafficSignalTiming = "traffic_signal_timing"
	ProposalQueuePriority       = "queue_priority"
	ProposalEmergencyProtocol   = "emergency_protocol"
	ProposalLoadBalancing       = "load_balancing"
)

// getFloat reads a numeric field out of a schemaless proposal data map.
func getFloat(data map[string]interface{}, key string) float64 {
	switch v := data[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}

// defaultEvaluators returns the built-in evaluator table keyed by
// proposal type.
func defaultEvaluators() map[string]Evaluator {
	return map[string]Evaluator{
		ProposalTrafficSignalTiming: func(data map[string]interface{}) (bool, string) {
			load := getFloat(data, "traffic_load")
			improvement := getFloat(data, "expected_improvement")
			if load > 0.6 && improvement > 0.1 {
				return true, fmt.Sprintf("traffic load %.2f with expected improvement %.2f", load, improvement)
			}
			return false, fmt.Sprintf("insufficient load %.2f or improvement %.2f", load, improvement)
		},
		ProposalQueuePriority: func(data map[string]interface{}) (bool, string) {
			length := getFloat(data, "queue_length")
			waitTime := getFloat(data, "average_wait_time")
			if length > 10 && waitTime > 300 {
				return true, fmt.Sprintf("queue length %.0f with wait time %.0fs", length, waitTime)
			}
			return false, fmt.Sprintf("queue length %.0f or wait time %.0fs below thresholds", length, waitTime)
		},
		ProposalEmergencyProtocol: func(data map[string]interface{}) (bool, string) {
			level := getFloat(data, "emergency_level")
			confidence := getFloat(data, "confidence")
			if level >= 3 && confidence > 0.8 {
				return true, fmt.Sprintf("emergency level %.0f at confidence %.2f", level, confidence)
			}
			return false, fmt.Sprintf("emergency level %.0f or confidence %.2f insufficient", level, confidence)
		},
		ProposalLoadBalancing: func(data map[string]interface{}) (bool, string) {
			localLoad := getFloat(data, "local_load")
			targetLoad := getFloat(data, "target_load")
			if localLoad > 0.8 && targetLoad < localLoad {
				return true, fmt.Sprintf("local load %.2f above target %.2f", localLoad, targetLoad)
			}
			return false, fmt.Sprintf("local load %.2f does not warrant rebalancing", localLoad)
		},
	}
}

// defaultEvaluate is the fallback for unknown proposal types.
func defaultEvaluate(data map[string]interface{}) (bool, string) {
	confidence := getFloat(data, "confidence")
	if confidence > 0.7 {
		return true, fmt.Sprintf("proposal confidence %.2f", confidence)
	}
	return false, fmt.Sprintf("proposal confidence %.2f too low", confidence)
}
