package coordinator

import (
	"sort"
	"time"
)

// NodeInfo is one node in the topology view.
type NodeInfo struct {
	NodeID      string    `json:"node_id"`
	Role        string    `json:"role"`
	Connections []string  `json:"connections"`
	LastSeen    time.Time `json:"last_seen"`
}

// TopologySnapshot is a consistent copy of the topology view.
type TopologySnapshot struct {
	Nodes    map[string]NodeInfo `json:"nodes"`
	Clusters [][]string          `json:"clusters"`
	Leaders  []string            `json:"leaders"`
}

// topology tracks known nodes and their direct connections. Not safe for
// concurrent use; the coordinator serializes access.
type topology struct {
	nodes map[string]*NodeInfo
}

func newTopology() *topology {
	return &topology{nodes: make(map[string]*NodeInfo)}
}

// upsert records a node and its direct connections.
func (t *topology) upsert(nodeID, role string, connections []string, seen time.Time) {
	node, exists := t.nodes[nodeID]
	if !exists {
		node = &NodeInfo{NodeID: nodeID}
		t.nodes[nodeID] = node
	}
	if role != "" {
		node.Role = role
	}
	if connections != nil {
		node.Connections = append([]string(nil), connections...)
	}
	if seen.After(node.LastSeen) {
		node.LastSeen = seen
	}
}

func (t *topology) remove(nodeID string) {
	delete(t.nodes, nodeID)
}

// clusters returns the connected components of the known graph, each sorted,
// components ordered by their first member.
func (t *topology) clusters() [][]string {
	visited := make(map[string]bool, len(t.nodes))
	var components [][]string

	ids := make([]string, 0, len(t.nodes))
	for id := range t.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, start := range ids {
		if visited[start] {
			continue
		}

		var component []string
		stack := []string{start}
		for len(stack) > 0 {
			id := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if visited[id] {
				continue
			}
			visited[id] = true
			component = append(component, id)

			if node, known := t.nodes[id]; known {
				for _, peer := range node.Connections {
					if _, tracked := t.nodes[peer]; tracked && !visited[peer] {
						stack = append(stack, peer)
					}
				}
			}
			// Edges are logical and may be reported one-sided.
			for _, other := range ids {
				if visited[other] {
					continue
				}
				if node, known := t.nodes[other]; known && contains(node.Connections, id) {
					stack = append(stack, other)
				}
			}
		}

		sort.Strings(component)
		components = append(components, component)
	}
	return components
}

// leaders lists nodes holding the leader role, sorted.
func (t *topology) leaders() []string {
	var leaders []string
	for id, node := range t.nodes {
		if node.Role == string(RoleLeader) {
			leaders = append(leaders, id)
		}
	}
	sort.Strings(leaders)
	return leaders
}

func (t *topology) snapshot() TopologySnapshot {
	nodes := make(map[string]NodeInfo, len(t.nodes))
	for id, node := range t.nodes {
		copied := *node
		copied.Connections = append([]string(nil), node.Connections...)
		nodes[id] = copied
	}
	return TopologySnapshot{
		Nodes:    nodes,
		Clusters: t.clusters(),
		Leaders:  t.leaders(),
	}
}

func contains(list []string, target string) bool {
	for _, item := range list {
		if item == target {
			return true
		}
	}
	return false
}
