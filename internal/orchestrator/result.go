package orchestrator

import (
	"maps"
	"slices"

	"github.com/seantiz/comfyflow/internal/gateway"
	"github.com/seantiz/comfyflow/internal/workflow"
)

// Artifact is one image produced by a node and the URL it can be read from.
type Artifact struct {
	Descriptor gateway.ArtifactDescriptor `json:"descriptor"`
	URL        string                     `json:"url"`
}

// Result holds the images of a finished job keyed by node id. Nodes without
// images are absent. Within a node, artifacts keep the engine's order.
type Result struct {
	JobID   string                `json:"job_id"`
	Outputs map[string][]Artifact `json:"outputs"`
}

// NodeIDs returns the ids of nodes with images, numeric ids first in numeric
// order.
func (r *Result) NodeIDs() []string {
	return workflow.SortNodeIDs(slices.Collect(maps.Keys(r.Outputs)))
}

// URLs returns the artifact URLs of every node.
func (r *Result) URLs() map[string][]string {
	urls := make(map[string][]string, len(r.Outputs))
	for nodeID, artifacts := range r.Outputs {
		list := make([]string, len(artifacts))
		for i, a := range artifacts {
			list[i] = a.URL
		}
		urls[nodeID] = list
	}
	return urls
}

// Count returns the number of artifacts across all nodes.
func (r *Result) Count() int {
	n := 0
	for _, artifacts := range r.Outputs {
		n += len(artifacts)
	}
	return n
}
