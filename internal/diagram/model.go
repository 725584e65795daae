package diagram

// NodeKind classifies a diagram node by its workflow step type.
type NodeKind string

const (
	NodeKindStart    NodeKind = "start"
	NodeKindAgent    NodeKind = "agent"
	NodeKindHuman    NodeKind = "human"
	NodeKindParallel NodeKind = "parallel"
	NodeKindJoin     NodeKind = "join"
	NodeKindSubRun   NodeKind = "sub_workflow"
	NodeKindAPICall  NodeKind = "api_call"
	NodeKindEnd      NodeKind = "end"
)

// Model is the intermediate representation used by all renderers.
type Model struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node represents a single step in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries runtime state for a node, taken from a run's
// replayed step traces.
type StatusOverlay struct {
	Status     string
	DurationMs int64
	RetryCount int
}

// Edge is a directed transition between two nodes.
type Edge struct {
	From  string
	To    string
	Label string
}
