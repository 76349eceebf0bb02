// Package closure plans the sync order for a project's path-dependency
// closure: given an entry manifest and its resolved dependency graph,
// it produces a deterministic, dependency-first order of canonical
// roots a worker must receive before the entry project can build. It
// never panics and never attempts to break a cycle — a cycle or any
// other unverifiable graph state produces a FailOpen plan with an
// empty sync order instead.
package closure

import (
	"fmt"
	"sort"
)

// PlanState is the planner's lifecycle state for one closure plan.
type PlanState string

const (
	PlanReady    PlanState = "ready"
	PlanFailOpen PlanState = "fail_open"
)

// RiskClass is the risk attached to one sync action or planner issue.
type RiskClass int

const (
	RiskLow RiskClass = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r RiskClass) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// SyncReason explains why a root is included in the closure plan.
type SyncReason string

const (
	ReasonEntryPoint              SyncReason = "entry_point"
	ReasonWorkspaceMember         SyncReason = "workspace_member"
	ReasonTransitivePathDependency SyncReason = "transitive_path_dependency"
)

// Package is one node in the dependency graph, keyed by its canonical
// root path.
type Package struct {
	Root            string
	ManifestPath    string
	Name            string
	WorkspaceMember bool
}

// Edge is a directed dependency: From depends on To.
type Edge struct {
	From           string
	To             string
	DependencyName string
}

// Graph is the resolved dependency graph for one entry manifest.
type Graph struct {
	EntryManifestPath string
	WorkspaceRoot     string // empty if none
	RootPackages      []string
	Packages          []Package
	Edges             []Edge
}

// SyncMetadata is the structured reason attached to one sync action.
type SyncMetadata struct {
	Reason                  SyncReason
	WorkspaceMember         bool
	RootPackage             bool
	InboundDependencyNames  []string
	DependentRoots          []string
	Notes                   []string
}

// SyncAction is one deterministic step in the sync order.
type SyncAction struct {
	OrderIndex   int
	PackageRoot  string
	ManifestPath string
	PackageName string
	Risk         RiskClass
	Metadata     SyncMetadata
}

// Issue is a structured planner issue emitted for an unsafe or
// unverifiable closure state.
type Issue struct {
	Code        string
	Message     string
	Risk        RiskClass
	Diagnostics []string
}

// Plan is the transfer/preflight-ready dependency closure plan.
type Plan struct {
	State             PlanState
	EntryManifestPath string
	WorkspaceRoot     string
	CanonicalRoots    []string
	SyncOrder         []SyncAction
	FailOpen          bool
	FailOpenReason    string
	Issues            []Issue
}

// IsReady reports whether the plan is safe for direct consumption by
// the sync stage.
func (p Plan) IsReady() bool {
	return p.State == PlanReady && !p.FailOpen
}

// SyncRoots returns the canonical roots in planner sync order.
func (p Plan) SyncRoots() []string {
	roots := make([]string, len(p.SyncOrder))
	for i, a := range p.SyncOrder {
		roots[i] = a.PackageRoot
	}
	return roots
}

// BuildPlan builds a deterministic sync-order plan from a resolved
// dependency graph. It never errors: any graph that can't be ordered
// deterministically (a cycle) produces a FailOpen plan instead.
func BuildPlan(graph Graph) Plan {
	packageByRoot := make(map[string]Package, len(graph.Packages))
	for _, p := range graph.Packages {
		packageByRoot[p.Root] = p
	}

	order, ok := dependencyFirstOrder(graph.Packages, graph.Edges)
	if !ok {
		return Plan{
			State:             PlanFailOpen,
			EntryManifestPath: graph.EntryManifestPath,
			WorkspaceRoot:     graph.WorkspaceRoot,
			FailOpen:          true,
			FailOpenReason:    "planner could not derive deterministic order from dependency graph",
			Issues: []Issue{{
				Code:    "planner_non_deterministic_order",
				Message: "dependency graph order is unverifiable; planner switched to fail-open",
				Risk:    RiskCritical,
				Diagnostics: []string{
					fmt.Sprintf("packages=%d", len(graph.Packages)),
					fmt.Sprintf("edges=%d", len(graph.Edges)),
				},
			}},
		}
	}

	entryRoot := parentDir(graph.EntryManifestPath)

	rootPackages := make(map[string]struct{}, len(graph.RootPackages))
	for _, r := range graph.RootPackages {
		rootPackages[r] = struct{}{}
	}

	inboundNames := make(map[string]map[string]struct{})
	dependentRoots := make(map[string]map[string]struct{})
	for _, e := range graph.Edges {
		if inboundNames[e.To] == nil {
			inboundNames[e.To] = make(map[string]struct{})
		}
		inboundNames[e.To][e.DependencyName] = struct{}{}
		if dependentRoots[e.To] == nil {
			dependentRoots[e.To] = make(map[string]struct{})
		}
		dependentRoots[e.To][e.From] = struct{}{}
	}

	syncOrder := make([]SyncAction, 0, len(order))
	for i, root := range order {
		pkg, ok := packageByRoot[root]
		if !ok {
			pkg = Package{Root: root, ManifestPath: root + "/manifest", Name: baseName(root)}
		}

		var reason SyncReason
		switch {
		case pkg.Root == entryRoot:
			reason = ReasonEntryPoint
		case pkg.WorkspaceMember:
			reason = ReasonWorkspaceMember
		default:
			reason = ReasonTransitivePathDependency
		}

		inbound := sortedKeys(inboundNames[pkg.Root])
		dependents := sortedKeys(dependentRoots[pkg.Root])

		_, isRoot := rootPackages[pkg.Root]
		risk := classifySyncRisk(reason, len(dependents))

		syncOrder = append(syncOrder, SyncAction{
			OrderIndex:   i,
			PackageRoot:  pkg.Root,
			ManifestPath: pkg.ManifestPath,
			PackageName:  pkg.Name,
			Risk:         risk,
			Metadata: SyncMetadata{
				Reason:                 reason,
				WorkspaceMember:        pkg.WorkspaceMember,
				RootPackage:            isRoot,
				InboundDependencyNames: inbound,
				DependentRoots:         dependents,
				Notes:                  []string{fmt.Sprintf("dependent_root_count=%d", len(dependents))},
			},
		})
	}

	canonicalRoots := make([]string, len(syncOrder))
	for i, a := range syncOrder {
		canonicalRoots[i] = a.PackageRoot
	}

	return Plan{
		State:             PlanReady,
		EntryManifestPath: graph.EntryManifestPath,
		WorkspaceRoot:     graph.WorkspaceRoot,
		CanonicalRoots:    canonicalRoots,
		SyncOrder:         syncOrder,
		FailOpen:          false,
	}
}

func classifySyncRisk(reason SyncReason, dependentRootCount int) RiskClass {
	switch reason {
	case ReasonEntryPoint, ReasonWorkspaceMember:
		return RiskLow
	case ReasonTransitivePathDependency:
		if dependentRootCount > 1 {
			return RiskHigh
		}
		return RiskMedium
	default:
		return RiskMedium
	}
}

// dependencyFirstOrder computes a Kahn's-algorithm topological order
// over the package graph, dependency before dependent. Ties are broken
// by sorting the ready set lexicographically on each step so the
// result is deterministic across runs. Returns ok=false on a cycle.
func dependencyFirstOrder(packages []Package, edges []Edge) ([]string, bool) {
	nodes := make(map[string]struct{})
	for _, p := range packages {
		nodes[p.Root] = struct{}{}
	}
	for _, e := range edges {
		nodes[e.From] = struct{}{}
		nodes[e.To] = struct{}{}
	}

	indegree := make(map[string]int, len(nodes))
	for n := range nodes {
		indegree[n] = 0
	}
	dependentsByDependency := make(map[string]map[string]struct{})

	for _, e := range edges {
		if _, ok := indegree[e.From]; !ok {
			return nil, false
		}
		indegree[e.From]++
		if dependentsByDependency[e.To] == nil {
			dependentsByDependency[e.To] = make(map[string]struct{})
		}
		dependentsByDependency[e.To][e.From] = struct{}{}
	}

	ready := make(map[string]struct{})
	for n, d := range indegree {
		if d == 0 {
			ready[n] = struct{}{}
		}
	}

	order := make([]string, 0, len(nodes))
	for len(ready) > 0 {
		node := popMin(ready)
		order = append(order, node)
		for dependent := range dependentsByDependency[node] {
			d, ok := indegree[dependent]
			if !ok || d == 0 {
				return nil, false
			}
			d--
			indegree[dependent] = d
			if d == 0 {
				ready[dependent] = struct{}{}
			}
		}
	}

	if len(order) != len(nodes) {
		return nil, false
	}
	return order, true
}

// popMin removes and returns the lexicographically smallest key from
// a set, mirroring BTreeSet::pop_first for deterministic tie-breaking.
func popMin(set map[string]struct{}) string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	min := keys[0]
	delete(set, min)
	return min
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func parentDir(manifestPath string) string {
	for i := len(manifestPath) - 1; i >= 0; i-- {
		if manifestPath[i] == '/' {
			return manifestPath[:i]
		}
	}
	return "/"
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
