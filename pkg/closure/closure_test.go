package closure

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pkg(root, name string, workspaceMember bool) Package {
	return Package{Root: root, ManifestPath: root + "/manifest", Name: name, WorkspaceMember: workspaceMember}
}

func edge(from, to, name string) Edge {
	return Edge{From: from, To: to, DependencyName: name}
}

func TestBuildPlanProducesDependencyFirstDeterministicOrder(t *testing.T) {
	graph := Graph{
		EntryManifestPath: "/data/projects/app/manifest",
		WorkspaceRoot:     "/data/projects",
		RootPackages:      []string{"/data/projects/app"},
		Packages: []Package{
			pkg("/data/projects/app", "app", true),
			pkg("/data/projects/lib_a", "lib_a", false),
			pkg("/data/projects/lib_b", "lib_b", false),
		},
		Edges: []Edge{
			edge("/data/projects/app", "/data/projects/lib_a", "lib_a"),
			edge("/data/projects/lib_a", "/data/projects/lib_b", "lib_b"),
		},
	}

	plan := BuildPlan(graph)
	require.True(t, plan.IsReady(), "acyclic graph should be planner-ready")
	require.Len(t, plan.SyncOrder, 3)

	roots := plan.SyncRoots()
	assert.Equal(t, []string{
		"/data/projects/lib_b",
		"/data/projects/lib_a",
		"/data/projects/app",
	}, roots, "planner must sync dependencies before dependents")

	assert.Equal(t, ReasonTransitivePathDependency, plan.SyncOrder[0].Metadata.Reason)
	assert.Equal(t, ReasonEntryPoint, plan.SyncOrder[2].Metadata.Reason)
}

func TestBuildPlanCycleFailsOpenWithStableIssueCode(t *testing.T) {
	graph := Graph{
		EntryManifestPath: "/data/projects/cycle_a/manifest",
		RootPackages:      []string{"/data/projects/cycle_a"},
		Packages: []Package{
			pkg("/data/projects/cycle_a", "cycle_a", false),
			pkg("/data/projects/cycle_b", "cycle_b", false),
		},
		Edges: []Edge{
			edge("/data/projects/cycle_a", "/data/projects/cycle_b", "cycle_b"),
			edge("/data/projects/cycle_b", "/data/projects/cycle_a", "cycle_a"),
		},
	}

	plan := BuildPlan(graph)
	assert.Equal(t, PlanFailOpen, plan.State)
	assert.True(t, plan.FailOpen)
	assert.Empty(t, plan.SyncOrder)
	require.Len(t, plan.Issues, 1)
	assert.Equal(t, "planner_non_deterministic_order", plan.Issues[0].Code)
	assert.Equal(t, RiskCritical, plan.Issues[0].Risk)
}

func TestBuildPlanEmptyGraphIsReadyWithEmptyOrder(t *testing.T) {
	plan := BuildPlan(Graph{EntryManifestPath: "/data/projects/app/manifest"})
	assert.True(t, plan.IsReady())
	assert.Empty(t, plan.SyncOrder)
}

func TestBuildPlanDiamondDependencyIsHighRisk(t *testing.T) {
	// app depends on lib_a and lib_b, both of which depend on lib_c.
	graph := Graph{
		EntryManifestPath: "/data/projects/app/manifest",
		RootPackages:      []string{"/data/projects/app"},
		Packages: []Package{
			pkg("/data/projects/app", "app", true),
			pkg("/data/projects/lib_a", "lib_a", false),
			pkg("/data/projects/lib_b", "lib_b", false),
			pkg("/data/projects/lib_c", "lib_c", false),
		},
		Edges: []Edge{
			edge("/data/projects/app", "/data/projects/lib_a", "lib_a"),
			edge("/data/projects/app", "/data/projects/lib_b", "lib_b"),
			edge("/data/projects/lib_a", "/data/projects/lib_c", "lib_c"),
			edge("/data/projects/lib_b", "/data/projects/lib_c", "lib_c"),
		},
	}

	plan := BuildPlan(graph)
	require.True(t, plan.IsReady())

	var libC SyncAction
	for _, a := range plan.SyncOrder {
		if a.PackageRoot == "/data/projects/lib_c" {
			libC = a
		}
	}
	require.NotEmpty(t, libC.PackageRoot)
	assert.Len(t, libC.Metadata.DependentRoots, 2)
	assert.Equal(t, RiskHigh, libC.Risk)
}

func TestBuildPlanSingleDependentIsMediumRisk(t *testing.T) {
	graph := Graph{
		EntryManifestPath: "/data/projects/app/manifest",
		RootPackages:      []string{"/data/projects/app"},
		Packages: []Package{
			pkg("/data/projects/app", "app", true),
			pkg("/data/projects/lib_a", "lib_a", false),
		},
		Edges: []Edge{
			edge("/data/projects/app", "/data/projects/lib_a", "lib_a"),
		},
	}

	plan := BuildPlan(graph)
	require.True(t, plan.IsReady())
	assert.Equal(t, RiskMedium, plan.SyncOrder[0].Risk)
}

func TestBuildPlanWorkspaceMemberIsLowRisk(t *testing.T) {
	graph := Graph{
		EntryManifestPath: "/data/projects/app/manifest",
		RootPackages:      []string{"/data/projects/app"},
		Packages: []Package{
			pkg("/data/projects/app", "app", true),
			pkg("/data/projects/sibling", "sibling", true),
		},
		Edges: []Edge{
			edge("/data/projects/app", "/data/projects/sibling", "sibling"),
		},
	}

	plan := BuildPlan(graph)
	require.True(t, plan.IsReady())
	for _, a := range plan.SyncOrder {
		if a.PackageRoot == "/data/projects/sibling" {
			assert.Equal(t, RiskLow, a.Risk)
			assert.Equal(t, ReasonWorkspaceMember, a.Metadata.Reason)
		}
	}
}

func TestRiskClassString(t *testing.T) {
	assert.Equal(t, "low", RiskLow.String())
	assert.Equal(t, "medium", RiskMedium.String())
	assert.Equal(t, "high", RiskHigh.String())
	assert.Equal(t, "critical", RiskCritical.String())
}

func TestSyncRootsMatchesOrderIndex(t *testing.T) {
	graph := Graph{
		EntryManifestPath: "/data/projects/app/manifest",
		Packages: []Package{
			pkg("/data/projects/app", "app", true),
			pkg("/data/projects/lib_a", "lib_a", false),
		},
		Edges: []Edge{
			edge("/data/projects/app", "/data/projects/lib_a", "lib_a"),
		},
	}
	plan := BuildPlan(graph)
	for i, a := range plan.SyncOrder {
		assert.Equal(t, i, a.OrderIndex)
	}
	assert.Equal(t, plan.CanonicalRoots, plan.SyncRoots())
}
