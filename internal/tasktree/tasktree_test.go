package tasktree

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMerge_CreatesRootOnFirstUpdate(t *testing.T) {
	t.Parallel()

	tree := New()
	require.NoError(t, tree.Merge([]byte(`{"id": "root", "description": "do the thing", "status": "in_progress"}`)))

	require.Equal(t, "root", tree.RootID)
	require.Equal(t, StatusInProgress, tree.Status("root"))
}

func TestMerge_WrappedTreeUpdateShape(t *testing.T) {
	t.Parallel()

	tree := New()
	require.NoError(t, tree.Merge([]byte(`{"tree_update": {"id": "root", "status": "ready"}}`)))
	require.Equal(t, StatusReady, tree.Status("root"))
}

func TestMerge_BatchOfUpdates(t *testing.T) {
	t.Parallel()

	tree := New()
	require.NoError(t, tree.Merge([]byte(`[{"id": "root", "children": ["a", "b"]}, {"id": "a", "status": "done"}]`)))

	require.Equal(t, StatusDone, tree.Status("a"))
	require.Equal(t, StatusPending, tree.Status("b"))
}

func TestMerge_UnknownStatusNormalizesToPending(t *testing.T) {
	t.Parallel()

	tree := New()
	require.NoError(t, tree.Merge([]byte(`{"id": "root", "status": "nonsense"}`)))
	require.Equal(t, StatusPending, tree.Status("root"))
}

func TestMerge_DoneIsTerminal(t *testing.T) {
	t.Parallel()

	tree := New()
	require.NoError(t, tree.Merge([]byte(`{"id": "root", "status": "done"}`)))
	require.NoError(t, tree.Merge([]byte(`{"id": "root", "status": "failed"}`)))

	require.Equal(t, StatusDone, tree.Status("root"), "a DONE node must never regress")
}

func TestSetStatus_DoneIsTerminal(t *testing.T) {
	t.Parallel()

	tree := New()
	require.NoError(t, tree.Merge([]byte(`{"id": "root"}`)))
	tree.SetStatus("root", StatusDone)
	tree.SetStatus("root", StatusFailed)

	require.Equal(t, StatusDone, tree.Status("root"))
}

func TestMerge_FailurePropagatesBlockedToAncestors(t *testing.T) {
	t.Parallel()

	tree := New()
	require.NoError(t, tree.Merge([]byte(`[
		{"id": "root", "children": ["mid"]},
		{"id": "mid", "children": ["leaf"]}
	]`)))
	require.NoError(t, tree.Merge([]byte(`{"id": "leaf", "status": "failed"}`)))

	require.Equal(t, StatusFailed, tree.Status("leaf"))
	require.Equal(t, StatusBlocked, tree.Status("mid"))
	require.Equal(t, StatusBlocked, tree.Status("root"))
}

func TestMerge_FailurePropagationStopsAtDoneAncestor(t *testing.T) {
	t.Parallel()

	tree := New()
	require.NoError(t, tree.Merge([]byte(`[
		{"id": "root", "status": "done", "children": ["mid"]},
		{"id": "mid", "children": ["leaf"]}
	]`)))
	require.NoError(t, tree.Merge([]byte(`{"id": "leaf", "status": "failed"}`)))

	require.Equal(t, StatusBlocked, tree.Status("mid"))
	require.Equal(t, StatusDone, tree.Status("root"), "a DONE ancestor must not be blocked by a later sibling failure")
}

func TestRootDone(t *testing.T) {
	t.Parallel()

	tree := New()
	require.False(t, tree.RootDone())

	require.NoError(t, tree.Merge([]byte(`{"id": "root", "status": "in_progress"}`)))
	require.False(t, tree.RootDone())

	tree.SetStatus("root", StatusDone)
	require.True(t, tree.RootDone())
}

func TestRender_IndentsChildrenUnderParent(t *testing.T) {
	t.Parallel()

	tree := New()
	require.NoError(t, tree.Merge([]byte(`[
		{"id": "root", "description": "top", "children": ["a"]},
		{"id": "a", "description": "child"}
	]`)))

	out := tree.Render()
	require.Contains(t, out, "root: top")
	require.Contains(t, out, "  - [PENDING] a: child")
}

func TestToJSON_RoundTripsNodes(t *testing.T) {
	t.Parallel()

	tree := New()
	require.NoError(t, tree.Merge([]byte(`{"id": "root", "description": "x"}`)))

	raw, err := tree.ToJSON()
	require.NoError(t, err)
	require.Contains(t, string(raw), `"root_id":"root"`)
}

func TestMerge_EmptyPayloadIsNoop(t *testing.T) {
	t.Parallel()

	tree := New()
	require.NoError(t, tree.Merge(nil))
	require.NoError(t, tree.Merge([]byte("   ")))
	require.Equal(t, "", tree.RootID)
}

func TestMerge_InvalidJSONReturnsError(t *testing.T) {
	t.Parallel()

	tree := New()
	require.Error(t, tree.Merge([]byte(`not json`)))
}
