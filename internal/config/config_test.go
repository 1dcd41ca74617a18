package config

import (
	"testing"

	"github.com/stretchr/testify/require"

	"ghost/internal/router"
)

func TestParseNodeList_EmptyStringReturnsNil(t *testing.T) {
	t.Parallel()

	require.Nil(t, ParseNodeList(""))
	require.Nil(t, ParseNodeList("   "))
}

func TestParseNodeList_SingleEntryNoModelOrBackend(t *testing.T) {
	t.Parallel()

	specs := ParseNodeList("http://localhost:8000")
	require.Len(t, specs, 1)
	require.Equal(t, "http://localhost:8000", specs[0].URL)
	require.Equal(t, "", specs[0].Model)
	require.Equal(t, "openai", specs[0].Backend)
}

func TestParseNodeList_URLAndModelLabel(t *testing.T) {
	t.Parallel()

	specs := ParseNodeList("http://host1|llama-3,http://host2|mixtral")
	require.Len(t, specs, 2)
	require.Equal(t, NodeSpec{URL: "http://host1", Model: "llama-3", Backend: "openai"}, specs[0])
	require.Equal(t, NodeSpec{URL: "http://host2", Model: "mixtral", Backend: "openai"}, specs[1])
}

func TestParseNodeList_ExplicitBackendOverridesDefault(t *testing.T) {
	t.Parallel()

	specs := ParseNodeList("https://api.anthropic.com|claude-sonnet-4|anthropic")
	require.Len(t, specs, 1)
	require.Equal(t, "anthropic", specs[0].Backend)
	require.Equal(t, "claude-sonnet-4", specs[0].Model)
}

func TestParseNodeList_SkipsEmptyEntries(t *testing.T) {
	t.Parallel()

	specs := ParseNodeList("http://a|m, ,http://b|n")
	require.Len(t, specs, 2)
}

func TestClassList_ExcludesClassMain(t *testing.T) {
	t.Parallel()

	cfg := Config{UpstreamURL: "http://main", WorkerNodes: "http://worker", VisualNodes: "http://vision", CodingNodes: "http://coding"}
	list := cfg.ClassList()

	_, hasMain := list[router.ClassMain]
	require.False(t, hasMain, "ClassMain is built separately from UpstreamURL, never via the node-list map")
	require.Equal(t, "http://worker", list[router.ClassWorker])
	require.Equal(t, "http://worker", list[router.ClassPlanner], "planner pool shares the worker node list")
	require.Equal(t, "http://vision", list[router.ClassVision])
	require.Equal(t, "http://coding", list[router.ClassCoding])
}

func TestAddr_JoinsHostAndPort(t *testing.T) {
	t.Parallel()

	cfg := Config{Host: "0.0.0.0", Port: 8080}
	require.Equal(t, "0.0.0.0:8080", cfg.Addr())
}
