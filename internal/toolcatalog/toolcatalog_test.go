package toolcatalog

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func names(tools []Tool) []string {
	out := make([]string, len(tools))
	for i, t := range tools {
		out[i] = t.Name
	}
	return out
}

func TestBuildCatalogDefaultIncludesAllSix(t *testing.T) {
	tools := BuildCatalog(BuildOptions{})
	require.Len(t, tools, 6)
}

func TestBuildCatalogReadOnlyRestrictsCategory(t *testing.T) {
	tools := BuildCatalog(BuildOptions{ReadOnly: true})
	require.ElementsMatch(t, []string{"read_file", "search_files", "list_directory"}, names(tools))
}

func TestBuildCatalogIncludeIntersects(t *testing.T) {
	tools := BuildCatalog(BuildOptions{Include: []string{"read_file", "write_file"}})
	require.ElementsMatch(t, []string{"read_file", "write_file"}, names(tools))
}

func TestBuildCatalogExcludeSubtracts(t *testing.T) {
	tools := BuildCatalog(BuildOptions{Exclude: []string{"run_command"}})
	require.NotContains(t, names(tools), "run_command")
	require.Len(t, tools, 5)
}

func TestBuildCatalogUnknownIncludeNameYieldsEmptyIntersection(t *testing.T) {
	tools := BuildCatalog(BuildOptions{Include: []string{"not_a_real_tool"}})
	require.Empty(t, tools)
}

func TestNameToCategoryDefaultsUnknownToRead(t *testing.T) {
	require.Equal(t, CategoryRead, NameToCategory("totally_unknown"))
	require.Equal(t, CategoryWrite, NameToCategory("write_file"))
	require.Equal(t, CategoryExec, NameToCategory("run_command"))
}

func TestRequiredKeysMatchSpec(t *testing.T) {
	want := map[string][]string{
		"read_file":       {"path"},
		"search_files":    {"query"},
		"list_directory":  nil,
		"write_file":      {"path", "content"},
		"edit_file":       {"path", "old_text", "new_text"},
		"run_command":     {"command"},
	}
	for _, tool := range All() {
		require.ElementsMatch(t, want[tool.Name], tool.Input.Required, tool.Name)
	}
}
