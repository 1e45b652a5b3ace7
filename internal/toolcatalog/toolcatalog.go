// Package toolcatalog defines the closed enumeration of tools the
// agentic loop may offer a model and the schema/category metadata for
// each (spec §4.6).
package toolcatalog

// Category classifies a tool by the kind of side effect it has.
type Category string

const (
	CategoryRead  Category = "read"
	CategoryWrite Category = "write"
	CategoryExec  Category = "exec"
)

// Schema is a JSON-schema-like input description: type=object, a
// properties map, and a required list.
type Schema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required"`
}

// Property is one entry of a Schema's properties map.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// Tool is one catalog entry (spec §4.6).
type Tool struct {
	Name        string
	Description string
	Category    Category
	Input       Schema
}

// allTools is the closed set of six tools (spec §4.6 required-keys
// table).
var allTools = []Tool{
	{
		Name: "read_file", Category: CategoryRead,
		Description: "Read the contents of a file at the given path.",
		Input: Schema{
			Type: "object",
			Properties: map[string]Property{
				"path": {Type: "string", Description: "Path to the file to read."},
			},
			Required: []string{"path"},
		},
	},
	{
		Name: "search_files", Category: CategoryRead,
		Description: "Search the workspace for files matching a query.",
		Input: Schema{
			Type: "object",
			Properties: map[string]Property{
				"query": {Type: "string", Description: "Search query or pattern."},
			},
			Required: []string{"query"},
		},
	},
	{
		Name: "list_directory", Category: CategoryRead,
		Description: "List the entries of a directory.",
		Input: Schema{
			Type:       "object",
			Properties: map[string]Property{"path": {Type: "string", Description: "Directory to list."}},
		},
	},
	{
		Name: "write_file", Category: CategoryWrite,
		Description: "Write content to a file, creating or overwriting it.",
		Input: Schema{
			Type: "object",
			Properties: map[string]Property{
				"path":    {Type: "string", Description: "Path to write."},
				"content": {Type: "string", Description: "Full file content to write."},
			},
			Required: []string{"path", "content"},
		},
	},
	{
		Name: "edit_file", Category: CategoryWrite,
		Description: "Replace an exact text span within a file.",
		Input: Schema{
			Type: "object",
			Properties: map[string]Property{
				"path":     {Type: "string", Description: "Path to edit."},
				"old_text": {Type: "string", Description: "Exact text to replace."},
				"new_text": {Type: "string", Description: "Replacement text."},
			},
			Required: []string{"path", "old_text", "new_text"},
		},
	},
	{
		Name: "run_command", Category: CategoryExec,
		Description: "Run a shell command in the workspace.",
		Input: Schema{
			Type: "object",
			Properties: map[string]Property{
				"command": {Type: "string", Description: "Command line to execute."},
			},
			Required: []string{"command"},
		},
	},
}

var byName = func() map[string]Tool {
	m := make(map[string]Tool, len(allTools))
	for _, t := range allTools {
		m[t.Name] = t
	}
	return m
}()

// NameToCategory returns name's category, defaulting unknown names to
// read (spec §4.6).
func NameToCategory(name string) Category {
	if t, ok := byName[name]; ok {
		return t.Category
	}
	return CategoryRead
}

// BuildOptions configures BuildCatalog (spec §4.6).
type BuildOptions struct {
	ReadOnly bool
	Include  []string
	Exclude  []string
}

// BuildCatalog starts from every tool, restricts to read category if
// ReadOnly, intersects with Include if given, then subtracts Exclude.
// Unknown tool names in Include/Exclude silently produce empty
// intersections/no-ops rather than errors.
func BuildCatalog(opts BuildOptions) []Tool {
	set := make(map[string]Tool, len(allTools))
	for _, t := range allTools {
		if opts.ReadOnly && t.Category != CategoryRead {
			continue
		}
		set[t.Name] = t
	}

	if len(opts.Include) > 0 {
		included := make(map[string]Tool, len(opts.Include))
		for _, name := range opts.Include {
			if t, ok := set[name]; ok {
				included[name] = t
			}
		}
		set = included
	}

	for _, name := range opts.Exclude {
		delete(set, name)
	}

	out := make([]Tool, 0, len(set))
	for _, t := range allTools {
		if _, ok := set[t.Name]; ok {
			out = append(out, t)
		}
	}
	return out
}

// All returns every catalog tool, in declaration order.
func All() []Tool {
	out := make([]Tool, len(allTools))
	copy(out, allTools)
	return out
}
