package verify

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
)

// DefaultDiscoverer finds verify commands from a Node package manifest
// (package.json scripts) and Makefile targets (spec §4.13 step 4:
// "from package manifest scripts, from makefile targets, etc.").
type DefaultDiscoverer struct{}

func (DefaultDiscoverer) Discover(workspaceRoot string) ([]DiscoveredCommand, error) {
	var out []DiscoveredCommand
	out = append(out, discoverPackageJSON(workspaceRoot)...)
	out = append(out, discoverMakefile(workspaceRoot)...)
	return out, nil
}

type packageJSON struct {
	Scripts map[string]string `json:"scripts"`
}

// preferredScripts is the order scripts are emitted in when present,
// ahead of any other script names found.
var preferredScripts = []string{"test", "build", "lint", "typecheck"}

func discoverPackageJSON(workspaceRoot string) []DiscoveredCommand {
	path := filepath.Join(workspaceRoot, "package.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var pkg packageJSON
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil
	}

	var out []DiscoveredCommand
	seen := make(map[string]struct{})
	for _, name := range preferredScripts {
		if _, ok := pkg.Scripts[name]; ok {
			out = append(out, DiscoveredCommand{Name: name, Command: "npm run " + name, Source: "package.json"})
			seen[name] = struct{}{}
		}
	}
	for name := range pkg.Scripts {
		if _, ok := seen[name]; ok {
			continue
		}
		out = append(out, DiscoveredCommand{Name: name, Command: "npm run " + name, Source: "package.json"})
	}
	return out
}

var makeTargetPattern = regexp.MustCompile(`^([a-zA-Z0-9_-]+):[^=]*$`)

func discoverMakefile(workspaceRoot string) []DiscoveredCommand {
	path := filepath.Join(workspaceRoot, "Makefile")
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var out []DiscoveredCommand
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		m := makeTargetPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		name := m[1]
		if name == ".PHONY" {
			continue
		}
		out = append(out, DiscoveredCommand{Name: name, Command: "make " + name, Source: "Makefile"})
	}
	return out
}
