package translator

import (
	"encoding/json"
	"regexp"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// GitHub Copilot limits on tool declarations.
const (
	githubMaxTools       = 128
	githubMaxToolNameLen = 64
)

var githubToolNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.:\-]*$`)

// SanitizeToolsForGitHub enforces Copilot's tool constraints on an OpenAI
// tools array: at most 128 entries, names truncated to 64 characters,
// invalid names rejected, duplicates deduplicated keeping the first. The
// function is idempotent; a valid array passes through unchanged.
func SanitizeToolsForGitHub(rawJSON []byte) []byte {
	root := gjson.ParseBytes(rawJSON)
	tools := root.Get("tools")
	if !tools.IsArray() {
		return rawJSON
	}

	seen := map[string]bool{}
	var kept []json.RawMessage

	tools.ForEach(func(_, tool gjson.Result) bool {
		if len(kept) >= githubMaxTools {
			return false
		}
		if tool.Get("type").String() != "function" {
			return true
		}
		name := tool.Get("function.name").String()
		if len(name) > githubMaxToolNameLen {
			name = name[:githubMaxToolNameLen]
		}
		if name == "" || !githubToolNamePattern.MatchString(name) {
			return true
		}
		if seen[name] {
			return true
		}
		seen[name] = true
		entry := tool.Raw
		if name != tool.Get("function.name").String() {
			entry, _ = sjson.Set(entry, "function.name", name)
		}
		kept = append(kept, json.RawMessage(entry))
		return true
	})

	if len(kept) == 0 {
		out, _ := sjson.DeleteBytes(rawJSON, "tools")
		return out
	}
	encoded, _ := json.Marshal(kept)
	out, _ := sjson.SetRawBytes(rawJSON, "tools", encoded)
	return out
}
