package registry

import (
	"fmt"
	"strings"
)

// shellMetacharacters are disallowed inside any string field of a tool
// registry entry's spec, since a dynamic tool proposal that embeds them
// is a strong signal of an attempted shell injection rather than a
// legitimate tool parameter.
var shellMetacharacters = []string{";", "|", "&&", "$(", "`", ">", "<", "\n&"}

// ToolSafety is the Validator the tools registry installs. It rejects
// entries whose spec embeds shell metacharacters in any string field
// or whose declared working directory escapes the project root.
func ToolSafety(e Entry) error {
	for key, v := range e.Spec {
		s, ok := v.(string)
		if !ok {
			continue
		}
		for _, meta := range shellMetacharacters {
			if strings.Contains(s, meta) {
				return fmt.Errorf("spec field %q contains disallowed shell metacharacter %q", key, meta)
			}
		}
	}
	if wd, ok := e.Spec["working_dir"].(string); ok {
		if strings.Contains(wd, "..") || strings.HasPrefix(wd, "/") {
			return fmt.Errorf("working_dir %q escapes project root", wd)
		}
	}
	return nil
}
