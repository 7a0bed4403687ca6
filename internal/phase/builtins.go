package phase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"autodev/internal/docbus"
	"autodev/internal/toolhandler"
)

// Builtin tool names. These are the whitelist handed to specialists and
// the static side of the Tool Handler's registry; every name here must
// resolve to an implementing callable at handler construction time.
const (
	ToolReadFile         = "read_file"
	ToolWriteFile        = "write_file"
	ToolListFiles        = "list_files"
	ToolCompareFiles     = "compare_files"
	ToolAnalyzeUsage     = "analyze_usage"
	ToolReadArchitecture = "read_architecture"
)

// BuiltinNames returns every built-in tool name, the default whitelist
// for phases that do not restrict further.
func BuiltinNames() []string {
	return []string{ToolReadFile, ToolWriteFile, ToolListFiles, ToolCompareFiles, ToolAnalyzeUsage, ToolReadArchitecture}
}

// Builtins constructs the in-process tool set rooted at workspace. All
// paths are confined to the workspace; an escape attempt is an
// invalid_arg error with no side effects.
func Builtins(workspace string, docs *docbus.Bus) []toolhandler.Builtin {
	return []toolhandler.Builtin{
		{Name: ToolReadFile, Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			path, err := workspacePath(workspace, args, "file_path")
			if err != nil {
				return nil, err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", path, err)
			}
			return map[string]any{"file_path": rel(workspace, path), "content": string(data)}, nil
		}},
		{Name: ToolWriteFile, Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			path, err := workspacePath(workspace, args, "file_path")
			if err != nil {
				return nil, err
			}
			content, ok := args["content"].(string)
			if !ok {
				return nil, toolhandler.InvalidArgf("content must be a string")
			}
			_, statErr := os.Stat(path)
			existed := statErr == nil
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return nil, fmt.Errorf("mkdir for %s: %w", path, err)
			}
			if err := os.WriteFile(path, []byte(content), 0644); err != nil {
				return nil, fmt.Errorf("write %s: %w", path, err)
			}
			return map[string]any{
				"file_path": rel(workspace, path),
				"created":   !existed,
				"hash":      ContentHash([]byte(content)),
			}, nil
		}},
		{Name: ToolListFiles, Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			dir := workspace
			if raw, ok := args["directory"].(string); ok && raw != "" {
				var err error
				dir, err = confine(workspace, raw)
				if err != nil {
					return nil, err
				}
			}
			entries, err := os.ReadDir(dir)
			if err != nil {
				return nil, fmt.Errorf("list %s: %w", dir, err)
			}
			var names []any
			for _, e := range entries {
				names = append(names, e.Name())
			}
			return map[string]any{"directory": rel(workspace, dir), "entries": names}, nil
		}},
		{Name: ToolCompareFiles, Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			left, err := workspacePath(workspace, args, "left")
			if err != nil {
				return nil, err
			}
			right, err := workspacePath(workspace, args, "right")
			if err != nil {
				return nil, err
			}
			a, err := os.ReadFile(left)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", left, err)
			}
			b, err := os.ReadFile(right)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", right, err)
			}
			return map[string]any{
				"left":      rel(workspace, left),
				"right":     rel(workspace, right),
				"identical": string(a) == string(b),
				"left_len":  len(a),
				"right_len": len(b),
			}, nil
		}},
		{Name: ToolAnalyzeUsage, Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			symbol, ok := args["symbol"].(string)
			if !ok || symbol == "" {
				return nil, toolhandler.InvalidArgf("symbol must be a non-empty string")
			}
			var hits []any
			err := filepath.WalkDir(workspace, func(path string, d os.DirEntry, err error) error {
				if err != nil {
					return nil
				}
				if d.IsDir() {
					if strings.HasPrefix(d.Name(), ".") && path != workspace {
						return filepath.SkipDir
					}
					return nil
				}
				data, rerr := os.ReadFile(path)
				if rerr != nil {
					return nil
				}
				if n := strings.Count(string(data), symbol); n > 0 {
					hits = append(hits, map[string]any{"file_path": rel(workspace, path), "count": n})
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{"symbol": symbol, "usages": hits, "used": len(hits) > 0}, nil
		}},
		{Name: ToolReadArchitecture, Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			content, err := docs.Read(docbus.DocArchitecture)
			if err != nil {
				return nil, fmt.Errorf("read architecture: %w", err)
			}
			return map[string]any{"content": string(content)}, nil
		}},
	}
}

// ContentHash returns the short content hash used by file records.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}

func workspacePath(workspace string, args map[string]any, key string) (string, error) {
	raw, ok := args[key].(string)
	if !ok || raw == "" {
		return "", toolhandler.InvalidArgf("%s must be a non-empty string", key)
	}
	return confine(workspace, raw)
}

// confine resolves raw relative to workspace and rejects escapes.
func confine(workspace, raw string) (string, error) {
	path := raw
	if !filepath.IsAbs(path) {
		path = filepath.Join(workspace, path)
	}
	path = filepath.Clean(path)
	root := filepath.Clean(workspace)
	if path != root && !strings.HasPrefix(path, root+string(filepath.Separator)) {
		return "", toolhandler.InvalidArgf("path %q escapes the project root", raw)
	}
	return path, nil
}

func rel(workspace, path string) string {
	if r, err := filepath.Rel(workspace, path); err == nil {
		return r
	}
	return path
}
