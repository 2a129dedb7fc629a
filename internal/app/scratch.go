package app

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/jaakkos/showrunner/internal/policy"
)

// writeScratchFile writes content into dir under name and returns the
// full path. Scratch files carry per-spawn material (prompt, tool
// config) and are removed when the worker is cleaned up.
func writeScratchFile(dir, name, content string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write scratch file: %w", err)
	}
	return path, nil
}

// removeScratchFiles deletes the given paths, logging failures instead
// of propagating them. Cleanup runs on every termination path.
func removeScratchFiles(logger zerolog.Logger, paths []string) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			logger.Warn().Err(err).Str("path", p).Msg("scratch file not removed")
		}
	}
}

type facadeServerEntry struct {
	Type    string   `json:"type,omitempty"`
	URL     string   `json:"url,omitempty"`
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
}

type facadeConfigFile struct {
	MCPServers map[string]facadeServerEntry `json:"mcpServers"`
}

// renderFacadeConfig produces the tool configuration handed to the
// worker CLI so it can reach the orchestrator tools. Over stdio each
// worker spawns its own facade process against the shared state file;
// over http-sse workers connect to the serving engine.
func renderFacadeConfig(cfg *policy.Config) (string, error) {
	var entry facadeServerEntry
	switch cfg.ToolTransport.Kind {
	case policy.TransportStdio:
		exe, err := os.Executable()
		if err != nil {
			exe = "showrunner"
		}
		entry = facadeServerEntry{
			Command: exe,
			Args:    []string{"tools", "--config", cfg.Path()},
		}
	case policy.TransportHTTPSSE:
		entry = facadeServerEntry{
			Type: "sse",
			URL:  fmt.Sprintf("http://%s/sse", cfg.ToolTransport.Address()),
		}
	default:
		return "", fmt.Errorf("unknown tool transport %q", cfg.ToolTransport.Kind)
	}

	out, err := json.MarshalIndent(facadeConfigFile{
		MCPServers: map[string]facadeServerEntry{"showrunner": entry},
	}, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out) + "\n", nil
}

// buildWorkerEnv assembles the child environment: the parent env
// filtered through inherit_env globs, orchestrator context vars, then
// config env entries with ${VAR} expansion against the parent env.
// inherit_env ["none"] starts from a clean slate.
func buildWorkerEnv(w policy.WorkerConfig, role, taskID, workspace string) []string {
	parentEnv := os.Environ()
	parentMap := make(map[string]string, len(parentEnv))
	for _, e := range parentEnv {
		if k, v, ok := strings.Cut(e, "="); ok {
			parentMap[k] = v
		}
	}

	var base []string
	switch {
	case len(w.InheritEnv) == 1 && strings.ToLower(w.InheritEnv[0]) == "none":
		base = nil
	case len(w.InheritEnv) > 0:
		for _, e := range parentEnv {
			k, _, ok := strings.Cut(e, "=")
			if !ok {
				continue
			}
			for _, pattern := range w.InheritEnv {
				if matchEnvGlob(pattern, k) {
					base = append(base, e)
					break
				}
			}
		}
	default:
		base = append([]string(nil), parentEnv...)
	}

	base = setEnvVar(base, "SHOWRUNNER_ROLE", role)
	base = setEnvVar(base, "SHOWRUNNER_TASK_ID", taskID)
	base = setEnvVar(base, "SHOWRUNNER_WORKSPACE", workspace)

	for k, v := range w.Env {
		expanded := os.Expand(v, func(key string) string {
			if val, ok := parentMap[key]; ok {
				return val
			}
			return ""
		})
		base = setEnvVar(base, k, expanded)
	}

	return base
}

// setEnvVar sets or replaces an env var in a []string env slice.
func setEnvVar(env []string, key, value string) []string {
	prefix := key + "="
	for i, e := range env {
		if strings.HasPrefix(e, prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}

// matchEnvGlob matches an env var name against a glob pattern.
// Supports * (match any chars) and ? (match single char).
func matchEnvGlob(pattern, name string) bool {
	matched, _ := filepath.Match(pattern, name)
	return matched
}

// expandArgTemplates substitutes spawn placeholders inside configured
// worker args.
func expandArgTemplates(args []string, vars map[string]string) []string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	replacer := strings.NewReplacer(pairs...)
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = replacer.Replace(a)
	}
	return out
}
