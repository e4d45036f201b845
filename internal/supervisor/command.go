package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/google/shlex"

	"github.com/ent0n29/voxpipe/internal/config"
)

var placeholderRe = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandTemplate substitutes {name} placeholders from params. Shell-style
// ${NAME} references are left for the shell.
func expandTemplate(tmpl string, params map[string]string) (string, error) {
	var (
		out      strings.Builder
		last     int
		missing  []string
		reported = map[string]bool{}
	)
	for _, m := range placeholderRe.FindAllStringSubmatchIndex(tmpl, -1) {
		start, end := m[0], m[1]
		if start > 0 && tmpl[start-1] == '$' {
			continue
		}
		key := tmpl[m[2]:m[3]]
		value, ok := params[key]
		if !ok {
			if !reported[key] {
				missing = append(missing, key)
				reported[key] = true
			}
			continue
		}
		out.WriteString(tmpl[last:start])
		out.WriteString(value)
		last = end
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return "", fmt.Errorf("%w: command %q has unresolved parameters: %s", config.ErrConfig, tmpl, strings.Join(missing, ", "))
	}
	out.WriteString(tmpl[last:])
	return out.String(), nil
}

// commandLine expands c's template and splits it into argv.
func commandLine(c *config.Component) ([]string, error) {
	line, err := expandTemplate(c.Command, c.Params)
	if err != nil {
		return nil, err
	}
	if c.Shell {
		return []string{"/bin/sh", "-c", line}, nil
	}
	argv, err := shlex.Split(line)
	if err != nil {
		return nil, fmt.Errorf("%w: split command %q: %v", config.ErrConfig, line, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: component %q has an empty command", config.ErrConfig, c.Name)
	}
	return argv, nil
}

// componentEnv is the parent environment plus unbuffered output for
// interpreters, the component's bin dir on PATH, and its own overrides.
func componentEnv(c *config.Component) []string {
	env := append([]string(nil), os.Environ()...)
	env = setEnv(env, "PYTHONUNBUFFERED", "1")
	if c.Dir != "" {
		for _, candidate := range []string{filepath.Join(c.Dir, "bin"), filepath.Join(c.Dir, "script")} {
			if info, err := os.Stat(candidate); err == nil && info.IsDir() {
				env = prependPathEnv(env, "PATH", candidate)
			}
		}
	}
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = setEnv(env, k, c.Env[k])
	}
	return env
}

func setEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i := range env {
		if strings.HasPrefix(env[i], prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}

func prependPathEnv(env []string, key, value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return env
	}
	prefix := key + "="
	for i := range env {
		if !strings.HasPrefix(env[i], prefix) {
			continue
		}
		current := strings.TrimPrefix(env[i], prefix)
		if pathListContains(current, value) {
			return env
		}
		if strings.TrimSpace(current) == "" {
			env[i] = prefix + value
		} else {
			env[i] = prefix + value + string(os.PathListSeparator) + current
		}
		return env
	}
	return append(env, prefix+value)
}

func pathListContains(pathList, value string) bool {
	value = filepath.Clean(strings.TrimSpace(value))
	if value == "" {
		return false
	}
	for _, item := range filepath.SplitList(pathList) {
		if filepath.Clean(strings.TrimSpace(item)) == value {
			return true
		}
	}
	return false
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newTailBuffer(max int) *tailBuffer {
	if max <= 0 {
		max = 16 << 10
	}
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
