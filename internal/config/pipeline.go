package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Role names one domain slot of a pipeline.
type Role string

const (
	RoleMic    Role = "mic"
	RoleWake   Role = "wake"
	RoleVAD    Role = "vad"
	RoleASR    Role = "asr"
	RoleIntent Role = "intent"
	RoleHandle Role = "handle"
	RoleTTS    Role = "tts"
	RoleSnd    Role = "snd"
)

// Roles lists every slot in pipeline order.
var Roles = []Role{RoleMic, RoleWake, RoleVAD, RoleASR, RoleIntent, RoleHandle, RoleTTS, RoleSnd}

// Component is a launch specification: either a command template run as a
// child process speaking events over stdin/stdout, or the URI of an already
// running server.
type Component struct {
	Name    string
	Command string
	Shell   bool
	URI     string
	// Dir is the absolute working directory for Command.
	Dir    string
	Params map[string]string
	Env    map[string]string
}

// Kind is "uri" for server components and "process" otherwise.
func (c Component) Kind() string {
	if c.URI != "" {
		return "uri"
	}
	return "process"
}

// Pipeline binds at most one component per role. A nil field is an
// unconfigured role. Pipelines are immutable after Resolve.
type Pipeline struct {
	Name            string
	Mic             *Component
	Wake            *Component
	VAD             *Component
	ASR             *Component
	Intent          *Component
	Handle          *Component
	TTS             *Component
	Snd             *Component
	MicBufferChunks int
}

// Component returns the component bound to role, or nil.
func (p Pipeline) Component(role Role) *Component {
	switch role {
	case RoleMic:
		return p.Mic
	case RoleWake:
		return p.Wake
	case RoleVAD:
		return p.VAD
	case RoleASR:
		return p.ASR
	case RoleIntent:
		return p.Intent
	case RoleHandle:
		return p.Handle
	case RoleTTS:
		return p.TTS
	case RoleSnd:
		return p.Snd
	default:
		return nil
	}
}

func (p *Pipeline) set(role Role, c *Component) {
	switch role {
	case RoleMic:
		p.Mic = c
	case RoleWake:
		p.Wake = c
	case RoleVAD:
		p.VAD = c
	case RoleASR:
		p.ASR = c
	case RoleIntent:
		p.Intent = c
	case RoleHandle:
		p.Handle = c
	case RoleTTS:
		p.TTS = c
	case RoleSnd:
		p.Snd = c
	}
}

// Document is a parsed pipeline document.
type Document struct {
	Components map[string]Component

	pipelines map[string]map[Role]stageRef
	buffers   map[string]int
}

type stageRef struct {
	name   string
	params map[string]string
	inline *Component
}

type componentDoc struct {
	Command string            `json:"command"`
	URI     string            `json:"uri"`
	Dir     string            `json:"dir"`
	Shell   bool              `json:"shell"`
	Params  map[string]any    `json:"params"`
	Env     map[string]string `json:"env"`
}

type documentDoc struct {
	Components map[string]componentDoc              `json:"components"`
	Pipelines  map[string]map[string]json.RawMessage `json:"pipelines"`
}

//go:embed pipeline.schema.json
var schemaJSON string

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func pipelineSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("pipeline.schema.json", strings.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile("pipeline.schema.json")
	})
	return schema, schemaErr
}

// LoadDocument reads and validates the pipeline document at path. Relative
// component directories resolve against the document's directory.
func LoadDocument(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read pipeline document: %v", ErrConfig, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve pipeline document path: %v", ErrConfig, err)
	}
	return ParseDocument(raw, filepath.Dir(abs))
}

// ParseDocument validates raw against the embedded schema and decodes it.
func ParseDocument(raw []byte, baseDir string) (*Document, error) {
	sch, err := pipelineSchema()
	if err != nil {
		return nil, err
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: pipeline document is not valid JSON: %v", ErrConfig, err)
	}
	if err := sch.Validate(payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	var doc documentDoc
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: decode pipeline document: %v", ErrConfig, err)
	}

	out := &Document{
		Components: make(map[string]Component, len(doc.Components)),
		pipelines:  make(map[string]map[Role]stageRef, len(doc.Pipelines)),
		buffers:    make(map[string]int, len(doc.Pipelines)),
	}
	for name, c := range doc.Components {
		out.Components[name] = c.component(name, baseDir)
	}
	for name, stages := range doc.Pipelines {
		refs := make(map[Role]stageRef, len(stages))
		for key, rawStage := range stages {
			if key == "mic_buffer_chunks" {
				n, err := strconv.Atoi(strings.TrimSpace(string(rawStage)))
				if err != nil {
					return nil, fmt.Errorf("%w: pipeline %q: mic_buffer_chunks: %v", ErrConfig, name, err)
				}
				out.buffers[name] = n
				continue
			}
			ref, err := parseStage(rawStage, name, Role(key), baseDir)
			if err != nil {
				return nil, err
			}
			refs[Role(key)] = ref
		}
		out.pipelines[name] = refs
	}
	return out, nil
}

func parseStage(raw json.RawMessage, pipeline string, role Role, baseDir string) (stageRef, error) {
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		return stageRef{name: name}, nil
	}

	var named struct {
		Name   string         `json:"name"`
		Params map[string]any `json:"params"`
	}
	if err := json.Unmarshal(raw, &named); err != nil {
		return stageRef{}, fmt.Errorf("%w: pipeline %q %s: %v", ErrConfig, pipeline, role, err)
	}
	if named.Name != "" {
		return stageRef{name: named.Name, params: stringParams(named.Params)}, nil
	}

	var inline componentDoc
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&inline); err != nil {
		return stageRef{}, fmt.Errorf("%w: pipeline %q %s: %v", ErrConfig, pipeline, role, err)
	}
	c := inline.component(pipeline+"."+string(role), baseDir)
	return stageRef{inline: &c}, nil
}

// PipelineNames returns the document's pipeline names, sorted.
func (d *Document) PipelineNames() []string {
	names := make([]string, 0, len(d.pipelines))
	for name := range d.pipelines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve binds the named pipeline's references to launch specifications.
// An unknown pipeline or component reference is ErrConfig.
func (d *Document) Resolve(name string) (Pipeline, error) {
	refs, ok := d.pipelines[name]
	if !ok {
		return Pipeline{}, fmt.Errorf("%w: no pipeline named %q (have %s)", ErrConfig, name, strings.Join(d.PipelineNames(), ", "))
	}
	p := Pipeline{Name: name, MicBufferChunks: d.buffers[name]}
	for _, role := range Roles {
		ref, ok := refs[role]
		if !ok {
			continue
		}
		var c Component
		switch {
		case ref.inline != nil:
			c = ref.inline.clone()
		default:
			base, ok := d.Components[ref.name]
			if !ok {
				return Pipeline{}, fmt.Errorf("%w: pipeline %q %s references unknown component %q", ErrConfig, name, role, ref.name)
			}
			c = base.clone()
			for k, v := range ref.params {
				c.Params[k] = v
			}
		}
		p.set(role, &c)
	}
	if err := p.Validate(); err != nil {
		return Pipeline{}, err
	}
	return p, nil
}

// Validate checks the role combination is runnable.
func (p Pipeline) Validate() error {
	if p.Mic == nil {
		return fmt.Errorf("%w: pipeline %q has no mic", ErrConfig, p.Name)
	}
	if p.MicBufferChunks < 0 {
		return fmt.Errorf("%w: pipeline %q mic_buffer_chunks must be >= 0", ErrConfig, p.Name)
	}
	for _, role := range Roles {
		c := p.Component(role)
		if c == nil {
			continue
		}
		if (c.Command == "") == (c.URI == "") {
			return fmt.Errorf("%w: pipeline %q %s needs exactly one of command or uri", ErrConfig, p.Name, role)
		}
	}
	return nil
}

func (c componentDoc) component(name, baseDir string) Component {
	dir := c.Dir
	if dir != "" && !filepath.IsAbs(dir) {
		dir = filepath.Join(baseDir, dir)
	}
	if dir == "" && c.Command != "" {
		dir = baseDir
	}
	if dir != "" {
		dir = filepath.Clean(dir)
	}
	env := make(map[string]string, len(c.Env))
	for k, v := range c.Env {
		env[k] = v
	}
	return Component{
		Name:    name,
		Command: c.Command,
		Shell:   c.Shell,
		URI:     c.URI,
		Dir:     dir,
		Params:  stringParams(c.Params),
		Env:     env,
	}
}

func (c Component) clone() Component {
	out := c
	out.Params = make(map[string]string, len(c.Params))
	for k, v := range c.Params {
		out.Params[k] = v
	}
	out.Env = make(map[string]string, len(c.Env))
	for k, v := range c.Env {
		out.Env[k] = v
	}
	return out
}

func stringParams(in map[string]any) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch x := v.(type) {
		case string:
			out[k] = x
		case json.Number:
			out[k] = x.String()
		case float64:
			out[k] = strconv.FormatFloat(x, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(x)
		default:
			out[k] = fmt.Sprint(x)
		}
	}
	return out
}
