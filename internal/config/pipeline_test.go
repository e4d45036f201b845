package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const sampleDocument = `{
  "components": {
    "arecord": {"command": "arecord -q -r {rate} -f S16_LE -t raw -", "params": {"rate": 16000}},
    "porcupine": {"command": "script/run --model {model}", "dir": "programs/wake", "params": {"model": "porcupine"}},
    "silero": {"uri": "tcp://127.0.0.1:10500"},
    "whisper": {"uri": "unix:///tmp/whisper.sock"}
  },
  "pipelines": {
    "default": {
      "mic": "arecord",
      "wake": {"name": "porcupine", "params": {"model": "ok_nabu"}},
      "vad": "silero",
      "asr": "whisper",
      "handle": {"command": "cat", "shell": true},
      "mic_buffer_chunks": 10
    },
    "broken": {"mic": "arecord", "asr": "missing"}
  }
}`

func TestResolvePipeline(t *testing.T) {
	doc, err := ParseDocument([]byte(sampleDocument), "/srv/voxpipe")
	if err != nil {
		t.Fatalf("ParseDocument() error = %v", err)
	}
	p, err := doc.Resolve("default")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if p.MicBufferChunks != 10 {
		t.Fatalf("MicBufferChunks = %d, want 10", p.MicBufferChunks)
	}
	if p.Mic == nil || p.Mic.Params["rate"] != "16000" {
		t.Fatalf("Mic = %+v, want rate param 16000", p.Mic)
	}
	if p.Wake == nil || p.Wake.Params["model"] != "ok_nabu" {
		t.Fatalf("Wake = %+v, want overridden model param", p.Wake)
	}
	if got := doc.Components["porcupine"].Params["model"]; got != "porcupine" {
		t.Fatalf("shared component params mutated: model = %q", got)
	}
	if p.Wake.Dir != filepath.Join("/srv/voxpipe", "programs/wake") {
		t.Fatalf("Wake.Dir = %q, want resolved against document dir", p.Wake.Dir)
	}
	if p.VAD == nil || p.VAD.Kind() != "uri" || p.VAD.Dir != "" {
		t.Fatalf("VAD = %+v, want uri component without dir", p.VAD)
	}
	if p.Handle == nil || !p.Handle.Shell || p.Handle.Name != "default.handle" {
		t.Fatalf("Handle = %+v, want inline shell component", p.Handle)
	}
	if p.Intent != nil || p.TTS != nil || p.Snd != nil {
		t.Fatalf("unconfigured roles should be nil: %+v", p)
	}
}

func TestResolveUnknownReferences(t *testing.T) {
	doc, err := ParseDocument([]byte(sampleDocument), "/srv/voxpipe")
	if err != nil {
		t.Fatalf("ParseDocument() error = %v", err)
	}
	if _, err := doc.Resolve("broken"); !errors.Is(err, ErrConfig) {
		t.Fatalf("Resolve(broken) error = %v, want ErrConfig", err)
	}
	if _, err := doc.Resolve("nope"); !errors.Is(err, ErrConfig) {
		t.Fatalf("Resolve(nope) error = %v, want ErrConfig", err)
	}
}

func TestParseDocumentSchemaViolations(t *testing.T) {
	cases := map[string]string{
		"not json":          `{`,
		"no pipelines":      `{"components": {}}`,
		"missing mic":       `{"pipelines": {"p": {"asr": "x"}}}`,
		"command and uri":   `{"pipelines": {"p": {"mic": {"command": "a", "uri": "tcp://h:1"}}}}`,
		"bad uri scheme":    `{"pipelines": {"p": {"mic": {"uri": "http://h:1"}}}}`,
		"negative buffer":   `{"pipelines": {"p": {"mic": "m", "mic_buffer_chunks": -1}}}`,
		"unknown role":      `{"pipelines": {"p": {"mic": "m", "speaker": "s"}}}`,
		"unknown top level": `{"pipelines": {"p": {"mic": "m"}}, "extra": 1}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseDocument([]byte(raw), "/"); !errors.Is(err, ErrConfig) {
				t.Fatalf("ParseDocument() error = %v, want ErrConfig", err)
			}
		})
	}
}

func TestLoadDocumentResolvesRelativeToFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "voxpipe.json")
	raw := `{"pipelines": {"default": {"mic": {"command": "cat"}}}}`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	doc, err := LoadDocument(path)
	if err != nil {
		t.Fatalf("LoadDocument() error = %v", err)
	}
	p, err := doc.Resolve("default")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if p.Mic.Dir != dir {
		t.Fatalf("Mic.Dir = %q, want %q", p.Mic.Dir, dir)
	}

	if _, err := LoadDocument(filepath.Join(dir, "missing.json")); !errors.Is(err, ErrConfig) {
		t.Fatalf("LoadDocument(missing) error = %v, want ErrConfig", err)
	}
}
