package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/ensemble/internal/config"
)

const fullYAML = `
server:
  listen_addr: ":9090"
  log_level: debug
providers:
  llm:
    name: openai
    api_key: sk-test
    model: gpt-4o
  embeddings:
    name: ollama
    base_url: http://localhost:11434
    model: nomic-embed-text
pipeline:
  max_reprocessing_depth: 4
  reprocess_threshold: 0.3
  dedupe_similarity: 0.92
  generation_timeout: 45s
  voice_cooldown: 1200ms
bots:
  - id: sage
    name: Sage
    persona: A calm advisor.
    temperature: 0.7
    use_tools: true
    tools: [dice_roll]
    enable_reprocessing: true
    voice:
      voice: alloy
      speed_factor: 1.1
memory:
  postgres_dsn: "postgres://localhost/ensemble"
  embedding_dimensions: 768
tools:
  servers:
    - name: dice
      transport: stdio
      command: /usr/local/bin/dice-mcp
`

func TestLoadFromReader_FullConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(fullYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("listen_addr = %q, want :9090", cfg.Server.ListenAddr)
	}
	if cfg.Pipeline.GenerationTimeout.Std() != 45*time.Second {
		t.Errorf("generation_timeout = %v, want 45s", cfg.Pipeline.GenerationTimeout.Std())
	}
	if cfg.Pipeline.VoiceCooldown.Std() != 1200*time.Millisecond {
		t.Errorf("voice_cooldown = %v, want 1.2s", cfg.Pipeline.VoiceCooldown.Std())
	}
	if len(cfg.Bots) != 1 || cfg.Bots[0].ID != "sage" {
		t.Fatalf("bots = %+v, want one bot with id sage", cfg.Bots)
	}
	if cfg.Bots[0].Voice.SpeedFactor != 1.1 {
		t.Errorf("voice.speed_factor = %g, want 1.1", cfg.Bots[0].Voice.SpeedFactor)
	}
	if cfg.Memory.EmbeddingDimensions != 768 {
		t.Errorf("embedding_dimensions = %d, want 768", cfg.Memory.EmbeddingDimensions)
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(`
providers:
  llm:
    name: ollama
`))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr default = %q, want :8080", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level default = %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Pipeline.MaxReprocessingDepth != 3 {
		t.Errorf("max_reprocessing_depth default = %d, want 3", cfg.Pipeline.MaxReprocessingDepth)
	}
	if cfg.Pipeline.VoiceCooldown.Std() != 800*time.Millisecond {
		t.Errorf("voice_cooldown default = %v, want 800ms", cfg.Pipeline.VoiceCooldown.Std())
	}

	s := cfg.PipelineSettings()
	if !s.EnablePreProcessing || !s.EnablePostProcessing {
		t.Error("hooks should default to enabled")
	}
	if s.GenerationTimeout != 30*time.Second {
		t.Errorf("generation timeout default = %v, want 30s", s.GenerationTimeout)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(`
providers:
  llm:
    name: openai
sevrer:
  listen_addr: ":8080"
`))
	if err == nil {
		t.Fatal("expected error for unknown top-level field, got nil")
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing llm provider",
			yaml: `bots: []`,
			want: "providers.llm.name",
		},
		{
			name: "unknown llm provider",
			yaml: `
providers:
  llm:
    name: skynet
`,
			want: "unknown provider",
		},
		{
			name: "duplicate bot ids",
			yaml: `
providers:
  llm:
    name: openai
bots:
  - id: sage
    name: Sage
  - id: sage
    name: Other Sage
`,
			want: "duplicate id",
		},
		{
			name: "reserved clone prefix",
			yaml: `
providers:
  llm:
    name: openai
bots:
  - id: "voice:sage"
    name: Sage
`,
			want: "reserved",
		},
		{
			name: "speed factor out of range",
			yaml: `
providers:
  llm:
    name: openai
bots:
  - id: sage
    name: Sage
    voice:
      speed_factor: 3.5
`,
			want: "speed_factor",
		},
		{
			name: "threshold out of range",
			yaml: `
providers:
  llm:
    name: openai
pipeline:
  reprocess_threshold: 1.5
`,
			want: "reprocess_threshold",
		},
		{
			name: "stdio server without command",
			yaml: `
providers:
  llm:
    name: openai
tools:
  servers:
    - name: dice
      transport: stdio
`,
			want: "command is required",
		},
		{
			name: "http server without url",
			yaml: `
providers:
  llm:
    name: openai
tools:
  servers:
    - name: weather
      transport: streamable-http
`,
			want: "url is required",
		},
		{
			name: "tls missing key",
			yaml: `
server:
  tls:
    cert_file: /etc/ssl/cert.pem
providers:
  llm:
    name: openai
`,
			want: "key_file",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tc.yaml))
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error should contain %q, got: %v", tc.want, err)
			}
		})
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(`
server:
  log_level: verbose
bots:
  - id: ""
    name: ""
`))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	for _, want := range []string{"log_level", "providers.llm.name", "id is required", "name is required"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error should contain %q, got: %v", want, err)
		}
	}
}
