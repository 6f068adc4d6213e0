package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/ensemble/internal/config"
)

func mustLoad(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

func TestComputeDiff_BotChanges(t *testing.T) {
	t.Parallel()
	old := mustLoad(t, `
providers:
  llm:
    name: openai
bots:
  - id: sage
    name: Sage
  - id: jester
    name: Jester
`)
	updated := mustLoad(t, `
providers:
  llm:
    name: openai
bots:
  - id: sage
    name: Sage
    persona: Now with a persona.
  - id: oracle
    name: Oracle
`)

	d := config.ComputeDiff(old, updated)
	if len(d.AddedBots) != 1 || d.AddedBots[0].ID != "oracle" {
		t.Errorf("AddedBots = %+v, want [oracle]", d.AddedBots)
	}
	if len(d.RemovedBots) != 1 || d.RemovedBots[0] != "jester" {
		t.Errorf("RemovedBots = %v, want [jester]", d.RemovedBots)
	}
	if len(d.UpdatedBots) != 1 || d.UpdatedBots[0].ID != "sage" {
		t.Errorf("UpdatedBots = %+v, want [sage]", d.UpdatedBots)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
	}
}

func TestComputeDiff_RestartSections(t *testing.T) {
	t.Parallel()
	old := mustLoad(t, `
providers:
  llm:
    name: openai
`)
	updated := mustLoad(t, `
server:
  listen_addr: ":9999"
providers:
  llm:
    name: ollama
memory:
  postgres_dsn: "postgres://localhost/new"
`)

	d := config.ComputeDiff(old, updated)
	want := map[string]bool{"server": true, "providers": true, "memory": true}
	if len(d.RestartRequired) != len(want) {
		t.Fatalf("RestartRequired = %v, want server/providers/memory", d.RestartRequired)
	}
	for _, section := range d.RestartRequired {
		if !want[section] {
			t.Errorf("unexpected restart section %q", section)
		}
	}
}

func TestComputeDiff_Empty(t *testing.T) {
	t.Parallel()
	a := mustLoad(t, `
providers:
  llm:
    name: openai
bots:
  - id: sage
    name: Sage
`)
	b := mustLoad(t, `
providers:
  llm:
    name: openai
bots:
  - id: sage
    name: Sage
`)
	if d := config.ComputeDiff(a, b); !d.Empty() {
		t.Errorf("diff of identical configs = %+v, want empty", d)
	}

	c := mustLoad(t, `
providers:
  llm:
    name: openai
pipeline:
  dedupe_similarity: 0.9
bots:
  - id: sage
    name: Sage
`)
	if d := config.ComputeDiff(a, c); !d.PipelineChanged {
		t.Error("PipelineChanged should be set when pipeline settings differ")
	}
}
