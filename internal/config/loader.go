package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/ensemble/internal/bot"
	"github.com/MrWong99/ensemble/internal/pipeline"
	"github.com/MrWong99/ensemble/internal/tools/mcphost"
)

// ValidProviderNames lists the provider implementations the registry knows
// how to construct, keyed by provider kind.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings": {"openai", "ollama"},
}

// Load reads and parses a YAML configuration file from the given path.
// The returned Config has been validated; see [Config.Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader parses YAML configuration from r. Unknown fields are
// rejected so that typos in config files surface as errors rather than
// silently ignored settings.
func LoadFromReader(r io.Reader) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}
	return &cfg, nil
}

// applyDefaults fills in zero values with the built-in defaults.
func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	def := pipeline.DefaultSettings()
	p := &c.Pipeline
	if p.MaxReprocessingDepth == 0 {
		p.MaxReprocessingDepth = def.MaxReprocessingDepth
	}
	if p.ReprocessThreshold == 0 {
		p.ReprocessThreshold = def.ReprocessThreshold
	}
	if p.GenerationTimeout == 0 {
		p.GenerationTimeout = Duration(def.GenerationTimeout)
	}
	if p.HookTimeout == 0 {
		p.HookTimeout = Duration(def.HookTimeout)
	}
	if p.ToolCallTimeout == 0 {
		p.ToolCallTimeout = Duration(def.ToolCallTimeout)
	}
	if p.HistoryLimit == 0 {
		p.HistoryLimit = def.HistoryLimit
	}
	if p.RecallTopK == 0 {
		p.RecallTopK = def.RecallTopK
	}
	if p.VoiceCooldown == 0 {
		p.VoiceCooldown = Duration(800 * time.Millisecond)
	}
	if c.Memory.EmbeddingDimensions == 0 {
		c.Memory.EmbeddingDimensions = 1536
	}
}

// PipelineSettings converts the configured pipeline block into the settings
// struct consumed by the stage pipeline.
func (c *Config) PipelineSettings() pipeline.Settings {
	s := pipeline.DefaultSettings()
	p := c.Pipeline
	if p.EnablePreProcessing != nil {
		s.EnablePreProcessing = *p.EnablePreProcessing
	}
	if p.EnablePostProcessing != nil {
		s.EnablePostProcessing = *p.EnablePostProcessing
	}
	s.MaxReprocessingDepth = p.MaxReprocessingDepth
	s.KeepVoicePreHooks = p.KeepVoicePreprocessing
	s.KeepVoicePostHooks = p.KeepVoicePostprocessing
	s.ReprocessThreshold = p.ReprocessThreshold
	s.DedupeSimilarity = p.DedupeSimilarity
	s.GenerationTimeout = p.GenerationTimeout.Std()
	s.HookTimeout = p.HookTimeout.Std()
	s.ToolCallTimeout = p.ToolCallTimeout.Std()
	s.HistoryLimit = p.HistoryLimit
	s.RecallTopK = p.RecallTopK
	return s
}

// Validate checks the configuration for errors. All problems found are
// joined into a single error so that users can fix everything in one pass.
// Soft issues that have a safe fallback are logged as warnings instead.
func (c *Config) Validate() error {
	var errs []error

	if !c.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level: unknown level %q", c.Server.LogLevel))
	}
	if tls := c.Server.TLS; tls != nil {
		if tls.CertFile == "" || tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls: both cert_file and key_file are required"))
		}
	}

	errs = append(errs, validateProviderEntry("providers.llm", "llm", c.Providers.LLM, true)...)
	errs = append(errs, validateProviderEntry("providers.llm_fallback", "llm", c.Providers.LLMFallback, false)...)
	errs = append(errs, validateProviderEntry("providers.embeddings", "embeddings", c.Providers.Embeddings, false)...)

	p := c.Pipeline
	if p.MaxReprocessingDepth < 1 {
		errs = append(errs, fmt.Errorf("pipeline.max_reprocessing_depth: must be >= 1, got %d", p.MaxReprocessingDepth))
	}
	if p.ReprocessThreshold < 0 || p.ReprocessThreshold > 1 {
		errs = append(errs, fmt.Errorf("pipeline.reprocess_threshold: must be in [0, 1], got %g", p.ReprocessThreshold))
	}
	if p.DedupeSimilarity < 0 || p.DedupeSimilarity > 1 {
		errs = append(errs, fmt.Errorf("pipeline.dedupe_similarity: must be in [0, 1], got %g", p.DedupeSimilarity))
	}
	if p.VoiceCooldown < 0 {
		errs = append(errs, errors.New("pipeline.voice_cooldown: must not be negative"))
	}

	errs = append(errs, validateBots(c.Bots)...)

	for i, srv := range c.Tools.Servers {
		prefix := fmt.Sprintf("tools.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", prefix))
		}
		if !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s: unknown transport %q", prefix, srv.Transport))
			continue
		}
		switch srv.Transport {
		case mcphost.TransportStdio:
			if srv.Command == "" {
				errs = append(errs, fmt.Errorf("%s: command is required for stdio transport", prefix))
			}
		case mcphost.TransportStreamableHTTP:
			if srv.URL == "" {
				errs = append(errs, fmt.Errorf("%s: url is required for streamable-http transport", prefix))
			}
		}
	}

	if c.Memory.PostgresDSN == "" {
		slog.Warn("no postgres DSN configured, conversation history will not survive restarts")
	}

	return errors.Join(errs...)
}

func validateProviderEntry(prefix, kind string, entry ProviderEntry, required bool) []error {
	if entry.Name == "" {
		if required {
			return []error{fmt.Errorf("%s.name: is required", prefix)}
		}
		return nil
	}
	for _, name := range ValidProviderNames[kind] {
		if entry.Name == name {
			return nil
		}
	}
	return []error{fmt.Errorf("%s.name: unknown provider %q (valid: %s)",
		prefix, entry.Name, strings.Join(ValidProviderNames[kind], ", "))}
}

func validateBots(bots []bot.Bot) []error {
	var errs []error
	seen := make(map[string]bool, len(bots))
	for i, b := range bots {
		prefix := fmt.Sprintf("bots[%d]", i)
		if b.ID == "" {
			errs = append(errs, fmt.Errorf("%s: id is required", prefix))
		} else {
			if seen[b.ID] {
				errs = append(errs, fmt.Errorf("%s: duplicate id %q", prefix, b.ID))
			}
			seen[b.ID] = true
			if strings.HasPrefix(b.ID, bot.VoiceClonePrefix) {
				errs = append(errs, fmt.Errorf("%s: id %q must not use the reserved %q prefix", prefix, b.ID, bot.VoiceClonePrefix))
			}
		}
		if b.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", prefix))
		}
		if b.Temperature < 0 || b.Temperature > 2 {
			errs = append(errs, fmt.Errorf("%s: temperature must be in [0, 2], got %g", prefix, b.Temperature))
		}
		if b.MaxTokens < 0 {
			errs = append(errs, fmt.Errorf("%s: max_tokens must not be negative", prefix))
		}
		if sf := b.Voice.SpeedFactor; sf != 0 && (sf < 0.5 || sf > 2.0) {
			errs = append(errs, fmt.Errorf("%s: voice.speed_factor must be in [0.5, 2.0], got %g", prefix, sf))
		}
		if b.UseTools && len(b.Tools) == 0 {
			slog.Warn("bot has use_tools enabled but no tools listed, all registered tools will be offered", "bot", b.ID)
		}
	}
	return errs
}
