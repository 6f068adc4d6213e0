// Package bot defines the participant model for Ensemble: the Bot
// configuration entity, voice-derived clones, and the concurrent-safe
// Registry that holds the active participant set.
package bot

import "strings"

// VoiceClonePrefix marks the synthesized id of an ephemeral voice-derived
// participant.
const VoiceClonePrefix = "voice:"

// VoiceSettings configures the speech profile of a bot when it responds in
// voice mode.
type VoiceSettings struct {
	// Voice is the provider-specific voice identifier.
	Voice string `yaml:"voice"`

	// Model overrides the bot's text model for voice responses. Empty means
	// keep the bot's regular model.
	Model string `yaml:"model"`

	// SpeedFactor adjusts speaking rate in [0.5, 2.0]. Zero means default.
	SpeedFactor float64 `yaml:"speed_factor"`
}

// Bot is the configuration entity for a single participant. It is read-only
// during a pipeline run; all runtime mutation goes through the [Registry].
type Bot struct {
	// ID is the stable, unique participant identifier.
	ID string `yaml:"id"`

	// Name is the display name used in prompts and logs.
	Name string `yaml:"name"`

	// Persona is the system-prompt persona description.
	Persona string `yaml:"persona"`

	// Model selects the completion model for this bot.
	Model string `yaml:"model"`

	// Temperature controls completion randomness.
	Temperature float64 `yaml:"temperature"`

	// MaxTokens caps completion length. Zero means provider default.
	MaxTokens int `yaml:"max_tokens"`

	// PreProcessingPrompt, when non-empty, rewrites the user's content
	// before generation.
	PreProcessingPrompt string `yaml:"pre_processing_prompt"`

	// PostProcessingPrompt, when non-empty, rewrites the generated response.
	PostProcessingPrompt string `yaml:"post_processing_prompt"`

	// UseTools enables tool calling for this bot.
	UseTools bool `yaml:"use_tools"`

	// Tools lists the tool names this bot may invoke. Empty with UseTools
	// set means the full catalogue.
	Tools []string `yaml:"tools"`

	// EnableReprocessing allows post-processed output to loop back through
	// the pipeline.
	EnableReprocessing bool `yaml:"enable_reprocessing"`

	// Voice configures this bot's voice-mode speech profile.
	Voice VoiceSettings `yaml:"voice"`
}

// IsVoiceClone reports whether b is an ephemeral voice-derived participant.
func (b Bot) IsVoiceClone() bool {
	return strings.HasPrefix(b.ID, VoiceClonePrefix)
}

// BaseID returns the id of the participant b was derived from. For regular
// bots it returns b.ID unchanged.
func (b Bot) BaseID() string {
	return strings.TrimPrefix(b.ID, VoiceClonePrefix)
}

// DeriveVoiceClone builds the ephemeral voice participant for base.
//
// The clone inherits exactly: name, persona, temperature, max tokens, and
// the pre/post-processing prompts (whether those run is decided by the
// pipeline's voice hook retention settings). It never inherits tool access —
// tools are not executed for voice messages — and its model is the voice
// model override when one is configured. Reprocessing is disabled: voice
// responses are delivered on the first pass to keep latency bounded.
func DeriveVoiceClone(base Bot) Bot {
	model := base.Model
	if base.Voice.Model != "" {
		model = base.Voice.Model
	}

	return Bot{
		ID:                   VoiceClonePrefix + base.ID,
		Name:                 base.Name,
		Persona:              base.Persona,
		Model:                model,
		Temperature:          base.Temperature,
		MaxTokens:            base.MaxTokens,
		PreProcessingPrompt:  base.PreProcessingPrompt,
		PostProcessingPrompt: base.PostProcessingPrompt,
		UseTools:             false,
		EnableReprocessing:   false,
		Voice:                base.Voice,
	}
}
