package orchestrator

import (
	"github.com/MrWong99/ensemble/internal/bot"
	"github.com/MrWong99/ensemble/pkg/chat"
)

// Mode is the conversation's current interaction mode.
type Mode int

const (
	ModeText Mode = iota
	ModeVoice
)

// String returns the mode's log name.
func (m Mode) String() string {
	if m == ModeVoice {
		return "voice"
	}
	return "text"
}

// SelectParticipants filters the participant set for a source message.
//
// Voice clones and their base bots are two faces of the same persona, so
// exactly one of the two groups responds to any given message:
//
//   - voice message in voice mode → voice clones only
//   - voice message in text mode (stray, arrived after a mode switch) →
//     regular bots only
//   - text message → regular bots only, regardless of mode
func SelectParticipants(typ chat.MessageType, mode Mode, all []bot.Bot) []bot.Bot {
	wantClones := typ == chat.TypeVoice && mode == ModeVoice

	var out []bot.Bot
	for _, b := range all {
		if b.IsVoiceClone() == wantClones {
			out = append(out, b)
		}
	}
	return out
}
