package config

import (
	"reflect"

	"github.com/MrWong99/ensemble/internal/bot"
)

// Diff describes what changed between two configs. It drives hot-reload:
// bot changes apply live through the registry, while anything listed in
// RestartRequired needs a process restart to take effect.
type Diff struct {
	AddedBots   []bot.Bot
	RemovedBots []string
	UpdatedBots []bot.Bot

	// PipelineChanged is set when any pipeline setting differs.
	PipelineChanged bool

	// RestartRequired lists config sections that cannot be applied live.
	RestartRequired []string
}

// Empty reports whether the diff contains no changes at all.
func (d *Diff) Empty() bool {
	return len(d.AddedBots) == 0 && len(d.RemovedBots) == 0 &&
		len(d.UpdatedBots) == 0 && !d.PipelineChanged &&
		len(d.RestartRequired) == 0
}

// ComputeDiff compares two configs and returns the set of changes.
// Bots are matched by ID.
func ComputeDiff(old, updated *Config) *Diff {
	d := &Diff{}

	oldBots := make(map[string]bot.Bot, len(old.Bots))
	for _, b := range old.Bots {
		oldBots[b.ID] = b
	}
	seen := make(map[string]bool, len(updated.Bots))
	for _, b := range updated.Bots {
		seen[b.ID] = true
		prev, ok := oldBots[b.ID]
		switch {
		case !ok:
			d.AddedBots = append(d.AddedBots, b)
		case !reflect.DeepEqual(prev, b):
			d.UpdatedBots = append(d.UpdatedBots, b)
		}
	}
	for _, b := range old.Bots {
		if !seen[b.ID] {
			d.RemovedBots = append(d.RemovedBots, b.ID)
		}
	}

	if !reflect.DeepEqual(old.Pipeline, updated.Pipeline) {
		d.PipelineChanged = true
	}

	if !reflect.DeepEqual(old.Server, updated.Server) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.Providers, updated.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Memory != updated.Memory {
		d.RestartRequired = append(d.RestartRequired, "memory")
	}
	if !reflect.DeepEqual(old.Tools, updated.Tools) {
		d.RestartRequired = append(d.RestartRequired, "tools")
	}
	if old.Discord != updated.Discord {
		d.RestartRequired = append(d.RestartRequired, "discord")
	}

	return d
}
