package bot

import (
	"testing"
	"time"
)

func TestDeriveVoiceClone(t *testing.T) {
	t.Parallel()

	base := Bot{
		ID:                   "poet",
		Name:                 "Poet",
		Persona:              "speaks in verse",
		Model:                "gpt-4o",
		Temperature:          0.9,
		MaxTokens:            512,
		PreProcessingPrompt:  "clean up",
		PostProcessingPrompt: "shorten",
		UseTools:             true,
		Tools:                []string{"search"},
		EnableReprocessing:   true,
		Voice:                VoiceSettings{Voice: "alloy", Model: "gpt-4o-mini", SpeedFactor: 1.1},
	}

	clone := DeriveVoiceClone(base)

	if got, want := clone.ID, VoiceClonePrefix+"poet"; got != want {
		t.Errorf("clone ID = %q, want %q", got, want)
	}
	if !clone.IsVoiceClone() {
		t.Error("IsVoiceClone() = false, want true")
	}
	if got, want := clone.BaseID(), "poet"; got != want {
		t.Errorf("BaseID() = %q, want %q", got, want)
	}
	if got, want := clone.Model, "gpt-4o-mini"; got != want {
		t.Errorf("clone Model = %q, want voice override %q", got, want)
	}
	if clone.UseTools {
		t.Error("clone UseTools = true, want false")
	}
	if clone.EnableReprocessing {
		t.Error("clone EnableReprocessing = true, want false")
	}
	if got, want := clone.PreProcessingPrompt, base.PreProcessingPrompt; got != want {
		t.Errorf("clone PreProcessingPrompt = %q, want %q", got, want)
	}
	if got, want := clone.Temperature, base.Temperature; got != want {
		t.Errorf("clone Temperature = %v, want %v", got, want)
	}

	t.Run("no voice model override keeps base model", func(t *testing.T) {
		t.Parallel()

		b := base
		b.Voice.Model = ""
		if got := DeriveVoiceClone(b).Model; got != "gpt-4o" {
			t.Errorf("clone Model = %q, want %q", got, "gpt-4o")
		}
	})
}

func TestRegistryAddGetAll(t *testing.T) {
	t.Parallel()

	r := NewRegistry()

	if err := r.Add(Bot{ID: "a", Name: "A"}); err != nil {
		t.Fatalf("Add(a): %v", err)
	}
	if err := r.Add(Bot{ID: "b", Name: "B"}); err != nil {
		t.Fatalf("Add(b): %v", err)
	}

	if err := r.Add(Bot{ID: "a"}); err == nil {
		t.Error("Add(duplicate) = nil, want error")
	}
	if err := r.Add(Bot{}); err == nil {
		t.Error("Add(empty id) = nil, want error")
	}

	got, ok := r.Get("a")
	if !ok || got.Name != "A" {
		t.Errorf("Get(a) = %+v, %v", got, ok)
	}

	all := r.All()
	if len(all) != 2 || all[0].ID != "a" || all[1].ID != "b" {
		t.Errorf("All() order = %+v, want [a b]", all)
	}
}

func TestRegistryUpdateDoesNotAffectSnapshots(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	if err := r.Add(Bot{ID: "a", Temperature: 0.2}); err != nil {
		t.Fatal(err)
	}

	snap, _ := r.Get("a")

	if err := r.Update(Bot{ID: "a", Temperature: 0.9}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if snap.Temperature != 0.2 {
		t.Errorf("snapshot Temperature = %v, want 0.2", snap.Temperature)
	}
	cur, _ := r.Get("a")
	if cur.Temperature != 0.9 {
		t.Errorf("current Temperature = %v, want 0.9", cur.Temperature)
	}

	if err := r.Update(Bot{ID: "missing"}); err == nil {
		t.Error("Update(missing) = nil, want error")
	}
}

func TestRegistryRemoveAfterGrace(t *testing.T) {
	t.Parallel()

	r := NewRegistry(WithRemovalGrace(30 * time.Millisecond))
	if err := r.Add(Bot{ID: VoiceClonePrefix + "a"}); err != nil {
		t.Fatal(err)
	}

	r.RemoveAfterGrace(VoiceClonePrefix + "a")

	// Still present inside the grace window.
	if _, ok := r.Get(VoiceClonePrefix + "a"); !ok {
		t.Fatal("clone removed before grace elapsed")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := r.Get(VoiceClonePrefix + "a"); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("clone still registered after grace elapsed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRegistryReAddCancelsPendingRemoval(t *testing.T) {
	t.Parallel()

	r := NewRegistry(WithRemovalGrace(40 * time.Millisecond))
	id := VoiceClonePrefix + "a"
	if err := r.Add(Bot{ID: id}); err != nil {
		t.Fatal(err)
	}

	r.RemoveAfterGrace(id)
	r.Remove(id)
	if err := r.Add(Bot{ID: id, Name: "fresh"}); err != nil {
		t.Fatalf("re-add during grace: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	got, ok := r.Get(id)
	if !ok {
		t.Fatal("re-added clone was removed by the stale grace timer")
	}
	if got.Name != "fresh" {
		t.Errorf("Get(%s).Name = %q, want %q", id, got.Name, "fresh")
	}
}

func TestRegistryVoiceCloneFilters(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	for _, b := range []Bot{{ID: "a"}, {ID: VoiceClonePrefix + "a"}, {ID: "b"}} {
		if err := r.Add(b); err != nil {
			t.Fatal(err)
		}
	}

	if got := r.VoiceClones(); len(got) != 1 || got[0].ID != VoiceClonePrefix+"a" {
		t.Errorf("VoiceClones() = %+v", got)
	}
	if got := r.Regular(); len(got) != 2 {
		t.Errorf("Regular() = %+v, want 2 bots", got)
	}
}
