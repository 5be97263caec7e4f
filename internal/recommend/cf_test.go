// Recurate - Personalized Financial Content Recommendation
// Copyright 2026 Finlab
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/finlab/recurate

package recommend

import (
	"context"
	"math"
	"testing"
)

func TestNewItemSimilarityDefaults(t *testing.T) {
	m := NewItemSimilarity(CFConfig{})
	if m.minCoOccurrence != 2 {
		t.Errorf("minCoOccurrence = %d, want 2", m.minCoOccurrence)
	}
	if m.historyLimit != 100 {
		t.Errorf("historyLimit = %d, want 100", m.historyLimit)
	}
	if m.Ready() {
		t.Error("Ready() = true before Build")
	}
}

func TestItemSimilarity_Build(t *testing.T) {
	interactions := map[string][]string{
		"u1": {"i1"},
		"u2": {"i1", "i2"},
		"u3": {"i1", "i2"},
	}

	m := NewItemSimilarity(CFConfig{MinCoOccurrence: 1})
	if err := m.Build(context.Background(), interactions); err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if !m.Ready() {
		t.Fatal("Ready() = false after Build")
	}

	// users(i1)={u1,u2,u3}, users(i2)={u2,u3}: jaccard = 2/3.
	want := 2.0 / 3.0
	if got := m.Sim("i1", "i2"); math.Abs(got-want) > 1e-9 {
		t.Errorf("Sim(i1,i2) = %f, want %f", got, want)
	}

	// Symmetry must hold whenever a pair is defined.
	if m.Sim("i1", "i2") != m.Sim("i2", "i1") {
		t.Errorf("Sim not symmetric: %f != %f", m.Sim("i1", "i2"), m.Sim("i2", "i1"))
	}

	// Self-pairs are omitted.
	if got := m.Sim("i1", "i1"); got != 0 {
		t.Errorf("Sim(i1,i1) = %f, want 0", got)
	}
}

func TestItemSimilarity_MinCoOccurrenceGate(t *testing.T) {
	interactions := map[string][]string{
		"u1": {"i1", "i2"},
		"u2": {"i2", "i3"},
		"u3": {"i2", "i3"},
	}

	m := NewItemSimilarity(CFConfig{MinCoOccurrence: 2})
	if err := m.Build(context.Background(), interactions); err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	// (i1,i2) co-occurs once, below the gate.
	if got := m.Sim("i1", "i2"); got != 0 {
		t.Errorf("Sim(i1,i2) = %f, want 0 (below co-occurrence gate)", got)
	}
	// (i2,i3) co-occurs twice, jaccard = 2/3.
	if got := m.Sim("i2", "i3"); math.Abs(got-2.0/3.0) > 1e-9 {
		t.Errorf("Sim(i2,i3) = %f, want %f", got, 2.0/3.0)
	}
}

func TestItemSimilarity_DuplicateHistoryEntries(t *testing.T) {
	interactions := map[string][]string{
		"u1": {"i1", "i1", "i2"},
		"u2": {"i1", "i2"},
	}

	m := NewItemSimilarity(CFConfig{MinCoOccurrence: 2})
	if err := m.Build(context.Background(), interactions); err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	// Duplicates within one user must count once: jaccard = 2/2 = 1.
	if got := m.Sim("i1", "i2"); math.Abs(got-1.0) > 1e-9 {
		t.Errorf("Sim(i1,i2) = %f, want 1.0", got)
	}
}

func TestItemSimilarity_Score(t *testing.T) {
	interactions := map[string][]string{
		"u1": {"i1"},
		"u2": {"i1", "i2"},
		"u3": {"i1", "i2"},
	}
	m := NewItemSimilarity(CFConfig{MinCoOccurrence: 1})
	if err := m.Build(context.Background(), interactions); err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	tests := []struct {
		name       string
		history    []string
		candidates []string
		wantScore  map[string]float64
	}{
		{
			name:       "history similarity sums onto candidate",
			history:    []string{"i1"},
			candidates: []string{"i2"},
			wantScore:  map[string]float64{"i2": 2.0 / 3.0},
		},
		{
			name:       "unknown candidate absent from result",
			history:    []string{"i1"},
			candidates: []string{"i9"},
			wantScore:  map[string]float64{},
		},
		{
			name:       "empty history returns empty",
			history:    nil,
			candidates: []string{"i2"},
			wantScore:  map[string]float64{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := m.Score(tt.history, tt.candidates)
			if len(got) != len(tt.wantScore) {
				t.Fatalf("Score() returned %d entries, want %d", len(got), len(tt.wantScore))
			}
			for id, want := range tt.wantScore {
				if math.Abs(got[id]-want) > 1e-9 {
					t.Errorf("Score()[%s] = %f, want %f", id, got[id], want)
				}
			}
		})
	}
}

func TestItemSimilarity_ScoreHistoryLimit(t *testing.T) {
	// i1 and i2 are both similar to c; with HistoryLimit 1 only the
	// most recent history item (i1) may contribute.
	interactions := map[string][]string{
		"u1": {"i1", "c"},
		"u2": {"i1", "c"},
		"u3": {"i2", "c"},
		"u4": {"i2", "c"},
	}
	m := NewItemSimilarity(CFConfig{MinCoOccurrence: 2, HistoryLimit: 1})
	if err := m.Build(context.Background(), interactions); err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	got := m.Score([]string{"i1", "i2"}, []string{"c"})
	want := m.Sim("i1", "c")
	if math.Abs(got["c"]-want) > 1e-9 {
		t.Errorf("Score()[c] = %f, want only most recent item's sim %f", got["c"], want)
	}
}

func TestItemSimilarity_NotReady(t *testing.T) {
	m := NewItemSimilarity(CFConfig{})
	if got := m.Score([]string{"i1"}, []string{"i2"}); len(got) != 0 {
		t.Errorf("Score() before Build returned %d entries, want 0", len(got))
	}
	if got := m.Sim("i1", "i2"); got != 0 {
		t.Errorf("Sim() before Build = %f, want 0", got)
	}
}

func TestItemSimilarity_BuildCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	interactions := make(map[string][]string, 2000)
	for i := 0; i < 2000; i++ {
		interactions[string(rune('a'+i%26))+string(rune('0'+i%10))+string(rune(i))] = []string{"i1", "i2"}
	}

	m := NewItemSimilarity(CFConfig{})
	if err := m.Build(ctx, interactions); err == nil {
		t.Error("Build() with cancelled context should return error")
	}
}
