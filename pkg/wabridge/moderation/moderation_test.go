package moderation

import "testing"

func TestGate_Classify(t *testing.T) {
	g := NewGate(nil)

	tests := []struct {
		name string
		text string
		want Verdict
	}{
		{"clean", "¡Felicidades a los novios!", Approved},
		{"denied word", "esto es una mierda", Pending},
		{"uppercase", "MIERDA", Pending},
		{"punctuation around", "¿puta?", Pending},
		{"substring is not a word", "computadora", Approved},
		{"prefix is not a word", "penetrante", Approved},
		{"accented neighbour", "sexología", Approved},
		{"digits split", "hdp123", Approved},
		{"empty", "", Approved},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := g.Classify(tt.text); got != tt.want {
				t.Errorf("Classify(%q) = %s, want %s", tt.text, got, tt.want)
			}
		})
	}
}

func TestGate_Phrases(t *testing.T) {
	g := NewGate([]string{"mala palabra", "Ñandú"})

	tests := []struct {
		text string
		want Verdict
	}{
		{"una mala palabra aquí", Pending},
		{"MALA,   PALABRA", Pending},
		{"mala otra palabra", Approved},
		{"malapalabra", Approved},
		{"vi un ñandú", Pending},
		{"mierda", Approved},
	}
	for _, tt := range tests {
		if got := g.Classify(tt.text); got != tt.want {
			t.Errorf("Classify(%q) = %s, want %s", tt.text, got, tt.want)
		}
	}
}

func TestGate_Deterministic(t *testing.T) {
	g := NewGate(nil)
	text := "Qué linda fiesta, pero la música es una mierda"
	first := g.Classify(text)
	for i := 0; i < 100; i++ {
		if got := g.Classify(text); got != first {
			t.Fatalf("iteration %d: got %s, want %s", i, got, first)
		}
	}
}

func TestGate_EmptyList(t *testing.T) {
	g := NewGate([]string{})
	if got := g.Classify("mierda"); got != Approved {
		t.Errorf("empty denylist should approve everything, got %s", got)
	}
}
