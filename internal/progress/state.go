// Package progress holds the per-session display state fed by the message
// channel and renders it as a terminal progress bar.
package progress

import (
	"math"
	"sync"
)

// DefaultScale is the number of discrete bar positions.
const DefaultScale = 100

// DefaultPrefix labels the bar.
const DefaultPrefix = "Collecting prophecies"

// State is the last fraction and status text reported by the unit. The
// message consumer is its only writer and the renderer its only reader.
type State struct {
	mu       sync.Mutex
	fraction float64
	text     string
}

// SetFraction records a progress report. Values outside [0,1] and
// regressions are accepted as sent; clamping happens at display time.
func (s *State) SetFraction(p float64) {
	s.mu.Lock()
	s.fraction = p
	s.mu.Unlock()
}

// SetText records the latest status line.
func (s *State) SetText(text string) {
	s.mu.Lock()
	s.text = text
	s.mu.Unlock()
}

// Snapshot returns the current fraction and text.
func (s *State) Snapshot() (float64, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fraction, s.text
}

// Clamp limits p to [0,1]. NaN maps to 0.
func Clamp(p float64) float64 {
	switch {
	case math.IsNaN(p), p < 0:
		return 0
	case p > 1:
		return 1
	}
	return p
}

// Position maps a fraction onto a bar of scale steps.
func Position(p float64, scale int) int {
	return int(math.Round(float64(scale) * Clamp(p)))
}
