// Package render maps a confidence vector onto the state the UI draws: the top
// label text and one colored bar per class, always in declaration order.
package render

import (
	"errors"
	"fmt"
	"math"
)

// FailedMessage is the text shown when classification could not complete.
const FailedMessage = "Classification failed"

// UnitsPerPercent is the bar width granted for each percentage point.
const UnitsPerPercent = 3

// Palette is cycled by class position.
var Palette = []string{"#FFA500", "#FFC0CB", "#ADD8E6", "#0000FF"}

// ErrLengthMismatch is returned when the vector and label set differ in length.
var ErrLengthMismatch = errors.New("confidence vector does not match label set")

// ErrNonFinite is returned when a confidence is NaN or infinite.
var ErrNonFinite = errors.New("confidence is not a finite number")

// MaxPercent caps Percent so BarWidth stays within int32 on every platform.
const MaxPercent = math.MaxInt32 / UnitsPerPercent

// Style carries the fixed bar geometry the UI applies to every row.
type Style struct {
	BarHeight    int    `json:"bar_height"`
	CornerRadius int    `json:"corner_radius"`
	TrackColor   string `json:"track_color"`
	TextColor    string `json:"text_color"`
}

// DefaultStyle matches the bar layout of the original screen.
var DefaultStyle = Style{
	BarHeight:    50,
	CornerRadius: 15,
	TrackColor:   "#F0F0F0",
	TextColor:    "#000000",
}

// Bar is the display record for a single class.
type Bar struct {
	Index       int     `json:"index"`
	Label       string  `json:"label"`
	Confidence  float32 `json:"confidence"`
	Percent     int     `json:"percent"`
	PercentText string  `json:"percent_text"`
	Width       int     `json:"width"`
	Color       string  `json:"color"`
	// TextInset pushes the percent text away from the bar end when the bar is short.
	TextInset int `json:"text_inset"`
}

// State is everything the UI needs to redraw the result area.
type State struct {
	Failed   bool   `json:"failed"`
	Message  string `json:"message,omitempty"`
	TopIndex int    `json:"top_index"`
	TopLabel string `json:"top_label"`
	// Ambiguous is set when no confidence rose above zero and TopIndex is the fallback.
	Ambiguous bool  `json:"ambiguous"`
	Bars      []Bar `json:"bars"`
	Style     Style `json:"style"`
}

// TopIndex returns the index of the first maximum. The running maximum starts
// at zero, so an empty vector or one with no positive value yields index 0 and ok=false.
func TopIndex(confidences []float32) (index int, ok bool) {
	var best float32
	for i, c := range confidences {
		if c > best {
			best = c
			index = i
			ok = true
		}
	}
	return index, ok
}

// Percent floors a confidence scaled to percentage points. The product is
// rounded to float32 first so 0.95 maps to 95, not 94. Results are clamped to
// [-MaxPercent, MaxPercent] and NaN maps to 0; Render rejects non-finite input
// before it gets here.
func Percent(confidence float32) int {
	scaled := math.Floor(float64(float32(confidence * 100)))
	switch {
	case math.IsNaN(scaled):
		return 0
	case scaled > MaxPercent:
		return MaxPercent
	case scaled < -MaxPercent:
		return -MaxPercent
	}
	return int(scaled)
}

// BarWidth converts percentage points into bar width units.
func BarWidth(percent int) int {
	return percent * UnitsPerPercent
}

// Color returns the palette entry for class position i.
func Color(i int) string {
	n := len(Palette)
	return Palette[((i%n)+n)%n]
}

// Render builds the display state for confidences against the ordered labels.
func Render(confidences []float32, labels []string) (State, error) {
	if len(confidences) != len(labels) {
		return State{}, fmt.Errorf("%w: %d values for %d labels", ErrLengthMismatch, len(confidences), len(labels))
	}
	for i, c := range confidences {
		if math.IsNaN(float64(c)) || math.IsInf(float64(c), 0) {
			return State{}, fmt.Errorf("%w: index %d is %v", ErrNonFinite, i, c)
		}
	}

	top, ok := TopIndex(confidences)
	state := State{
		TopIndex:  top,
		Ambiguous: !ok,
		Bars:      make([]Bar, len(labels)),
		Style:     DefaultStyle,
	}
	if top < len(labels) {
		state.TopLabel = labels[top]
	}

	for i, label := range labels {
		percent := Percent(confidences[i])
		bar := Bar{
			Index:       i,
			Label:       label,
			Confidence:  confidences[i],
			Percent:     percent,
			PercentText: fmt.Sprintf("%d%%", percent),
			Width:       BarWidth(percent),
			Color:       Color(i),
		}
		if percent < 10 {
			bar.TextInset = 4
		}
		state.Bars[i] = bar
	}
	return state, nil
}

// Failed returns the state shown after a classification error. An empty
// message falls back to FailedMessage.
func Failed(message string) State {
	if message == "" {
		message = FailedMessage
	}
	return State{Failed: true, Message: message, TopLabel: message, Style: DefaultStyle}
}
