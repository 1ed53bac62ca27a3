// Package contentkind defines the finite set of media/data kinds a
// session can publish or subscribe to.
package contentkind

import "strings"

// Kind is a bitmask over the recognized content kinds. Subscription
// specs combine kinds by OR-ing them together.
type Kind uint8

const (
	Audio Kind = 1 << iota
	Video
	Data

	None Kind = 0
	All  Kind = Audio | Video | Data
)

// Has reports whether k contains every bit set in other.
func (k Kind) Has(other Kind) bool {
	return k&other == other
}

// Intersects reports whether k and other share any bit.
func (k Kind) Intersects(other Kind) bool {
	return k&other != 0
}

func (k Kind) String() string {
	if k == None {
		return "none"
	}
	var parts []string
	if k.Has(Audio) {
		parts = append(parts, "audio")
	}
	if k.Has(Video) {
		parts = append(parts, "video")
	}
	if k.Has(Data) {
		parts = append(parts, "data")
	}
	return strings.Join(parts, "|")
}

// Parse turns a single wire-format kind name ("audio", "video", "data")
// into its bit. Unknown names return None, false.
func Parse(name string) (Kind, bool) {
	switch strings.ToLower(name) {
	case "audio":
		return Audio, true
	case "video":
		return Video, true
	case "data":
		return Data, true
	default:
		return None, false
	}
}
