package generation

import (
	"fmt"
	"strings"
)

type Modality string

const (
	ModalityText   Modality = "text"
	ModalityAudio  Modality = "audio"
	ModalityVideo  Modality = "video"
	ModalityImages Modality = "images"
)

var allModalities = []Modality{ModalityText, ModalityAudio, ModalityVideo, ModalityImages}

func ParseModality(s string) (Modality, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text", "script":
		return ModalityText, nil
	case "audio":
		return ModalityAudio, nil
	case "video":
		return ModalityVideo, nil
	case "images", "image":
		return ModalityImages, nil
	default:
		return "", fmt.Errorf("unknown modality %q", s)
	}
}

// ModalitySet is an ordered, duplicate-free list of modalities.
type ModalitySet []Modality

// NewModalitySet parses and canonicalizes raw names.
func NewModalitySet(raw []string) (ModalitySet, error) {
	seen := make(map[Modality]bool, len(raw))
	for _, r := range raw {
		m, err := ParseModality(r)
		if err != nil {
			return nil, err
		}
		seen[m] = true
	}
	out := make(ModalitySet, 0, len(seen))
	for _, m := range allModalities {
		if seen[m] {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s ModalitySet) Has(m Modality) bool {
	for _, v := range s {
		if v == m {
			return true
		}
	}
	return false
}

// NeedsAudio is true when narration is required, either directly or as the
// soundtrack of a video.
func (s ModalitySet) NeedsAudio() bool {
	return s.Has(ModalityAudio) || s.Has(ModalityVideo)
}

func (s ModalitySet) Strings() []string {
	out := make([]string, len(s))
	for i, m := range s {
		out[i] = string(m)
	}
	return out
}
