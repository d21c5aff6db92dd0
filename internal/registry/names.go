package registry

import (
	"fmt"
	"math/rand/v2"
	"regexp"
	"strings"
)

// namePattern is the grammar every AMP-registered agent name must satisfy:
// lowercase alphanumerics and inner dashes, at most 63 characters.
var namePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// Word lists for collision suggestions. Short on purpose; the suggestion only
// has to be memorable, not unique.
var (
	suggestionAdjectives = []string{
		"swift", "calm", "bright", "quiet", "bold", "keen",
		"brisk", "clever", "steady", "lively", "mellow", "sharp",
	}
	suggestionNouns = []string{
		"falcon", "river", "cedar", "comet", "harbor", "summit",
		"meadow", "lantern", "anchor", "aurora", "canyon", "breeze",
	}
)

// NormalizeName lowercases and trims an agent name for AMP registration.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// ValidateName checks the AMP name grammar.
func ValidateName(name string) error {
	if name == "" {
		return ErrValidation{Msg: "name is required", Field: "name"}
	}
	if !namePattern.MatchString(name) {
		return ErrValidation{
			Msg:   fmt.Sprintf("name %q must be lowercase alphanumerics and dashes, starting and ending with a letter or digit", name),
			Field: "name",
		}
	}
	return nil
}

// SuggestNames returns the three collision alternatives for a taken name:
// {base}-2, {base}-3, and {base}-{adjective}-{noun}.
func SuggestNames(base string) []string {
	adj := suggestionAdjectives[rand.IntN(len(suggestionAdjectives))]
	noun := suggestionNouns[rand.IntN(len(suggestionNouns))]
	return []string{
		base + "-2",
		base + "-3",
		fmt.Sprintf("%s-%s-%s", base, adj, noun),
	}
}
