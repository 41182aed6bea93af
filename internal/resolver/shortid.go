// Package resolver turns short UUID prefixes into full stems by scanning the
// vault, so CLI commands accept "warren approval show 3fa85f" instead of the
// full identifier.
package resolver

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/dyluth/warren/pkg/vault"
)

// MinShortIDLength is the minimum accepted prefix length. Six characters
// balances typing effort against collision odds in a vault of thousands.
const MinShortIDLength = 6

// Match is one resolved stem and the pipeline folder it currently rests in.
type Match struct {
	Stem   string
	Folder string
}

// ResolveStem resolves a short ID prefix to the full stem of a pipeline file.
// A full 36-character UUID is verified to exist; shorter input is treated as
// a prefix and must match exactly one stem across the pipeline folders.
func ResolveStem(layout vault.Layout, shortID string) (Match, error) {
	if len(shortID) == 36 && strings.Count(shortID, "-") == 4 {
		matches := scan(layout, shortID, true)
		if len(matches) == 0 {
			return Match{}, &NotFoundError{ShortID: shortID}
		}
		return matches[0], nil
	}

	if len(shortID) < MinShortIDLength {
		return Match{}, fmt.Errorf("short ID must be at least %d characters (got %d)", MinShortIDLength, len(shortID))
	}

	matches := scan(layout, shortID, false)
	switch len(matches) {
	case 0:
		return Match{}, &NotFoundError{ShortID: shortID}
	case 1:
		return matches[0], nil
	default:
		return Match{}, &AmbiguousError{ShortID: shortID, Matches: matches}
	}
}

// scan walks the pipeline folders collecting stems that match the prefix.
// Each stem is reported once even when several artefacts share it.
func scan(layout vault.Layout, prefix string, exact bool) []Match {
	seen := make(map[string]bool)
	var matches []Match
	for _, folder := range vault.PipelineFolders() {
		entries, err := os.ReadDir(layout.Dir(folder))
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
				continue
			}
			stem := vault.Stem(entry.Name())
			if seen[stem] {
				continue
			}
			if exact && stem != prefix {
				continue
			}
			if !exact && !strings.HasPrefix(stem, prefix) {
				continue
			}
			seen[stem] = true
			matches = append(matches, Match{Stem: stem, Folder: folder})
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Stem < matches[j].Stem })
	return matches
}

// NotFoundError indicates no pipeline file matched the short ID.
type NotFoundError struct {
	ShortID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no pipeline files found matching '%s'", e.ShortID)
}

// AmbiguousError indicates multiple stems matched the short ID.
type AmbiguousError struct {
	ShortID string
	Matches []Match
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous short ID '%s' matches %d files", e.ShortID, len(e.Matches))
}

// FormatAmbiguousError renders an ambiguous match for the terminal, listing
// up to ten candidates.
func FormatAmbiguousError(err *AmbiguousError) string {
	msg := fmt.Sprintf("Error: ambiguous short ID '%s' matches %d files:\n", err.ShortID, len(err.Matches))

	displayCount := len(err.Matches)
	if displayCount > 10 {
		displayCount = 10
	}
	for i := 0; i < displayCount; i++ {
		msg += fmt.Sprintf("  %s (%s)\n", err.Matches[i].Stem, err.Matches[i].Folder)
	}
	if len(err.Matches) > 10 {
		msg += fmt.Sprintf("  ...and %d more\n", len(err.Matches)-10)
	}

	msg += "\nUse a longer prefix to uniquely identify the file."
	return msg
}

// IsNotFoundError checks if an error is a NotFoundError.
func IsNotFoundError(err error) bool {
	_, ok := err.(*NotFoundError)
	return ok
}

// IsAmbiguousError checks if an error is an AmbiguousError.
func IsAmbiguousError(err error) bool {
	_, ok := err.(*AmbiguousError)
	return ok
}
