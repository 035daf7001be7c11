package handparser

import (
	"regexp"
	"sort"
	"strings"
)

// DefaultSite is used when a site name is not recognized
const DefaultSite = "PokerStars"

// handStartPatterns match the first line of a hand for each supported site
var handStartPatterns = map[string]*regexp.Regexp{
	"PokerStars": regexp.MustCompile(`^PokerStars (Hand|Zoom) #`),
	"Bovada":     regexp.MustCompile(`^Bovada Hand #`),
	"Winamax":    regexp.MustCompile(`^Winamax Hand #`),
	"GGPoker":    regexp.MustCompile(`^GGPoker Hand #`),
	"PartyPoker": regexp.MustCompile(`^PartyPoker Hand #`),
	"Unibet":     regexp.MustCompile(`^Unibet Hand #`),
	"iPoker":     regexp.MustCompile(`^iPoker Hand #`),
	"Cake":       regexp.MustCompile(`^Cake Poker Hand #`),
}

// summaryMarker terminates the hand it appears in
const summaryMarker = "*** SUMMARY ***"

// endMarkers show up near the end of a hand but do not terminate it.
// Only the summary marker and the next hand header close a hand.
var endMarkers = []*regexp.Regexp{
	regexp.MustCompile(`^Uncalled bet .* returned to`),
	regexp.MustCompile(`^Hand was (folded|run twice)`),
	regexp.MustCompile(`^Board:`),
	regexp.MustCompile(`^\*\*\* SHOW DOWN \*\*\*`),
}

// resolveSite returns the canonical site name and its hand-start pattern.
// Unknown names fall back to DefaultSite.
func resolveSite(name string) (string, *regexp.Regexp, bool) {
	if re, ok := handStartPatterns[name]; ok {
		return name, re, true
	}
	for site, re := range handStartPatterns {
		if strings.EqualFold(site, name) {
			return site, re, true
		}
	}
	return DefaultSite, handStartPatterns[DefaultSite], false
}

// Sites returns the names of all supported sites, sorted
func Sites() []string {
	names := make([]string, 0, len(handStartPatterns))
	for name := range handStartPatterns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// KnownSite reports whether name (case-insensitively) has its own pattern
func KnownSite(name string) bool {
	_, _, ok := resolveSite(name)
	return ok
}

func isEndMarker(line string) bool {
	for _, re := range endMarkers {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}
