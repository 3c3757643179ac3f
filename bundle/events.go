package bundle

import (
	"fmt"
	"sort"
	"strings"
)

// Event labels recorded while bundling.
const (
	EventInputReads       = "Input Reads"
	EventPairedReads      = "Paired Reads"
	EventBothUnmapped     = "Both unmapped"
	EventRead1Unmapped    = "Read 1 unmapped"
	EventRead2Unmapped    = "Read 2 unmapped"
	EventSingleUnmapped   = "Single end unmapped"
	EventRandomlyExcluded = "Randomly excluded"
	EventBelowMapQ        = "< MAPQ threshold"
)

// Event labels recorded while counting per gene.
const (
	EventSkipUnmapped  = "Skipped - Unmapped Reads"
	EventSkipRandom    = "Skipped - Randomly excluded"
	EventSkipMapQ      = "Skipped - < MAPQ threshold"
	EventSkipTagsRegex = "Skipped - matches --skip-tags-regex"
)

// EventCounter tallies the disposition of every input read: how many were
// seen and how many each filtering step dropped. Counts accumulate over the
// whole run and are never reset. The same counter instance is attached to
// every emitted item, so a consumer holding any item sees the final tallies
// once the stream is exhausted.
type EventCounter map[string]int

// Incr adds one to the count for label.
func (c EventCounter) Incr(label string) {
	c[label]++
}

// String renders one "label: count" line per label, sorted by label.
func (c EventCounter) String() string {
	labels := make([]string, 0, len(c))
	for label := range c {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	var b strings.Builder
	for _, label := range labels {
		fmt.Fprintf(&b, "%s: %d\n", label, c[label])
	}
	return b.String()
}
