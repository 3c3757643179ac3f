package bundle

import (
	"fmt"

	"github.com/dbichko/UMI-tools/readsource"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/hts/sam"
)

// GeneCount is one emission from a GeneCounter: the per-barcode read tally
// of one gene.
type GeneCount struct {
	// Gene identifies the gene: the aux tag value in GroupByGeneTag mode,
	// the reference name in GroupByContig mode.
	Gene string
	// Counts maps each barcode observed on the gene to its read count.
	Counts map[string]int
	// Events is the live event counter of the run.
	Events EventCounter
}

// GeneCounter tallies reads per gene and barcode over one forward scan,
// without electing representatives. Genes accumulate until the reference
// changes, so genes overlapping on one reference are tallied completely
// before anything is emitted.
type GeneCounter struct {
	src     readsource.Iterator
	opts    Opts
	geneTag sam.Tag

	events EventCounter
	err    error
	done   bool

	started   bool
	lastRefID int
	// genes preserves first-seen order for emission; counts is
	// gene -> barcode -> reads.
	genes  []string
	counts map[string]map[string]int

	pending []GeneCount
	item    GeneCount
}

// NewGeneCounter returns a GeneCounter consuming src. Positional grouping
// does not apply to counting: opts.Mode must be GroupByContig or
// GroupByGeneTag, and a barcode extractor is always required.
func NewGeneCounter(src readsource.Iterator, opts Opts) (*GeneCounter, error) {
	if opts.Mode != GroupByContig && opts.Mode != GroupByGeneTag {
		return nil, fmt.Errorf("gene counting requires contig or gene-tag grouping")
	}
	if opts.Mode == GroupByGeneTag && opts.GeneTag == "" {
		return nil, fmt.Errorf("grouping by gene tag requires a gene tag name")
	}
	if opts.Mode == GroupByGeneTag && opts.SkipRegex == nil {
		return nil, fmt.Errorf("grouping by gene tag requires a skip pattern for unassigned reads")
	}
	if opts.GeneTag != "" && len(opts.GeneTag) != 2 {
		return nil, fmt.Errorf("gene tag must be two characters, got %q", opts.GeneTag)
	}
	if opts.Extract == nil {
		return nil, fmt.Errorf("gene counting requires a barcode extractor")
	}
	if opts.SubsetRate < 0 || opts.SubsetRate > 1 {
		return nil, fmt.Errorf("subset rate must be within [0, 1], got %v", opts.SubsetRate)
	}
	if opts.SubsetRate > 0 && opts.Rand == nil {
		return nil, fmt.Errorf("a random source is required for subsampling")
	}
	if opts.MapQThreshold < 0 {
		return nil, fmt.Errorf("mapq threshold must be non-negative")
	}
	g := &GeneCounter{
		src:    src,
		opts:   opts,
		events: EventCounter{},
		counts: map[string]map[string]int{},
	}
	if opts.GeneTag != "" {
		g.geneTag = sam.NewTag(opts.GeneTag)
	}
	return g, nil
}

// Scan advances to the next gene tally. It returns false when the stream is
// exhausted or an error occurred; Err distinguishes the two. Tallies
// flushed ahead of a failing record are served before the failure surfaces.
func (g *GeneCounter) Scan() bool {
	for len(g.pending) == 0 {
		if g.done || g.err != nil {
			return false
		}
		if !g.src.Scan() {
			g.done = true
			if err := g.src.Err(); err != nil {
				g.err = err
				return false
			}
			g.flush()
			continue
		}
		if err := g.process(g.src.Record()); err != nil {
			// Tallies the failing record already flushed still drain.
			g.err = err
		}
	}
	g.item = g.pending[0]
	g.pending = g.pending[1:]
	return true
}

// Item returns the current gene tally. It must be called only after a call
// to Scan returns true.
func (g *GeneCounter) Item() GeneCount {
	return g.item
}

// Err returns the error that ended the stream, or nil after a clean end.
// Counter state survives an error, for diagnostics.
func (g *GeneCounter) Err() error {
	return g.err
}

// Events returns the live event counter of the run.
func (g *GeneCounter) Events() EventCounter {
	return g.events
}

func (g *GeneCounter) process(r *sam.Record) error {
	if r.Flags&sam.Read2 != 0 {
		return nil
	}
	g.events.Incr(EventInputReads)

	if r.Flags&sam.Unmapped != 0 {
		g.events.Incr(EventSkipUnmapped)
		return nil
	}
	if g.opts.Paired {
		g.events.Incr(EventPairedReads)
	}
	if g.opts.SubsetRate > 0 {
		if g.opts.Rand.Float64() >= g.opts.SubsetRate {
			g.events.Incr(EventSkipRandom)
			return nil
		}
	}
	if g.opts.MapQThreshold > 0 {
		if int(r.MapQ) < g.opts.MapQThreshold {
			g.events.Incr(EventSkipMapQ)
			return nil
		}
	}

	var gene string
	if g.opts.Mode == GroupByContig {
		gene = r.Ref.Name()
	} else {
		var err error
		if gene, err = auxString(r, g.geneTag); err != nil {
			return err
		}
		if g.opts.SkipRegex.MatchString(gene) {
			g.events.Incr(EventSkipTagsRegex)
			return nil
		}
	}

	if refID := r.Ref.ID(); !g.started || refID != g.lastRefID {
		g.flush()
		g.lastRefID = refID
		g.started = true
	}

	barcode, err := g.opts.Extract(r)
	if err != nil {
		return errors.E(err, fmt.Sprintf("read %s: extracting barcode", r.Name))
	}
	counts, ok := g.counts[gene]
	if !ok {
		g.genes = append(g.genes, gene)
		counts = map[string]int{}
		g.counts[gene] = counts
	}
	counts[barcode]++
	return nil
}

// flush queues every accumulated gene, in first-seen order, and resets the
// tallies.
func (g *GeneCounter) flush() {
	for _, gene := range g.genes {
		g.pending = append(g.pending, GeneCount{
			Gene:   gene,
			Counts: g.counts[gene],
			Events: g.events,
		})
	}
	g.genes = nil
	g.counts = map[string]map[string]int{}
}
