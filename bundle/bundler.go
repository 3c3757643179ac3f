// Package bundle groups coordinate-sorted alignment records into per-locus,
// per-barcode bundles for duplicate collapsing. A Bundler consumes one
// forward scan of a read source and yields bundles as soon as the stream
// has moved far enough past them, keeping memory bounded by the active
// window rather than the whole input.
package bundle

import (
	"fmt"
	"math/rand"
	"regexp"
	"strings"

	"github.com/biogo/store/llrb"
	"github.com/dbichko/UMI-tools/readsource"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/hts/sam"
)

// window is how far (in reference bases) the stream must advance past a
// position before its bundles are emitted, and conversely how far back a
// position must be before it can no longer receive reads.
const window = 1000

// GroupingMode selects the coordinate reads are grouped on.
type GroupingMode int

const (
	// GroupByPosition groups reads by their clip-corrected alignment
	// position, within a sliding window.
	GroupByPosition GroupingMode = iota
	// GroupByContig groups all reads of one reference together.
	GroupByContig
	// GroupByGeneTag groups reads by the value of a gene aux tag.
	GroupByGeneTag
)

// GroupKey separates the read populations bundled independently at one
// position. The zero key is used in GroupByContig and GroupByGeneTag modes,
// where the outer coordinate already carries the whole identity.
type GroupKey struct {
	// Reverse is the strand of the read.
	Reverse bool
	// Spliced is whether the read spans an intron, when Opts.Spliced is
	// set.
	Spliced bool
	// TempLen is the template length, when Opts.Paired is set.
	TempLen int
	// ReadLen is the sequence length, when Opts.ReadLength is set.
	ReadLen int
}

// BundleEntry accumulates the reads of one barcode at one position.
type BundleEntry struct {
	// Read is the elected representative.
	Read *sam.Record
	// Reads holds every read of the entry when Opts.RetainAll is set; Read
	// is nil then.
	Reads []*sam.Record
	// Count is the number of reads collapsed into the entry.
	Count int

	// ties counts consecutive equally-good candidates for Read, for
	// reservoir replacement.
	ties int
}

// Bundle maps each barcode observed at one position to its entry.
type Bundle map[string]*BundleEntry

// Category describes what an Item carries.
type Category int

const (
	// SingleRead marks a record forwarded immediately, without bundling.
	SingleRead Category = iota
	// Mapped marks a bundle of grouped reads.
	Mapped
)

// String returns the wire name of the category.
func (c Category) String() string {
	switch c {
	case SingleRead:
		return "single_read"
	case Mapped:
		return "mapped"
	}
	return fmt.Sprintf("Category(%d)", int(c))
}

// Item is one emission from a Bundler: either a bundle of grouped reads, or
// a single forwarded record.
type Item struct {
	// Bundle holds the grouped reads. Nil when Category is SingleRead.
	Bundle Bundle
	// Read is the forwarded record. Nil when Category is Mapped.
	Read *sam.Record
	// Events is the live event counter of the run.
	Events EventCounter
	// Category tells which of Bundle and Read is set.
	Category Category
}

// Opts configures a Bundler.
type Opts struct {
	// Mode selects the grouping coordinate.
	Mode GroupingMode
	// WholeContig delays window flushes until the reference changes.
	WholeContig bool
	// Spliced separates intron-spanning from contiguous reads at the same
	// position.
	Spliced bool
	// SoftClipThreshold is the 3' soft-clip length above which a read
	// counts as spliced.
	SoftClipThreshold int
	// Paired marks the input as paired-end: read2 and unmapped-mate
	// handling applies, and bundles separate by template length.
	Paired bool
	// ReadLength separates reads of different lengths into different
	// bundles.
	ReadLength bool

	// MapQThreshold drops reads with lower mapping quality, when positive.
	MapQThreshold int
	// SubsetRate keeps each read with this probability, when in (0, 1].
	// Zero disables subsampling.
	SubsetRate float64

	// EmitUnmapped forwards unmapped reads, and mapped reads whose mate is
	// unmapped, as single-read items instead of dropping them.
	EmitUnmapped bool
	// EmitRead2 forwards read2 records as single-read items instead of
	// dropping them.
	EmitRead2 bool

	// RetainAll keeps every read of a bundle instead of electing one
	// representative.
	RetainAll bool
	// DetectionMethod names the aux tag consulted to break mapping-quality
	// ties between candidate representatives: "NH", "X0" or "XT". Empty
	// breaks ties by reservoir sampling alone.
	DetectionMethod string

	// IgnoreUMI bundles all reads at a position under a single barcode.
	IgnoreUMI bool
	// Extract returns the barcode of a read. Required unless IgnoreUMI.
	Extract func(r *sam.Record) (string, error)

	// GeneTag is the aux tag holding the gene assignment, for
	// GroupByGeneTag mode and for GeneCounter.
	GeneTag string
	// SkipRegex drops reads whose gene assignment matches. Required in
	// GroupByGeneTag mode: gene-tagged inputs carry descriptive
	// pseudo-genes such as "Unassigned_NoFeatures" that must never form
	// groups.
	SkipRegex *regexp.Regexp

	// Rand drives subsampling and representative election. Seed it for
	// reproducible runs.
	Rand *rand.Rand
}

// Bundler groups the records of one forward scan into bundles.
//
// Bundles are emitted exactly once, in ascending coordinate order, as soon
// as the scan has moved a full window past them. The caller pulls with Scan
// and reads each emission with Item; abandoning a Bundler mid-stream loses
// only the bundles still inside the window.
type Bundler struct {
	src     readsource.Iterator
	opts    Opts
	geneTag sam.Tag

	events EventCounter
	err    error
	done   bool

	// groups indexes the live positionGroups by (pos, gene), ascending.
	groups    llrb.Tree
	started   bool
	lastRefID int
	lastGene  string
	// lastFlush is the window watermark: the start ordinate of the read
	// that last triggered a flush.
	lastFlush int

	pending []Item
	item    Item
}

// windowBucket is the llrb element indexing one positionGroup. pos is the
// grouping position in GroupByPosition mode and the reference ID in
// GroupByContig mode; gene is the grouping value in GroupByGeneTag mode.
type windowBucket struct {
	pos   int
	gene  string
	group *positionGroup
}

// Compare compares two windowBucket objects for use in llrb.
func (b windowBucket) Compare(c2 llrb.Comparable) int {
	b2 := c2.(windowBucket)
	if diff := b.pos - b2.pos; diff != 0 {
		return diff
	}
	return strings.Compare(b.gene, b2.gene)
}

// positionGroup holds the bundles accumulating at one grouping position,
// one per GroupKey, in first-seen order.
type positionGroup struct {
	keys    []GroupKey
	bundles map[GroupKey]Bundle
}

// NewBundler returns a Bundler consuming src. The caller remains the owner
// of src and closes it after the last Scan.
func NewBundler(src readsource.Iterator, opts Opts) (*Bundler, error) {
	if err := validateOpts(&opts); err != nil {
		return nil, err
	}
	b := &Bundler{
		src:    src,
		opts:   opts,
		events: EventCounter{},
		groups: llrb.Tree{},
	}
	if opts.GeneTag != "" {
		b.geneTag = sam.NewTag(opts.GeneTag)
	}
	return b, nil
}

// Scan advances to the next item. It returns false when the stream is
// exhausted or an error occurred; Err distinguishes the two. Items flushed
// ahead of a failing record are served before the failure surfaces.
func (b *Bundler) Scan() bool {
	for len(b.pending) == 0 {
		if b.done || b.err != nil {
			return false
		}
		if !b.src.Scan() {
			b.done = true
			if err := b.src.Err(); err != nil {
				b.err = err
				return false
			}
			b.flushAll()
			continue
		}
		if err := b.process(b.src.Record()); err != nil {
			// Items the failing record already flushed still drain.
			b.err = err
		}
	}
	b.item = b.pending[0]
	b.pending = b.pending[1:]
	return true
}

// Item returns the current item. It must be called only after a call to
// Scan returns true.
func (b *Bundler) Item() Item {
	return b.item
}

// Err returns the error that ended the stream, or nil after a clean end.
// Counter state survives an error, for diagnostics.
func (b *Bundler) Err() error {
	return b.err
}

// Events returns the live event counter of the run.
func (b *Bundler) Events() EventCounter {
	return b.events
}

// process runs one record through the filter chain and either forwards it,
// drops it, or adds it to its bundle, flushing completed windows first.
func (b *Bundler) process(r *sam.Record) error {
	if r.Flags&sam.Read2 != 0 {
		if b.opts.EmitRead2 {
			if r.Flags&sam.Unmapped == 0 || b.opts.EmitUnmapped {
				b.emitSingle(r)
			}
		}
		return nil
	}
	b.events.Incr(EventInputReads)

	if r.Flags&sam.Unmapped != 0 {
		if b.opts.Paired {
			if r.Flags&sam.MateUnmapped != 0 {
				b.events.Incr(EventBothUnmapped)
			} else {
				b.events.Incr(EventRead1Unmapped)
			}
		} else {
			b.events.Incr(EventSingleUnmapped)
		}
		if b.opts.EmitUnmapped {
			// The read is counted again when forwarded.
			b.events.Incr(EventInputReads)
			b.emitSingle(r)
		}
		return nil
	}

	if r.Flags&sam.MateUnmapped != 0 && b.opts.Paired {
		b.events.Incr(EventRead2Unmapped)
		if b.opts.EmitUnmapped {
			b.emitSingle(r)
		}
		return nil
	}

	if b.opts.Paired {
		b.events.Incr(EventPairedReads)
	}

	if b.opts.SubsetRate > 0 {
		if b.opts.Rand.Float64() >= b.opts.SubsetRate {
			b.events.Incr(EventRandomlyExcluded)
			return nil
		}
	}

	if b.opts.MapQThreshold > 0 {
		if int(r.MapQ) < b.opts.MapQThreshold {
			b.events.Incr(EventBelowMapQ)
			return nil
		}
	}

	var bucket windowBucket
	var key GroupKey

	switch b.opts.Mode {
	case GroupByContig:
		bucket = windowBucket{pos: r.Ref.ID()}
		if !b.started || bucket.pos != b.lastRefID {
			b.flushAll()
			b.lastRefID = bucket.pos
			b.started = true
		}

	case GroupByGeneTag:
		gene, err := auxString(r, b.geneTag)
		if err != nil {
			return err
		}
		if b.opts.SkipRegex.MatchString(gene) {
			return nil
		}
		bucket = windowBucket{gene: gene}
		if !b.started || gene != b.lastGene {
			b.flushAll()
			b.lastGene = gene
			b.started = true
		}

	default: // GroupByPosition
		start, pos, spliced, err := ReadPosition(r, b.opts.SoftClipThreshold)
		if err != nil {
			return err
		}
		refID := r.Ref.ID()
		var doOutput bool
		if b.opts.WholeContig {
			doOutput = !b.started || refID != b.lastRefID
		} else {
			doOutput = !b.started || start > b.lastFlush+window || refID != b.lastRefID
		}
		if doOutput {
			if b.started && refID == b.lastRefID {
				b.flushUpTo(start - window)
			} else {
				b.flushAll()
			}
			b.lastFlush = start
			b.lastRefID = refID
			b.started = true
		}
		bucket = windowBucket{pos: pos}
		key = GroupKey{
			Reverse: r.Flags&sam.Reverse != 0,
			Spliced: b.opts.Spliced && spliced,
		}
		if b.opts.Paired {
			key.TempLen = r.TempLen
		}
		if b.opts.ReadLength {
			key.ReadLen = r.Seq.Length
		}
	}

	barcode := ""
	if !b.opts.IgnoreUMI {
		var err error
		if barcode, err = b.opts.Extract(r); err != nil {
			return errors.E(err, fmt.Sprintf("read %s: extracting barcode", r.Name))
		}
	}
	return b.add(bucket, key, barcode, r)
}

// add places r in the bundle for (bucket, key, barcode), creating state as
// needed.
func (b *Bundler) add(bucket windowBucket, key GroupKey, barcode string, r *sam.Record) error {
	var group *positionGroup
	if c := b.groups.Get(bucket); c != nil {
		group = c.(windowBucket).group
	} else {
		group = &positionGroup{bundles: map[GroupKey]Bundle{}}
		bucket.group = group
		b.groups.Insert(bucket)
	}
	bundle, ok := group.bundles[key]
	if !ok {
		group.keys = append(group.keys, key)
		bundle = Bundle{}
		group.bundles[key] = bundle
	}

	entry, ok := bundle[barcode]
	if !ok {
		entry = &BundleEntry{Count: 1}
		if b.opts.RetainAll {
			entry.Reads = []*sam.Record{r}
		} else {
			entry.Read = r
		}
		bundle[barcode] = entry
		return nil
	}
	entry.Count++
	if b.opts.RetainAll {
		entry.Reads = append(entry.Reads, r)
		return nil
	}
	return b.elect(entry, r)
}

// elect decides whether r replaces the current representative of entry.
// Higher mapping quality always wins. On a tie, the configured multimapping
// tag is consulted; candidates that remain tied replace the incumbent with
// probability 1/ties, so each challenger of an equally-good set is retained
// uniformly.
func (b *Bundler) elect(entry *BundleEntry, r *sam.Record) error {
	if entry.Read.MapQ > r.MapQ {
		return nil
	}
	if entry.Read.MapQ < r.MapQ {
		entry.Read = r
		entry.ties = 0
		return nil
	}

	switch b.opts.DetectionMethod {
	case "NH", "X0":
		tag := sam.NewTag(b.opts.DetectionMethod)
		cur, err := auxInt(entry.Read, tag)
		if err != nil {
			return err
		}
		alt, err := auxInt(r, tag)
		if err != nil {
			return err
		}
		if cur < alt {
			return nil
		}
		if cur > alt {
			entry.Read = r
			entry.ties = 0
		}
	case "XT":
		cur, err := auxString(entry.Read, xtTag)
		if err != nil {
			return err
		}
		alt, err := auxString(r, xtTag)
		if err != nil {
			return err
		}
		if cur == "U" && alt != "U" {
			return nil
		}
		if alt == "U" && cur != "U" {
			entry.Read = r
			entry.ties = 0
		}
	}

	entry.ties++
	if b.opts.Rand.Float64() < 1.0/float64(entry.ties) {
		entry.Read = r
	}
	return nil
}

func (b *Bundler) emitSingle(r *sam.Record) {
	b.pending = append(b.pending, Item{
		Read:     r,
		Events:   b.events,
		Category: SingleRead,
	})
}

func (b *Bundler) emitGroup(g *positionGroup) {
	for _, key := range g.keys {
		b.pending = append(b.pending, Item{
			Bundle:   g.bundles[key],
			Events:   b.events,
			Category: Mapped,
		})
	}
}

// flushUpTo emits every group at a position <= limit, in ascending order.
func (b *Bundler) flushUpTo(limit int) {
	for {
		min := b.groups.Min()
		if min == nil {
			return
		}
		bucket := min.(windowBucket)
		if bucket.pos > limit {
			return
		}
		b.groups.DeleteMin()
		b.emitGroup(bucket.group)
	}
}

// flushAll emits every buffered group, in ascending order.
func (b *Bundler) flushAll() {
	for {
		min := b.groups.Min()
		if min == nil {
			return
		}
		b.groups.DeleteMin()
		b.emitGroup(min.(windowBucket).group)
	}
}

var xtTag = sam.NewTag("XT")

// auxInt reads an integer aux field, accepting any of the widths a BAM
// writer may have chosen.
func auxInt(r *sam.Record, tag sam.Tag) (int, error) {
	aux := r.AuxFields.Get(tag)
	if aux == nil {
		return 0, fmt.Errorf("read %s: missing %v tag", r.Name, tag)
	}
	switch v := aux.Value().(type) {
	case int8:
		return int(v), nil
	case uint8:
		return int(v), nil
	case int16:
		return int(v), nil
	case uint16:
		return int(v), nil
	case int32:
		return int(v), nil
	case uint32:
		return int(v), nil
	case int:
		return v, nil
	}
	return 0, fmt.Errorf("read %s: %v tag is not an integer", r.Name, tag)
}

// auxString reads a string or single-character aux field.
func auxString(r *sam.Record, tag sam.Tag) (string, error) {
	aux := r.AuxFields.Get(tag)
	if aux == nil {
		return "", fmt.Errorf("read %s: missing %v tag", r.Name, tag)
	}
	switch v := aux.Value().(type) {
	case string:
		return v, nil
	case uint8:
		return string([]byte{v}), nil
	}
	return "", fmt.Errorf("read %s: %v tag is not a string", r.Name, tag)
}
