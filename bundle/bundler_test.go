package bundle

import (
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"testing"

	"github.com/dbichko/UMI-tools/readsource"
	"github.com/grailbio/hts/sam"
	"github.com/stretchr/testify/assert"
)

var (
	chr1, _   = sam.NewReference("chr1", "", "", 10000, nil, nil)
	chr2, _   = sam.NewReference("chr2", "", "", 2000, nil, nil)
	header, _ = sam.NewHeader(nil, []*sam.Reference{chr1, chr2})

	r1F = sam.Paired | sam.Read1
	r2F = sam.Paired | sam.Read2
	u1  = sam.Paired | sam.Read1 | sam.Unmapped
	s1F = sam.Paired | sam.Read1 | sam.MateUnmapped
	up1 = sam.Paired | sam.Read1 | sam.Unmapped | sam.MateUnmapped

	cigar20M   = sam.Cigar{sam.NewCigarOp(sam.CigarMatch, 20)}
	cigar5S20M = sam.Cigar{
		sam.NewCigarOp(sam.CigarSoftClipped, 5),
		sam.NewCigarOp(sam.CigarMatch, 20),
	}
)

// nameBarcode reads the barcode from the suffix of the read name, after the
// last underscore.
func nameBarcode(r *sam.Record) (string, error) {
	i := strings.LastIndex(r.Name, "_")
	if i < 0 {
		return "", fmt.Errorf("read %s: no barcode in name", r.Name)
	}
	return r.Name[i+1:], nil
}

func newOpts(seed int64) Opts {
	return Opts{
		Extract: nameBarcode,
		Rand:    rand.New(rand.NewSource(seed)),
	}
}

// runBundler drives a bundler over recs and returns everything it emits.
func runBundler(t *testing.T, opts Opts, recs ...*sam.Record) []Item {
	it := readsource.NewFakeSource(header, recs).Reads()
	defer func() { assert.NoError(t, it.Close()) }()
	b, err := NewBundler(it, opts)
	assert.NoError(t, err)
	var items []Item
	for b.Scan() {
		items = append(items, b.Item())
	}
	assert.NoError(t, b.Err())
	return items
}

func TestBundlerGroupsByCorrectedPosition(t *testing.T) {
	items := runBundler(t, newOpts(1),
		NewRecord("a_ACGT", chr1, 100, 0, 0, nil, cigar20M),
		NewRecord("b_ACGT", chr1, 100, 0, 0, nil, cigar20M),
		NewRecord("c_TTTT", chr1, 100, 0, 0, nil, cigar20M),
		// Leading soft clip corrects 105 back to 100.
		NewRecord("d_ACGT", chr1, 105, 0, 0, nil, cigar5S20M),
	)

	assert.Equal(t, 1, len(items))
	item := items[0]
	assert.Equal(t, Mapped, item.Category)
	assert.Equal(t, "mapped", item.Category.String())
	assert.Equal(t, 2, len(item.Bundle))
	assert.Equal(t, 3, item.Bundle["ACGT"].Count)
	assert.Equal(t, 1, item.Bundle["TTTT"].Count)
	assert.Equal(t, 4, item.Events[EventInputReads])
}

func TestBundlerStrandsBundledSeparately(t *testing.T) {
	// Forward at 100 and reverse ending at 100 share neither position nor
	// strand key with each other.
	items := runBundler(t, newOpts(1),
		NewRecord("f_AAAA", chr1, 100, 0, 0, nil, cigar20M),
		NewRecord("r_AAAA", chr1, 100, sam.Reverse, 0, nil, cigar20M),
	)
	// Forward groups at 100, reverse at its alignment end 120.
	assert.Equal(t, 2, len(items))
	for _, item := range items {
		assert.Equal(t, 1, item.Bundle["AAAA"].Count)
	}
}

func TestBundlerWindowEviction(t *testing.T) {
	it := readsource.NewFakeSource(header, []*sam.Record{
		NewRecord("a_ACGT", chr1, 100, 0, 0, nil, cigar20M),
		NewRecord("b_TTTT", chr1, 1200, 0, 0, nil, cigar20M),
		NewRecord("c_GGGG", chr1, 1300, 0, 0, nil, cigar20M),
	}).Reads()
	defer func() { assert.NoError(t, it.Close()) }()
	b, err := NewBundler(it, newOpts(1))
	assert.NoError(t, err)

	// The bundle at 100 is complete as soon as the scan reaches 1200; it
	// must be emitted before the stream ends.
	assert.True(t, b.Scan())
	first := b.Item()
	assert.Equal(t, 1, first.Bundle["ACGT"].Count)
	assert.False(t, b.done)

	var rest []Item
	for b.Scan() {
		rest = append(rest, b.Item())
	}
	assert.NoError(t, b.Err())
	assert.Equal(t, 2, len(rest))
	// Remaining bundles drain in ascending position order.
	assert.Equal(t, 1, rest[0].Bundle["TTTT"].Count)
	assert.Equal(t, 1, rest[1].Bundle["GGGG"].Count)
}

func TestBundlerReferenceChangeFlushesAll(t *testing.T) {
	items := runBundler(t, newOpts(1),
		NewRecord("a_ACGT", chr1, 100, 0, 0, nil, cigar20M),
		NewRecord("b_ACGT", chr1, 200, 0, 0, nil, cigar20M),
		NewRecord("c_ACGT", chr2, 50, 0, 0, nil, cigar20M),
	)
	assert.Equal(t, 3, len(items))
	// chr1 bundles flush ascending when chr2 appears, then chr2 at the end.
	assert.Equal(t, "a_ACGT", items[0].Bundle["ACGT"].Read.Name)
	assert.Equal(t, "b_ACGT", items[1].Bundle["ACGT"].Read.Name)
	assert.Equal(t, "c_ACGT", items[2].Bundle["ACGT"].Read.Name)
}

func TestBundlerWholeContig(t *testing.T) {
	opts := newOpts(1)
	opts.WholeContig = true
	it := readsource.NewFakeSource(header, []*sam.Record{
		NewRecord("a_ACGT", chr1, 100, 0, 0, nil, cigar20M),
		NewRecord("b_TTTT", chr1, 5000, 0, 0, nil, cigar20M),
	}).Reads()
	defer func() { assert.NoError(t, it.Close()) }()
	b, err := NewBundler(it, opts)
	assert.NoError(t, err)

	// Without WholeContig the gap from 100 to 5000 would flush mid-contig;
	// with it, everything waits for the end of the input.
	var items []Item
	for b.Scan() {
		assert.True(t, b.done)
		items = append(items, b.Item())
	}
	assert.NoError(t, b.Err())
	assert.Equal(t, 2, len(items))
	assert.Equal(t, 1, items[0].Bundle["ACGT"].Count)
	assert.Equal(t, 1, items[1].Bundle["TTTT"].Count)
}

func TestBundlerTemplateLengthSeparates(t *testing.T) {
	opts := newOpts(1)
	opts.Paired = true
	a := NewRecord("a_ACGT", chr1, 100, r1F, 400, chr1, cigar20M)
	a.TempLen = 300
	b := NewRecord("b_ACGT", chr1, 100, r1F, 300, chr1, cigar20M)
	b.TempLen = 200
	items := runBundler(t, opts, a, b)

	assert.Equal(t, 2, len(items))
	assert.Equal(t, "a_ACGT", items[0].Bundle["ACGT"].Read.Name)
	assert.Equal(t, "b_ACGT", items[1].Bundle["ACGT"].Read.Name)
	assert.Equal(t, 2, items[0].Events[EventPairedReads])
}

func TestBundlerReadLengthSeparates(t *testing.T) {
	opts := newOpts(1)
	opts.ReadLength = true
	a := NewRecord("a_ACGT", chr1, 100, 0, 0, nil, cigar20M)
	a.Seq = sam.NewSeq([]byte("ACGT"))
	b := NewRecord("b_ACGT", chr1, 100, 0, 0, nil, cigar20M)
	b.Seq = sam.NewSeq([]byte("ACGTACGT"))
	items := runBundler(t, opts, a, b)

	assert.Equal(t, 2, len(items))
	for _, item := range items {
		assert.Equal(t, 1, item.Bundle["ACGT"].Count)
	}
}

func TestBundlerSplicedSeparates(t *testing.T) {
	opts := newOpts(1)
	opts.Spliced = true
	spliced := NewRecord("s_ACGT", chr1, 100, 0, 0, nil, sam.Cigar{
		sam.NewCigarOp(sam.CigarMatch, 10),
		sam.NewCigarOp(sam.CigarSkipped, 50),
		sam.NewCigarOp(sam.CigarMatch, 10),
	})
	plain := NewRecord("p_ACGT", chr1, 100, 0, 0, nil, cigar20M)
	items := runBundler(t, opts, spliced, plain)

	assert.Equal(t, 2, len(items))
	// Without the option the two would share a bundle.
	opts = newOpts(1)
	items = runBundler(t, opts, spliced, plain)
	assert.Equal(t, 1, len(items))
	assert.Equal(t, 2, items[0].Bundle["ACGT"].Count)
}

func TestBundlerPairedFilters(t *testing.T) {
	opts := newOpts(1)
	opts.Paired = true
	pA := NewRecord("pA_AAAA", chr1, 100, r1F, 400, chr1, cigar20M)
	pA.TempLen = 300
	items := runBundler(t, opts,
		pA,
		NewRecord("pA_AAAA", chr1, 400, r2F, 100, chr1, cigar20M),
		NewRecord("pB_CCCC", chr1, 150, u1, 150, chr1, cigar20M),
		NewRecord("pC_GGGG", chr1, 160, up1, 160, chr1, cigar20M),
		NewRecord("pD_TTTT", chr1, 170, s1F, 170, chr1, cigar20M),
	)

	assert.Equal(t, 1, len(items))
	events := items[0].Events
	// Read2 records are never counted as input.
	assert.Equal(t, 4, events[EventInputReads])
	assert.Equal(t, 1, events[EventRead1Unmapped])
	assert.Equal(t, 1, events[EventBothUnmapped])
	assert.Equal(t, 1, events[EventRead2Unmapped])
	assert.Equal(t, 1, events[EventPairedReads])
	assert.Equal(t, 1, items[0].Bundle["AAAA"].Count)
}

func TestBundlerEmitsUnmappedAndRead2(t *testing.T) {
	opts := newOpts(1)
	opts.Paired = true
	opts.EmitUnmapped = true
	opts.EmitRead2 = true
	pA := NewRecord("pA_AAAA", chr1, 100, r1F, 400, chr1, cigar20M)
	pA.TempLen = 300
	items := runBundler(t, opts,
		pA,
		NewRecord("pA_AAAA", chr1, 400, r2F, 100, chr1, cigar20M),
		NewRecord("pB_CCCC", chr1, 150, u1, 150, chr1, cigar20M),
		NewRecord("pD_TTTT", chr1, 170, s1F, 170, chr1, cigar20M),
	)

	var singles []string
	var bundles int
	for _, item := range items {
		switch item.Category {
		case SingleRead:
			assert.Equal(t, "single_read", item.Category.String())
			singles = append(singles, item.Read.Name)
		case Mapped:
			bundles++
		}
	}
	assert.Equal(t, []string{"pA_AAAA", "pB_CCCC", "pD_TTTT"}, singles)
	assert.Equal(t, 1, bundles)
	// A forwarded unmapped read is counted as input a second time.
	assert.Equal(t, 4, items[0].Events[EventInputReads])
}

func TestBundlerSingleEndUnmapped(t *testing.T) {
	opts := newOpts(1)
	opts.EmitUnmapped = true
	items := runBundler(t, opts,
		NewRecord("a_ACGT", chr1, 100, sam.Unmapped, 0, nil, cigar20M),
	)
	assert.Equal(t, 1, len(items))
	assert.Equal(t, SingleRead, items[0].Category)
	assert.Equal(t, 1, items[0].Events[EventSingleUnmapped])
	assert.Equal(t, 2, items[0].Events[EventInputReads])
}

func TestBundlerMapQFilter(t *testing.T) {
	opts := newOpts(1)
	opts.MapQThreshold = 20
	items := runBundler(t, opts,
		NewRecordMapQ("a_ACGT", chr1, 100, 0, cigar20M, 10),
		NewRecordMapQ("b_ACGT", chr1, 100, 0, cigar20M, 30),
	)
	assert.Equal(t, 1, len(items))
	assert.Equal(t, 1, items[0].Bundle["ACGT"].Count)
	assert.Equal(t, "b_ACGT", items[0].Bundle["ACGT"].Read.Name)
	assert.Equal(t, 1, items[0].Events[EventBelowMapQ])
}

func TestBundlerSubsample(t *testing.T) {
	opts := newOpts(7)
	opts.SubsetRate = 0.5
	recs := make([]*sam.Record, 200)
	for i := range recs {
		recs[i] = NewRecord(fmt.Sprintf("r%03d_BC%03d", i, i), chr1, 100, 0, 0, nil, cigar20M)
	}
	items := runBundler(t, opts, recs...)

	assert.Equal(t, 1, len(items))
	kept := len(items[0].Bundle)
	excluded := items[0].Events[EventRandomlyExcluded]
	assert.Equal(t, 200, kept+excluded)
	assert.True(t, kept > 60 && kept < 140, "kept %d of 200 at rate 0.5", kept)
}

func TestBundlerGeneTagGrouping(t *testing.T) {
	opts := newOpts(1)
	opts.Mode = GroupByGeneTag
	opts.GeneTag = "XF"
	opts.SkipRegex = regexp.MustCompile("^Unassigned")
	geneRead := func(name, gene string, pos int) *sam.Record {
		return NewRecordAux(name, chr1, pos, 0, 0, nil, cigar20M, NewAux("XF", gene))
	}
	items := runBundler(t, opts,
		geneRead("a_AAAA", "ENSG01", 100),
		geneRead("b_AAAA", "ENSG01", 150),
		// Skipped reads do not disturb the current group.
		geneRead("x_CCCC", "Unassigned_NoFeatures", 160),
		geneRead("c_TTTT", "ENSG02", 200),
		// A gene seen again after a flush starts a fresh bundle.
		geneRead("d_AAAA", "ENSG01", 300),
	)

	assert.Equal(t, 3, len(items))
	assert.Equal(t, 2, items[0].Bundle["AAAA"].Count)
	assert.Equal(t, 1, items[1].Bundle["TTTT"].Count)
	assert.Equal(t, 1, items[2].Bundle["AAAA"].Count)

	events := items[0].Events
	assert.Equal(t, 5, events[EventInputReads])
	// The skipped read is dropped without a counter.
	_, counted := events[EventSkipTagsRegex]
	assert.False(t, counted)
}

func TestBundlerGeneTagMissing(t *testing.T) {
	opts := newOpts(1)
	opts.Mode = GroupByGeneTag
	opts.GeneTag = "XF"
	opts.SkipRegex = regexp.MustCompile("^Unassigned")
	it := readsource.NewFakeSource(header, []*sam.Record{
		NewRecord("a_AAAA", chr1, 100, 0, 0, nil, cigar20M),
	}).Reads()
	defer func() { assert.NoError(t, it.Close()) }()
	b, err := NewBundler(it, opts)
	assert.NoError(t, err)

	assert.False(t, b.Scan())
	assert.Error(t, b.Err())
	// Counter state survives the failure.
	assert.Equal(t, 1, b.Events()[EventInputReads])
}

func TestBundlerPerContigIgnoreUMI(t *testing.T) {
	opts := newOpts(1)
	opts.Mode = GroupByContig
	opts.IgnoreUMI = true
	opts.Extract = nil
	items := runBundler(t, opts,
		NewRecord("a_ACGT", chr1, 100, 0, 0, nil, cigar20M),
		NewRecord("b_TTTT", chr1, 900, 0, 0, nil, cigar20M),
		NewRecord("c_GGGG", chr2, 100, 0, 0, nil, cigar20M),
	)

	assert.Equal(t, 2, len(items))
	assert.Equal(t, 2, items[0].Bundle[""].Count)
	assert.Equal(t, 1, items[1].Bundle[""].Count)
}

func TestBundlerRetainAll(t *testing.T) {
	opts := Opts{Extract: nameBarcode, RetainAll: true}
	items := runBundler(t, opts,
		NewRecord("a_ACGT", chr1, 100, 0, 0, nil, cigar20M),
		NewRecord("b_ACGT", chr1, 100, 0, 0, nil, cigar20M),
		NewRecord("c_ACGT", chr1, 100, 0, 0, nil, cigar20M),
	)

	assert.Equal(t, 1, len(items))
	entry := items[0].Bundle["ACGT"]
	assert.Equal(t, 3, entry.Count)
	assert.Equal(t, 3, len(entry.Reads))
	assert.Nil(t, entry.Read)
	assert.Equal(t, "a_ACGT", entry.Reads[0].Name)
}

func TestBundlerExtractionError(t *testing.T) {
	it := readsource.NewFakeSource(header, []*sam.Record{
		NewRecord("nobarcode", chr1, 100, 0, 0, nil, cigar20M),
	}).Reads()
	defer func() { assert.NoError(t, it.Close()) }()
	b, err := NewBundler(it, newOpts(1))
	assert.NoError(t, err)

	assert.False(t, b.Scan())
	assert.Error(t, b.Err())
	assert.Equal(t, 1, b.Events()[EventInputReads])
}

func TestBundlerExtractionErrorAfterFlush(t *testing.T) {
	it := readsource.NewFakeSource(header, []*sam.Record{
		NewRecord("a_ACGT", chr1, 100, 0, 0, nil, cigar20M),
		// The jump past the window flushes the bundle at 100 before the
		// nameless read fails extraction.
		NewRecord("nobarcode", chr1, 3000, 0, 0, nil, cigar20M),
	}).Reads()
	defer func() { assert.NoError(t, it.Close()) }()
	b, err := NewBundler(it, newOpts(1))
	assert.NoError(t, err)

	assert.True(t, b.Scan())
	assert.Equal(t, 1, b.Item().Bundle["ACGT"].Count)
	assert.False(t, b.Scan())
	assert.Error(t, b.Err())
	assert.Equal(t, 2, b.Events()[EventInputReads])
}

func TestBundlerSourceError(t *testing.T) {
	srcErr := fmt.Errorf("truncated block")
	it := readsource.NewErrorIterator([]*sam.Record{
		NewRecord("a_ACGT", chr1, 100, 0, 0, nil, cigar20M),
		NewRecord("b_ACGT", chr1, 120, 0, 0, nil, cigar20M),
	}, srcErr)
	b, err := NewBundler(it, newOpts(1))
	assert.NoError(t, err)

	// A failing source must not pass its buffered reads off as complete
	// bundles.
	assert.False(t, b.Scan())
	assert.Equal(t, srcErr, b.Err())
	assert.Equal(t, 2, b.Events()[EventInputReads])
	assert.Equal(t, srcErr, it.Close())
}

func TestEventCounterString(t *testing.T) {
	c := EventCounter{}
	c.Incr("b label")
	c.Incr("b label")
	c.Incr("a label")
	assert.Equal(t, "a label: 1\nb label: 2\n", c.String())
}
