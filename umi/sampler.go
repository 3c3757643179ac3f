package umi

import (
	"fmt"
	"sort"

	"github.com/dbichko/UMI-tools/readsource"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/hts/sam"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// RandomSampler draws barcodes from the empirical distribution observed in
// an alignment stream. A barcode's chance of being drawn is its share of
// the tallied reads, so frequent barcodes come up proportionally often.
// Null models of barcode collision are built this way.
type RandomSampler struct {
	byFreq [][]string
	dist   distuv.Categorical
	rnd    *rand.Rand
}

// NewRandomSampler tallies the barcode of every mapped record that is not
// read2, consuming and closing it. Mate state is irrelevant. The stream
// must contain at least one such record. src drives all subsequent draws;
// a fixed source gives a reproducible sample sequence.
func NewRandomSampler(it readsource.Iterator, extract Extractor, src rand.Source) (*RandomSampler, error) {
	counts := map[string]int{}
	total := 0
	for it.Scan() {
		r := it.Record()
		if r.Flags&(sam.Unmapped|sam.Read2) != 0 {
			continue
		}
		barcode, err := extract(r)
		if err != nil {
			it.Close() // nolint: errcheck
			return nil, errors.E(err, "tallying barcode frequencies")
		}
		counts[barcode]++
		total++
	}
	if err := it.Close(); err != nil {
		return nil, err
	}
	if total == 0 {
		return nil, fmt.Errorf("no mapped reads to sample barcodes from")
	}
	log.Debug.Printf("tallied %d distinct barcodes over %d reads", len(counts), total)

	// Barcodes sharing a frequency form one class. A class's weight is the
	// combined read share of its members, and members are equally likely
	// within it.
	byCount := map[int][]string{}
	for barcode, n := range counts {
		byCount[n] = append(byCount[n], barcode)
	}
	freqs := make([]int, 0, len(byCount))
	for n := range byCount {
		freqs = append(freqs, n)
	}
	sort.Ints(freqs)

	s := &RandomSampler{
		byFreq: make([][]string, len(freqs)),
		rnd:    rand.New(src),
	}
	weights := make([]float64, len(freqs))
	for i, n := range freqs {
		class := byCount[n]
		sort.Strings(class)
		s.byFreq[i] = class
		weights[i] = float64(n) / float64(total) * float64(len(class))
	}
	s.dist = distuv.NewCategorical(weights, src)
	return s, nil
}

// Sample draws n barcodes with replacement.
func (s *RandomSampler) Sample(n int) []string {
	barcodes := make([]string, n)
	for i := range barcodes {
		class := s.byFreq[int(s.dist.Rand())]
		barcodes[i] = class[s.rnd.Intn(len(class))]
	}
	return barcodes
}
