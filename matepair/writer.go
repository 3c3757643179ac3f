// Package matepair completes the pairs of a deduplicated read stream.
// Duplicate collapsing keeps one read per bundle, usually read1; its mate
// sits elsewhere in the source and must be recovered so the output stays a
// valid paired set.
package matepair

import (
	"github.com/dbichko/UMI-tools/readsource"
	"github.com/grailbio/base/log"
	"github.com/grailbio/hts/sam"
)

// Writer consumes alignment records.
type Writer interface {
	Write(r *sam.Record) error
	Close() error
}

// mateKey identifies one alignment by name and position. Reference names
// keep the key stable across independent fetch cursors.
type mateKey struct {
	name string
	ref  string
	pos  int
}

// TwoPassWriter writes surviving reads and recovers their mates from the
// source with one extra fetch per contig. Each written read with a mapped
// mate is noted; when the stream moves to a new contig, the previous
// contig is re-scanned and the noted mates are emitted. Close retrieves
// the stragglers with one full scan.
//
// If Close is not called, at least the final contig's worth of mates is
// missing from the output.
type TwoPassWriter struct {
	src readsource.Source
	out Writer

	ref      *sam.Reference
	read1s   map[mateKey]bool
	notFound int
}

// NewTwoPassWriter returns a TwoPassWriter emitting to out. The source
// must be the coordinate-sorted input the written reads came from.
func NewTwoPassWriter(src readsource.Source, out Writer) *TwoPassWriter {
	return &TwoPassWriter{src: src, out: out, read1s: map[mateKey]bool{}}
}

// Write sends r to the output. Unmapped reads and reads with unmapped
// mates pass straight through; anything else is noted so its mate can be
// recovered. Records must arrive in coordinate order.
func (w *TwoPassWriter) Write(r *sam.Record) error {
	if r.Flags&(sam.Unmapped|sam.MateUnmapped) != 0 {
		return w.out.Write(r)
	}
	if w.ref == nil || w.ref.ID() != r.Ref.ID() {
		if err := w.flushMates(); err != nil {
			return err
		}
		w.ref = r.Ref
	}
	w.read1s[mateKey{r.Name, r.MateRef.Name(), r.MatePos}] = true
	return w.out.Write(r)
}

// flushMates scans the current contig for the mates of the noted reads.
func (w *TwoPassWriter) flushMates() error {
	if w.ref == nil {
		return nil
	}
	log.Debug.Printf("Dumping %d mates for contig %s", len(w.read1s), w.ref.Name())
	it := w.src.Fetch(w.ref)
	for it.Scan() {
		r := it.Record()
		if r.Flags&(sam.Unmapped|sam.MateUnmapped|sam.Read1) != 0 {
			continue
		}
		key := mateKey{r.Name, r.Ref.Name(), r.Pos}
		if w.read1s[key] {
			if err := w.out.Write(r); err != nil {
				it.Close() // nolint: errcheck
				return err
			}
			delete(w.read1s, key)
		}
	}
	if err := it.Close(); err != nil {
		return err
	}
	log.Debug.Printf("%d mates remaining", len(w.read1s))
	return nil
}

// Close recovers the mates still outstanding with one scan over the whole
// source, then closes the output. Must be called exactly once.
func (w *TwoPassWriter) Close() error {
	if err := w.flushMates(); err != nil {
		return err
	}
	log.Printf("Searching for mates for %d unmatched alignments", len(w.read1s))
	it := w.src.Reads()
	for len(w.read1s) > 0 && it.Scan() {
		r := it.Record()
		if r.Flags&sam.Unmapped != 0 {
			continue
		}
		key := mateKey{r.Name, r.Ref.Name(), r.Pos}
		if w.read1s[key] {
			if err := w.out.Write(r); err != nil {
				it.Close() // nolint: errcheck
				return err
			}
			delete(w.read1s, key)
		}
	}
	if err := it.Close(); err != nil {
		return err
	}
	w.notFound = len(w.read1s)
	if w.notFound > 0 {
		log.Error.Printf("%d mates never found", w.notFound)
	}
	return w.out.Close()
}

// NeverFound reports how many noted reads had no mate anywhere in the
// source. Meaningful once Close has returned.
func (w *TwoPassWriter) NeverFound() int {
	return w.notFound
}
