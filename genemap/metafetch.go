package genemap

import (
	"github.com/dbichko/UMI-tools/readsource"
	"github.com/grailbio/hts/sam"
	"github.com/pkg/errors"
)

// metaIterator walks a source gene by gene, fetching each of the gene's
// contigs in turn. Yielded records are copies stamped with the gene name
// under one aux tag, so downstream grouping can treat the gene as the
// coordinate.
type metaIterator struct {
	src  readsource.Source
	m    *Map
	tag  sam.Tag
	refs map[string]*sam.Reference

	gi, ci int
	curAux sam.Aux
	cur    readsource.Iterator
	rec    *sam.Record
	err    error
}

// NewMetaIterator returns an iterator over every read of every mapped
// gene, in gene order, each record stamped with the gene name under tag.
// The caller owns the iterator; the source must stay open until it is
// closed.
func NewMetaIterator(src readsource.Source, m *Map, tag sam.Tag) (readsource.Iterator, error) {
	header, err := src.Header()
	if err != nil {
		return nil, err
	}
	refs := map[string]*sam.Reference{}
	for _, ref := range header.Refs() {
		refs[ref.Name()] = ref
	}
	return &metaIterator{src: src, m: m, tag: tag, refs: refs}, nil
}

func (it *metaIterator) Scan() bool {
	if it.err != nil {
		return false
	}
	for {
		if it.cur != nil {
			if it.cur.Scan() {
				it.rec = stamp(it.cur.Record(), it.curAux)
				return true
			}
			if err := it.cur.Close(); err != nil {
				it.err = err
				return false
			}
			it.cur = nil
		}
		if !it.next() {
			return false
		}
	}
}

// next opens the fetch cursor for the next (gene, contig) pair.
func (it *metaIterator) next() bool {
	for it.gi < len(it.m.genes) {
		gene := it.m.genes[it.gi]
		contigs := it.m.Contigs(gene)
		if it.ci < len(contigs) {
			name := contigs[it.ci]
			it.ci++
			ref, ok := it.refs[name]
			if !ok {
				it.err = errors.Errorf("contig %s is not in the header", name)
				return false
			}
			aux, err := sam.NewAux(it.tag, gene)
			if err != nil {
				it.err = errors.Wrapf(err, "building %v tag for gene %s", it.tag, gene)
				return false
			}
			it.curAux = aux
			it.cur = it.src.Fetch(ref)
			return true
		}
		it.gi++
		it.ci = 0
	}
	return false
}

// stamp copies r and appends aux. The copy leaves the source's record
// untouched.
func stamp(r *sam.Record, aux sam.Aux) *sam.Record {
	stamped := sam.GetFromFreePool()
	*stamped = *r
	fields := make([]sam.Aux, 0, len(r.AuxFields)+1)
	fields = append(fields, r.AuxFields...)
	stamped.AuxFields = append(fields, aux)
	return stamped
}

func (it *metaIterator) Record() *sam.Record {
	return it.rec
}

func (it *metaIterator) Err() error {
	return it.err
}

func (it *metaIterator) Close() error {
	if it.cur != nil {
		if err := it.cur.Close(); err != nil && it.err == nil {
			it.err = err
		}
		it.cur = nil
	}
	return it.err
}
