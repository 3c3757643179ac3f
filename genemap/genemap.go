// Package genemap maps genes to the transcript contigs carrying their
// reads. Transcriptome alignments place reads on transcripts; counting and
// grouping want them per gene, so a two-column mapping file joins the two
// and a meta iterator walks a source gene by gene.
package genemap

import (
	"bufio"
	"context"
	"io"
	"strings"

	"github.com/grailbio/base/compress"
	"github.com/grailbio/base/file"
	"github.com/grailbio/hts/sam"
	"github.com/pkg/errors"
)

// Map holds the gene to transcript-contig mapping, keeping genes in the
// order the mapping file introduced them.
type Map struct {
	genes   []string
	contigs map[string][]string
}

// Genes returns the gene names in file order.
func (m *Map) Genes() []string {
	return m.genes
}

// Contigs returns the contigs carrying the gene's transcripts, in file
// order without duplicates.
func (m *Map) Contigs(gene string) []string {
	return m.contigs[gene]
}

func (m *Map) add(gene, contig string) {
	if _, ok := m.contigs[gene]; !ok {
		m.genes = append(m.genes, gene)
	}
	for _, c := range m.contigs[gene] {
		if c == contig {
			return
		}
	}
	m.contigs[gene] = append(m.contigs[gene], contig)
}

// ReadGeneMap reads a tab-separated gene/transcript mapping from path,
// transparently decompressing by extension. Lines starting with '#' are
// skipped and a blank line ends the mapping. Transcripts that do not
// appear in header are dropped.
func ReadGeneMap(ctx context.Context, path string, header *sam.Header) (*Map, error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.Wrapf(err, "couldn't open gene map %s", path)
	}
	defer in.Close(ctx) // nolint: errcheck
	var r io.Reader = in.Reader(ctx)
	if u := compress.NewReaderPath(r, in.Name()); u != nil {
		r = u
	}

	known := map[string]bool{}
	for _, ref := range header.Refs() {
		known[ref.Name()] = true
	}

	m := &Map{contigs: map[string][]string{}}
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if strings.HasPrefix(text, "#") {
			continue
		}
		if len(strings.TrimSpace(text)) == 0 {
			break
		}
		fields := strings.Split(strings.TrimSpace(text), "\t")
		if len(fields) != 2 {
			return nil, errors.Errorf("gene map %s line %d: want 2 tab-separated columns, got %d", path, line, len(fields))
		}
		gene, transcript := fields[0], fields[1]
		if !known[transcript] {
			continue
		}
		m.add(gene, transcript)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "couldn't read gene map %s", path)
	}
	return m, nil
}
