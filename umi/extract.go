// Package umi works with the unique molecular identifiers carried by
// sequencing reads: pulling them out of read names and aux tags, sampling
// them from their empirical frequency distribution, and measuring how far
// apart the members of a group sit.
package umi

import (
	"fmt"
	"strings"

	"github.com/grailbio/hts/sam"
)

// Extractor returns the barcode of a read.
type Extractor func(r *sam.Record) (string, error)

// NameExtractor returns an Extractor that reads the barcode from the end
// of the read name, after the last occurrence of sep.  Names without sep
// fail extraction.
func NameExtractor(sep string) Extractor {
	return func(r *sam.Record) (string, error) {
		i := strings.LastIndex(r.Name, sep)
		if i < 0 {
			return "", fmt.Errorf("read name %s does not contain %q: barcode must be appended to the name", r.Name, sep)
		}
		return r.Name[i+len(sep):], nil
	}
}

// TagExtractor returns an Extractor that reads the barcode from the given
// aux tag.  Anything from the first '-' on is dropped, since some
// pipelines append a GEM group there, e.g. ACGTACGT-1.
func TagExtractor(tag string) Extractor {
	t := sam.NewTag(tag)
	return func(r *sam.Record) (string, error) {
		aux := r.AuxFields.Get(t)
		if aux == nil {
			return "", fmt.Errorf("read %s is missing the %v tag", r.Name, t)
		}
		v, ok := aux.Value().(string)
		if !ok {
			return "", fmt.Errorf("read %s: %v tag holds %T, not a string", r.Name, t, aux.Value())
		}
		if i := strings.IndexByte(v, '-'); i >= 0 {
			v = v[:i]
		}
		return v, nil
	}
}
