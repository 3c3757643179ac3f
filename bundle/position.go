package bundle

import (
	"fmt"

	"github.com/grailbio/hts/sam"
)

// ReadPosition returns the deduplication coordinates of a mapped read.
//
// pos is the position reads are grouped on: the alignment start corrected
// for 5' soft clipping, so that reads from the same fragment collapse to
// the same coordinate regardless of how the aligner clipped them. For a
// reverse-strand read this is the alignment end, extended by any trailing
// soft clip; for a forward read it is the alignment start, reduced by any
// leading soft clip.
//
// start is the window ordinate: the smallest reference position the read
// touches, used to decide when a window of grouped reads is complete. It
// never exceeds pos, so flushing groups more than a window behind start is
// safe.
//
// spliced reports whether the read looks like it spans an intron: its
// alignment contains a reference skip, or its 3' soft clip is longer than
// softClipThreshold.
//
// A mapped read with an empty CIGAR violates the input contract and
// returns an error.
func ReadPosition(r *sam.Record, softClipThreshold int) (start, pos int, spliced bool, err error) {
	cigar := r.Cigar
	if len(cigar) == 0 {
		return 0, 0, false, fmt.Errorf("read %s: mapped read has an empty CIGAR", r.Name)
	}
	first, last := cigar[0], cigar[len(cigar)-1]

	if r.Flags&sam.Reverse != 0 {
		pos = r.End()
		if last.Type() == sam.CigarSoftClipped {
			pos += last.Len()
		}
		start = r.Pos
		spliced = hasRefSkip(cigar) ||
			(first.Type() == sam.CigarSoftClipped && first.Len() > softClipThreshold)
		return start, pos, spliced, nil
	}

	pos = r.Pos
	if first.Type() == sam.CigarSoftClipped {
		pos -= first.Len()
	}
	start = pos
	spliced = hasRefSkip(cigar) ||
		(last.Type() == sam.CigarSoftClipped && last.Len() > softClipThreshold)
	return start, pos, spliced, nil
}

func hasRefSkip(cigar sam.Cigar) bool {
	for _, op := range cigar {
		if op.Type() == sam.CigarSkipped {
			return true
		}
	}
	return false
}
