package umi

import (
	"github.com/dbichko/UMI-tools/util"
)

// AverageDistance returns the mean pairwise Hamming distance between the
// barcodes, or -1 when there are fewer than two. All barcodes must share
// one length.
func AverageDistance(barcodes []string) float64 {
	if len(barcodes) < 2 {
		return -1
	}
	sum, pairs := 0, 0
	for i := 0; i < len(barcodes); i++ {
		for j := i + 1; j < len(barcodes); j++ {
			sum += util.Hamming(barcodes[i], barcodes[j])
			pairs++
		}
	}
	return float64(sum) / float64(pairs)
}
