package bundle

import (
	"fmt"
)

func validateOpts(opts *Opts) error {
	switch opts.Mode {
	case GroupByPosition, GroupByContig, GroupByGeneTag:
	default:
		return fmt.Errorf("unknown grouping mode %d", opts.Mode)
	}
	if opts.Mode == GroupByGeneTag && opts.GeneTag == "" {
		return fmt.Errorf("grouping by gene tag requires a gene tag name")
	}
	if opts.Mode == GroupByGeneTag && opts.SkipRegex == nil {
		return fmt.Errorf("grouping by gene tag requires a skip pattern for unassigned reads")
	}
	if opts.GeneTag != "" && len(opts.GeneTag) != 2 {
		return fmt.Errorf("gene tag must be two characters, got %q", opts.GeneTag)
	}
	switch opts.DetectionMethod {
	case "", "NH", "X0", "XT":
	default:
		return fmt.Errorf("unknown multimapping detection method %q", opts.DetectionMethod)
	}
	if opts.SubsetRate < 0 || opts.SubsetRate > 1 {
		return fmt.Errorf("subset rate must be within [0, 1], got %v", opts.SubsetRate)
	}
	if opts.MapQThreshold < 0 {
		return fmt.Errorf("mapq threshold must be non-negative")
	}
	if opts.SoftClipThreshold < 0 {
		return fmt.Errorf("soft-clip threshold must be non-negative")
	}
	if !opts.IgnoreUMI && opts.Extract == nil {
		return fmt.Errorf("a barcode extractor is required unless barcodes are ignored")
	}
	if opts.Rand == nil && (!opts.RetainAll || opts.SubsetRate > 0) {
		return fmt.Errorf("a random source is required for subsampling and representative election")
	}
	return nil
}
