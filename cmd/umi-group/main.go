package main

/*
  umi-group collapses PCR duplicates in a coordinate-sorted BAM file.
  Reads sharing a clip-corrected position and barcode form one group, one
  representative survives per group, and the mates of surviving reads are
  recovered so paired output stays a valid pair set. For more information,
  see github.com/dbichko/UMI-tools/bundle.
*/

import (
	"context"
	"flag"
	"math/rand"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/dbichko/UMI-tools/bundle"
	"github.com/dbichko/UMI-tools/genemap"
	"github.com/dbichko/UMI-tools/matepair"
	"github.com/dbichko/UMI-tools/readsource"
	"github.com/dbichko/UMI-tools/umi"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/hts/bam"
	"github.com/grailbio/hts/sam"
	xrand "golang.org/x/exp/rand"
)

var (
	bamFile    = flag.String("bam", "", "Input BAM filename")
	indexFile  = flag.String("index", "", "Input BAM index filename. By default, set to input BAM filename + .bai")
	outputPath = flag.String("output", "", "Output BAM filename")
	statsPath  = flag.String("output-stats", "", "Write per-group barcode distance statistics to this TSV file")

	extractMethod = flag.String("extract-umi-method", "read_id", "Where the barcode lives: 'read_id' (appended to the read name) or 'tag' (aux tag)")
	umiSep        = flag.String("umi-separator", "_", "Separator between read id and barcode, for -extract-umi-method=read_id")
	umiTag        = flag.String("umi-tag", "RX", "Aux tag holding the barcode, for -extract-umi-method=tag")
	ignoreUmi     = flag.Bool("ignore-umi", false, "Collapse reads purely by position, ignoring barcodes")

	paired         = flag.Bool("paired", false, "Input is paired end; recover the mates of surviving reads")
	outputUnmapped = flag.Bool("output-unmapped", false, "Pass unmapped reads through to the output")
	spliced        = flag.Bool("spliced-is-unique", false, "Treat a spliced read as distinct from an unspliced read at the same position")
	softClip       = flag.Int("soft-clip-threshold", 4, "3' soft-clip length above which a read counts as spliced")
	readLength     = flag.Bool("read-length", false, "Separate reads of different lengths into different groups")
	wholeContig    = flag.Bool("whole-contig", false, "Hold every position of a contig until the contig ends; only for small contigs such as transcriptomes")
	perContig      = flag.Bool("per-contig", false, "Group all reads sharing a contig, e.g. transcriptome alignments with one contig per transcript")
	perGene        = flag.Bool("per-gene", false, "Group all reads sharing a gene assignment; requires -gene-tag")
	geneTag        = flag.String("gene-tag", "", "Aux tag carrying the gene assignment, e.g. XF")
	skipRegex      = flag.String("skip-tags-regex", "", "Drop reads whose gene assignment matches this pattern, e.g. '^(__|Unassigned)'")
	geneMapFile    = flag.String("gene-transcript-map", "", "Two-column gene<TAB>transcript file; reads are re-fetched gene by gene and grouped per gene")

	mapqThreshold   = flag.Int("mapq-threshold", 0, "Discard reads with mapping quality below this")
	detectionMethod = flag.String("multimapping-detection-method", "", "Aux tag separating unique from multimapped alignments when breaking quality ties: 'NH', 'X0' or 'XT'")
	subset          = flag.Float64("subset", 0, "Keep each read with this probability; 0 disables subsampling")
	seed            = flag.Int64("random-seed", 0, "Seed for subsampling, tie breaking and the stats null model")
)

func main() {
	shutdown := grail.Init()
	defer shutdown()

	if flag.NArg() > 0 {
		a := flag.Args()
		log.Fatalf("unparsed flags, please check flag syntax: '%s'", strings.Join(a[len(a)-flag.NArg():], " "))
	}
	if *bamFile == "" || *outputPath == "" {
		log.Fatalf("-bam and -output are required")
	}

	mode := bundle.GroupByPosition
	switch {
	case *perGene || *geneMapFile != "":
		mode = bundle.GroupByGeneTag
	case *perContig:
		mode = bundle.GroupByContig
	}
	if mode == bundle.GroupByGeneTag && (*geneTag == "" || *skipRegex == "") {
		log.Fatalf("-per-gene and -gene-transcript-map require -gene-tag and -skip-tags-regex")
	}
	var skipRe *regexp.Regexp
	if *skipRegex != "" {
		var err error
		if skipRe, err = regexp.Compile(*skipRegex); err != nil {
			log.Fatalf("bad -skip-tags-regex: %v", err)
		}
	}
	if *ignoreUmi && *statsPath != "" {
		log.Fatalf("-output-stats needs barcodes; drop -ignore-umi")
	}

	var extract umi.Extractor
	switch *extractMethod {
	case "read_id":
		extract = umi.NameExtractor(*umiSep)
	case "tag":
		extract = umi.TagExtractor(*umiTag)
	default:
		log.Fatalf("unknown -extract-umi-method '%s': want read_id or tag", *extractMethod)
	}

	ctx := vcontext.Background()
	src := &readsource.BAMSource{Path: *bamFile, Index: *indexFile}
	header, err := src.Header()
	if err != nil {
		log.Fatalf("reading %s header: %v", *bamFile, err)
	}

	var reads readsource.Iterator
	if *geneMapFile != "" {
		m, err := genemap.ReadGeneMap(ctx, *geneMapFile, header)
		if err != nil {
			log.Fatalf("%v", err)
		}
		if reads, err = genemap.NewMetaIterator(src, m, sam.NewTag(*geneTag)); err != nil {
			log.Fatalf("%v", err)
		}
	} else {
		reads = src.Reads()
	}

	var stats *statsWriter
	if *statsPath != "" {
		sampler, err := umi.NewRandomSampler(src.Reads(), extract, xrand.NewSource(uint64(*seed)))
		if err != nil {
			log.Fatalf("building barcode null model: %v", err)
		}
		if stats, err = newStatsWriter(ctx, *statsPath, sampler); err != nil {
			log.Fatalf("%v", err)
		}
	}

	b, err := bundle.NewBundler(reads, bundle.Opts{
		Mode:              mode,
		WholeContig:       *wholeContig,
		Spliced:           *spliced,
		SoftClipThreshold: *softClip,
		Paired:            *paired,
		ReadLength:        *readLength,
		MapQThreshold:     *mapqThreshold,
		SubsetRate:        *subset,
		EmitUnmapped:      *outputUnmapped,
		DetectionMethod:   *detectionMethod,
		IgnoreUMI:         *ignoreUmi,
		Extract:           extract,
		GeneTag:           *geneTag,
		SkipRegex:         skipRe,
		Rand:              rand.New(rand.NewSource(*seed)),
	})
	if err != nil {
		log.Fatalf("%v", err)
	}

	out, err := file.Create(ctx, *outputPath)
	if err != nil {
		log.Fatalf("creating %s: %v", *outputPath, err)
	}
	bw, err := bam.NewWriter(out.Writer(ctx), header, 1)
	if err != nil {
		log.Fatalf("creating BAM writer: %v", err)
	}
	var w matepair.Writer = bw
	if *paired {
		w = matepair.NewTwoPassWriter(src, bw)
	}

	groups, kept := 0, 0
	for b.Scan() {
		item := b.Item()
		if item.Category == bundle.SingleRead {
			if err := w.Write(item.Read); err != nil {
				log.Fatalf("writing read %s: %v", item.Read.Name, err)
			}
			continue
		}
		barcodes := make([]string, 0, len(item.Bundle))
		for barcode := range item.Bundle {
			barcodes = append(barcodes, barcode)
		}
		sort.Strings(barcodes)
		for _, barcode := range barcodes {
			r := item.Bundle[barcode].Read
			if err := w.Write(r); err != nil {
				log.Fatalf("writing read %s: %v", r.Name, err)
			}
		}
		groups++
		kept += len(barcodes)
		if stats != nil {
			if err := stats.record(barcodes); err != nil {
				log.Fatalf("writing stats: %v", err)
			}
		}
	}
	if err := b.Err(); err != nil {
		log.Fatalf("%v", err)
	}
	if err := reads.Close(); err != nil {
		log.Fatalf("closing input: %v", err)
	}
	if err := w.Close(); err != nil {
		log.Fatalf("closing output: %v", err)
	}
	if err := out.Close(ctx); err != nil {
		log.Fatalf("closing %s: %v", *outputPath, err)
	}
	if stats != nil {
		if err := stats.close(ctx); err != nil {
			log.Fatalf("closing stats: %v", err)
		}
	}
	if err := src.Close(); err != nil {
		log.Fatalf("closing %s: %v", *bamFile, err)
	}
	log.Printf("kept %d reads across %d groups", kept, groups)
	log.Printf("event counts:\n%s", b.Events())
	log.Debug.Printf("exiting")
}

// statsWriter reports, for each emitted group, the average pairwise
// distance between its barcodes next to the null expectation from
// frequency-weighted random draws.
type statsWriter struct {
	f       file.File
	w       *tsv.Writer
	sampler *umi.RandomSampler
	id      int
}

func newStatsWriter(ctx context.Context, path string, sampler *umi.RandomSampler) (*statsWriter, error) {
	f, err := file.Create(ctx, path)
	if err != nil {
		return nil, err
	}
	w := tsv.NewWriter(f.Writer(ctx))
	w.WriteString("unique_id")
	w.WriteString("n_umis")
	w.WriteString("average_distance")
	w.WriteString("average_null_distance")
	if err := w.EndLine(); err != nil {
		f.Close(ctx) // nolint: errcheck
		return nil, err
	}
	return &statsWriter{f: f, w: w, sampler: sampler}, nil
}

func (s *statsWriter) record(barcodes []string) error {
	s.w.WriteUint32(uint32(s.id))
	s.id++
	s.w.WriteUint32(uint32(len(barcodes)))
	s.w.WriteString(strconv.FormatFloat(umi.AverageDistance(barcodes), 'g', -1, 64))
	s.w.WriteString(strconv.FormatFloat(umi.AverageDistance(s.sampler.Sample(len(barcodes))), 'g', -1, 64))
	return s.w.EndLine()
}

func (s *statsWriter) close(ctx context.Context) error {
	if err := s.w.Flush(); err != nil {
		s.f.Close(ctx) // nolint: errcheck
		return err
	}
	return s.f.Close(ctx)
}
