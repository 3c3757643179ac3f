package main

/*
  umi-count tallies reads per gene and barcode from a coordinate-sorted
  BAM file of transcriptome or gene-tagged alignments. The output is a
  three-column TSV (gene, barcode, count), gzip-compressed when the output
  path ends in .gz.
*/

import (
	"flag"
	"io"
	"math/rand"
	"regexp"
	"sort"
	"strings"

	"github.com/dbichko/UMI-tools/bundle"
	"github.com/dbichko/UMI-tools/genemap"
	"github.com/dbichko/UMI-tools/readsource"
	"github.com/dbichko/UMI-tools/umi"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/hts/sam"
	"github.com/klauspost/compress/gzip"
)

var (
	bamFile    = flag.String("bam", "", "Input BAM filename")
	indexFile  = flag.String("index", "", "Input BAM index filename. By default, set to input BAM filename + .bai")
	outputPath = flag.String("output", "", "Output TSV filename; a .gz suffix compresses the output")

	extractMethod = flag.String("extract-umi-method", "read_id", "Where the barcode lives: 'read_id' (appended to the read name) or 'tag' (aux tag)")
	umiSep        = flag.String("umi-separator", "_", "Separator between read id and barcode, for -extract-umi-method=read_id")
	umiTag        = flag.String("umi-tag", "RX", "Aux tag holding the barcode, for -extract-umi-method=tag")

	perContig   = flag.Bool("per-contig", false, "Count per contig, e.g. transcriptome alignments with one contig per gene")
	geneTag     = flag.String("gene-tag", "", "Aux tag carrying the gene assignment, e.g. XF")
	skipRegex   = flag.String("skip-tags-regex", "", "Skip reads whose gene assignment matches this pattern, e.g. '^(__|Unassigned)'")
	geneMapFile = flag.String("gene-transcript-map", "", "Two-column gene<TAB>transcript file; reads are re-fetched gene by gene and counted per gene")

	mapqThreshold = flag.Int("mapq-threshold", 0, "Discard reads with mapping quality below this")
	subset        = flag.Float64("subset", 0, "Keep each read with this probability; 0 disables subsampling")
	seed          = flag.Int64("random-seed", 0, "Seed for subsampling")
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

	mode := bundle.GroupByContig
	if *geneTag != "" || *geneMapFile != "" {
		mode = bundle.GroupByGeneTag
		if *geneTag == "" {
			log.Fatalf("-gene-transcript-map requires -gene-tag")
		}
		if *skipRegex == "" {
			log.Fatalf("-gene-tag requires -skip-tags-regex")
		}
	} else if !*perContig {
		log.Fatalf("need a gene source: -per-contig, -gene-tag or -gene-transcript-map")
	}
	var skipRe *regexp.Regexp
	if *skipRegex != "" {
		var err error
		if skipRe, err = regexp.Compile(*skipRegex); err != nil {
			log.Fatalf("bad -skip-tags-regex: %v", err)
		}
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

	g, err := bundle.NewGeneCounter(reads, bundle.Opts{
		Mode:          mode,
		MapQThreshold: *mapqThreshold,
		SubsetRate:    *subset,
		Extract:       extract,
		GeneTag:       *geneTag,
		SkipRegex:     skipRe,
		Rand:          rand.New(rand.NewSource(*seed)),
	})
	if err != nil {
		log.Fatalf("%v", err)
	}

	out, err := file.Create(ctx, *outputPath)
	if err != nil {
		log.Fatalf("creating %s: %v", *outputPath, err)
	}
	var w io.Writer = out.Writer(ctx)
	var gz *gzip.Writer
	if strings.HasSuffix(*outputPath, ".gz") {
		gz = gzip.NewWriter(w)
		w = gz
	}
	tw := tsv.NewWriter(w)
	tw.WriteString("gene")
	tw.WriteString("barcode")
	tw.WriteString("count")
	if err := tw.EndLine(); err != nil {
		log.Fatalf("writing %s: %v", *outputPath, err)
	}

	genes, lines := 0, 0
	for g.Scan() {
		gc := g.Item()
		barcodes := make([]string, 0, len(gc.Counts))
		for barcode := range gc.Counts {
			barcodes = append(barcodes, barcode)
		}
		sort.Strings(barcodes)
		for _, barcode := range barcodes {
			tw.WriteString(gc.Gene)
			tw.WriteString(barcode)
			tw.WriteUint32(uint32(gc.Counts[barcode]))
			if err := tw.EndLine(); err != nil {
				log.Fatalf("writing %s: %v", *outputPath, err)
			}
		}
		genes++
		lines += len(barcodes)
	}
	if err := g.Err(); err != nil {
		log.Fatalf("%v", err)
	}
	if err := reads.Close(); err != nil {
		log.Fatalf("closing input: %v", err)
	}
	if err := tw.Flush(); err != nil {
		log.Fatalf("flushing %s: %v", *outputPath, err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			log.Fatalf("closing %s: %v", *outputPath, err)
		}
	}
	if err := out.Close(ctx); err != nil {
		log.Fatalf("closing %s: %v", *outputPath, err)
	}
	if err := src.Close(); err != nil {
		log.Fatalf("closing %s: %v", *bamFile, err)
	}
	log.Printf("wrote %d counts across %d gene emissions to %s", lines, genes, *outputPath)
	log.Printf("event counts:\n%s", g.Events())
	log.Debug.Printf("exiting")
}
