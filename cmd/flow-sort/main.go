package main

// flow-sort sorts flow-record streams by a user-selected field list.
//
// Usage: flow-sort [flags] input...
//
// Inputs and the output are flow streams (see encoding/flowio); "-" means
// stdin or stdout. With -presorted, every input must already be sorted under
// the same field list and orientation, and the in-memory stage is skipped.

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/base/vcontext"
	"github.com/tracenet/flowkit/encoding/flowio"
	"github.com/tracenet/flowkit/fieldspec"
	"github.com/tracenet/flowkit/flowrec"
	"github.com/tracenet/flowkit/sorter"
)

var (
	fieldsFlag      = flag.String("fields", "sip,dip,sport,dport,proto", "Comma-separated sort fields, most significant first")
	reverseFlag     = flag.Bool("reverse", false, "Sort in non-increasing order")
	presortedFlag   = flag.Bool("presorted", false, "Assert that each input is already sorted; merge directly")
	bufferSizeFlag  = flag.Int64("sort-buffer-size", sorter.DefaultBufferSize, "In-memory sort buffer bound, in bytes")
	tempDirFlag     = flag.String("temp-dir", "", "Directory for spill files (default os.TempDir())")
	outputFlag      = flag.String("output", "-", "Output path; '-' means stdout")
	ipv4Flag        = flag.Bool("ipv4", false, "Compare addresses as IPv4 only")
	compressionFlag = flag.String("compression", "none", "Output compression: none, zlib, or snappy")
)

// fileSource is a sorter input backed by a flowio stream plus whatever has
// to be closed underneath it.
type fileSource struct {
	*flowio.Reader
	closers []func() error
}

func (s *fileSource) Close() error {
	err := s.Reader.Close()
	for _, c := range s.closers {
		if cerr := c(); err == nil {
			err = cerr
		}
	}
	return err
}

// fileSink is the sorter output: a flowio writer plus the file under it.
type fileSink struct {
	*flowio.Writer
	closers []func() error
}

func (s *fileSink) Close() error {
	err := s.Writer.Close()
	for _, c := range s.closers {
		if cerr := c(); err == nil {
			err = cerr
		}
	}
	return err
}

func openInput(path string) (sorter.Source, error) {
	if path == "-" {
		fr, err := flowio.NewReader(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("stdin: %v", err)
		}
		return &fileSource{Reader: fr}, nil
	}
	ctx := vcontext.Background()
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	fr, err := flowio.NewReader(f.Reader(ctx))
	if err != nil {
		f.Close(ctx) // nolint: errcheck
		return nil, fmt.Errorf("%v: %v", path, err)
	}
	return &fileSource{Reader: fr, closers: []func() error{func() error { return f.Close(ctx) }}}, nil
}

func createOutput(path string, compression flowio.Compression) (sorter.Sink, error) {
	opts := flowio.WriterOpts{Compression: compression}
	if path == "-" {
		return &fileSink{Writer: flowio.NewWriter(os.Stdout, opts)}, nil
	}
	ctx := vcontext.Background()
	f, err := file.Create(ctx, path)
	if err != nil {
		return nil, err
	}
	return &fileSink{
		Writer:  flowio.NewWriter(f.Writer(ctx), opts),
		closers: []func() error{func() error { return f.Close(ctx) }},
	}, nil
}

// prescan opens every named input once, in parallel, to fail fast on
// unreadable files or record-size mismatches before any sorting work
// starts. Stdin cannot be rewound and is skipped.
func prescan(paths []string) error {
	return traverse.Each(len(paths), func(i int) error {
		if paths[i] == "-" {
			return nil
		}
		src, err := openInput(paths[i])
		if err != nil {
			return err
		}
		defer src.Close() // nolint: errcheck
		if rs := src.(*fileSource).RecordSize(); rs != flowrec.Size {
			return fmt.Errorf("%v: stream has %d-byte records, want %d", paths[i], rs, flowrec.Size)
		}
		return nil
	})
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [flags] input...\n\nSorts flow streams. Available sort fields:\n", os.Args[0])
	fieldspec.VisitAll(func(f fieldspec.Field) {
		names := f.Name
		if len(f.Aliases) > 0 {
			names += " (" + strings.Join(f.Aliases, ", ") + ")"
		}
		fmt.Fprintf(os.Stderr, "  %-28s %s\n", names, f.Help)
	})
	fmt.Fprintf(os.Stderr, "\nFlags:\n")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	shutdown := grail.Init()
	defer shutdown()

	inputs := flag.Args()
	if len(inputs) == 0 {
		flag.Usage()
		os.Exit(1)
	}
	stdinCount := 0
	for _, path := range inputs {
		if path == "-" {
			stdinCount++
		}
	}
	if stdinCount > 1 {
		log.Fatalf("stdin may be named only once")
	}

	key, err := fieldspec.Parse(*fieldsFlag, *ipv4Flag)
	if err != nil {
		log.Fatalf("-fields: %v", err)
	}
	compression, err := flowio.ParseCompression(*compressionFlag)
	if err != nil {
		log.Fatalf("-compression: %v", err)
	}
	if err := prescan(inputs); err != nil {
		log.Fatalf("%v", err)
	}

	opens := make([]sorter.OpenFunc, len(inputs))
	for i, path := range inputs {
		path := path
		opens[i] = func() (sorter.Source, error) { return openInput(path) }
	}
	out, err := createOutput(*outputFlag, compression)
	if err != nil {
		log.Fatalf("create %v: %v", *outputFlag, err)
	}

	err = sorter.Sort(sorter.Config{
		Key:        key,
		Reverse:    *reverseFlag,
		Presorted:  *presortedFlag,
		BufferSize: *bufferSizeFlag,
		TempDir:    *tempDirFlag,
		Inputs:     opens,
		Output:     out,
	})
	if err != nil {
		log.Fatalf("sort failed: %v", err)
	}
}
