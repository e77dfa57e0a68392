package main

// flow-cat prints flow-record streams as TSV, one record per row.
//
// Usage: flow-cat [-fields stime,sip,dip,...] [input...]
//
// With no inputs, reads stdin. "-" also names stdin.

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/base/vcontext"
	"github.com/tracenet/flowkit/encoding/flowio"
	"github.com/tracenet/flowkit/flowrec"
)

var fieldsFlag = flag.String("fields",
	"stime,elapsed,sip,sport,dip,dport,proto,flags,packets,bytes,sensor",
	"Comma-separated output columns")

// column maps a display name to its record formatter.
type column struct {
	name   string
	format func(rec flowrec.Record) string
}

func msTime(ms uint64) string {
	return time.Unix(0, int64(ms)*int64(time.Millisecond)).UTC().Format("2006/01/02T15:04:05.000")
}

var columns = []column{
	{"stime", func(r flowrec.Record) string { return msTime(r.StartTime()) }},
	{"etime", func(r flowrec.Record) string { return msTime(r.EndTime()) }},
	{"elapsed", func(r flowrec.Record) string { return strconv.FormatUint(uint64(r.Elapsed()), 10) }},
	{"sip", func(r flowrec.Record) string { return r.SrcIP().String() }},
	{"dip", func(r flowrec.Record) string { return r.DstIP().String() }},
	{"nhip", func(r flowrec.Record) string { return r.NextHopIP().String() }},
	{"sport", func(r flowrec.Record) string { return strconv.Itoa(int(r.SrcPort())) }},
	{"dport", func(r flowrec.Record) string { return strconv.Itoa(int(r.DstPort())) }},
	{"proto", func(r flowrec.Record) string { return strconv.Itoa(int(r.Proto())) }},
	{"flags", func(r flowrec.Record) string { return fmt.Sprintf("%02x", r.TCPFlags()) }},
	{"packets", func(r flowrec.Record) string { return strconv.FormatUint(uint64(r.Packets()), 10) }},
	{"bytes", func(r flowrec.Record) string { return strconv.FormatUint(uint64(r.Bytes()), 10) }},
	{"sensor", func(r flowrec.Record) string { return strconv.Itoa(int(r.Sensor())) }},
	{"input", func(r flowrec.Record) string { return strconv.Itoa(int(r.Input())) }},
	{"output", func(r flowrec.Record) string { return strconv.Itoa(int(r.Output())) }},
	{"application", func(r flowrec.Record) string { return strconv.Itoa(int(r.Application())) }},
	{"class", func(r flowrec.Record) string { return strconv.Itoa(int(r.ClassType())) }},
	{"icmp-type", func(r flowrec.Record) string { return strconv.Itoa(int(r.ICMPType())) }},
	{"icmp-code", func(r flowrec.Record) string { return strconv.Itoa(int(r.ICMPCode())) }},
}

func selectColumns(spec string) ([]column, error) {
	byName := map[string]column{}
	for _, c := range columns {
		byName[c.name] = c
	}
	var selected []column
	for _, name := range strings.Split(spec, ",") {
		name = strings.TrimSpace(name)
		c, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown column %q", name)
		}
		selected = append(selected, c)
	}
	return selected, nil
}

func catStream(r io.Reader, cols []column, out *tsv.Writer) error {
	fr, err := flowio.NewReader(r)
	if err != nil {
		return err
	}
	defer fr.Close() // nolint: errcheck
	if fr.RecordSize() != flowrec.Size {
		return fmt.Errorf("stream has %d-byte records, want %d", fr.RecordSize(), flowrec.Size)
	}
	rec := flowrec.New()
	for {
		if err := fr.Read(rec); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		for _, c := range cols {
			out.WriteString(c.format(rec))
		}
		if err := out.EndLine(); err != nil {
			return err
		}
	}
}

func cat(path string, cols []column, out *tsv.Writer) error {
	if path == "-" {
		return catStream(os.Stdin, cols, out)
	}
	ctx := vcontext.Background()
	f, err := file.Open(ctx, path)
	if err != nil {
		return err
	}
	defer f.Close(ctx) // nolint: errcheck
	return catStream(f.Reader(ctx), cols, out)
}

func main() {
	flag.Usage = func() {
		var names []string
		for _, c := range columns {
			names = append(names, c.name)
		}
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] [input...]\n\nColumns: %s\n\nFlags:\n",
			os.Args[0], strings.Join(names, ","))
		flag.PrintDefaults()
	}
	shutdown := grail.Init()
	defer shutdown()

	cols, err := selectColumns(*fieldsFlag)
	if err != nil {
		log.Fatalf("-fields: %v", err)
	}
	inputs := flag.Args()
	if len(inputs) == 0 {
		inputs = []string{"-"}
	}

	out := tsv.NewWriter(os.Stdout)
	var header []string
	for _, c := range cols {
		header = append(header, c.name)
	}
	out.WriteString(strings.Join(header, "\t"))
	if err := out.EndLine(); err != nil {
		log.Fatalf("write header: %v", err)
	}
	for _, path := range inputs {
		if err := cat(path, cols, out); err != nil {
			log.Fatalf("%v: %v", path, err)
		}
	}
	if err := out.Flush(); err != nil {
		log.Fatalf("flush: %v", err)
	}
}
