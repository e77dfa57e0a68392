package main

// flow-gen writes synthetic flow records for testing and benchmarking.
// Record contents are derived from (seed, record index) with seahash, so a
// given seed always regenerates the identical stream.
//
// Usage: flow-gen -count N [-seed S] [-sorted] [-output PATH]

import (
	"encoding/binary"
	"flag"
	"fmt"
	"os"

	"blainsmith.com/go/seahash"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/tracenet/flowkit/encoding/flowio"
	"github.com/tracenet/flowkit/flowrec"
)

var (
	countFlag       = flag.Int64("count", 1000, "Number of records to generate")
	seedFlag        = flag.Uint64("seed", 1, "Generator seed")
	sortedFlag      = flag.Bool("sorted", false, "Emit records in ascending start-time order")
	outputFlag      = flag.String("output", "-", "Output path; '-' means stdout")
	compressionFlag = flag.String("compression", "none", "Output compression: none, zlib, or snappy")
)

// derive produces the salt'th pseudo-random value for record i.
func derive(seed, i uint64, salt uint8) uint64 {
	var buf [17]byte
	binary.LittleEndian.PutUint64(buf[0:8], seed)
	binary.LittleEndian.PutUint64(buf[8:16], i)
	buf[16] = salt
	return seahash.Sum64(buf[:])
}

// baseEpochMS is an arbitrary fixed origin so generated streams are stable.
const baseEpochMS = 1600000000000

// fillRecord deterministically populates rec from (seed, i).
func fillRecord(rec flowrec.Record, seed, i uint64, sorted bool) {
	for j := range rec {
		rec[j] = 0
	}
	v := derive(seed, i, 0)
	var sip, dip [4]byte
	sip[0], sip[1], sip[2], sip[3] = 10, byte(v>>16), byte(v>>8), byte(v)
	dip[0], dip[1], dip[2], dip[3] = 192, 168, byte(v>>32), byte(v>>40)
	rec.SetSrcIP(sip[:])
	rec.SetDstIP(dip[:])

	proto := uint8(flowrec.ProtoTCP)
	switch derive(seed, i, 1) % 10 {
	case 0:
		proto = flowrec.ProtoICMP
	case 1, 2, 3:
		proto = flowrec.ProtoUDP
	}
	rec.SetProto(proto)
	if proto == flowrec.ProtoICMP {
		rec.SetSrcPort(0)
		rec.SetICMPTypeCode(uint8(derive(seed, i, 2)%19), uint8(derive(seed, i, 3)%3))
	} else {
		rec.SetSrcPort(uint16(derive(seed, i, 2)%0xffff) + 1)
		rec.SetDstPort(uint16(derive(seed, i, 3) % 1024))
		if proto == flowrec.ProtoTCP {
			rec.SetTCPFlags(uint8(derive(seed, i, 4)))
		}
	}

	pkts := derive(seed, i, 5)%1000 + 1
	rec.SetPackets(uint32(pkts))
	rec.SetBytes(uint32(pkts * (derive(seed, i, 6)%1400 + 40)))
	start := baseEpochMS + derive(seed, i, 7)%(86400*1000)
	if sorted {
		start = baseEpochMS + i*1000
	}
	rec.SetStartTime(start)
	rec.SetElapsed(uint32(derive(seed, i, 8) % (300 * 1000)))
	rec.SetSensor(uint16(derive(seed, i, 9) % 16))
	rec.SetInput(uint16(derive(seed, i, 10) % 64))
	rec.SetOutput(uint16(derive(seed, i, 11) % 64))
	rec.SetApplication(uint16(derive(seed, i, 12) % 128))
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -count N [flags]\n", os.Args[0])
		flag.PrintDefaults()
	}
	shutdown := grail.Init()
	defer shutdown()

	compression, err := flowio.ParseCompression(*compressionFlag)
	if err != nil {
		log.Fatalf("-compression: %v", err)
	}

	opts := flowio.WriterOpts{Compression: compression}
	var w *flowio.Writer
	var closeFile func() error
	if *outputFlag == "-" {
		w = flowio.NewWriter(os.Stdout, opts)
	} else {
		ctx := vcontext.Background()
		f, err := file.Create(ctx, *outputFlag)
		if err != nil {
			log.Fatalf("create %v: %v", *outputFlag, err)
		}
		w = flowio.NewWriter(f.Writer(ctx), opts)
		closeFile = func() error { return f.Close(ctx) }
	}

	rec := flowrec.New()
	for i := uint64(0); i < uint64(*countFlag); i++ {
		fillRecord(rec, *seedFlag, i, *sortedFlag)
		if err := w.Write(rec); err != nil {
			log.Fatalf("write record %d: %v", i, err)
		}
	}
	if err := w.Close(); err != nil {
		log.Fatalf("close output: %v", err)
	}
	if closeFile != nil {
		if err := closeFile(); err != nil {
			log.Fatalf("close %v: %v", *outputFlag, err)
		}
	}
	log.Printf("wrote %d records to %v", *countFlag, *outputFlag)
}
