// Package flowrec defines the fixed-width binary layout of a network flow
// record. A record is a plain byte slab; accessors decode fields in place so
// that large record volumes can be processed without per-record allocation.
package flowrec

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

// Size is the number of bytes in one flow record. Every record in a stream
// has exactly this size.
const Size = 84

// Field offsets and widths within a record. All integers are little-endian.
// Addresses are stored as 16 bytes; an IPv4 address occupies the low-order 4
// bytes with the high-order 12 bytes zero.
const (
	StartTimeOff   = 0 // uint64, milliseconds since the Unix epoch
	ElapsedOff     = 8 // uint32, milliseconds
	SrcIPOff       = 12
	DstIPOff       = 28
	NextHopIPOff   = 44
	SrcPortOff     = 60 // uint16
	DstPortOff     = 62 // uint16; for ICMP flows, (type<<8)|code
	ProtoOff       = 64 // uint8
	TCPFlagsOff    = 65 // uint8
	PacketsOff     = 66 // uint32
	BytesOff       = 70 // uint32
	SensorOff      = 74 // uint16
	InputOff       = 76 // uint16
	OutputOff      = 78 // uint16
	ApplicationOff = 80 // uint16
	ClassTypeOff   = 82 // uint8
	AttributesOff  = 83 // uint8

	AddrLen = 16
)

// IP protocol numbers relevant to field interpretation.
const (
	ProtoICMP   = 1
	ProtoTCP    = 6
	ProtoUDP    = 17
	ProtoICMPv6 = 58
)

// Record is a view over one flow record. It never owns heap storage beyond
// the slab itself; slicing a larger buffer is the common way to obtain one.
type Record []byte

// New returns a zero-filled record.
func New() Record { return make(Record, Size) }

// Validate returns an error if the slab cannot hold a whole record.
func (r Record) Validate() error {
	if len(r) < Size {
		return fmt.Errorf("flowrec: record too short: %d bytes, want %d", len(r), Size)
	}
	return nil
}

func (r Record) StartTime() uint64 { return binary.LittleEndian.Uint64(r[StartTimeOff:]) }
func (r Record) Elapsed() uint32   { return binary.LittleEndian.Uint32(r[ElapsedOff:]) }
func (r Record) SrcPort() uint16   { return binary.LittleEndian.Uint16(r[SrcPortOff:]) }
func (r Record) DstPort() uint16   { return binary.LittleEndian.Uint16(r[DstPortOff:]) }
func (r Record) Proto() uint8      { return r[ProtoOff] }
func (r Record) TCPFlags() uint8   { return r[TCPFlagsOff] }
func (r Record) Packets() uint32   { return binary.LittleEndian.Uint32(r[PacketsOff:]) }
func (r Record) Bytes() uint32     { return binary.LittleEndian.Uint32(r[BytesOff:]) }
func (r Record) Sensor() uint16    { return binary.LittleEndian.Uint16(r[SensorOff:]) }
func (r Record) Input() uint16     { return binary.LittleEndian.Uint16(r[InputOff:]) }
func (r Record) Output() uint16    { return binary.LittleEndian.Uint16(r[OutputOff:]) }
func (r Record) Application() uint16 {
	return binary.LittleEndian.Uint16(r[ApplicationOff:])
}
func (r Record) ClassType() uint8  { return r[ClassTypeOff] }
func (r Record) Attributes() uint8 { return r[AttributesOff] }

// EndTime is StartTime + Elapsed, in milliseconds.
func (r Record) EndTime() uint64 { return r.StartTime() + uint64(r.Elapsed()) }

// SrcIP returns the source address. IPv4 addresses come back in 4-byte form.
func (r Record) SrcIP() net.IP     { return ipAt(r, SrcIPOff) }
func (r Record) DstIP() net.IP     { return ipAt(r, DstIPOff) }
func (r Record) NextHopIP() net.IP { return ipAt(r, NextHopIPOff) }

// IsICMP reports whether the record's transport protocol is ICMP or ICMPv6,
// which changes the interpretation of the DstPort field.
func (r Record) IsICMP() bool {
	p := r.Proto()
	return p == ProtoICMP || p == ProtoICMPv6
}

// ICMPType returns the ICMP type for ICMP records and 0 otherwise.
func (r Record) ICMPType() uint8 {
	if !r.IsICMP() {
		return 0
	}
	return uint8(r.DstPort() >> 8)
}

// ICMPCode returns the ICMP code for ICMP records and 0 otherwise.
func (r Record) ICMPCode() uint8 {
	if !r.IsICMP() {
		return 0
	}
	return uint8(r.DstPort())
}

func (r Record) SetStartTime(v uint64) { binary.LittleEndian.PutUint64(r[StartTimeOff:], v) }
func (r Record) SetElapsed(v uint32)   { binary.LittleEndian.PutUint32(r[ElapsedOff:], v) }
func (r Record) SetSrcPort(v uint16)   { binary.LittleEndian.PutUint16(r[SrcPortOff:], v) }
func (r Record) SetDstPort(v uint16)   { binary.LittleEndian.PutUint16(r[DstPortOff:], v) }
func (r Record) SetProto(v uint8)      { r[ProtoOff] = v }
func (r Record) SetTCPFlags(v uint8)   { r[TCPFlagsOff] = v }
func (r Record) SetPackets(v uint32)   { binary.LittleEndian.PutUint32(r[PacketsOff:], v) }
func (r Record) SetBytes(v uint32)     { binary.LittleEndian.PutUint32(r[BytesOff:], v) }
func (r Record) SetSensor(v uint16)    { binary.LittleEndian.PutUint16(r[SensorOff:], v) }
func (r Record) SetInput(v uint16)     { binary.LittleEndian.PutUint16(r[InputOff:], v) }
func (r Record) SetOutput(v uint16)    { binary.LittleEndian.PutUint16(r[OutputOff:], v) }
func (r Record) SetApplication(v uint16) {
	binary.LittleEndian.PutUint16(r[ApplicationOff:], v)
}
func (r Record) SetClassType(v uint8)  { r[ClassTypeOff] = v }
func (r Record) SetAttributes(v uint8) { r[AttributesOff] = v }

// SetSrcIP stores an address in 16-byte form. IPv4 addresses are
// zero-extended at the high end.
func (r Record) SetSrcIP(ip net.IP)     { setIPAt(r, SrcIPOff, ip) }
func (r Record) SetDstIP(ip net.IP)     { setIPAt(r, DstIPOff, ip) }
func (r Record) SetNextHopIP(ip net.IP) { setIPAt(r, NextHopIPOff, ip) }

// SetICMPTypeCode stores an ICMP type/code pair in the DstPort field using
// the conventional (type<<8)|code packing.
func (r Record) SetICMPTypeCode(typ, code uint8) {
	r.SetDstPort(uint16(typ)<<8 | uint16(code))
}

func (r Record) String() string {
	return fmt.Sprintf("%s:%d -> %s:%d proto=%d bytes=%d packets=%d start=%s elapsed=%dms",
		r.SrcIP(), r.SrcPort(), r.DstIP(), r.DstPort(), r.Proto(), r.Bytes(), r.Packets(),
		time.Unix(0, int64(r.StartTime())*int64(time.Millisecond)).UTC().Format(time.RFC3339),
		r.Elapsed())
}

func ipAt(r Record, off int) net.IP {
	ip := make(net.IP, AddrLen)
	copy(ip, r[off:off+AddrLen])
	// Zero-extended IPv4 is returned in 4-byte form. A true IPv6 address in
	// ::/96 is indistinguishable from that encoding and also comes back as 4
	// bytes; the byte-level sort order is unaffected.
	for _, b := range ip[:AddrLen-4] {
		if b != 0 {
			return ip
		}
	}
	return ip[AddrLen-4:]
}

func setIPAt(r Record, off int, ip net.IP) {
	dst := r[off : off+AddrLen]
	for i := range dst {
		dst[i] = 0
	}
	if ip == nil {
		return
	}
	if v4 := ip.To4(); v4 != nil {
		// Zero-extended at the high end: the 4 address bytes land in the
		// low-order (trailing, big-endian-wise) positions.
		copy(dst[AddrLen-4:], v4)
		return
	}
	copy(dst, ip.To16())
}
