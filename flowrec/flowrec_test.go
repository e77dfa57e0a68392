package flowrec

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccessorsRoundTrip(t *testing.T) {
	r := New()
	r.SetStartTime(1600000000123)
	r.SetElapsed(4500)
	r.SetSrcPort(443)
	r.SetDstPort(51123)
	r.SetProto(ProtoTCP)
	r.SetTCPFlags(0x1b)
	r.SetPackets(17)
	r.SetBytes(12345)
	r.SetSensor(3)
	r.SetInput(7)
	r.SetOutput(9)
	r.SetApplication(80)
	r.SetClassType(2)
	r.SetAttributes(1)

	assert.Equal(t, uint64(1600000000123), r.StartTime())
	assert.Equal(t, uint32(4500), r.Elapsed())
	assert.Equal(t, uint64(1600000004623), r.EndTime())
	assert.Equal(t, uint16(443), r.SrcPort())
	assert.Equal(t, uint16(51123), r.DstPort())
	assert.Equal(t, uint8(ProtoTCP), r.Proto())
	assert.Equal(t, uint8(0x1b), r.TCPFlags())
	assert.Equal(t, uint32(17), r.Packets())
	assert.Equal(t, uint32(12345), r.Bytes())
	assert.Equal(t, uint16(3), r.Sensor())
	assert.Equal(t, uint16(7), r.Input())
	assert.Equal(t, uint16(9), r.Output())
	assert.Equal(t, uint16(80), r.Application())
	assert.Equal(t, uint8(2), r.ClassType())
	assert.Equal(t, uint8(1), r.Attributes())
}

func TestIPv4ZeroExtension(t *testing.T) {
	r := New()
	r.SetSrcIP(net.ParseIP("10.1.2.3"))
	// The 4 address bytes land at the low-order end; everything above is
	// zero.
	for _, b := range r[SrcIPOff : SrcIPOff+AddrLen-4] {
		assert.Equal(t, byte(0), b)
	}
	assert.Equal(t, []byte{10, 1, 2, 3}, []byte(r[SrcIPOff+AddrLen-4:SrcIPOff+AddrLen]))
	assert.Equal(t, "10.1.2.3", r.SrcIP().String())
}

func TestIPv6RoundTrip(t *testing.T) {
	r := New()
	ip := net.ParseIP("2001:db8::42")
	r.SetDstIP(ip)
	assert.True(t, r.DstIP().Equal(ip))
}

func TestICMPFields(t *testing.T) {
	r := New()
	r.SetProto(ProtoICMP)
	r.SetICMPTypeCode(8, 0)
	require.True(t, r.IsICMP())
	assert.Equal(t, uint8(8), r.ICMPType())
	assert.Equal(t, uint8(0), r.ICMPCode())
	assert.Equal(t, uint16(8<<8), r.DstPort())

	// The same dport bits on a TCP record are just a port.
	r.SetProto(ProtoTCP)
	require.False(t, r.IsICMP())
	assert.Equal(t, uint8(0), r.ICMPType())
	assert.Equal(t, uint8(0), r.ICMPCode())

	r.SetProto(ProtoICMPv6)
	assert.True(t, r.IsICMP())
}

func TestValidate(t *testing.T) {
	assert.NoError(t, New().Validate())
	assert.Error(t, Record(make([]byte, Size-1)).Validate())
}
