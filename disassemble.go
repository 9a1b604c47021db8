package frpg2

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// DiagnosticsConfig selects the packet-level debug output. Everything here
// is cosmetic: enabling it changes what is logged, never what is sent.
type DiagnosticsConfig struct {
	// DisassembleSentPackets and DisassembleReceivedPackets attach a
	// human-readable dump to each packet and log it, except for DAT and
	// DAT_ACK bodies which would drown the log.
	DisassembleSentPackets     bool
	DisassembleReceivedPackets bool

	// EmitPacketStream logs a one-line direction/opcode/counter trace for
	// every packet in and out.
	EmitPacketStream bool
}

// Diagnostics is the package-wide diagnostic switch, off by default.
var Diagnostics DiagnosticsConfig

// Disassemble renders a reliable packet as a human-readable dump. DAT and
// DAT_ACK payloads are elided to keep the output readable.
func Disassemble(pkt *ReliablePacket) string {
	local, remote := pkt.Header.AckCounters()

	var b strings.Builder
	b.WriteString("Reliable-Packet:\n")
	fmt.Fprintf(&b, "\t%-30s = %d\n", "local_ack", local)
	fmt.Fprintf(&b, "\t%-30s = %d\n", "remote_ack", remote)
	fmt.Fprintf(&b, "\t%-30s = %s\n", "opcode", pkt.Header.Opcode)
	fmt.Fprintf(&b, "\t%-30s = %d\n", "unknown_1", pkt.Header.Unknown1)

	if pkt.Header.Opcode != OpcodeDAT && pkt.Header.Opcode != OpcodeDATACK {
		b.WriteString("Packet Payload:\n")
		b.WriteString(hexDump(pkt.Payload, "\t"))
	}
	return b.String()
}

// hexDump formats bytes as indented hex rows of sixteen.
func hexDump(data []byte, indent string) string {
	var b strings.Builder
	for i := 0; i < len(data); i += 16 {
		end := i + 16
		if end > len(data) {
			end = len(data)
		}
		b.WriteString(indent)
		for _, c := range data[i:end] {
			fmt.Fprintf(&b, "%02X ", c)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// emitDebugInfo logs the one-line packet trace.
func emitDebugInfo(incoming bool, pkt *ReliablePacket, local, remote uint32) {
	direction := ">>"
	if incoming {
		direction = "<<"
	}
	log.Debug().
		Str("dir", direction).
		Str("opcode", pkt.Header.Opcode.String()).
		Uint32("local", local).
		Uint32("remote", remote).
		Msg("packet")
}
