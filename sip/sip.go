package sip

import (
	"strings"
)

const (
	RFC3261BranchMagicCookie = "z9hG4bK"

	// ExtensionPRACK is the option tag negotiating reliable provisional
	// responses - RFC 3262.
	ExtensionPRACK = "100rel"
)

var (
	SIPDebug  bool
	siptracer SIPTracer
)

// SIPTracer hooks raw reads and writes on any transport. Used for wire dumps.
type SIPTracer interface {
	SIPTraceRead(transport string, laddr string, raddr string, sipmsg []byte)
	SIPTraceWrite(transport string, laddr string, raddr string, sipmsg []byte)
}

func SIPDebugTracer(t SIPTracer) {
	siptracer = t
}

func logSIPRead(transport string, laddr string, raddr string, sipmsg []byte) {
	if siptracer != nil {
		siptracer.SIPTraceRead(transport, laddr, raddr, sipmsg)
		return
	}
	defaultLogger().Debug().Msgf("%s read from %s <- %s:\n%s", transport, laddr, raddr, sipmsg)
}

func logSIPWrite(transport string, laddr string, raddr string, sipmsg []byte) {
	if siptracer != nil {
		siptracer.SIPTraceWrite(transport, laddr, raddr, sipmsg)
		return
	}
	defaultLogger().Debug().Msgf("%s write to %s -> %s:\n%s", transport, laddr, raddr, sipmsg)
}

// GenerateBranch returns random unique branch ID.
func GenerateBranch() string {
	return GenerateBranchN(16)
}

// GenerateBranchN returns random unique branch ID in format MagicCookie.<n chars>
func GenerateBranchN(n int) string {
	sb := &strings.Builder{}
	sb.Grow(len(RFC3261BranchMagicCookie) + n + 1)
	sb.WriteString(RFC3261BranchMagicCookie)
	sb.WriteString(".")
	RandStringBytesMask(sb, n)
	return sb.String()
}

func GenerateTagN(n int) string {
	sb := &strings.Builder{}
	RandStringBytesMask(sb, n)
	return sb.String()
}
