package openvpn

import (
	"regexp"
	"strings"

	"github.com/yllada/veilvpn/common"
)

// lineEvent is what one line of openvpn output means for the handshake.
type lineEvent struct {
	up     bool
	failed bool
	kind   common.ErrorKind
	iface  string
}

var tunOpenedRe = regexp.MustCompile(`TUN/TAP device (\S+) opened`)

var failurePatterns = []struct {
	substr string
	kind   common.ErrorKind
}{
	{"AUTH_FAILED", common.KindAuthFailed},
	// Dynamic challenge (OTP) requested by the server.
	{"AUTH:CRV1", common.KindAuthFailed},
	{"Network is unreachable", common.KindNetworkUnreachable},
	{"No route to host", common.KindNetworkUnreachable},
	{"Connection refused", common.KindNetworkUnreachable},
	{"Cannot resolve host address", common.KindNetworkUnreachable},
	{"TLS key negotiation failed", common.KindTimeout},
	{"TLS handshake failed", common.KindTimeout},
	{"Options error", common.KindProtocolError},
	{"Exiting due to fatal error", common.KindProtocolError},
}

// classifyLine inspects one line of openvpn output.
func classifyLine(line string) (lineEvent, bool) {
	if strings.Contains(line, "Initialization Sequence Completed") {
		return lineEvent{up: true}, true
	}
	if m := tunOpenedRe.FindStringSubmatch(line); m != nil {
		return lineEvent{iface: m[1]}, true
	}
	for _, p := range failurePatterns {
		if strings.Contains(line, p.substr) {
			return lineEvent{failed: true, kind: p.kind}, true
		}
	}
	return lineEvent{}, false
}
