package wire

import (
	"strings"

	"golang.org/x/mod/semver"
)

// Protocol versions spoken by the server.
const (
	ProtocolVersion    = "1.1"
	MinProtocolVersion = "1.0"
)

// negotiateVersion echoes a supported client version and otherwise
// answers with the server's own. The handshake never fails on version.
func negotiateVersion(client string) string {
	client = strings.TrimSpace(client)
	v := "v" + strings.TrimPrefix(client, "v")
	if !semver.IsValid(v) {
		return ProtocolVersion
	}
	if semver.Compare(v, "v"+MinProtocolVersion) < 0 || semver.Compare(v, "v"+ProtocolVersion) > 0 {
		return ProtocolVersion
	}
	return strings.TrimPrefix(client, "v")
}
