package daemonctl

import (
	"strings"

	"github.com/hashicorp/go-version"
)

// VersionsMatch reports whether the daemon and the client were built
// from the same release. Pre-release and metadata parts count; a leading
// "v" does not. Unparseable versions only match when identical.
func VersionsMatch(daemonVersion, clientVersion string) bool {
	daemonVersion = strings.TrimSpace(daemonVersion)
	clientVersion = strings.TrimSpace(clientVersion)
	if daemonVersion == "" || clientVersion == "" {
		return false
	}
	dv, err1 := version.NewVersion(daemonVersion)
	cv, err2 := version.NewVersion(clientVersion)
	if err1 != nil || err2 != nil {
		return daemonVersion == clientVersion
	}
	return dv.Equal(cv) && dv.Metadata() == cv.Metadata()
}

// DaemonOlder reports whether the daemon predates the client, which
// means the installed daemon should be upgraded.
func DaemonOlder(daemonVersion, clientVersion string) bool {
	dv, err1 := version.NewVersion(strings.TrimSpace(daemonVersion))
	cv, err2 := version.NewVersion(strings.TrimSpace(clientVersion))
	if err1 != nil || err2 != nil {
		return false
	}
	return dv.LessThan(cv)
}
