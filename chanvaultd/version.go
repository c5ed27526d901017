package chanvaultd

import (
	"fmt"
	"runtime/debug"
)

// Commit is the commit the binary was built from. It is set with -ldflags
// by release builds, other builds take the revision from the build info.
var Commit string

const (
	versionMajor uint = 0
	versionMinor uint = 3
	versionPatch uint = 0

	// versionPreRelease is appended with a hyphen if non-empty. It must
	// only contain [0-9A-Za-z-].
	versionPreRelease = "beta"
)

// Version returns the semantic version of chanvault and the commit it was
// built from.
func Version() string {
	return fmt.Sprintf("%s commit=%s", SemanticVersion(), commit())
}

// SemanticVersion returns the version without build metadata.
func SemanticVersion() string {
	version := fmt.Sprintf(
		"%d.%d.%d", versionMajor, versionMinor, versionPatch,
	)
	if versionPreRelease != "" {
		version += "-" + versionPreRelease
	}

	return version
}

func commit() string {
	if Commit != "" {
		return Commit
	}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}

	var revision, dirty string
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value

		case "vcs.modified":
			if setting.Value == "true" {
				dirty = "-dirty"
			}
		}
	}
	if revision == "" {
		return ""
	}

	return revision + dirty
}
