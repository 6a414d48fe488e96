// Package version resolves the build's identity once at startup: an
// -ldflags override when a container build injects one, the VCS revision
// the Go toolchain embeds otherwise, "dev" when neither exists.
package version

import "runtime/debug"

// commitOverride is injected with
// -ldflags "-X github.com/exceptionops/remsy/pkg/version.commitOverride=<sha>"
// by builds that strip the .git directory.
var commitOverride string

// GitCommit is the short revision identifying this build, with a "-dirty"
// suffix when the working tree carried local modifications.
var GitCommit = resolve()

// UserAgent identifies remsy on outbound HTTP calls.
func UserAgent() string {
	return "remsy/" + GitCommit
}

func resolve() string {
	if commitOverride != "" {
		return shortRev(commitOverride)
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	var revision string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if revision == "" {
		return "dev"
	}
	if dirty {
		return shortRev(revision) + "-dirty"
	}
	return shortRev(revision)
}

func shortRev(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}
