package internal

import "runtime/debug"

// Version is the current release of staypresence.
const Version = "0.3.0"

// CommitHash reports the VCS revision embedded by the Go toolchain.
func CommitHash() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" {
				return setting.Value
			}
		}
		return info.Main.Version
	}
	return "unknown"
}
