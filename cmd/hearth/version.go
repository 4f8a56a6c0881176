package main

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

const (
	Name    = "Hearth"
	URL     = "https://github.com/mau-fi/hearth"
	Version = "0.1.0"
)

var (
	BuildTime string
	Commit    string
	Tag       string

	ParsedBuildTime    time.Time
	VersionWithCommit  string
	VersionDescription string
)

func initVersion() {
	Tag = strings.TrimPrefix(Tag, "v")
	if Tag != Version {
		suffix := ""
		if !strings.HasSuffix(Version, "+dev") {
			suffix = "+dev"
		}
		if len(Commit) > 8 {
			VersionWithCommit = fmt.Sprintf("%s%s.%s", Version, suffix, Commit[:8])
		} else {
			VersionWithCommit = fmt.Sprintf("%s%s.unknown", Version, suffix)
		}
	} else {
		VersionWithCommit = Version
	}
	if BuildTime != "" {
		ParsedBuildTime, _ = time.Parse(time.RFC3339, BuildTime)
	}
	var builtWith string
	if ParsedBuildTime.IsZero() {
		builtWith = runtime.Version()
	} else {
		builtWith = fmt.Sprintf("built at %s with %s", ParsedBuildTime.Format(time.RFC1123), runtime.Version())
	}
	VersionDescription = fmt.Sprintf("%s %s (%s)", Name, VersionWithCommit, builtWith)
}
