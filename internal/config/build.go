package config

// Linker-injected build metadata, for example:
//
//	go build -ldflags "-X gelfrelay/internal/config.version=1.2.3 \
//	    -X gelfrelay/internal/config.commit=$(git rev-parse --short HEAD) \
//	    -X gelfrelay/internal/config.buildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// NewBuildInfo constructs a BuildInfo from the linker-injected variables.
func NewBuildInfo() BuildInfo {
	return BuildInfo{
		Version:   version,
		Commit:    commit,
		BuildTime: buildTime,
	}
}

// String formats the build info for --version output.
func (b BuildInfo) String() string {
	return b.Version + " (commit " + b.Commit + ", built " + b.BuildTime + ")"
}
