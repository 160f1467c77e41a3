package version

// Version holds the application version. It is overridden at build time via:
//   -ldflags "-X github.com/labgrid-project/labgrid-go/internal/version.Version=vX.Y.Z"
// Default is "dev" when not set (e.g., local builds without tags).
var Version = "dev"

// GitCommit and BuildTime are stamped the same way by the build driver.
var (
	GitCommit = "unknown"
	BuildTime = "unknown"
)
