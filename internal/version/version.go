package version

// Set at build time with -ldflags.
var (
	Version   = "dev"
	Built     = ""
	GitCommit = ""
)

// String renders the version line printed by --version.
func String(binary string) string {
	line := binary + " " + Version
	if GitCommit != "" {
		line += " (" + GitCommit + ")"
	}
	if Built != "" {
		line += " built " + Built
	}
	return line
}
