package cli

import (
	"flag"
	"fmt"
	"io"

	"maestro/internal/version"
)

// Common holds the flags every maestro binary carries.
type Common struct {
	Help        bool
	ShowVersion bool
}

// AddCommon registers help and version flags, with single-letter
// aliases, on a flag set.
func AddCommon(fs *flag.FlagSet) *Common {
	common := &Common{}
	fs.BoolVar(&common.Help, "help", false, "Show help")
	fs.BoolVar(&common.Help, "h", false, "Show help")
	fs.BoolVar(&common.ShowVersion, "version", false, "Print version and exit")
	fs.BoolVar(&common.ShowVersion, "v", false, "Print version and exit")
	return common
}

// Handle prints help or the version line when either flag is set.
// Returns true when the caller should exit.
func (c *Common) Handle(fs *flag.FlagSet, binary string, out io.Writer) bool {
	if c.Help {
		fs.Usage()
		return true
	}
	if c.ShowVersion {
		fmt.Fprintln(out, version.String(binary))
		return true
	}
	return false
}
