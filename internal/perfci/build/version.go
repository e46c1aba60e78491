// Package build holds version information injected at link time, e.g.
// -ldflags "-X github.com/perfci/perfci/internal/perfci/build.ReleaseVersion=v1.2.3".
package build

import (
	"fmt"
	"io"
	"runtime"
	"text/tabwriter"
)

var (
	ReleaseVersion = "UNKNOWN"
	GitCommit      = "UNKNOWN"
	BuildTime      = "UNKNOWN"
	GoVersion      = runtime.Version()
)

// PrintVersion writes build information to out.
func PrintVersion(out io.Writer) error {
	w := tabwriter.NewWriter(out, 1, 1, 1, ' ', 0)
	fmt.Fprintf(w, "Version:\t%s\n", ReleaseVersion)
	fmt.Fprintf(w, "Commit:\t%s\n", GitCommit)
	fmt.Fprintf(w, "Go version:\t%s\n", GoVersion)
	fmt.Fprintf(w, "Built:\t%s\n", BuildTime)
	return w.Flush()
}
