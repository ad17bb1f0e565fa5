//go:build !statsview

package statsview

import (
	"fmt"
	"io"
)

// Launch reports that this build has no stats server.
func Launch(output io.Writer, port int) {
	fmt.Fprintln(output, "stats server not available: rebuild with -tags statsview")
}

// Available returns true if a statsview is available to launch.
func Available() bool {
	return false
}
