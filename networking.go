package scopesim

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lorenzosaino/go-sysctl"
)

// wmemMaxKey is the kernel limit on socket send buffers.
const wmemMaxKey = "net.core.wmem_max"

// socketBufferLimit returns the kernel's maximum socket send buffer, in bytes.
func socketBufferLimit() (int, error) {
	value, err := sysctl.Get(wmemMaxKey)
	if err != nil {
		return 0, fmt.Errorf("could not read %s: %w", wmemMaxKey, err)
	}
	limit, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("could not parse %s=%q: %w", wmemMaxKey, value, err)
	}
	return limit, nil
}

// checkSocketBuffer returns an error if the kernel would not let a socket
// buffer hold a message of msgBytes. Where the limit cannot be read (not
// Linux, say) there is nothing to check and it returns nil.
func checkSocketBuffer(msgBytes int) error {
	limit, err := socketBufferLimit()
	if err != nil {
		return nil
	}
	if limit < msgBytes {
		return fmt.Errorf("%s=%d bytes is smaller than one %d-byte trace message; "+
			"consider `sysctl -w %s=%d`", wmemMaxKey, limit, msgBytes, wmemMaxKey, 2*msgBytes)
	}
	return nil
}
