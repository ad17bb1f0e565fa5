//go:build !statsview

package statsview

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStub(t *testing.T) {
	assert.False(t, Available())
	var out bytes.Buffer
	Launch(&out, 5610)
	assert.Contains(t, out.String(), "-tags statsview")
}
