package version

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGet(t *testing.T) {
	assert.Equal(t, "0.1.0", Get())
}

func TestLong(t *testing.T) {
	long := Long()
	assert.Contains(t, long, Get())
	assert.Contains(t, long, runtime.GOOS+"/"+runtime.GOARCH)
}
