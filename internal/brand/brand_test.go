package brand

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGet(t *testing.T) {
	b := Get()
	assert.NotEmpty(t, b.Name)
	assert.Equal(t, Name, b.Name)
	assert.NotEmpty(t, Version)
}

func TestAnchorsNested(t *testing.T) {
	// The stock pf.conf only evaluates com.apple/* sub-anchors.
	assert.True(t, strings.HasPrefix(PFAnchor, "com.apple/"))
	assert.True(t, strings.HasPrefix(NatPmpAnchor, "com.apple/"))
	assert.NotEqual(t, PFAnchor, NatPmpAnchor)
}

func TestGetConfigDir(t *testing.T) {
	t.Setenv(ConfigEnvPrefix+"_CONFIG_DIR", "/tmp/custom")
	assert.Equal(t, "/tmp/custom", GetConfigDir())
	assert.Equal(t, filepath.Join("/tmp/custom", ConfigFileName), DefaultConfigPath())

	t.Setenv(ConfigEnvPrefix+"_CONFIG_DIR", "")
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	assert.Equal(t, filepath.Join("/tmp/xdg", "tunshare"), GetConfigDir())
}
