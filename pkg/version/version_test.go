package version_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Sumatoshi-tech/rdlserve/pkg/version"
)

func TestString(t *testing.T) {
	t.Parallel()

	assert.Contains(t, version.String(), version.Version)
	assert.Contains(t, version.String(), "commit: ")
}

func TestInitBinaryVersion_KeepsLinkerValues(t *testing.T) {
	version.Commit = "abc123"
	t.Cleanup(func() { version.Commit = "unknown" })

	version.InitBinaryVersion()

	assert.Equal(t, "abc123", version.Commit)
}
