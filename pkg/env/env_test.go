package env

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadEnv(t *testing.T) {
	req := require.New(t)
	path := filepath.Join(t.TempDir(), ".env")
	req.NoError(os.WriteFile(path, []byte("XFERD_TEST_ENDPOINT=localhost:7070\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("XFERD_TEST_ENDPOINT") })

	LoadEnv(path)

	req.Equal("localhost:7070", GetEnv("XFERD_TEST_ENDPOINT", "fallback"))
	req.Equal("fallback", GetEnv("XFERD_TEST_UNSET", "fallback"))
}
