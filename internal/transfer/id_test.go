package transfer

import (
	"regexp"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewTransferID_Format(t *testing.T) {
	require.Regexp(t, regexp.MustCompile(`^xfer-\d+-[0-9a-f]{12}$`), NewTransferID())
}

func TestNewTransferID_ConcurrentUnique(t *testing.T) {
	const n = 100
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i] = NewTransferID()
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for _, id := range ids {
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}
