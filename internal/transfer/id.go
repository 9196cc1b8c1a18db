package transfer

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewTransferID returns an id of the form xfer-<unix nanos>-<random hex>.
// The id stays the same across resumes of one transfer.
func NewTransferID() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("xfer-%d-%s", time.Now().UnixNano(), suffix)
}
