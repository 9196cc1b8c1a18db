package transfer

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jaywantadh/xferd/internal/transport"
)

// fakeDaemon is a scripted receiver for driving sessions through each protocol branch.
type fakeDaemon struct {
	rejectInit   bool
	initError    string
	maxChunkSize uint32
	compression  []string

	resumable   bool
	received    []uint32
	missing     []uint32
	chunkSize   int64
	notVerified bool
	savedPath   string
	// answer FinalVerify with only verified and saved_path set
	bareVerify bool
	// reply to TransferComplete with an Error instead of FinalVerify
	completeError string

	// chunk index -> how many times it is nacked before being accepted
	nacks map[uint32]int
	// ack the wrong index
	misack bool
	// close the stream after this many chunks, 0 disables
	dropAfter int
	// chunkSeen is signalled once for the first chunk; the ack waits for release
	chunkSeen chan struct{}
	release   chan struct{}

	mu     sync.Mutex
	chunks []*ChunkData
	inits  []*TransferInit
	aborts int
}

func (d *fakeDaemon) sent() []uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx := make([]uint32, len(d.chunks))
	for i, c := range d.chunks {
		idx[i] = c.Index
	}
	return idx
}

func (d *fakeDaemon) abortCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.aborts
}

func (d *fakeDaemon) reply(stream transport.Stream, msg Message) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}
	return stream.Send(frame)
}

func (d *fakeDaemon) handle(_ context.Context, stream transport.Stream) error {
	for {
		frame, err := stream.Recv()
		if err != nil {
			return nil
		}
		msg, err := Decode(frame)
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case *TransferInit:
			d.mu.Lock()
			d.inits = append(d.inits, m)
			d.mu.Unlock()
			if d.initError != "" {
				return d.reply(stream, &ErrorMessage{Header: NewHeader(m.TransferID), ErrorType: "storage_error", ErrorMessage: d.initError})
			}
			_ = d.reply(stream, &TransferAccept{
				Header:          NewHeader(m.TransferID),
				Accepted:        !d.rejectInit,
				ResumeSupported: true,
				MaxChunkSize:    d.maxChunkSize,
				Compression:     d.compression,
			})
		case *ResumeRequest:
			_ = d.reply(stream, &ResumeStatus{
				Header:         NewHeader(m.TransferID),
				Resumable:      d.resumable,
				ReceivedChunks: d.received,
				MissingChunks:  d.missing,
				ReceivedBytes:  int64(len(d.received)) * d.chunkSize,
				ChunkSize:      d.chunkSize,
				Compression:    d.compression,
			})
		case *ChunkData:
			d.mu.Lock()
			m.Payload = append([]byte(nil), m.Payload...)
			d.chunks = append(d.chunks, m)
			count := len(d.chunks)
			nacked := d.nacks[m.Index] > 0
			if nacked {
				d.nacks[m.Index]--
			}
			d.mu.Unlock()

			if d.dropAfter > 0 && count > d.dropAfter {
				return nil
			}
			if d.chunkSeen != nil && count == 1 {
				close(d.chunkSeen)
				<-d.release
			}
			index := m.Index
			if d.misack {
				index++
			}
			_ = d.reply(stream, &ChunkAck{Header: NewHeader(m.TransferID), Index: index, Received: true, HashValid: !nacked})
		case *TransferComplete:
			if d.completeError != "" {
				_ = d.reply(stream, &ErrorMessage{Header: NewHeader(m.TransferID), ErrorType: "storage_error", ErrorMessage: d.completeError})
				return nil
			}
			fv := &FinalVerify{Header: NewHeader(m.TransferID), Verified: !d.notVerified, SavedPath: d.savedPath}
			if !d.bareVerify {
				fv.ReceivedChunks = m.TotalChunks
				fv.ReceivedBytes = m.TotalBytes
			}
			_ = d.reply(stream, fv)
			return nil
		case *TransferAbort:
			d.mu.Lock()
			d.aborts++
			d.mu.Unlock()
		}
	}
}

func newFakeClient(t *testing.T, d *fakeDaemon, opts ...ClientOption) *Client {
	t.Helper()
	c := NewClient(transport.NewMemoryTransport(d.handle), opts...)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func writeTempFile(t *testing.T, name string, size int) string {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte('a' + i%26)
	}
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}
