package transfer

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jaywantadh/xferd/internal/chunker"
	"github.com/jaywantadh/xferd/internal/compressor"
	"github.com/jaywantadh/xferd/internal/metadata"
	"github.com/jaywantadh/xferd/pkg/logging"
)

type callbacks struct {
	mu        sync.Mutex
	progress  []ProgressSnapshot
	completed []TransferResult
	failed    []*TransferError
}

func (c *callbacks) options(base Options) Options {
	base.OnProgress = func(p ProgressSnapshot) {
		c.mu.Lock()
		c.progress = append(c.progress, p)
		c.mu.Unlock()
	}
	base.OnComplete = func(r TransferResult) {
		c.mu.Lock()
		c.completed = append(c.completed, r)
		c.mu.Unlock()
	}
	base.OnError = func(e *TransferError) {
		c.mu.Lock()
		c.failed = append(c.failed, e)
		c.mu.Unlock()
	}
	return base
}

func TestSession_HappyPath(t *testing.T) {
	req := require.New(t)
	d := &fakeDaemon{savedPath: "/tmp/test.txt"}
	client := newFakeClient(t, d)
	path := writeTempFile(t, "test.txt", 1024)
	cb := &callbacks{}

	// When a small file is uploaded
	res, err := client.UploadFile(context.Background(), path, cb.options(Options{}))

	// Then it completes with the receiver's saved path
	req.NoError(err)
	req.Equal("/tmp/test.txt", res.SavedPath)
	req.Equal(int64(1024), res.FileSize)
	req.Equal("test.txt", res.FileName)
	req.True(strings.HasPrefix(res.TransferID, "xfer-"))
	req.Equal([]uint32{0}, d.sent())
	req.Len(cb.completed, 1)
	req.Empty(cb.failed)
	req.Equal(*res, cb.completed[0])
	req.Empty(client.ActiveTransfers())

	// And the init describes the file
	req.Len(d.inits, 1)
	req.Equal(int64(1024), d.inits[0].FileSize)
	req.Equal(chunker.DefaultChunkSize, d.inits[0].ProposedChunkSize)
	req.Equal("blake3", d.inits[0].DigestAlgorithm)
	req.NotEmpty(d.inits[0].FileDigest)
	req.NotEmpty(d.inits[0].MimeType)
}

func TestSession_Rejected(t *testing.T) {
	req := require.New(t)
	d := &fakeDaemon{rejectInit: true}
	client := newFakeClient(t, d)
	cb := &callbacks{}

	_, err := client.UploadFile(context.Background(), writeTempFile(t, "f.bin", 10), cb.options(Options{}))

	req.ErrorIs(err, ErrRejected)
	req.Equal(KindTransferFailed, KindOf(err))
	req.Equal("Transfer rejected by server", err.Error())
	req.Len(cb.failed, 1)
	req.Empty(cb.completed)
	req.Empty(d.sent())
}

func TestSession_VerificationFailed(t *testing.T) {
	req := require.New(t)
	d := &fakeDaemon{notVerified: true}
	client := newFakeClient(t, d)

	_, err := client.UploadFile(context.Background(), writeTempFile(t, "f.bin", 300), Options{ChunkSize: 100})

	req.ErrorIs(err, ErrVerificationFailed)
	req.Equal(KindVerificationFailed, KindOf(err))
	req.Equal("File verification failed", err.Error())
	req.Equal([]uint32{0, 1, 2}, d.sent())
}

func TestSession_ChunkSizeCappedByReceiver(t *testing.T) {
	req := require.New(t)
	d := &fakeDaemon{maxChunkSize: 256}
	client := newFakeClient(t, d)

	_, err := client.UploadFile(context.Background(), writeTempFile(t, "f.bin", 1000), Options{ChunkSize: 512})

	req.NoError(err)
	req.Equal([]uint32{0, 1, 2, 3}, d.sent())
	req.Equal(int64(1000-3*256), d.chunks[3].Length)
}

func TestSession_ResumeSendsOnlyMissing(t *testing.T) {
	req := require.New(t)
	d := &fakeDaemon{
		resumable: true,
		received:  []uint32{0, 1, 2, 3, 4, 5, 6},
		missing:   []uint32{7, 8, 9},
		chunkSize: 100,
		savedPath: "/tmp/resumed.bin",
	}
	client := newFakeClient(t, d)
	path := writeTempFile(t, "resumed.bin", 1000)
	cb := &callbacks{}

	// When an interrupted transfer is resumed under its original id
	res, err := client.ResumeUpload(context.Background(), "xfer-123-resume", path, cb.options(Options{ChunkSize: 100}))

	// Then only the three missing chunks travel and the id is kept
	req.NoError(err)
	req.Equal("xfer-123-resume", res.TransferID)
	req.Equal([]uint32{7, 8, 9}, d.sent())
	req.Len(cb.progress, 3)
	req.InDelta(80.0, cb.progress[0].Percentage, 1e-9)
	req.Equal(100.0, cb.progress[2].Percentage)
}

func TestSession_ResumeNormalizesMissingList(t *testing.T) {
	req := require.New(t)
	d := &fakeDaemon{
		resumable: true,
		received:  []uint32{0, 2},
		missing:   []uint32{3, 1, 3, 42},
		chunkSize: 10,
	}
	client := newFakeClient(t, d)

	// the local chunk size differs, the receiver's wins
	_, err := client.ResumeUpload(context.Background(), "xfer-1-x", writeTempFile(t, "f.bin", 40), Options{ChunkSize: 4})

	req.NoError(err)
	req.Equal([]uint32{1, 3}, d.sent())
	req.Equal(int64(10), d.chunks[0].Length)
}

func TestSession_ResumeNothingMissing(t *testing.T) {
	req := require.New(t)
	d := &fakeDaemon{resumable: true, received: []uint32{0, 1}, chunkSize: 5}
	client := newFakeClient(t, d)

	res, err := client.ResumeUpload(context.Background(), "xfer-1-y", writeTempFile(t, "f.bin", 10), Options{})

	req.NoError(err)
	req.Empty(d.sent())
	req.Equal(int64(10), res.FileSize)
}

func TestSession_ResumeRejected(t *testing.T) {
	req := require.New(t)
	d := &fakeDaemon{resumable: false}
	client := newFakeClient(t, d)
	cb := &callbacks{}

	_, err := client.ResumeUpload(context.Background(), "xfer-gone", writeTempFile(t, "f.bin", 10), cb.options(Options{}))

	req.ErrorIs(err, ErrNotResumable)
	req.Equal(KindResumeFailed, KindOf(err))
	req.Equal("Transfer cannot be resumed", err.Error())
	req.Len(cb.failed, 1)
	req.Equal("xfer-gone", cb.failed[0].TransferID)
}

func TestSession_ChunkRetried(t *testing.T) {
	req := require.New(t)
	d := &fakeDaemon{nacks: map[uint32]int{1: 2}}
	client := newFakeClient(t, d)

	_, err := client.UploadFile(context.Background(), writeTempFile(t, "f.bin", 30), Options{ChunkSize: 10})

	req.NoError(err)
	req.Equal([]uint32{0, 1, 1, 1, 2}, d.sent())
}

func TestSession_ChunkRetriesExhausted(t *testing.T) {
	req := require.New(t)
	d := &fakeDaemon{nacks: map[uint32]int{0: 100}}
	client := newFakeClient(t, d)

	_, err := client.UploadFile(context.Background(), writeTempFile(t, "f.bin", 30), Options{ChunkSize: 10, MaxChunkRetries: 2})

	req.Equal(KindTransferFailed, KindOf(err))
	req.Equal([]uint32{0, 0, 0}, d.sent())
}

func TestSession_WrongAckIndex(t *testing.T) {
	req := require.New(t)
	d := &fakeDaemon{misack: true}
	client := newFakeClient(t, d)

	_, err := client.UploadFile(context.Background(), writeTempFile(t, "f.bin", 30), Options{ChunkSize: 10})

	req.Equal(KindNetworkError, KindOf(err))
}

func TestSession_ConnectionLost(t *testing.T) {
	req := require.New(t)
	d := &fakeDaemon{dropAfter: 2}
	client := newFakeClient(t, d)
	cb := &callbacks{}

	_, err := client.UploadFile(context.Background(), writeTempFile(t, "f.bin", 50), cb.options(Options{ChunkSize: 10}))

	req.Equal(KindNetworkError, KindOf(err))
	req.Len(cb.failed, 1)
	req.Len(cb.progress, 2)
	req.Empty(client.ActiveTransfers())
}

func TestSession_DaemonError(t *testing.T) {
	req := require.New(t)
	d := &fakeDaemon{initError: "disk full"}
	client := newFakeClient(t, d)

	_, err := client.UploadFile(context.Background(), writeTempFile(t, "f.bin", 10), Options{})

	req.Equal(KindTransferFailed, KindOf(err))
	req.Equal("disk full", err.Error())
	req.True(IsDaemonError(err))
}

func TestSession_Cancel(t *testing.T) {
	req := require.New(t)
	d := &fakeDaemon{chunkSeen: make(chan struct{}), release: make(chan struct{})}
	client := newFakeClient(t, d)

	// Given an upload stalled waiting for its first ack
	up, err := client.StartUpload(context.Background(), "f.bin", bytes.NewReader(make([]byte, 100)), Options{ChunkSize: 10})
	req.NoError(err)
	<-d.chunkSeen
	req.Equal([]string{up.ID()}, client.ActiveTransfers())

	// When it is cancelled
	req.NoError(client.CancelTransfer(up.ID()))
	_, err = up.Wait()
	close(d.release)

	// Then it fails as cancelled, leaves the registry and tells the receiver
	req.ErrorIs(err, ErrCancelled)
	req.Equal(KindCancelled, KindOf(err))
	req.Empty(client.ActiveTransfers())
	req.NoError(client.Close())
	req.Equal(1, d.abortCount())
}

func TestSession_ProgressMonotonic(t *testing.T) {
	req := require.New(t)
	d := &fakeDaemon{}
	client := newFakeClient(t, d)

	up, err := client.StartUpload(context.Background(), "f.bin", bytes.NewReader(make([]byte, 1000)), Options{ChunkSize: 100})
	req.NoError(err)

	var pcts []float64
	var terminal []EventKind
	for ev := range up.Events() {
		switch ev.Kind {
		case EventProgress:
			pcts = append(pcts, ev.Progress.Percentage)
		default:
			terminal = append(terminal, ev.Kind)
		}
	}

	req.Equal([]EventKind{EventComplete}, terminal)
	req.Len(pcts, 10)
	for i := 1; i < len(pcts); i++ {
		req.GreaterOrEqual(pcts[i], pcts[i-1])
	}
	req.Equal(100.0, pcts[len(pcts)-1])
	res, err := up.Wait()
	req.NoError(err)
	req.Equal(int64(1000), res.FileSize)
}

func TestSession_EmptyFile(t *testing.T) {
	req := require.New(t)
	d := &fakeDaemon{}
	client := newFakeClient(t, d)
	cb := &callbacks{}

	_, err := client.UploadFile(context.Background(), writeTempFile(t, "empty.txt", 0), cb.options(Options{}))

	req.NoError(err)
	req.Equal([]uint32{0}, d.sent())
	req.Zero(d.chunks[0].Length)
	req.Len(cb.progress, 2)
	req.Zero(cb.progress[0].Percentage)
	req.Equal(100.0, cb.progress[1].Percentage)
}

func TestSession_CompressionNegotiated(t *testing.T) {
	req := require.New(t)
	d := &fakeDaemon{compression: []string{compressor.Name}}
	client := newFakeClient(t, d)
	data := bytes.Repeat([]byte("compressible "), 1000)

	up, err := client.StartUpload(context.Background(), "notes.txt", bytes.NewReader(data), Options{Compress: true})
	req.NoError(err)
	_, err = up.Wait()
	req.NoError(err)

	req.Len(d.chunks, 1)
	chunk := d.chunks[0]
	req.Equal(compressor.Name, chunk.Encoding)
	req.Less(len(chunk.Payload), len(data))
	decoded, err := compressor.DecompressChunk(chunk.Payload, chunk.Length)
	req.NoError(err)
	req.Equal(data, decoded)
	req.Equal([]string{compressor.Name}, d.inits[0].Compression)
}

func TestSession_CompressionSkippedForMedia(t *testing.T) {
	req := require.New(t)
	d := &fakeDaemon{compression: []string{compressor.Name}}
	client := newFakeClient(t, d)

	up, err := client.StartUpload(context.Background(), "movie.mp4", bytes.NewReader(make([]byte, 4096)), Options{Compress: true})
	req.NoError(err)
	_, err = up.Wait()
	req.NoError(err)

	req.Empty(d.inits[0].Compression)
	req.Empty(d.chunks[0].Encoding)
}

func TestSession_Journal(t *testing.T) {
	req := require.New(t)
	store, err := metadata.OpenInMemoryStore()
	req.NoError(err)
	defer store.Close()
	d := &fakeDaemon{}
	client := newFakeClient(t, d, WithJournal(store))
	path := writeTempFile(t, "kept.bin", 64)

	res, err := client.UploadFile(context.Background(), path, Options{ChunkSize: 16})
	req.NoError(err)

	rec, err := store.GetTransfer(res.TransferID)
	req.NoError(err)
	req.Equal(path, rec.Path)
	req.Equal("kept.bin", rec.FileName)
	req.Equal(int64(64), rec.FileSize)
	req.Equal(int64(16), rec.ChunkSize)
	req.Equal(StateCompleted.String(), rec.State)
}

func TestSession_StateTransitions(t *testing.T) {
	req := require.New(t)
	d := &fakeDaemon{chunkSeen: make(chan struct{}), release: make(chan struct{})}
	client := newFakeClient(t, d)

	up, err := client.StartUpload(context.Background(), "f.bin", bytes.NewReader(make([]byte, 20)), Options{ChunkSize: 10})
	req.NoError(err)
	<-d.chunkSeen
	req.Equal(StateTransmitting, up.session.State())
	snap, ok := client.GetProgress(up.ID())
	req.True(ok)
	req.Equal(uint32(2), snap.TotalChunks)

	close(d.release)
	_, err = up.Wait()
	req.NoError(err)
	req.Equal(StateCompleted, up.session.State())

	select {
	case <-up.Done():
	case <-time.After(time.Second):
		t.Fatal("upload not done")
	}
}

// tickingClock advances by step on every reading.
type tickingClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

func TestSession_ResultSizeFromLocalFile(t *testing.T) {
	req := require.New(t)
	clock := &tickingClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), step: 100 * time.Millisecond}
	d := &fakeDaemon{savedPath: "/tmp/test.txt", bareVerify: true}
	client := newFakeClient(t, d, WithClientClock(clock.Now))

	// When the receiver confirms with only verified and saved_path
	res, err := client.UploadFile(context.Background(), writeTempFile(t, "test.txt", 1024), Options{})

	// Then size and throughput come from the local file
	req.NoError(err)
	req.Equal("/tmp/test.txt", res.SavedPath)
	req.Equal(int64(1024), res.FileSize)
	req.Positive(res.DurationMs)
	req.Positive(res.AverageSpeedBytesPerSec)
}

// scriptedStream answers each outbound message through reply, ignoring Close.
type scriptedStream struct {
	in    chan []byte
	reply func(Message) Message
}

func (s *scriptedStream) Send(frame []byte) error {
	msg, err := Decode(frame)
	if err != nil {
		return err
	}
	if out := s.reply(msg); out != nil {
		encoded, err := Encode(out)
		if err != nil {
			return err
		}
		s.in <- encoded
	}
	return nil
}

func (s *scriptedStream) Recv() ([]byte, error) { return <-s.in, nil }

func (s *scriptedStream) Close() error { return nil }

func TestSession_FailureKeptWhenCancelledLate(t *testing.T) {
	req := require.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Given a receiver that rejects the file just as the caller cancels
	stream := &scriptedStream{in: make(chan []byte, 4)}
	stream.reply = func(msg Message) Message {
		switch m := msg.(type) {
		case *TransferInit:
			return &TransferAccept{Header: NewHeader(m.TransferID), Accepted: true}
		case *ChunkData:
			return &ChunkAck{Header: NewHeader(m.TransferID), Index: m.Index, Received: true, HashValid: true}
		case *TransferComplete:
			cancel()
			return &FinalVerify{Header: NewHeader(m.TransferID), Verified: false}
		}
		return nil
	}
	s := newSession(ctx, stream, sessionConfig{
		id:         "xfer-late",
		fileName:   "f.txt",
		src:        bytes.NewReader([]byte("abc")),
		chunkSize:  1,
		maxRetries: DefaultMaxChunkRetries,
		algo:       "sha256",
		now:        newFakeClock().Now,
	}, logging.Component("test"), nil)

	// When the session finishes
	_, err := s.Run()

	// Then the receiver's verdict is reported, not the cancellation
	req.ErrorIs(err, ErrVerificationFailed)
	req.Equal(KindVerificationFailed, KindOf(err))
	req.Equal(StateFailed, s.State())
}
