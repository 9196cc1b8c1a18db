package transfer

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/xferd/internal/checksum"
	"github.com/jaywantadh/xferd/internal/chunker"
	"github.com/jaywantadh/xferd/internal/metadata"
	"github.com/jaywantadh/xferd/internal/transport"
	"github.com/jaywantadh/xferd/pkg/logging"
)

// Options tune a single transfer. The zero value is usable.
type Options struct {
	// ChunkSize defaults to chunker.DefaultChunkSize. The receiver may lower it.
	ChunkSize int64
	// MaxChunkRetries is how often a rejected chunk is resent. 0 means the default.
	MaxChunkRetries int
	// DigestAlgorithm names the per-chunk and whole-file digest, blake3 by default.
	DigestAlgorithm string
	// Compress offers lz4 chunk encoding to the receiver.
	Compress bool

	OnProgress func(ProgressSnapshot)
	OnComplete func(TransferResult)
	OnError    func(*TransferError)
}

// Journal records transfers so they can be listed and resumed later.
type Journal interface {
	PutTransfer(rec metadata.TransferRecord) error
}

// Client runs transfers over one multiplexed transport, one stream per transfer.
type Client struct {
	transport transport.Transport
	registry  *Registry
	journal   Journal
	log       *logrus.Entry
	now       func() time.Time

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// ClientOption configures a Client.
type ClientOption func(*Client)

func WithJournal(j Journal) ClientOption {
	return func(c *Client) { c.journal = j }
}

func WithLogger(log *logrus.Entry) ClientOption {
	return func(c *Client) { c.log = log }
}

// WithClientClock replaces time.Now for durations and throughput.
func WithClientClock(now func() time.Time) ClientOption {
	return func(c *Client) { c.now = now }
}

// NewClient creates a client on top of an established transport.
func NewClient(t transport.Transport, opts ...ClientOption) *Client {
	c := &Client{
		transport: t,
		registry:  NewRegistry(),
		log:       logging.Log.WithField("component", "transfer"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial creates a client for the daemon at endpoint over gRPC.
func Dial(ctx context.Context, endpoint string, opts ...ClientOption) (*Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, err := transport.DialGRPC(endpoint)
	if err != nil {
		return nil, err
	}
	return NewClient(t, opts...), nil
}

// UploadFile sends the file at path and blocks until it is verified or fails.
func (c *Client) UploadFile(ctx context.Context, path string, opts Options) (*TransferResult, error) {
	return c.uploadPath(ctx, NewTransferID(), path, opts, false)
}

// ResumeUpload continues an interrupted transfer of path under its original id.
func (c *Client) ResumeUpload(ctx context.Context, transferID, path string, opts Options) (*TransferResult, error) {
	return c.uploadPath(ctx, transferID, path, opts, true)
}

func (c *Client) uploadPath(ctx context.Context, id, path string, opts Options, resume bool) (*TransferResult, error) {
	src, err := OpenFile(path)
	if err != nil {
		return nil, c.fail(opts, newError(id, KindNetworkError, err))
	}
	defer src.Close()

	up, err := c.start(ctx, id, path, filepath.Base(path), src, opts, resume)
	if err != nil {
		return nil, err
	}
	return up.Wait()
}

// StartUpload begins sending src under name and returns immediately.
func (c *Client) StartUpload(ctx context.Context, name string, src Source, opts Options) (*Upload, error) {
	return c.start(ctx, NewTransferID(), "", name, src, opts, false)
}

// StartResume begins resuming transferID from src and returns immediately.
func (c *Client) StartResume(ctx context.Context, transferID, name string, src Source, opts Options) (*Upload, error) {
	return c.start(ctx, transferID, "", name, src, opts, true)
}

// start reports every failure to set up the transfer through OnError, the
// same way as a failure of the running session.
func (c *Client) start(ctx context.Context, id, path, name string, src Source, opts Options, resume bool) (*Upload, error) {
	up, terr := c.launch(ctx, id, path, name, src, opts, resume)
	if terr != nil {
		return nil, c.fail(opts, terr)
	}
	return up, nil
}

func (c *Client) launch(ctx context.Context, id, path, name string, src Source, opts Options, resume bool) (*Upload, *TransferError) {
	cfg, terr := c.sessionConfig(id, name, src, opts, resume)
	if terr != nil {
		return nil, terr
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, newError(id, KindTransferFailed, ErrClientClosed)
	}
	if _, live := c.registry.Get(id); live {
		return nil, newError(id, KindTransferFailed, ErrAlreadyActive)
	}

	stream, err := c.transport.OpenStream(ctx)
	if err != nil {
		return nil, newErrorf(id, KindNetworkError, err, "failed to open transfer stream")
	}
	up := newUpload(opts)
	s := newSession(ctx, stream, cfg, c.log, up.progress)
	up.session = s
	if err := c.registry.Add(s); err != nil {
		stream.Close()
		return nil, newError(id, KindTransferFailed, err)
	}

	c.record(s, path, nil)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		res, err := s.Run()
		c.registry.Remove(s)
		// a resume under the same id may already own the journal entry
		if cur, ok := c.registry.Get(s.ID()); !ok || cur == s {
			c.record(s, path, err)
		}
		up.finish(res, err)
	}()
	return up, nil
}

func (c *Client) fail(opts Options, terr *TransferError) *TransferError {
	if opts.OnError != nil {
		opts.OnError(terr)
	}
	return terr
}

func (c *Client) sessionConfig(id, name string, src Source, opts Options, resume bool) (sessionConfig, *TransferError) {
	algo, ok := checksum.GetAlgorithm(opts.DigestAlgorithm)
	if !ok {
		return sessionConfig{}, newError(id, KindTransferFailed,
			fmt.Errorf("unsupported digest algorithm %q", opts.DigestAlgorithm))
	}
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = chunker.DefaultChunkSize
	}
	retries := opts.MaxChunkRetries
	if retries <= 0 {
		retries = DefaultMaxChunkRetries
	}
	return sessionConfig{
		id:         id,
		fileName:   name,
		src:        src,
		chunkSize:  chunkSize,
		maxRetries: retries,
		algo:       algo,
		compress:   opts.Compress,
		resume:     resume,
		now:        c.now,
	}, nil
}

// record writes the session's current state to the journal, if any.
func (c *Client) record(s *Session, path string, runErr error) {
	if c.journal == nil {
		return
	}
	rec := metadata.TransferRecord{
		TransferID:      s.ID(),
		Path:            path,
		FileName:        s.FileName(),
		FileSize:        s.cfg.src.Size(),
		ChunkSize:       s.cfg.chunkSize,
		DigestAlgorithm: string(s.cfg.algo),
		State:           s.State().String(),
	}
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	if err := c.journal.PutTransfer(rec); err != nil {
		c.log.WithError(err).WithField("transfer_id", s.ID()).Warn("Failed to update transfer journal")
	}
}

// CancelTransfer stops a running transfer and forgets it at once, so the id
// can be resumed right away. The transfer's own error outcome reports the
// cancellation.
func (c *Client) CancelTransfer(id string) error {
	if c.isClosed() {
		return ErrClientClosed
	}
	s, ok := c.registry.Get(id)
	if !ok {
		return newError(id, KindNotFound, ErrTransferNotFound)
	}
	c.registry.Remove(s)
	s.Cancel()
	return nil
}

// GetProgress returns the progress of a live transfer. ok is false for unknown ids.
func (c *Client) GetProgress(id string) (snap ProgressSnapshot, ok bool) {
	s, ok := c.registry.Get(id)
	if !ok {
		return ProgressSnapshot{}, false
	}
	return s.Progress(), true
}

// ActiveTransfers lists the ids of running transfers.
func (c *Client) ActiveTransfers() []string {
	return c.registry.IDs()
}

// Close cancels every running transfer, waits for them and closes the transport.
// Calling Close again is a no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	for _, s := range c.registry.Drain() {
		s.Cancel()
	}
	c.wg.Wait()
	return c.transport.Close()
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
