package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/jaywantadh/xferd/config"
	"github.com/jaywantadh/xferd/internal/metadata"
	"github.com/jaywantadh/xferd/internal/transfer"
	"github.com/jaywantadh/xferd/pkg/logging"
)

func transferFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "endpoint", Aliases: []string{"e"}, Usage: "daemon address (host:port)"},
		&cli.Int64Flag{Name: "chunk-size", Usage: "chunk size in bytes"},
		&cli.StringFlag{Name: "digest", Usage: "digest algorithm: blake3, blake2b256 or sha256"},
		&cli.BoolFlag{Name: "compress", Usage: "offer lz4 chunk compression"},
		&cli.BoolFlag{Name: "quiet", Aliases: []string{"q"}, Usage: "do not print progress"},
	}
}

func uploadCommand() *cli.Command {
	return &cli.Command{
		Name:      "upload",
		Aliases:   []string{"u"},
		Usage:     "Upload one or more files to the daemon",
		ArgsUsage: "FILE...",
		Flags: append(transferFlags(),
			&cli.IntFlag{Name: "parallel", Aliases: []string{"p"}, Usage: "files uploaded at once"},
		),
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return cli.Exit("no files given", 1)
			}
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			client, journal, err := openClient(ctx, c)
			if err != nil {
				return err
			}
			defer journal.Close()
			defer client.Close()

			parallel := c.Int("parallel")
			if parallel <= 0 {
				parallel = config.Config.Client.Parallelism
			}
			printer := newProgressPrinter(c.Bool("quiet"))
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(parallel)
			for _, path := range c.Args().Slice() {
				g.Go(func() error {
					res, err := client.UploadFile(gctx, path, transferOptions(c, printer))
					if err != nil {
						return fmt.Errorf("%s: %w", path, err)
					}
					printer.done(res)
					return nil
				})
			}
			return g.Wait()
		},
	}
}

func resumeCommand() *cli.Command {
	return &cli.Command{
		Name:      "resume",
		Usage:     "Resume an interrupted upload from the journal",
		ArgsUsage: "TRANSFER-ID",
		Flags: append(transferFlags(),
			&cli.StringFlag{Name: "path", Usage: "read the file from here instead of the journalled path"},
		),
		Action: func(c *cli.Context) error {
			id := c.Args().First()
			if id == "" {
				return cli.Exit("no transfer id given", 1)
			}
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			client, journal, err := openClient(ctx, c)
			if err != nil {
				return err
			}
			defer journal.Close()
			defer client.Close()

			rec, err := journal.GetTransfer(id)
			if err != nil {
				return fmt.Errorf("transfer %s is not in the journal: %w", id, err)
			}
			path := rec.Path
			if c.IsSet("path") {
				path = c.String("path")
			}
			printer := newProgressPrinter(c.Bool("quiet"))
			opts := transferOptions(c, printer)
			if !c.IsSet("digest") {
				opts.DigestAlgorithm = rec.DigestAlgorithm
			}
			if !c.IsSet("chunk-size") {
				opts.ChunkSize = rec.ChunkSize
			}
			res, err := client.ResumeUpload(ctx, id, path, opts)
			if err != nil {
				return err
			}
			printer.done(res)
			return nil
		},
	}
}

func listCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List journalled transfers",
		Action: func(c *cli.Context) error {
			journal, err := metadata.OpenStore(config.Config.Client.JournalPath)
			if err != nil {
				return err
			}
			defer journal.Close()

			recs, err := journal.ListTransfers()
			if err != nil {
				return err
			}
			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Transfer ID", "File", "Size", "State", "Updated"})
			for _, rec := range recs {
				table.Append([]string{
					rec.TransferID,
					rec.FileName,
					humanize.IBytes(uint64(rec.FileSize)),
					rec.State,
					humanize.Time(time.Unix(rec.UpdatedAt, 0)),
				})
			}
			table.Render()
			return nil
		},
	}
}

func openClient(ctx context.Context, c *cli.Context) (*transfer.Client, *metadata.Store, error) {
	journal, err := metadata.OpenStore(config.Config.Client.JournalPath)
	if err != nil {
		return nil, nil, err
	}
	endpoint := config.Config.Client.Endpoint
	if c.IsSet("endpoint") {
		endpoint = c.String("endpoint")
	}
	client, err := transfer.Dial(ctx, endpoint,
		transfer.WithJournal(journal),
		transfer.WithLogger(logging.Component("client")),
	)
	if err != nil {
		journal.Close()
		return nil, nil, err
	}
	return client, journal, nil
}

func transferOptions(c *cli.Context, printer *progressPrinter) transfer.Options {
	cfg := config.Config.Client
	opts := transfer.Options{
		ChunkSize:       cfg.ChunkSize,
		MaxChunkRetries: cfg.MaxChunkRetries,
		DigestAlgorithm: cfg.DigestAlgorithm,
		Compress:        cfg.Compress,
		OnProgress:      printer.progress,
	}
	if c.IsSet("chunk-size") {
		opts.ChunkSize = c.Int64("chunk-size")
	}
	if c.IsSet("digest") {
		opts.DigestAlgorithm = c.String("digest")
	}
	if c.IsSet("compress") {
		opts.Compress = c.Bool("compress")
	}
	return opts
}

// progressPrinter writes at most one line per transfer per interval.
type progressPrinter struct {
	quiet bool
	mu    sync.Mutex
	last  map[string]time.Time
}

func newProgressPrinter(quiet bool) *progressPrinter {
	return &progressPrinter{quiet: quiet, last: make(map[string]time.Time)}
}

func (p *progressPrinter) progress(snap transfer.ProgressSnapshot) {
	if p.quiet {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if time.Since(p.last[snap.TransferID]) < 500*time.Millisecond && snap.Percentage < 100 {
		return
	}
	p.last[snap.TransferID] = time.Now()

	speed, eta := "-", "-"
	if !math.IsInf(snap.SpeedBytesPerSec, 0) {
		speed = humanize.IBytes(uint64(snap.SpeedBytesPerSec)) + "/s"
	}
	if !math.IsInf(snap.ETASeconds, 0) {
		eta = (time.Duration(snap.ETASeconds) * time.Second).String()
	}
	fmt.Fprintf(os.Stderr, "%s %5.1f%% %s/%s %s eta %s\n",
		snap.FileName, snap.Percentage,
		humanize.IBytes(uint64(snap.TransferredBytes)), humanize.IBytes(uint64(snap.TotalBytes)),
		speed, eta)
}

func (p *progressPrinter) done(res *transfer.TransferResult) {
	fmt.Printf("%s -> %s (%s in %s, %s/s) [%s]\n",
		res.FileName, res.SavedPath,
		humanize.IBytes(uint64(res.FileSize)),
		time.Duration(res.DurationMs)*time.Millisecond,
		humanize.IBytes(uint64(res.AverageSpeedBytesPerSec)),
		res.TransferID)
}
