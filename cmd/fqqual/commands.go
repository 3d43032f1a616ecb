package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/grailbio/base/log"

	"github.com/vertti/fqqual/internal/accum"
	"github.com/vertti/fqqual/internal/chunk"
	"github.com/vertti/fqqual/internal/driver"
	"github.com/vertti/fqqual/internal/format"
	"github.com/vertti/fqqual/internal/input"
	"github.com/vertti/fqqual/internal/phred"
	"github.com/vertti/fqqual/internal/remote"
	"github.com/vertti/fqqual/internal/report"
)

const (
	defaultAddr        = ":7878"
	defaultServeChunks = 64
	tokenEnv           = "FQQUAL_TOKEN"
)

// rankEnv lists the rank/size variables set by common launchers, in lookup order.
var rankEnv = [][2]string{
	{"OMPI_COMM_WORLD_RANK", "OMPI_COMM_WORLD_SIZE"},
	{"PMI_RANK", "PMI_SIZE"},
	{"SLURM_PROCID", "SLURM_NTASKS"},
}

func newFlagSet(name string, e *env) *flag.FlagSet {
	fs := flag.NewFlagSet("fqqual "+name, flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	return fs
}

// computeConfig holds the options shared by run and serve.
type computeConfig struct {
	output   string
	phred    string
	encoding phred.Encoding
	chunks   int
	records  int
	inputs   []string
}

func (c *computeConfig) register(fs *flag.FlagSet, defaultChunks int) {
	fs.StringVar(&c.output, "o", "", "output CSV (default: stdout); with several inputs, one file per input named <stem>_<o>")
	fs.StringVar(&c.phred, "phred", "33", "quality encoding: 33, 64 or auto")
	fs.IntVar(&c.chunks, "chunks", defaultChunks, "byte-range chunks to split plain local files into (0: one per worker)")
	fs.IntVar(&c.records, "records", chunk.DefaultRecordsPerChunk, "records per chunk for streamed inputs")
}

func (c *computeConfig) finish(args []string) error {
	enc, err := phred.ParseEncoding(c.phred)
	if err != nil {
		return err
	}
	c.encoding = enc
	if c.records < 1 {
		return fmt.Errorf("-records must be at least 1, got %d", c.records)
	}
	if c.chunks < 0 {
		return fmt.Errorf("-chunks must not be negative, got %d", c.chunks)
	}
	if len(args) == 0 {
		return errors.New("no input files (use - for stdin)")
	}
	c.inputs = args
	return nil
}

func runLocal(ctx context.Context, e *env, args []string) error {
	var cfg computeConfig
	var workers int

	fs := newFlagSet("run", e)
	cfg.register(fs, 0)
	fs.IntVar(&workers, "n", runtime.NumCPU(), "parallel workers")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := cfg.finish(fs.Args()); err != nil {
		return err
	}
	if workers < 1 {
		return fmt.Errorf("-n must be at least 1, got %d", workers)
	}
	if cfg.chunks == 0 {
		cfg.chunks = workers
	}

	results, err := compute(ctx, e, &cfg, &driver.PoolBackend{Workers: workers}, workers*2)
	if err != nil {
		return err
	}
	return writeResults(e, cfg.output, results)
}

func runServe(ctx context.Context, e *env, args []string) error {
	var cfg computeConfig
	var addr, token string
	var attempts int
	var jobTimeout time.Duration

	fs := newFlagSet("serve", e)
	cfg.register(fs, defaultServeChunks)
	fs.StringVar(&addr, "addr", defaultAddr, "address to accept workers on")
	fs.StringVar(&token, "token", e.getenv(tokenEnv), "shared secret workers must present (default: $"+tokenEnv+")")
	fs.IntVar(&attempts, "attempts", remote.DefaultMaxAttempts, "connections a chunk may be lost with before the run fails")
	fs.DurationVar(&jobTimeout, "job-timeout", remote.DefaultJobTimeout, "how long a worker may take on one chunk before it is sent elsewhere")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := cfg.finish(fs.Args()); err != nil {
		return err
	}
	if token == "" {
		return fmt.Errorf("-token (or $%s) is required", tokenEnv)
	}
	if attempts < 1 {
		return fmt.Errorf("-attempts must be at least 1, got %d", attempts)
	}
	if jobTimeout <= 0 {
		return fmt.Errorf("-job-timeout must be positive, got %v", jobTimeout)
	}
	if cfg.chunks == 0 {
		cfg.chunks = defaultServeChunks
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening for workers: %w", err)
	}
	coord := remote.NewCoordinator(ln, token, attempts)
	coord.JobTimeout = jobTimeout

	results, err := compute(ctx, e, &cfg, coord, 4)
	if err != nil {
		return err
	}
	return writeResults(e, cfg.output, results)
}

func runWork(ctx context.Context, e *env, args []string) error {
	var addr, token string
	var workers int

	fs := newFlagSet("work", e)
	fs.StringVar(&addr, "addr", "", "coordinator address (host:port)")
	fs.StringVar(&token, "token", e.getenv(tokenEnv), "shared secret (default: $"+tokenEnv+")")
	fs.IntVar(&workers, "n", runtime.NumCPU(), "concurrent connections")
	if err := fs.Parse(args); err != nil {
		return err
	}
	switch {
	case addr == "":
		return errors.New("-addr is required")
	case token == "":
		return fmt.Errorf("-token (or $%s) is required", tokenEnv)
	case workers < 1:
		return fmt.Errorf("-n must be at least 1, got %d", workers)
	case fs.NArg() > 0:
		return fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return remote.Work(ctx, addr, token, workers)
}

func runChunk(ctx context.Context, e *env, args []string) error {
	var label, encName string
	var seq int

	fs := newFlagSet("chunk", e)
	fs.StringVar(&label, "file", input.Stdin, "input label recorded in the partial")
	fs.IntVar(&seq, "seq", 1, "1-based chunk sequence number (GNU Parallel's {#})")
	fs.StringVar(&encName, "phred", "33", "quality encoding: 33 or 64")
	if err := fs.Parse(args); err != nil {
		return err
	}
	enc, err := explicitEncoding(encName)
	if err != nil {
		return err
	}
	if seq < 1 {
		return fmt.Errorf("-seq must be at least 1, got %d", seq)
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected arguments: %v (chunk reads stdin)", fs.Args())
	}

	opener := &input.Opener{Stdin: e.stdin}
	rc, err := opener.Open(ctx, input.Stdin)
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	acc, err := accum.Aggregate(rc, enc)
	if err != nil {
		return fmt.Errorf("%s chunk %d: %w", label, seq-1, err)
	}
	return format.WritePartial(e.stdout, &format.Partial{File: label, Index: seq - 1, Acc: acc})
}

func runRank(_ context.Context, e *env, args []string) error {
	var output, encName string
	var rank, size int

	fs := newFlagSet("rank", e)
	fs.IntVar(&rank, "rank", -1, "rank of this process (default: from the launcher's environment)")
	fs.IntVar(&size, "size", -1, "number of processes (default: from the launcher's environment)")
	fs.StringVar(&output, "o", "", "partial output (default: stdout)")
	fs.StringVar(&encName, "phred", "33", "quality encoding: 33 or 64")
	if err := fs.Parse(args); err != nil {
		return err
	}
	enc, err := explicitEncoding(encName)
	if err != nil {
		return err
	}
	if rank < 0 || size < 0 {
		if rank, size, err = rankFromEnv(e.getenv, rank, size); err != nil {
			return err
		}
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("rank takes exactly one input, got %d", fs.NArg())
	}
	path := fs.Arg(0)
	if !input.Seekable(path) {
		return fmt.Errorf("%s: rank mode needs a plain local file", path)
	}

	src, err := chunk.NewRankSource(path, rank, size)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	c, err := src.Next()
	if err != nil {
		return err
	}
	acc, err := accum.Aggregate(c.Reader(), enc)
	if err != nil {
		return fmt.Errorf("%s: %w", c, err)
	}
	log.Debug.Printf("%s: %d bytes, %d reads", c, c.Size(), acc.Reads())

	p := &format.Partial{File: path, Index: rank, Total: size, Acc: acc}
	if output == "" || output == input.Stdin {
		return format.WritePartial(e.stdout, p)
	}
	return writeFile(output, func(w io.Writer) error { return format.WritePartial(w, p) })
}

func runCombine(ctx context.Context, e *env, args []string) error {
	var output string
	var expect int

	fs := newFlagSet("combine", e)
	fs.StringVar(&output, "o", "", "output CSV (default: stdout); with several inputs, one file per input named <stem>_<o>")
	fs.IntVar(&expect, "expect", -1, "number of chunks per input; 0 accepts an empty input (default: as recorded by rank, otherwise chunks up to the highest index seen)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if expect < -1 {
		return fmt.Errorf("-expect must not be negative, got %d", expect)
	}
	parts := fs.Args()
	if len(parts) == 0 {
		parts = []string{input.Stdin}
	}

	c := newCombiner(expect)
	opener := &input.Opener{Stdin: e.stdin}
	for _, part := range parts {
		if err := c.readFrom(ctx, opener, part); err != nil {
			return err
		}
	}
	results, err := c.results()
	if err != nil {
		return err
	}
	return writeResults(e, output, results)
}

func explicitEncoding(name string) (phred.Encoding, error) {
	enc, err := phred.ParseEncoding(name)
	if err != nil {
		return 0, err
	}
	if enc == phred.Auto {
		return 0, errors.New("-phred auto is not available for a single chunk; pass 33 or 64")
	}
	return enc, nil
}

// rankFromEnv fills whichever of rank and size is unset from the launcher's
// environment.
func rankFromEnv(getenv func(string) string, rank, size int) (int, int, error) {
	for _, vars := range rankEnv {
		r, s := getenv(vars[0]), getenv(vars[1])
		if r == "" || s == "" {
			continue
		}
		envRank, err := strconv.Atoi(r)
		if err != nil {
			return 0, 0, fmt.Errorf("%s: %w", vars[0], err)
		}
		envSize, err := strconv.Atoi(s)
		if err != nil {
			return 0, 0, fmt.Errorf("%s: %w", vars[1], err)
		}
		if rank < 0 {
			rank = envRank
		}
		if size < 0 {
			size = envSize
		}
		return rank, size, nil
	}
	return 0, 0, errors.New("-rank and -size are required outside an MPI or SLURM launch")
}

// compute splits every input into chunks and runs them through backend.
func compute(ctx context.Context, e *env, cfg *computeConfig, backend driver.Backend, depth int) ([]driver.FileResult, error) {
	src, err := openSources(ctx, e, cfg)
	if err != nil {
		return nil, err
	}
	defer func() { _ = src.Close() }()

	return driver.Run(ctx, cfg.inputs, src, backend, driver.Options{QueueDepth: depth, Encoding: cfg.encoding})
}

// streamSource closes the stream a BatchSource reads from.
type streamSource struct {
	*chunk.BatchSource
	rc io.Closer
}

func (s *streamSource) Close() error { return s.rc.Close() }

// openSources splits plain local files into byte ranges, sharing cfg.chunks
// between them by size, and streams everything else in record batches.
func openSources(ctx context.Context, e *env, cfg *computeConfig) (chunk.Source, error) {
	var seekable []int
	var sizes []int64
	for i, in := range cfg.inputs {
		if input.Seekable(in) {
			seekable = append(seekable, i)
			sizes = append(sizes, input.Size(in))
		}
	}
	plan := chunk.Plan(sizes, cfg.chunks)

	opener := &input.Opener{Stdin: e.stdin}
	sources := make([]chunk.Source, 0, len(cfg.inputs))
	fail := func(err error) (chunk.Source, error) {
		for _, s := range sources {
			_ = s.Close()
		}
		return nil, err
	}

	next := 0
	for i, in := range cfg.inputs {
		if next < len(seekable) && seekable[next] == i {
			s, err := chunk.NewRangeSource(in, plan[next])
			if err != nil {
				return fail(err)
			}
			log.Debug.Printf("%s: %d byte ranges", in, s.Len())
			sources = append(sources, s)
			next++
			continue
		}
		rc, err := opener.Open(ctx, in)
		if err != nil {
			return fail(err)
		}
		sources = append(sources, &streamSource{BatchSource: chunk.NewBatchSource(rc, in, cfg.records), rc: rc})
	}
	return chunk.Multi(sources...), nil
}

// writeResults writes every result once all of them are known. On stdout,
// several inputs are told apart by a label line before each section.
func writeResults(e *env, output string, results []driver.FileResult) error {
	multi := len(results) > 1
	if output == "" || output == input.Stdin {
		for _, r := range results {
			rows := report.Rows(r.Acc)
			var err error
			if multi {
				err = report.WriteSection(e.stdout, r.File, rows)
			} else {
				err = report.WriteCSV(e.stdout, rows)
			}
			if err != nil {
				return fmt.Errorf("writing results: %w", err)
			}
		}
		return nil
	}

	if len(results) == 0 {
		return writeFile(output, func(io.Writer) error { return nil })
	}

	// Every output is created before any is written, so a path that cannot
	// be created leaves no other output behind.
	files := make([]*os.File, 0, len(results))
	discard := func() {
		for _, f := range files {
			_ = f.Close()
			_ = os.Remove(f.Name())
		}
	}
	for _, r := range results {
		path := report.OutputPath(output, r.File, multi)
		f, err := os.Create(path) //nolint:gosec // CLI tool needs to create user-specified files
		if err != nil {
			discard()
			return fmt.Errorf("cannot create output: %w", err)
		}
		files = append(files, f)
	}
	for i, r := range results {
		rows := report.Rows(r.Acc)
		if err := report.WriteCSV(files[i], rows); err != nil {
			discard()
			return fmt.Errorf("writing %s: %w", files[i].Name(), err)
		}
		log.Printf("%s: %d positions written to %s", r.File, len(rows), files[i].Name())
	}
	var closeErr error
	for _, f := range files {
		if err := f.Close(); err != nil && closeErr == nil {
			closeErr = fmt.Errorf("writing %s: %w", f.Name(), err)
		}
	}
	if closeErr != nil {
		for _, f := range files {
			_ = os.Remove(f.Name())
		}
	}
	return closeErr
}

func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path) //nolint:gosec // CLI tool needs to create user-specified files
	if err != nil {
		return fmt.Errorf("cannot create output: %w", err)
	}
	if err := write(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}
