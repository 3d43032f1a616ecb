// fqqual computes the mean PHRED quality score at every read position of
// one or more FASTQ files.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

var version = "dev"

const (
	exitSuccess = 0
	exitError   = 1
)

// env is what a subcommand may touch outside its flags.
type env struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	getenv func(string) string
}

type command func(ctx context.Context, e *env, args []string) error

var commands map[string]command

func init() {
	commands = map[string]command{
		"run":     runLocal,
		"serve":   runServe,
		"work":    runWork,
		"chunk":   runChunk,
		"rank":    runRank,
		"combine": runCombine,
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], &env{stdin: os.Stdin, stdout: os.Stdout, stderr: os.Stderr, getenv: os.Getenv})
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, e *env) int {
	if len(args) > 0 {
		switch args[0] {
		case "-version", "--version", "version":
			fmt.Fprintf(e.stdout, "fqqual version %s\n", version)
			return exitSuccess
		case "-h", "-help", "--help", "help":
			usage(e.stderr)
			return exitSuccess
		}
	}

	name, rest := "run", args
	if len(args) > 0 {
		if _, ok := commands[args[0]]; ok {
			name, rest = args[0], args[1:]
		}
	}

	err := commands[name](ctx, e, rest)
	switch {
	case errors.Is(err, flag.ErrHelp):
		return exitSuccess
	case err != nil:
		fmt.Fprintf(e.stderr, "error: %v\n", err)
		return exitError
	}
	return exitSuccess
}

func usage(w io.Writer) {
	fmt.Fprintf(w, `fqqual - mean quality score per read position

Usage:
  fqqual [run] [options] input...                 Aggregate in this process
  fqqual serve [options] input...                 Hand chunks to remote workers
  fqqual work -addr host:port [options]           Serve a coordinator's chunks
  fqqual chunk [options] < chunk.fq > part.pqa    Aggregate one piped chunk
  fqqual rank [options] input > part.pqa          Aggregate this rank's byte range
  fqqual combine [options] [part.pqa...]          Merge partials into CSV

Inputs are FASTQ files, optionally gzip or zstd compressed, s3://bucket/key
URLs, or - for stdin. Output rows are "position,mean" without a header.
Run "fqqual <command> -h" for the options of a command.

Examples:
  fqqual -n 8 -o qual.csv sample.fq                 One process, 8 workers
  fqqual -o qual.csv a.fq b.fq.gz                   Writes a_qual.csv, b_qual.csv
  fqqual serve -addr :7878 -token T -o q.csv s.fq   Coordinator
  fqqual work -addr head:7878 -token T -n 16        Worker node
  parallel --pipe -L 4 -N 100000 fqqual chunk -seq {#} < s.fq | fqqual combine
  mpirun -n 4 sh -c 'fqqual rank s.fq > part.$OMPI_COMM_WORLD_RANK.pqa'
  cat part.*.pqa | fqqual combine -o qual.csv
`)
}
