package remote

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"golang.org/x/sync/errgroup"

	"github.com/vertti/fqqual/internal/accum"
	"github.com/vertti/fqqual/internal/format"
)

// dialRetries bounds how often a worker redials a coordinator that is not
// listening yet.
const dialRetries = 10

var dialPolicy = retry.Backoff(200*time.Millisecond, 5*time.Second, 1.5)

// errFinished reports that the coordinator went away after finishing the run.
var errFinished = errors.New("coordinator already finished")

// Work connects n workers to the coordinator at addr. It returns once the
// coordinator has sent Done to every connection, or with the first error.
// Once any connection has received Done, a connection that cannot reach the
// coordinator any more exits cleanly.
func Work(ctx context.Context, addr, token string, n int) error {
	if n <= 0 {
		n = 1
	}
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}

	var finished atomic.Bool
	g, ctx := errgroup.WithContext(ctx)
	for i := range n {
		name := fmt.Sprintf("%s/%d", host, i)
		g.Go(func() error {
			return serve(ctx, addr, token, name, &finished)
		})
	}
	return g.Wait()
}

func serve(ctx context.Context, addr, token, name string, finished *atomic.Bool) error {
	conn, err := dial(ctx, addr, finished)
	if errors.Is(err, errFinished) {
		log.Debug.Printf("worker %s: %v", name, err)
		return nil
	}
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := format.WriteMessage(conn, format.TypeHello, &format.Hello{Token: token, Worker: name}, false); err != nil {
		return fmt.Errorf("sending hello: %w", err)
	}

	r := bufio.NewReader(conn)
	jobs := 0
	for {
		t, payload, err := format.ReadFrame(r)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if jobs == 0 && finished.Load() {
				log.Debug.Printf("worker %s: %v", name, errFinished)
				return nil
			}
			if errors.Is(err, io.EOF) {
				return errors.New("coordinator closed the connection")
			}
			return fmt.Errorf("reading from coordinator: %w", err)
		}

		switch t {
		case format.TypeDone:
			finished.Store(true)
			log.Debug.Printf("worker %s: done after %d jobs", name, jobs)
			return nil
		case format.TypeFail:
			var f format.Fail
			if err := f.UnmarshalBinary(payload); err != nil {
				return err
			}
			return fmt.Errorf("coordinator: %w", &f)
		case format.TypeJob:
			var job format.Job
			if err := job.UnmarshalBinary(payload); err != nil {
				return err
			}
			if err := answer(conn, &job); err != nil {
				return fmt.Errorf("answering %s chunk %d: %w", job.File, job.Index, err)
			}
			jobs++
		default:
			return fmt.Errorf("unexpected %s frame from coordinator", t)
		}
	}
}

func answer(w io.Writer, job *format.Job) error {
	acc, err := accum.Aggregate(bytes.NewReader(job.Data), job.Encoding)
	if err != nil {
		log.Error.Printf("%s chunk %d: %v", job.File, job.Index, err)
		return format.WriteMessage(w, format.TypeFail, &format.Fail{File: job.File, Index: job.Index, Message: err.Error()}, false)
	}
	return format.WritePartial(w, &format.Partial{File: job.File, Index: job.Index, Acc: acc})
}

func dial(ctx context.Context, addr string, finished *atomic.Bool) (net.Conn, error) {
	var d net.Dialer
	for retries := 0; ; retries++ {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		if finished.Load() {
			return nil, fmt.Errorf("dialing %s: %w", addr, errFinished)
		}
		if retries == dialRetries {
			return nil, fmt.Errorf("dialing coordinator %s: %w", addr, err)
		}
		log.Debug.Printf("dialing coordinator %s: %v, retrying", addr, err)
		if err := retry.Wait(ctx, dialPolicy, retries); err != nil {
			return nil, err
		}
	}
}
