// Package remote distributes chunks to worker processes over TCP.
//
// A coordinator listens for workers. Each worker connection opens with a
// Hello frame carrying the shared token, then receives one Job frame at a
// time and answers with a Partial or a Fail frame. When no work remains the
// coordinator sends Done. A job whose connection drops, or that goes
// unanswered for longer than the job timeout, is handed to another worker.
package remote

import (
	"bufio"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/grailbio/base/log"
	"golang.org/x/sync/errgroup"

	"github.com/vertti/fqqual/internal/accum"
	"github.com/vertti/fqqual/internal/driver"
	"github.com/vertti/fqqual/internal/format"
)

// DefaultMaxAttempts is how many connections a job may be sent to before
// the run gives up on it.
const DefaultMaxAttempts = 3

// DefaultJobTimeout is how long a worker may take to answer one job before
// the job is handed to another worker.
const DefaultJobTimeout = 10 * time.Minute

const handshakeTimeout = 10 * time.Second

// ErrWorkerLost is returned when a job was lost with its worker too many times.
var ErrWorkerLost = errors.New("worker connection lost")

// Coordinator is a driver.Backend that serves jobs to remote workers.
type Coordinator struct {
	// JobTimeout bounds the wait for one answer. A worker that misses it
	// is dropped and its job requeued.
	JobTimeout time.Duration

	ln          net.Listener
	token       string
	maxAttempts int
}

// NewCoordinator returns a coordinator accepting workers on ln. The
// coordinator closes ln when Process returns.
func NewCoordinator(ln net.Listener, token string, maxAttempts int) *Coordinator {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Coordinator{JobTimeout: DefaultJobTimeout, ln: ln, token: token, maxAttempts: maxAttempts}
}

// Addr returns the address workers should dial.
func (c *Coordinator) Addr() net.Addr { return c.ln.Addr() }

type task struct {
	job      driver.Job
	attempts int
}

// state is shared by the dispatcher and the connection handlers of one run.
type state struct {
	work    chan *task    // dispatcher -> handlers
	lost    chan *task    // handlers -> dispatcher, job must be sent again
	settled chan struct{} // handlers -> dispatcher, job answered
	done    chan struct{} // closed once every job is answered
	results chan<- driver.Result
}

// Process implements driver.Backend.
func (c *Coordinator) Process(ctx context.Context, jobs <-chan driver.Job, results chan<- driver.Result) error {
	g, ctx := errgroup.WithContext(ctx)
	s := &state{
		work:    make(chan *task),
		lost:    make(chan *task),
		settled: make(chan struct{}),
		done:    make(chan struct{}),
		results: results,
	}

	stop := context.AfterFunc(ctx, func() { _ = c.ln.Close() })
	defer stop()

	g.Go(func() error {
		return c.dispatch(ctx, jobs, s)
	})
	g.Go(func() error {
		select {
		case <-s.done:
			_ = c.ln.Close()
		case <-ctx.Done():
		}
		return nil
	})
	g.Go(func() error {
		log.Printf("waiting for workers on %s", c.ln.Addr())
		for {
			conn, err := c.ln.Accept()
			if err != nil {
				select {
				case <-s.done:
					return nil
				case <-ctx.Done():
					return nil
				default:
				}
				return fmt.Errorf("accepting workers: %w", err)
			}
			g.Go(func() error {
				c.handle(ctx, conn, s)
				return nil
			})
		}
	})
	return g.Wait()
}

// dispatch hands out jobs, takes back lost ones, and closes s.done once every
// job taken from jobs has been answered.
func (c *Coordinator) dispatch(ctx context.Context, jobs <-chan driver.Job, s *state) error {
	var queue []*task
	outstanding := 0
	in := jobs
	for {
		if in == nil && outstanding == 0 {
			close(s.done)
			return nil
		}

		var (
			recv <-chan driver.Job
			send chan<- *task
			next *task
		)
		if len(queue) == 0 {
			recv = in
		} else {
			send = s.work
			next = queue[0]
		}

		select {
		case j, ok := <-recv:
			if !ok {
				in = nil
				continue
			}
			outstanding++
			queue = append(queue, &task{job: j})
		case send <- next:
			queue = queue[1:]
		case t := <-s.lost:
			t.attempts++
			if t.attempts >= c.maxAttempts {
				return fmt.Errorf("%s: %w %d times", t.job.Chunk, ErrWorkerLost, t.attempts)
			}
			log.Error.Printf("%s: worker lost, requeueing (attempt %d of %d)", t.job.Chunk, t.attempts+1, c.maxAttempts)
			queue = append(queue, t)
		case <-s.settled:
			outstanding--
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handle serves one worker connection until the run ends or the connection fails.
func (c *Coordinator) handle(ctx context.Context, conn net.Conn, s *state) {
	defer func() { _ = conn.Close() }()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	r := bufio.NewReader(conn)
	name, err := c.handshake(conn, r)
	if err != nil {
		log.Error.Printf("rejecting worker %s: %v", conn.RemoteAddr(), err)
		_ = format.WriteMessage(conn, format.TypeFail, &format.Fail{Message: err.Error()}, false)
		return
	}
	log.Printf("worker %s connected from %s", name, conn.RemoteAddr())

	for {
		var t *task
		select {
		case t = <-s.work:
		case <-s.done:
			if err := format.WriteFrame(conn, format.TypeDone, nil, false); err != nil {
				log.Debug.Printf("worker %s: sending done: %v", name, err)
			}
			return
		case <-ctx.Done():
			return
		}

		res, err := c.exchange(conn, r, t.job)
		if err != nil {
			log.Error.Printf("worker %s: %s: %v", name, t.job.Chunk, err)
			select {
			case s.lost <- t:
			case <-ctx.Done():
			}
			return
		}
		select {
		case s.results <- res:
		case <-ctx.Done():
			return
		}
		select {
		case s.settled <- struct{}{}:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Coordinator) handshake(conn net.Conn, r *bufio.Reader) (string, error) {
	if err := conn.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return "", err
	}
	t, payload, err := format.ReadFrame(r)
	if err != nil {
		return "", fmt.Errorf("reading hello: %w", err)
	}
	if t != format.TypeHello {
		return "", fmt.Errorf("expected hello frame, got %s", t)
	}
	var hello format.Hello
	if err := hello.UnmarshalBinary(payload); err != nil {
		return "", err
	}
	if subtle.ConstantTimeCompare([]byte(hello.Token), []byte(c.token)) != 1 {
		return "", errors.New("authentication failed")
	}
	return hello.Worker, conn.SetReadDeadline(time.Time{})
}

// exchange sends one job and waits for its answer. A returned error means the
// job got no answer and must be sent again; a worker-side failure comes back
// as a result carrying the error.
func (c *Coordinator) exchange(conn net.Conn, r *bufio.Reader, job driver.Job) (driver.Result, error) {
	res := driver.Result{File: job.Chunk.File, Index: job.Chunk.Index}

	data, err := job.Chunk.Bytes()
	if err != nil {
		res.Err = err
		return res, nil
	}
	msg := &format.Job{File: job.Chunk.File, Index: job.Chunk.Index, Encoding: job.Encoding, Data: data}
	if err := format.WriteMessage(conn, format.TypeJob, msg, true); err != nil {
		return res, fmt.Errorf("sending job: %w", err)
	}

	if c.JobTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(c.JobTimeout)); err != nil {
			return res, err
		}
	}
	t, payload, err := format.ReadFrame(r)
	if err != nil {
		return res, fmt.Errorf("awaiting answer: %w", err)
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return res, err
	}
	switch t {
	case format.TypePartial:
		var p format.Partial
		if err := p.UnmarshalBinary(payload); err != nil {
			return res, err
		}
		if p.File != res.File || p.Index != res.Index {
			return res, fmt.Errorf("answer for %s chunk %d", p.File, p.Index)
		}
		res.Partial = p.Acc
		if res.Partial == nil {
			res.Partial = accum.New()
		}
	case format.TypeFail:
		var f format.Fail
		if err := f.UnmarshalBinary(payload); err != nil {
			return res, err
		}
		res.Err = errors.New(f.Message)
	default:
		return res, fmt.Errorf("unexpected %s frame", t)
	}
	return res, nil
}
