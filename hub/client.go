package hub

import (
	"context"
	"log"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bobuhiro11/goguam/packet"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultQueueSize   = 64
	DefaultBackoff     = 5 * time.Second
	DefaultDialTimeout = 30 * time.Second
)

var errBadAddress = errors.New("bad hub address")

type Options struct {
	QueueSize   int
	Backoff     time.Duration
	DialTimeout time.Duration
}

func (o *Options) defaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}

	if o.Backoff <= 0 {
		o.Backoff = DefaultBackoff
	}

	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
}

// Stats counts frames since the client started.
type Stats struct {
	Sent, Received, Dropped uint64
}

// Client relays frames between two bounded queues and a hub. Each
// connection runs one sender and one receiver goroutine; when either fails
// the connection is closed and redialed after a fixed backoff.
type Client struct {
	addr string
	opts Options

	pool packet.Pool
	out  *packet.Queue
	in   *packet.Queue

	sent, received, dropped atomic.Uint64

	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
}

// Dial checks addr and starts connecting to it in the background. It does
// not wait for the connection.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, errors.Wrapf(errBadAddress, "%q: %v", addr, err)
	}

	if n, err := strconv.ParseUint(port, 10, 16); host == "" || err != nil || n == 0 {
		return nil, errors.Wrapf(errBadAddress, "%q", addr)
	}

	opts.defaults()

	ctx, cancel := context.WithCancel(ctx)

	c := &Client{
		addr:   addr,
		opts:   opts,
		out:    packet.NewQueue(opts.QueueSize),
		in:     packet.NewQueue(opts.QueueSize),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go c.run(ctx)

	return c, nil
}

func (c *Client) Addr() string { return c.addr }

// SetNotifier installs fn to run whenever a received frame is queued.
func (c *Client) SetNotifier(fn func()) {
	c.in.SetNotifier(fn)
}

// Enqueue queues frame for sending. It never blocks; a frame that cannot be
// framed or queued is dropped like a frame lost on the wire.
func (c *Client) Enqueue(frame []byte) bool {
	if packet.Check(len(frame)) != nil {
		c.dropped.Add(1)

		return false
	}

	p := c.pool.Get()
	if err := p.Set(frame); err != nil || !c.out.TryPut(p) {
		c.pool.Put(p)
		c.dropped.Add(1)

		return false
	}

	return true
}

// Dequeue copies the oldest received frame into buf and returns its full
// length, which may exceed len(buf).
func (c *Client) Dequeue(buf []byte) (int, bool) {
	p, ok := c.in.TryTake()
	if !ok {
		return 0, false
	}

	defer c.pool.Put(p)

	copy(buf, p.Bytes())

	return p.Len(), true
}

func (c *Client) Stats() Stats {
	return Stats{
		Sent:     c.sent.Load(),
		Received: c.received.Load(),
		Dropped:  c.dropped.Load(),
	}
}

// Close stops the client and waits for its goroutines.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		<-c.done
	})

	return nil
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	for {
		conn, err := c.dial(ctx)
		if err != nil {
			return
		}

		log.Printf("hub: connected to %s", c.addr)

		err = c.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}

		log.Printf("hub: connection to %s lost: %v", c.addr, err)

		if !c.sleep(ctx) {
			return
		}
	}
}

// dial connects until it succeeds or ctx is done. A host name that does
// not resolve is not retried at all.
func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: c.opts.DialTimeout}

	for {
		conn, err := d.DialContext(ctx, "tcp", c.addr)
		if err == nil {
			return conn, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			log.Printf("hub: cannot resolve %s, waiting: %v", c.addr, err)
			<-ctx.Done()

			return nil, ctx.Err()
		}

		log.Printf("hub: dial %s: %v (retry in %v)", c.addr, err, c.opts.Backoff)

		if !c.sleep(ctx) {
			return nil, ctx.Err()
		}
	}
}

func (c *Client) sleep(ctx context.Context) bool {
	t := time.NewTimer(c.opts.Backoff)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// serve runs the sender and receiver on conn until one of them fails.
func (c *Client) serve(ctx context.Context, conn net.Conn) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		conn.Close()

		return nil
	})

	g.Go(func() error {
		fw := NewFrameWriter(conn)

		for {
			p, err := c.out.Take(gctx)
			if err != nil {
				return err
			}

			err = fw.WritePacket(p)
			c.pool.Put(p)

			if err != nil {
				return err
			}

			c.sent.Add(1)
		}
	})

	g.Go(func() error {
		fr := NewFrameReader(conn)

		for {
			p := c.pool.Get()
			if err := fr.ReadPacket(p); err != nil {
				c.pool.Put(p)

				return err
			}

			c.received.Add(1)

			if !c.in.TryPut(p) {
				c.pool.Put(p)
				c.dropped.Add(1)
			}
		}
	})

	return g.Wait()
}
