package oncrpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// Transport selects the channel a Client or Server communicates over.
type Transport int

const (
	TransportTCP Transport = iota
	TransportUDP
	TransportTCPCooperative
)

func (t Transport) String() string {
	switch t {
	case TransportTCP:
		return "tcp"
	case TransportUDP:
		return "udp"
	case TransportTCPCooperative:
		return "tcp-cooperative"
	default:
		return "unknown"
	}
}

// RetryPolicy is the timeout/retry schedule the UDP client applies while
// awaiting a reply.
type RetryPolicy struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
	Doubling bool
}

// DefaultRetryPolicy is the conventional ONC RPC datagram schedule: 1s, 2s,
// 4s, 8s, 16s (capped at 25s), five attempts.
var DefaultRetryPolicy = RetryPolicy{Attempts: 5, Initial: time.Second, Max: 25 * time.Second, Doubling: true}

// next returns the timeout to use for retry attempt n (0-based), applying
// doubling and the configured ceiling.
func (r RetryPolicy) next(n int) time.Duration {
	d := r.Initial
	for i := 0; i < n && r.Doubling; i++ {
		d *= 2
		if d > r.Max {
			d = r.Max
			break
		}
	}
	if d > r.Max {
		d = r.Max
	}
	return d
}

// Call is one client-side in-flight RPC call: it owns an outbound Packer
// pre-seeded with the call header, and an inbound Cursor that stays empty
// until a correctly-correlated reply arrives.
type Call struct {
	Xid       uint32
	Program   uint32
	Version   uint32
	Procedure uint32
	Cred      AuthRecord
	Verf      AuthRecord

	Packer *Packer
	Cursor *Cursor

	Reply ReplyHeader
}

func newCall(xid, prog, vers, proc uint32, cred, verf AuthRecord) (*Call, error) {
	c := &Call{
		Xid: xid, Program: prog, Version: vers, Procedure: proc,
		Cred: cred, Verf: verf,
		Packer: NewPacker(),
		Cursor: NewCursor(nil),
	}
	if err := EncodeCallHeader(c.Packer, CallHeader{
		Xid: xid, Program: prog, Version: vers, Procedure: proc, Cred: cred, Verf: verf,
	}); err != nil {
		return nil, err
	}
	return c, nil
}

// Bytes returns the fully-assembled call message, ready to send.
func (c *Call) Bytes() []byte { return c.Packer.Bytes() }

// SetReply attempts to correlate data as the reply to this call. It decodes
// the reply header and, if the XID matches, positions c.Cursor immediately
// after the header (at the start of the procedure result payload on
// MsgAccepted/Success) and returns true. A mismatched XID leaves c.Cursor
// empty and returns false, so the caller's read loop can try again.
func (c *Call) SetReply(data []byte) (bool, error) {
	cur := NewCursor(data)
	hdr, err := DecodeReplyHeader(cur)
	if err != nil {
		return false, &ProtocolError{Op: "decode reply header", Err: err}
	}
	if hdr.Xid != c.Xid {
		c.Cursor.Reset()
		return false, nil
	}
	c.Reply = hdr
	c.Cursor = cur
	return true, nil
}

// resultErr turns a fully-decoded ReplyHeader into a typed error describing
// why the call did not succeed, or nil if it did.
func (c *Call) resultErr() error {
	switch c.Reply.Status {
	case MsgAccepted:
		switch c.Reply.Accept {
		case Success:
			return nil
		case ProgUnavail:
			return &DispatchError{Kind: ErrUnknownProgram, Program: c.Program, Version: c.Version, Procedure: c.Procedure}
		case ProgMismatch:
			return &DispatchError{Kind: ErrVersionMismatch, Program: c.Program, Version: c.Version, Procedure: c.Procedure, ServerVers: c.Reply.Low}
		case ProcUnavail:
			return &DispatchError{Kind: ErrUnknownProcedure, Program: c.Program, Version: c.Version, Procedure: c.Procedure}
		case GarbageArgs:
			return &ArgumentError{Procedure: c.Procedure, Reason: "server reported GARBAGE_ARGS"}
		default:
			return fmt.Errorf("%w: accept_stat %d", ErrBadFormat, c.Reply.Accept)
		}
	case MsgDenied:
		return fmt.Errorf("%w: rpcvers mismatch, server supports [%d,%d]", ErrBadVersion, c.Reply.Low, c.Reply.High)
	default:
		return fmt.Errorf("%w: reply_stat %d", ErrBadFormat, c.Reply.Status)
	}
}

// Client holds the state shared by every transport variant: target
// endpoint, program/version, monotonic XID allocation, and the
// credential/verifier attached to every outbound call.
type Client struct {
	Host    string
	Port    int
	Program uint32
	Version uint32

	Cred Auth
	Verf Auth

	Logger  Logger
	Metrics *Metrics

	maxFragment int

	mu      sync.Mutex
	lastXid uint32
}

// Auth is an alias for AuthRecord; a Client's zero-valued Cred/Verf are
// NULL auth.
type Auth = AuthRecord

// ClientOptions configures common behavior across all Client transport
// variants.
type ClientOptions struct {
	Cred, Verf AuthRecord
	Logger     Logger
	Metrics    *Metrics

	// MaxFragmentSize caps outbound record fragments on stream transports;
	// <=0 selects DefaultMaxFragmentSize. Ignored by the UDP client.
	MaxFragmentSize int
}

func newClientBase(host string, port int, prog, vers uint32, opts ClientOptions) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = NewNoopLogger()
	}
	maxFrag := opts.MaxFragmentSize
	if maxFrag <= 0 {
		maxFrag = DefaultMaxFragmentSize
	}
	return &Client{
		Host: host, Port: port, Program: prog, Version: vers,
		Cred: opts.Cred, Verf: opts.Verf,
		Logger: logger, Metrics: opts.Metrics,
		maxFragment: maxFrag,
	}
}

// MakeCall allocates a fresh Call with xid = lastXid+1. XIDs are allocated
// monotonically over a Client's lifetime, starting at 1.
func (c *Client) MakeCall(proc uint32) (*Call, error) {
	c.mu.Lock()
	c.lastXid++
	xid := c.lastXid
	cred, verf := c.Cred, c.Verf
	c.mu.Unlock()
	return newCall(xid, c.Program, c.Version, proc, cred, verf)
}

// setLastXid forces the next MakeCall to allocate xid. The Proxy uses this
// to mirror the xid seen on the wire from an inbound call onto its upstream
// Client.
func (c *Client) setLastXid(xid uint32) {
	c.mu.Lock()
	c.lastXid = xid - 1
	c.mu.Unlock()
}

func (c *Client) setCredVerf(cred, verf AuthRecord) {
	c.mu.Lock()
	c.Cred, c.Verf = cred, verf
	c.mu.Unlock()
}

// TCPClient is the sequential-blocking TCP variant: a single
// long-lived connection, calls issued and replies awaited one at a time.
// While awaiting a reply, any record whose XID does not match the call is
// read and discarded.
type TCPClient struct {
	*Client
	conn net.Conn
	rc   *RecordConn
}

// NewTCPClient returns a TCPClient targeting host:port for program
// prog/version vers. Dial must be called before Call.
func NewTCPClient(host string, port int, prog, vers uint32, opts ClientOptions) *TCPClient {
	return &TCPClient{Client: newClientBase(host, port, prog, vers, opts)}
}

// Dial opens the underlying TCP connection.
func (t *TCPClient) Dial(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", t.Host, t.Port))
	if err != nil {
		return &TransportError{Op: "dial", Err: err}
	}
	t.conn = conn
	t.rc = NewRecordConnSize(conn, conn, t.maxFragment)
	if t.Metrics != nil {
		t.Metrics.RecordConnectionOpened()
	}
	return nil
}

// Close closes the underlying TCP connection.
func (t *TCPClient) Close() error {
	if t.conn == nil {
		return nil
	}
	if t.Metrics != nil {
		t.Metrics.RecordConnectionClosed()
	}
	return t.conn.Close()
}

// Call assembles, sends, and waits for the reply to a single RPC call over
// the client's connection, returning a typed error for any non-success
// accepted/denied reply.
func (t *TCPClient) Call(call *Call) error {
	start := time.Now()
	err := t.doCall(call)
	if t.Metrics != nil {
		t.Metrics.RecordCall(err == nil, time.Since(start))
	}
	return err
}

func (t *TCPClient) doCall(call *Call) error {
	if t.rc == nil {
		return &TransportError{Op: "write record", Err: ErrConnectionClosed}
	}
	if err := t.rc.WriteRecord(call.Bytes()); err != nil {
		return err
	}
	for {
		reply, err := t.rc.ReadRecord()
		if err != nil {
			return err
		}
		matched, err := call.SetReply(reply)
		if err != nil {
			return err
		}
		if matched {
			return call.resultErr()
		}
	}
}

// CooperativeTCPClient opens a fresh connection per call, so independent
// calls may be issued concurrently without interleaving on one socket. A
// cooperativePool caps how many CallAsync calls are in flight at once; Call
// does not go through the pool.
type CooperativeTCPClient struct {
	*Client
	pool *cooperativePool
}

// NewCooperativeTCPClient returns a CooperativeTCPClient admitting at most
// maxConcurrent in-flight CallAsync calls. maxConcurrent <= 0 means unbounded.
func NewCooperativeTCPClient(host string, port int, prog, vers uint32, maxConcurrent int, opts ClientOptions) *CooperativeTCPClient {
	return &CooperativeTCPClient{Client: newClientBase(host, port, prog, vers, opts), pool: newCooperativePool(maxConcurrent)}
}

// Call opens a fresh connection, performs the call, and closes the
// connection, all within the calling goroutine; callers wanting concurrency
// across calls should invoke Call from their own goroutines (or use CallAsync).
func (c *CooperativeTCPClient) Call(ctx context.Context, call *Call) error {
	start := time.Now()
	err := c.doCall(ctx, call)
	if c.Metrics != nil {
		c.Metrics.RecordCall(err == nil, time.Since(start))
	}
	return err
}

// CallAsync runs Call on a goroutine admitted by the client's
// cooperativePool, returning a channel that receives the single result.
func (c *CooperativeTCPClient) CallAsync(ctx context.Context, call *Call) <-chan error {
	result := make(chan error, 1)
	err := c.pool.Go(ctx, func() {
		result <- c.Call(ctx, call)
	})
	if err != nil {
		result <- err
	}
	return result
}

func (c *CooperativeTCPClient) doCall(ctx context.Context, call *Call) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", c.Host, c.Port))
	if err != nil {
		return &TransportError{Op: "dial", Err: err}
	}
	defer conn.Close()
	if c.Metrics != nil {
		c.Metrics.RecordConnectionOpened()
		defer c.Metrics.RecordConnectionClosed()
	}

	rc := NewRecordConnSize(conn, conn, c.maxFragment)
	if err := rc.WriteRecord(call.Bytes()); err != nil {
		return err
	}
	for {
		reply, err := rc.ReadRecord()
		if err != nil {
			return err
		}
		matched, err := call.SetReply(reply)
		if err != nil {
			return err
		}
		if matched {
			return call.resultErr()
		}
	}
}

// UDPClient is the connectionless variant: exponential-backoff retry,
// optional broadcast (unconnected socket, replies accepted from any source),
// and an optional portmapper tunnel that reroutes the call through CALLIT.
type UDPClient struct {
	*Client
	conn      *net.UDPConn
	raddr     *net.UDPAddr
	broadcast bool
	tunnel    *PortmapperClient
	retry     RetryPolicy
	bufSize   int
}

// NewUDPClient returns a UDPClient targeting host:port, using
// DefaultRetryPolicy and an 8192-byte receive buffer.
func NewUDPClient(host string, port int, prog, vers uint32, opts ClientOptions) *UDPClient {
	return &UDPClient{
		Client:  newClientBase(host, port, prog, vers, opts),
		retry:   DefaultRetryPolicy,
		bufSize: 8192,
	}
}

// SetRetryPolicy overrides DefaultRetryPolicy.
func (u *UDPClient) SetRetryPolicy(r RetryPolicy) { u.retry = r }

// EnableBroadcast puts the client into broadcast mode: the socket is not
// connected, sends use WriteToUDP, and a reply from any source address is
// accepted. Must be called before Dial.
func (u *UDPClient) EnableBroadcast() { u.broadcast = true }

// SetTunnel installs a portmapper client as a CALLIT tunnel: every
// subsequent Call is repacked as CALLIT(prog, vers, proc, opaque) and sent
// to the portmapper instead of directly to Host:Port.
func (u *UDPClient) SetTunnel(tunnel *PortmapperClient) { u.tunnel = tunnel }

// Dial opens (and, unless broadcasting, connects) the UDP socket, or dials
// the tunnel's portmapper if one is installed.
func (u *UDPClient) Dial(ctx context.Context) error {
	if u.tunnel != nil {
		u.tunnel.EnableBroadcast()
		return u.tunnel.Dial(ctx)
	}
	if u.broadcast {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: 0})
		if err != nil {
			return &TransportError{Op: "listen udp", Err: err}
		}
		u.conn = conn
		addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", u.Host, u.Port))
		if err != nil {
			return &TransportError{Op: "resolve udp addr", Err: err}
		}
		u.raddr = addr
		return nil
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", fmt.Sprintf("%s:%d", u.Host, u.Port))
	if err != nil {
		return &TransportError{Op: "dial udp", Err: err}
	}
	u.conn = conn.(*net.UDPConn)
	return nil
}

// Close closes the underlying UDP socket.
func (u *UDPClient) Close() error {
	if u.tunnel != nil {
		return u.tunnel.Close()
	}
	if u.conn == nil {
		return nil
	}
	return u.conn.Close()
}

// Call sends call and awaits its correlated reply, retrying per the
// configured RetryPolicy. If a tunnel is installed, the call is instead
// dispatched via the tunnel's CALLIT procedure.
func (u *UDPClient) Call(call *Call) error {
	start := time.Now()
	err := u.doCall(call)
	if u.Metrics != nil {
		u.Metrics.RecordCall(err == nil, time.Since(start))
	}
	return err
}

func (u *UDPClient) doCall(call *Call) error {
	if u.tunnel != nil {
		port, data, err := u.tunnel.Callit(call.Program, call.Version, call.Procedure, call.Bytes())
		if err != nil {
			return err
		}
		u.Logger.Debug("callit tunnel reply", LogField{"port", port})
		cur := NewCursor(data)
		call.Cursor = cur
		return nil
	}

	send := func() error {
		if u.broadcast {
			_, err := u.conn.WriteToUDP(call.Bytes(), u.raddr)
			return err
		}
		_, err := u.conn.Write(call.Bytes())
		return err
	}
	if err := send(); err != nil {
		return &TransportError{Op: "send udp", Err: err}
	}

	buf := make([]byte, u.bufSize)
	for attempt := 0; attempt <= u.retry.Attempts; attempt++ {
		timeout := u.retry.next(attempt)
		deadline := time.Now().Add(timeout)
		for {
			if err := u.conn.SetReadDeadline(deadline); err != nil {
				return &TransportError{Op: "set read deadline", Err: err}
			}
			n, err := u.conn.Read(buf)
			if err != nil {
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					break // fall through to retry
				}
				return &TransportError{Op: "recv udp", Err: err}
			}
			matched, err := call.SetReply(buf[:n])
			if err != nil {
				return err
			}
			if matched {
				return call.resultErr()
			}
			// XID mismatch: keep waiting within the same timeout window.
			if time.Now().After(deadline) {
				break
			}
		}

		if attempt == u.retry.Attempts {
			if u.Metrics != nil {
				u.Metrics.RecordTimeout()
			}
			return &TransportError{Op: "recv udp", Err: ErrTimeout}
		}
		if u.Metrics != nil {
			u.Metrics.RecordRetry()
		}
		if err := send(); err != nil {
			return &TransportError{Op: "send udp", Err: err}
		}
	}
	return &TransportError{Op: "recv udp", Err: ErrTimeout}
}

// Binder is a declarative client-side procedure binding: it packs positional
// arguments by descriptor, performs the call, and unpacks positional results
// by descriptor, so a caller needn't hand-write MakeCall/Pack/Call/Unpack
// for every procedure.
type Binder struct {
	Proc        uint32
	ArgDescs    []*Descriptor
	ResultDescs []*Descriptor
}

// Bind constructs a Binder for procedure proc with the given argument and
// result descriptor lists.
func Bind(proc uint32, argDescs, resultDescs []*Descriptor) Binder {
	return Binder{Proc: proc, ArgDescs: argDescs, ResultDescs: resultDescs}
}

// Invoke packs args by b.ArgDescs, performs the call via do, and unpacks the
// reply payload by b.ResultDescs.
func (b Binder) Invoke(c *Client, do func(*Call) error, args ...interface{}) ([]interface{}, error) {
	if len(args) != len(b.ArgDescs) {
		return nil, fmt.Errorf("oncrpc: Binder expects %d arguments, got %d", len(b.ArgDescs), len(args))
	}
	call, err := c.MakeCall(b.Proc)
	if err != nil {
		return nil, err
	}
	for i, arg := range args {
		if err := b.ArgDescs[i].Pack(call.Packer, arg); err != nil {
			return nil, err
		}
	}
	if err := do(call); err != nil {
		return nil, err
	}
	results := make([]interface{}, len(b.ResultDescs))
	for i, d := range b.ResultDescs {
		v, err := d.Unpack(call.Cursor)
		if err != nil {
			return nil, err
		}
		results[i] = v
	}
	return results, nil
}
