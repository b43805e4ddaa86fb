package oncrpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"syscall"
)

// HandlerFunc is a registered procedure's implementation: it reads its
// arguments from c and appends its result payload to p. DispatchCall hands
// control to this function after the header has been validated and p has
// already been seeded with MsgAccepted/Success and a NULL verifier; the
// handler need only pack its result, or return an error, which DispatchCall
// turns into a GarbageArgs reply (or no reply at all for application
// errors) instead of the Success header it tentatively wrote.
type HandlerFunc func(p *Packer, c *Cursor) error

// turnAround is the pre-registered procedure 0: it asserts the argument
// cursor is exhausted and packs nothing.
func turnAround(p *Packer, c *Cursor) error {
	if !c.Done() {
		return &ArgumentError{Procedure: 0, Reason: "turn_around: unread argument bytes remain"}
	}
	return nil
}

// ProcedureRegistry maps procedure numbers to handlers. It is populated at
// server construction and treated as immutable during serving, so
// concurrent cooperative dispatch needs no lock beyond the one guarding
// registration itself.
type ProcedureRegistry struct {
	mu       sync.RWMutex
	handlers map[uint32]HandlerFunc
}

// NewProcedureRegistry returns a registry with procedure 0 pre-installed as
// turnAround.
func NewProcedureRegistry() *ProcedureRegistry {
	r := &ProcedureRegistry{handlers: make(map[uint32]HandlerFunc)}
	r.handlers[0] = turnAround
	return r
}

// Add installs or replaces the handler for proc.
func (r *ProcedureRegistry) Add(proc uint32, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[proc] = h
}

// Lookup returns the handler registered for proc, if any.
func (r *ProcedureRegistry) Lookup(proc uint32) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[proc]
	return h, ok
}

// Resolver returns the handler to run for one call, given the fields
// decoded from its header (after program/version have already been
// validated against the server's own). The default Resolver built by
// NewServer simply consults a ProcedureRegistry and ignores
// xid/cred/verf; Proxy installs a Resolver that instead mirrors
// xid/cred/verf onto its upstream Client before returning a forwarding
// handler.
type Resolver func(xid, proc uint32, cred, verf AuthRecord) (HandlerFunc, bool)

// registryResolver adapts a ProcedureRegistry to the Resolver shape.
func registryResolver(registry *ProcedureRegistry) Resolver {
	return func(_, proc uint32, _, _ AuthRecord) (HandlerFunc, bool) {
		return registry.Lookup(proc)
	}
}

// DispatchCall runs the full header-validation and dispatch pipeline over
// one call record and returns exactly one reply record, along with whether
// a reply should be sent at all (false when the message was not a CALL, was
// unparsable, or when a handler raised an application error).
func DispatchCall(resolve Resolver, program, version uint32, callBytes []byte, metrics *Metrics) ([]byte, bool) {
	cur := NewCursor(callBytes)
	xid, err := cur.UnpackUint()
	if err != nil {
		return nil, false
	}
	msgType, err := cur.UnpackUint()
	if err != nil || msgType != MsgCall {
		return nil, false
	}

	reply := NewPacker()
	emit := func(h ReplyHeader) []byte {
		h.Xid = xid
		EncodeReplyHeader(reply, h)
		if metrics != nil && h.Status == MsgAccepted {
			metrics.RecordDispatchReject(h.Accept)
		}
		return reply.Bytes()
	}

	rpcvers, err := cur.UnpackUint()
	if err != nil {
		return nil, false
	}
	if rpcvers != RPCVersion {
		return emit(ReplyHeader{Status: MsgDenied, Deny: RPCMismatch, Low: RPCVersion, High: RPCVersion}), true
	}

	prog, err := cur.UnpackUint()
	if err != nil {
		return nil, false
	}
	vers, err := cur.UnpackUint()
	if err != nil {
		return nil, false
	}
	proc, err := cur.UnpackUint()
	if err != nil {
		return nil, false
	}
	cred, err := unpackAuth(cur)
	if err != nil {
		return nil, false
	}
	verf, err := unpackAuth(cur)
	if err != nil {
		return nil, false
	}

	if prog != program {
		return emit(ReplyHeader{Status: MsgAccepted, Verf: NullAuth(), Accept: ProgUnavail}), true
	}
	if vers != version {
		return emit(ReplyHeader{Status: MsgAccepted, Verf: NullAuth(), Accept: ProgMismatch, Low: version, High: version}), true
	}

	handler, ok := resolve(xid, proc, cred, verf)
	if !ok {
		return emit(ReplyHeader{Status: MsgAccepted, Verf: NullAuth(), Accept: ProcUnavail}), true
	}

	// Seed the reply as accepted/success; the handler appends its result
	// payload to `reply` after EncodeReplyHeader runs, so build the header
	// first into a scratch packer and only commit it to `reply` once we know
	// the handler succeeded (a failing handler instead gets GarbageArgs).
	header := ReplyHeader{Xid: xid, Status: MsgAccepted, Verf: NullAuth(), Accept: Success}
	scratch := NewPacker()
	if err := EncodeReplyHeader(scratch, header); err != nil {
		return nil, false
	}
	if err := handler(scratch, cur); err != nil {
		if isGarbageArgs(err) {
			return emit(ReplyHeader{Status: MsgAccepted, Verf: NullAuth(), Accept: GarbageArgs}), true
		}
		// Application error: no reply. The stream server closes the
		// connection; the datagram server drops the call.
		return nil, false
	}
	if metrics != nil {
		metrics.RecordDispatchReject(Success)
	}
	return scratch.Bytes(), true
}

// isGarbageArgs reports whether a handler error means the argument stream was
// malformed or mis-consumed, which maps to a GARBAGE_ARGS reply. Anything
// else is an application error and produces no reply at all.
func isGarbageArgs(err error) bool {
	return errors.Is(err, ErrGarbageArgs) ||
		errors.Is(err, ErrInsufficientData) ||
		errors.Is(err, ErrOverlongOpaque) ||
		errors.Is(err, ErrBadType) ||
		errors.Is(err, ErrUnpack)
}

// ServerOptions configures a Server.
type ServerOptions struct {
	Transport           Transport
	MaxFragmentSize     int
	MaxCooperativeConns int // TransportTCPCooperative only; <=0 means unbounded
	Logger              Logger
	Metrics             *Metrics
}

// Server binds, optionally registers with a portmapper, and serves RPC
// calls for one (program, version) pair, dispatching through a
// ProcedureRegistry. It implements both the sequential-blocking and
// cooperative scheduling models, selected via ServerOptions.Transport.
type Server struct {
	Host    string
	Port    int // latched to the OS-assigned port after Bind if requested 0
	Program uint32
	Version uint32

	transport   Transport
	maxFragment int
	registry    *ProcedureRegistry
	resolve     Resolver
	logger      Logger
	metrics     *Metrics

	listener net.Listener
	udpConn  *net.UDPConn

	pool *cooperativePool

	portmapper *PortmapperClient
	registered bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer returns a Server for program/version, not yet bound.
func NewServer(host string, port int, program, version uint32, opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = NewNoopLogger()
	}
	maxFrag := opts.MaxFragmentSize
	if maxFrag <= 0 {
		maxFrag = DefaultMaxFragmentSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	registry := NewProcedureRegistry()
	s := &Server{
		Host: host, Port: port, Program: program, Version: version,
		transport: opts.Transport, maxFragment: maxFrag,
		registry: registry,
		logger:   logger, metrics: opts.Metrics,
		pool:   newCooperativePool(opts.MaxCooperativeConns),
		ctx:    ctx,
		cancel: cancel,
	}
	s.resolve = registryResolver(registry)
	return s
}

// AddMethod installs or replaces the handler for proc.
func (s *Server) AddMethod(proc uint32, h HandlerFunc) { s.registry.Add(proc, h) }

// reuseAddrControl sets SO_REUSEADDR on the listening socket before bind, so
// a restarted server can rebind its well-known port immediately.
func reuseAddrControl(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

// Bind allocates the listening socket (stream) or the bound datagram socket
// (UDP), resolving a requested port of 0 to the OS-assigned port. Must be
// called before Register or Listen.
func (s *Server) Bind() error {
	addr := net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
	switch s.transport {
	case TransportUDP:
		udpAddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return &ConfigurationError{Op: "resolve udp addr", Err: err}
		}
		conn, err := net.ListenUDP("udp", udpAddr)
		if err != nil {
			return &ConfigurationError{Op: "listen udp", Err: err}
		}
		s.udpConn = conn
		s.Port = conn.LocalAddr().(*net.UDPAddr).Port
		return nil
	default:
		lc := net.ListenConfig{Control: reuseAddrControl}
		l, err := lc.Listen(s.ctx, "tcp", addr)
		if err != nil {
			return &ConfigurationError{Op: "listen tcp", Err: err}
		}
		s.listener = l
		s.Port = l.Addr().(*net.TCPAddr).Port
		return nil
	}
}

// Register creates a portmapper client targeting mapperHost:mapperPort and
// issues SET(Program, Version, mapperProt, s.Port). Bind must have run
// first so s.Port is resolved.
func (s *Server) Register(mapperHost string, mapperPort int, mapperProt uint32) error {
	transport := TransportTCP
	if mapperProt == IPProtoUDP {
		transport = TransportUDP
	}
	pm := NewPortmapperClient(mapperHost, mapperPort, transport, ClientOptions{Logger: s.logger, Metrics: s.metrics})
	if err := pm.Dial(context.Background()); err != nil {
		return &ConfigurationError{Op: "register", Err: err}
	}
	ok, err := pm.Set(s.Program, s.Version, mapperProt, uint32(s.Port))
	if err != nil {
		pm.Close()
		return &ConfigurationError{Op: "register", Err: fmt.Errorf("%w: %v", ErrRegisterFailed, err)}
	}
	if !ok {
		pm.Close()
		return &ConfigurationError{Op: "register", Err: ErrRegisterFailed}
	}
	s.portmapper = pm
	s.registered = true
	return nil
}

// Unregister issues UNSET against the portmapper client created by
// Register, if any, and tears it down.
func (s *Server) Unregister() error {
	if s.portmapper == nil {
		return nil
	}
	_, err := s.portmapper.Unset(s.Program, s.Version, 0, uint32(s.Port))
	closeErr := s.portmapper.Close()
	s.registered = false
	s.portmapper = nil
	if err != nil {
		return err
	}
	return closeErr
}

// Handle runs the full dispatch pipeline over one call record and returns
// its reply record. It is a pure function over bytes, shared by every
// transport variant and directly testable without a socket.
func (s *Server) Handle(callBytes []byte) ([]byte, bool) {
	return DispatchCall(s.resolve, s.Program, s.Version, callBytes, s.metrics)
}

// Listen serves calls until ctx is cancelled or Close is called. Over TCP
// (TransportTCP) it accepts and services one connection at a time, in
// series; later connections queue at the OS listen backlog. Over
// TransportTCPCooperative it services
// any number of accepted connections concurrently, bounded by
// MaxCooperativeConns. Over TransportUDP it processes datagrams in a single
// loop.
func (s *Server) Listen(ctx context.Context) error {
	switch s.transport {
	case TransportUDP:
		return s.listenUDP(ctx)
	case TransportTCPCooperative:
		return s.listenTCPCooperative(ctx)
	default:
		return s.listenTCP(ctx)
	}
}

func (s *Server) listenTCP(ctx context.Context) error {
	if s.listener == nil {
		return &ConfigurationError{Op: "listen", Err: fmt.Errorf("server not bound")}
	}
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return &TransportError{Op: "accept", Err: err}
			}
		}
		s.serveConn(conn)
	}
}

func (s *Server) listenTCPCooperative(ctx context.Context) error {
	if s.listener == nil {
		return &ConfigurationError{Op: "listen", Err: fmt.Errorf("server not bound")}
	}
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return &TransportError{Op: "accept", Err: err}
			}
		}
		s.wg.Add(1)
		if err := s.pool.Go(ctx, func() {
			defer s.wg.Done()
			s.serveConn(conn)
		}); err != nil {
			s.wg.Done()
			conn.Close()
		}
	}
}

// serveConn drains one connection's records one at a time, in the order
// received, emitting replies in that same order. DispatchCall returns
// (nil, false) for non-CALL or unparsable input and for application errors
// raised by a handler; all of these close the connection.
func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	if s.metrics != nil {
		s.metrics.RecordConnectionOpened()
		defer s.metrics.RecordConnectionClosed()
	}
	rc := NewRecordConnSize(conn, conn, s.maxFragment)
	for {
		callBytes, err := rc.ReadRecord()
		if err != nil {
			return
		}
		replyBytes, ok := s.Handle(callBytes)
		if !ok {
			return
		}
		if err := rc.WriteRecord(replyBytes); err != nil {
			return
		}
	}
}

func (s *Server) listenUDP(ctx context.Context) error {
	if s.udpConn == nil {
		return &ConfigurationError{Op: "listen", Err: fmt.Errorf("server not bound")}
	}
	buf := make([]byte, 8192)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		n, addr, err := s.udpConn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.logger.Warn("udp read failed", LogField{"error", err})
				continue
			}
		}
		callBytes := make([]byte, n)
		copy(callBytes, buf[:n])
		replyBytes, ok := s.Handle(callBytes)
		if !ok {
			continue
		}
		if _, err := s.udpConn.WriteToUDP(replyBytes, addr); err != nil {
			s.logger.Warn("udp write failed", LogField{"error", err})
		}
	}
}

// Close stops Listen and releases the bound socket(s), unregistering from
// the portmapper first if Register was called.
func (s *Server) Close() error {
	s.cancel()
	if err := s.Unregister(); err != nil {
		s.logger.Warn("unregister failed", LogField{"error", err})
	}
	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			return err
		}
	}
	if s.udpConn != nil {
		if err := s.udpConn.Close(); err != nil {
			return err
		}
	}
	s.wg.Wait()
	return nil
}
