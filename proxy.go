package oncrpc

import "context"

// HookFunc observes one complete wire record, invoked once per direction:
// once with the outbound upstream call, once with the inbound result
// payload. Hooks are free to discard; they cannot alter what is forwarded.
// A caller wanting traffic tracing (hex dumps, captures) installs one here.
type HookFunc func(data []byte, isRequest bool)

// ProxyMethod lets a proxy override the default plain-forward behavior for
// one procedure number, observing or rewriting the call before/after it
// reaches the upstream server. Most proxies need none of these and rely
// entirely on plain forwarding.
type ProxyMethod func(reply *Packer, args *Cursor, call *Call, upstream *TCPClient) error

// ProxyOptions configures a Proxy, mirroring ServerOptions/ClientOptions.
type ProxyOptions struct {
	Transport   Transport
	MaxFragment int
	Logger      Logger
	Metrics     *Metrics
	Hook        HookFunc
}

// Proxy is a Server front-end that owns an upstream Client and rewrites the
// RPC header while splicing the opaque argument/result tail through
// unexamined: it need not understand any program's procedure-specific
// argument schema. Proxy composes a Server and a Client; it installs its own
// Resolver on the embedded Server instead of populating a ProcedureRegistry.
type Proxy struct {
	*Server
	upstream *TCPClient
	methods  map[uint32]ProxyMethod
	hook     HookFunc
}

// NewProxy returns a Proxy listening on host:port for (program, version),
// forwarding every call to upstreamHost:upstreamPort for (upstreamProgram,
// upstreamVersion). Only a TCP upstream is supported; see DESIGN.md for why
// a UDP upstream target is out of scope for the proxy.
func NewProxy(host string, port int, program, version uint32,
	upstreamHost string, upstreamPort int, upstreamProgram, upstreamVersion uint32,
	opts ProxyOptions) *Proxy {

	serverOpts := ServerOptions{Transport: opts.Transport, MaxFragmentSize: opts.MaxFragment, Logger: opts.Logger, Metrics: opts.Metrics}
	server := NewServer(host, port, program, version, serverOpts)
	upstream := NewTCPClient(upstreamHost, upstreamPort, upstreamProgram, upstreamVersion, ClientOptions{Logger: opts.Logger, Metrics: opts.Metrics})

	p := &Proxy{
		Server:   server,
		upstream: upstream,
		methods:  make(map[uint32]ProxyMethod),
		hook:     opts.Hook,
	}
	p.Server.resolve = p.resolve
	return p
}

// Dial connects the proxy's upstream client. Must be called before Listen.
func (p *Proxy) Dial(ctx context.Context) error {
	return p.upstream.Dial(ctx)
}

// AddMethod installs a per-procedure hook overriding the default
// plain-forward behavior for proc. This shadows the embedded Server's
// AddMethod (which would populate a registry the proxy's Resolver never
// consults).
func (p *Proxy) AddMethod(proc uint32, m ProxyMethod) {
	p.methods[proc] = m
}

// resolve is the Proxy's Resolver: it mirrors the inbound call's
// xid/cred/verf onto the upstream client before handing back
// a handler closure that performs the forward, so that by the time the
// handler runs, upstream.MakeCall(proc) will allocate exactly the xid the
// caller used.
func (p *Proxy) resolve(xid, proc uint32, cred, verf AuthRecord) (HandlerFunc, bool) {
	p.upstream.setCredVerf(cred, verf)
	p.upstream.setLastXid(xid)
	return func(reply *Packer, args *Cursor) error {
		return p.dispatch(proc, reply, args)
	}, true
}

// dispatch builds the upstream Call for proc and runs either the registered
// ProxyMethod or the default plain forward.
func (p *Proxy) dispatch(proc uint32, reply *Packer, args *Cursor) error {
	call, err := p.upstream.MakeCall(proc)
	if err != nil {
		return err
	}
	if method, ok := p.methods[proc]; ok {
		return method(reply, args, call, p.upstream)
	}
	return p.plainForward(reply, args, call)
}

// plainForward copies the unparsed argument tail into the upstream call,
// invokes it, and splices the upstream reply's payload back in as this
// proxy's own Success reply.
func (p *Proxy) plainForward(reply *Packer, args *Cursor, call *Call) error {
	tail := args.Bytes()
	if len(tail) > 0 {
		call.Packer.PackRaw(tail)
	}
	if p.hook != nil {
		p.hook(call.Bytes(), true)
	}
	if err := p.upstream.Call(call); err != nil {
		return err
	}
	resultTail := call.Cursor.Bytes()
	if p.hook != nil {
		p.hook(resultTail, false)
	}
	reply.PackRaw(resultTail)
	return nil
}
