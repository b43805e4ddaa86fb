package oncrpc

import (
	"context"
	"fmt"
)

// Portmapper protocol constants (RFC 1833). PortmapperClient binds to
// program 100000 version 2 exclusively.
const (
	PortmapperPort    = 111
	PortmapperProgram = 100000
	PortmapperVersion = 2

	PmapProcNull    = 0
	PmapProcSet     = 1
	PmapProcUnset   = 2
	PmapProcGetPort = 3
	PmapProcDump    = 4
	PmapProcCallit  = 5

	IPProtoTCP = 6
	IPProtoUDP = 17
)

// PortmapMapping is one registered (program, version, protocol) -> port
// binding, the fixed-4 record DUMP enumerates.
type PortmapMapping struct {
	Program  uint32
	Version  uint32
	Protocol uint32
	Port     uint32
}

func (m PortmapMapping) pack(p *Packer) {
	p.PackUint(m.Program)
	p.PackUint(m.Version)
	p.PackUint(m.Protocol)
	p.PackUint(m.Port)
}

func unpackMapping(c *Cursor) (PortmapMapping, error) {
	var m PortmapMapping
	var err error
	if m.Program, err = c.UnpackUint(); err != nil {
		return m, err
	}
	if m.Version, err = c.UnpackUint(); err != nil {
		return m, err
	}
	if m.Protocol, err = c.UnpackUint(); err != nil {
		return m, err
	}
	if m.Port, err = c.UnpackUint(); err != nil {
		return m, err
	}
	return m, nil
}

// PortmapperClient is a convenience Client bound to program 100000 version
// 2, usable either as a direct portmapper client (resolving or registering
// ports) or, installed via UDPClient.SetTunnel, as a CALLIT forwarding
// tunnel for another UDPClient.
type PortmapperClient struct {
	transport Transport
	tcp       *TCPClient
	udp       *UDPClient
}

// NewPortmapperClient returns a PortmapperClient targeting host:port (by
// convention PortmapperPort, 111) over the given transport.
func NewPortmapperClient(host string, port int, transport Transport, opts ClientOptions) *PortmapperClient {
	pc := &PortmapperClient{transport: transport}
	switch transport {
	case TransportUDP:
		pc.udp = NewUDPClient(host, port, PortmapperProgram, PortmapperVersion, opts)
	default:
		pc.tcp = NewTCPClient(host, port, PortmapperProgram, PortmapperVersion, opts)
	}
	return pc
}

// EnableBroadcast puts a UDP-transport portmapper client into broadcast
// mode; it is a no-op over TCP.
func (pc *PortmapperClient) EnableBroadcast() {
	if pc.udp != nil {
		pc.udp.EnableBroadcast()
	}
}

// Dial opens the underlying connection.
func (pc *PortmapperClient) Dial(ctx context.Context) error {
	if pc.udp != nil {
		return pc.udp.Dial(ctx)
	}
	return pc.tcp.Dial(ctx)
}

// Close closes the underlying connection.
func (pc *PortmapperClient) Close() error {
	if pc.udp != nil {
		return pc.udp.Close()
	}
	return pc.tcp.Close()
}

func (pc *PortmapperClient) client() *Client {
	if pc.udp != nil {
		return pc.udp.Client
	}
	return pc.tcp.Client
}

func (pc *PortmapperClient) call(call *Call) error {
	if pc.udp != nil {
		return pc.udp.Call(call)
	}
	return pc.tcp.Call(call)
}

// Set registers (prog, vers, prot, port) with the portmapper, reporting
// whether the registration succeeded.
func (pc *PortmapperClient) Set(prog, vers, prot, port uint32) (bool, error) {
	call, err := pc.client().MakeCall(PmapProcSet)
	if err != nil {
		return false, err
	}
	PortmapMapping{prog, vers, prot, port}.pack(call.Packer)
	if err := pc.call(call); err != nil {
		return false, err
	}
	return call.Cursor.UnpackBool()
}

// Unset removes a registration matching (prog, vers, prot, port), reporting
// whether the removal succeeded.
func (pc *PortmapperClient) Unset(prog, vers, prot, port uint32) (bool, error) {
	call, err := pc.client().MakeCall(PmapProcUnset)
	if err != nil {
		return false, err
	}
	PortmapMapping{prog, vers, prot, port}.pack(call.Packer)
	if err := pc.call(call); err != nil {
		return false, err
	}
	return call.Cursor.UnpackBool()
}

// GetPort resolves the port a (prog, vers, prot) service is currently
// registered on, or 0 if none is registered.
func (pc *PortmapperClient) GetPort(prog, vers, prot uint32) (uint32, error) {
	call, err := pc.client().MakeCall(PmapProcGetPort)
	if err != nil {
		return 0, err
	}
	PortmapMapping{prog, vers, prot, 0}.pack(call.Packer)
	if err := pc.call(call); err != nil {
		return 0, err
	}
	return call.Cursor.UnpackUint()
}

// Dump lists every registration currently known to the portmapper, in
// insertion order.
func (pc *PortmapperClient) Dump() ([]PortmapMapping, error) {
	call, err := pc.client().MakeCall(PmapProcDump)
	if err != nil {
		return nil, err
	}
	if err := pc.call(call); err != nil {
		return nil, err
	}
	var out []PortmapMapping
	for {
		more, err := call.Cursor.UnpackBool()
		if err != nil {
			return nil, err
		}
		if !more {
			break
		}
		m, err := unpackMapping(call.Cursor)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// Callit forwards an opaque RPC payload to (prog, vers, proc) on behalf of
// the caller, the portmapper's NAT/broadcast tunnel procedure. It returns
// the target's ephemeral reply port and its opaque reply payload.
func (pc *PortmapperClient) Callit(prog, vers, proc uint32, args []byte) (uint32, []byte, error) {
	call, err := pc.client().MakeCall(PmapProcCallit)
	if err != nil {
		return 0, nil, err
	}
	call.Packer.PackUint(prog)
	call.Packer.PackUint(vers)
	call.Packer.PackUint(proc)
	call.Packer.PackOpaque(args)
	if err := pc.call(call); err != nil {
		return 0, nil, err
	}
	port, err := call.Cursor.UnpackUint()
	if err != nil {
		return 0, nil, err
	}
	data, err := call.Cursor.UnpackOpaque()
	if err != nil {
		return 0, nil, err
	}
	out := make([]byte, len(data))
	copy(out, data)
	return port, out, nil
}

// ProtocolFor maps a Transport to the IPPROTO_* value the portmapper wire
// protocol expects.
func ProtocolFor(t Transport) (uint32, error) {
	switch t {
	case TransportTCP, TransportTCPCooperative:
		return IPProtoTCP, nil
	case TransportUDP:
		return IPProtoUDP, nil
	default:
		return 0, &ConfigurationError{Op: "ProtocolFor", Err: fmt.Errorf("%w: transport %v", ErrInvalidProtocol, t)}
	}
}
