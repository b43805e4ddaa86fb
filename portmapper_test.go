package oncrpc

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
)

func TestPortmapMappingRoundTrip(t *testing.T) {
	m := PortmapMapping{Program: 100003, Version: 3, Protocol: IPProtoTCP, Port: 2049}
	p := NewPacker()
	m.pack(p)
	c := NewCursor(p.Bytes())
	got, err := unpackMapping(c)
	if err != nil {
		t.Fatalf("unpackMapping: %v", err)
	}
	if !reflect.DeepEqual(got, m) {
		t.Errorf("got %+v, want %+v", got, m)
	}
}

func TestProtocolFor(t *testing.T) {
	tests := []struct {
		transport Transport
		want      uint32
		wantErr   bool
	}{
		{TransportTCP, IPProtoTCP, false},
		{TransportTCPCooperative, IPProtoTCP, false},
		{TransportUDP, IPProtoUDP, false},
		{Transport(99), 0, true},
	}
	for _, tt := range tests {
		got, err := ProtocolFor(tt.transport)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidProtocol) {
				t.Errorf("ProtocolFor(%v): expected ErrInvalidProtocol, got %v", tt.transport, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ProtocolFor(%v) = %d, %v; want %d, nil", tt.transport, got, err, tt.want)
		}
	}
}

func TestDumpDecodesMultipleMappingsInInsertionOrder(t *testing.T) {
	mappings := []PortmapMapping{
		{Program: 100000, Version: 2, Protocol: IPProtoUDP, Port: 111},
		{Program: 100003, Version: 3, Protocol: IPProtoTCP, Port: 2049},
		{Program: 100005, Version: 1, Protocol: IPProtoUDP, Port: 635},
	}
	p := NewPacker()
	for _, m := range mappings {
		p.PackBool(true)
		m.pack(p)
	}
	p.PackBool(false)

	c := NewCursor(p.Bytes())
	var got []PortmapMapping
	for {
		more, err := c.UnpackBool()
		if err != nil {
			t.Fatalf("UnpackBool: %v", err)
		}
		if !more {
			break
		}
		m, err := unpackMapping(c)
		if err != nil {
			t.Fatalf("unpackMapping: %v", err)
		}
		got = append(got, m)
	}
	if !reflect.DeepEqual(got, mappings) {
		t.Errorf("got %+v, want %+v", got, mappings)
	}
}

// newTestPortmapper assembles a portmapper server out of the generic Server
// and registry, backed by an in-memory ordered mapping table. Its CALLIT
// handler forwards the opaque call through resolve, standing in for a locally
// registered program.
func newTestPortmapper(t *testing.T, transport Transport, resolve Resolver, targetProg, targetVers uint32) *Server {
	t.Helper()
	var mu sync.Mutex
	var mappings []PortmapMapping

	srv := NewServer("127.0.0.1", 0, PortmapperProgram, PortmapperVersion, ServerOptions{Transport: transport})
	srv.AddMethod(PmapProcSet, func(p *Packer, c *Cursor) error {
		m, err := unpackMapping(c)
		if err != nil {
			return err
		}
		mu.Lock()
		mappings = append(mappings, m)
		mu.Unlock()
		p.PackBool(true)
		return nil
	})
	srv.AddMethod(PmapProcUnset, func(p *Packer, c *Cursor) error {
		m, err := unpackMapping(c)
		if err != nil {
			return err
		}
		mu.Lock()
		removed := false
		kept := mappings[:0]
		for _, existing := range mappings {
			if existing.Program == m.Program && existing.Version == m.Version && existing.Protocol == m.Protocol {
				removed = true
				continue
			}
			kept = append(kept, existing)
		}
		mappings = kept
		mu.Unlock()
		p.PackBool(removed)
		return nil
	})
	srv.AddMethod(PmapProcGetPort, func(p *Packer, c *Cursor) error {
		m, err := unpackMapping(c)
		if err != nil {
			return err
		}
		var port uint32
		mu.Lock()
		for _, existing := range mappings {
			if existing.Program == m.Program && existing.Version == m.Version && existing.Protocol == m.Protocol {
				port = existing.Port
				break
			}
		}
		mu.Unlock()
		p.PackUint(port)
		return nil
	})
	srv.AddMethod(PmapProcDump, func(p *Packer, c *Cursor) error {
		if !c.Done() {
			return &ArgumentError{Procedure: PmapProcDump, Reason: "unexpected arguments"}
		}
		mu.Lock()
		for _, m := range mappings {
			p.PackBool(true)
			m.pack(p)
		}
		mu.Unlock()
		p.PackBool(false)
		return nil
	})
	srv.AddMethod(PmapProcCallit, func(p *Packer, c *Cursor) error {
		if _, err := c.UnpackUint(); err != nil { // prog
			return err
		}
		if _, err := c.UnpackUint(); err != nil { // vers
			return err
		}
		if _, err := c.UnpackUint(); err != nil { // proc
			return err
		}
		args, err := c.UnpackOpaque()
		if err != nil {
			return err
		}
		reply, ok := DispatchCall(resolve, targetProg, targetVers, args, nil)
		if !ok {
			return &ProtocolError{Op: "callit", Err: ErrBadFormat}
		}
		cur := NewCursor(reply)
		if _, err := DecodeReplyHeader(cur); err != nil {
			return err
		}
		p.PackUint(2049)
		p.PackOpaque(cur.Bytes())
		return nil
	})
	if err := srv.Bind(); err != nil {
		t.Fatalf("portmapper Bind: %v", err)
	}
	return srv
}

func TestPortmapperSetDumpGetPort(t *testing.T) {
	srv := newTestPortmapper(t, TransportTCP, registryResolver(NewProcedureRegistry()), 0, 0)
	defer srv.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Listen(ctx)

	pm := NewPortmapperClient("127.0.0.1", srv.Port, TransportTCP, ClientOptions{})
	if err := pm.Dial(context.Background()); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer pm.Close()

	want := []PortmapMapping{
		{Program: 100003, Version: 3, Protocol: IPProtoTCP, Port: 2049},
		{Program: 100005, Version: 1, Protocol: IPProtoUDP, Port: 635},
	}
	for _, m := range want {
		ok, err := pm.Set(m.Program, m.Version, m.Protocol, m.Port)
		if err != nil || !ok {
			t.Fatalf("Set(%+v) = %v, %v", m, ok, err)
		}
	}

	got, err := pm.Dump()
	if err != nil {
		t.Fatalf("Dump: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Dump = %+v, want %+v (insertion order)", got, want)
	}

	port, err := pm.GetPort(100003, 3, IPProtoTCP)
	if err != nil || port != 2049 {
		t.Errorf("GetPort = %d, %v, want 2049", port, err)
	}
	port, err = pm.GetPort(200000, 1, IPProtoTCP)
	if err != nil || port != 0 {
		t.Errorf("GetPort for unregistered program = %d, %v, want 0", port, err)
	}

	ok, err := pm.Unset(100005, 1, IPProtoUDP, 635)
	if err != nil || !ok {
		t.Fatalf("Unset = %v, %v", ok, err)
	}
	got, err = pm.Dump()
	if err != nil {
		t.Fatalf("Dump after Unset: %v", err)
	}
	if len(got) != 1 || got[0] != want[0] {
		t.Errorf("Dump after Unset = %+v, want just %+v", got, want[0])
	}
}

func TestUDPClientTunnelThroughCallit(t *testing.T) {
	registry := NewProcedureRegistry()
	registry.Add(echoDouble, func(p *Packer, c *Cursor) error {
		v, err := c.UnpackUint()
		if err != nil {
			return err
		}
		p.PackUint(v * 2)
		return nil
	})

	srv := newTestPortmapper(t, TransportUDP, registryResolver(registry), echoProgram, echoVersion)
	defer srv.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Listen(ctx)

	tunnel := NewPortmapperClient("127.0.0.1", srv.Port, TransportUDP, ClientOptions{})
	client := NewUDPClient("10.0.0.1", 12345, echoProgram, echoVersion, ClientOptions{})
	client.SetTunnel(tunnel)
	if err := client.Dial(context.Background()); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	call, err := client.MakeCall(echoDouble)
	if err != nil {
		t.Fatalf("MakeCall: %v", err)
	}
	call.Packer.PackUint(21)
	if err := client.Call(call); err != nil {
		t.Fatalf("Call via tunnel: %v", err)
	}
	result, err := call.Cursor.UnpackUint()
	if err != nil || result != 42 {
		t.Errorf("result = %v, err = %v, want 42", result, err)
	}
}
