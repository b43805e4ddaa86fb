package oncrpc

import (
	"errors"
	"testing"
)

func buildCall(xid, rpcvers, program, version, procedure uint32) []byte {
	p := NewPacker()
	p.PackUint(xid)
	p.PackUint(MsgCall)
	p.PackUint(rpcvers)
	p.PackUint(program)
	p.PackUint(version)
	p.PackUint(procedure)
	NullAuth().pack(p)
	NullAuth().pack(p)
	return p.Bytes()
}

func decodeReply(t *testing.T, data []byte) ReplyHeader {
	t.Helper()
	hdr, err := DecodeReplyHeader(NewCursor(data))
	if err != nil {
		t.Fatalf("DecodeReplyHeader: %v", err)
	}
	return hdr
}

func TestDispatchCallSuccess(t *testing.T) {
	registry := NewProcedureRegistry()
	registry.Add(1, func(p *Packer, c *Cursor) error {
		p.PackUint(123)
		return nil
	})
	resolve := registryResolver(registry)

	call := buildCall(1, RPCVersion, 100, 1, 1)
	reply, ok := DispatchCall(resolve, 100, 1, call, nil)
	if !ok {
		t.Fatal("expected a reply to be generated")
	}
	hdr := decodeReply(t, reply)
	if hdr.Status != MsgAccepted || hdr.Accept != Success {
		t.Fatalf("got status=%d accept=%d, want accepted/success", hdr.Status, hdr.Accept)
	}

	cur := NewCursor(reply)
	DecodeReplyHeader(cur)
	v, err := cur.UnpackUint()
	if err != nil || v != 123 {
		t.Errorf("result = %v, err = %v, want 123", v, err)
	}
}

func TestDispatchCallTurnAround(t *testing.T) {
	registry := NewProcedureRegistry()
	resolve := registryResolver(registry)
	call := buildCall(1, RPCVersion, 100, 1, 0) // proc 0 is turnAround
	reply, ok := DispatchCall(resolve, 100, 1, call, nil)
	if !ok {
		t.Fatal("expected a reply")
	}
	hdr := decodeReply(t, reply)
	if hdr.Accept != Success {
		t.Errorf("turn_around: accept = %d, want Success", hdr.Accept)
	}
}

func TestDispatchCallRPCVersionMismatch(t *testing.T) {
	registry := NewProcedureRegistry()
	resolve := registryResolver(registry)
	call := buildCall(1, 77, 100, 1, 0)
	reply, ok := DispatchCall(resolve, 100, 1, call, nil)
	if !ok {
		t.Fatal("expected a reply")
	}
	hdr := decodeReply(t, reply)
	if hdr.Status != MsgDenied || hdr.Deny != RPCMismatch {
		t.Errorf("got status=%d deny=%d, want denied/rpc_mismatch", hdr.Status, hdr.Deny)
	}
}

func TestDispatchCallProgUnavail(t *testing.T) {
	registry := NewProcedureRegistry()
	resolve := registryResolver(registry)
	call := buildCall(1, RPCVersion, 999, 1, 0)
	reply, ok := DispatchCall(resolve, 100, 1, call, nil)
	if !ok {
		t.Fatal("expected a reply")
	}
	hdr := decodeReply(t, reply)
	if hdr.Accept != ProgUnavail {
		t.Errorf("accept = %d, want ProgUnavail", hdr.Accept)
	}
}

func TestDispatchCallProgMismatch(t *testing.T) {
	registry := NewProcedureRegistry()
	resolve := registryResolver(registry)
	call := buildCall(1, RPCVersion, 100, 2, 0)
	reply, ok := DispatchCall(resolve, 100, 1, call, nil)
	if !ok {
		t.Fatal("expected a reply")
	}
	hdr := decodeReply(t, reply)
	if hdr.Accept != ProgMismatch || hdr.Low != 1 || hdr.High != 1 {
		t.Errorf("got accept=%d low=%d high=%d, want ProgMismatch/1/1", hdr.Accept, hdr.Low, hdr.High)
	}
}

func TestDispatchCallProcUnavail(t *testing.T) {
	registry := NewProcedureRegistry()
	resolve := registryResolver(registry)
	call := buildCall(1, RPCVersion, 100, 1, 42)
	reply, ok := DispatchCall(resolve, 100, 1, call, nil)
	if !ok {
		t.Fatal("expected a reply")
	}
	hdr := decodeReply(t, reply)
	if hdr.Accept != ProcUnavail {
		t.Errorf("accept = %d, want ProcUnavail", hdr.Accept)
	}
}

func TestDispatchCallGarbageArgs(t *testing.T) {
	registry := NewProcedureRegistry()
	registry.Add(1, func(p *Packer, c *Cursor) error {
		// A handler that does not consume its arguments triggers GarbageArgs
		// when it returns an error; handlers are responsible for checking
		// c.Done() themselves (turnAround shows the pattern).
		if !c.Done() {
			return &ArgumentError{Procedure: 1, Reason: "unread bytes"}
		}
		return nil
	})
	resolve := registryResolver(registry)

	// Build a call whose argument section (a 4-byte uint32) the handler above
	// never reads, since it only checks c.Done().
	p := NewPacker()
	p.PackUint(1)
	p.PackUint(MsgCall)
	p.PackUint(RPCVersion)
	p.PackUint(100)
	p.PackUint(1)
	p.PackUint(1)
	NullAuth().pack(p)
	NullAuth().pack(p)
	p.PackUint(0xFFFF) // extra unread 4-byte argument

	reply, ok := DispatchCall(resolve, 100, 1, p.Bytes(), nil)
	if !ok {
		t.Fatal("expected a reply")
	}
	hdr := decodeReply(t, reply)
	if hdr.Accept != GarbageArgs {
		t.Errorf("accept = %d, want GarbageArgs", hdr.Accept)
	}
}

func TestDispatchCallNonCallMessageYieldsNoReply(t *testing.T) {
	resolve := registryResolver(NewProcedureRegistry())
	p := NewPacker()
	p.PackUint(1)
	p.PackUint(MsgReply) // not a CALL
	_, ok := DispatchCall(resolve, 100, 1, p.Bytes(), nil)
	if ok {
		t.Error("expected no reply for a non-CALL message")
	}
}

func TestDispatchCallRecordsMetrics(t *testing.T) {
	registry := NewProcedureRegistry()
	resolve := registryResolver(registry)
	m := NewMetrics(nil, "test", "dispatch")

	call := buildCall(1, RPCVersion, 999, 1, 0)
	DispatchCall(resolve, 100, 1, call, m)
	snap := m.Snapshot()
	if snap.ProgUnavail != 1 {
		t.Errorf("ProgUnavail = %d, want 1", snap.ProgUnavail)
	}
}

func TestDispatchCallArgumentDecodeFailureIsGarbageArgs(t *testing.T) {
	registry := NewProcedureRegistry()
	registry.Add(1, func(p *Packer, c *Cursor) error {
		_, err := c.UnpackUint() // no argument bytes were sent
		return err
	})
	resolve := registryResolver(registry)
	call := buildCall(1, RPCVersion, 100, 1, 1)
	reply, ok := DispatchCall(resolve, 100, 1, call, nil)
	if !ok {
		t.Fatal("expected a reply")
	}
	hdr := decodeReply(t, reply)
	if hdr.Accept != GarbageArgs {
		t.Errorf("accept = %d, want GarbageArgs", hdr.Accept)
	}
}

func TestDispatchCallApplicationErrorYieldsNoReply(t *testing.T) {
	registry := NewProcedureRegistry()
	registry.Add(1, func(p *Packer, c *Cursor) error {
		return errors.New("handler blew up")
	})
	resolve := registryResolver(registry)
	call := buildCall(1, RPCVersion, 100, 1, 1)
	if _, ok := DispatchCall(resolve, 100, 1, call, nil); ok {
		t.Error("expected no reply for an application error")
	}
}
