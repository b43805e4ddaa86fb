package oncrpc

import (
	"bytes"
	"errors"
	"testing"
)

func TestCallHeaderRoundTrip(t *testing.T) {
	in := CallHeader{
		Xid: 7, Program: 100003, Version: 3, Procedure: 1,
		Cred: NullAuth(), Verf: NullAuth(),
	}
	p := NewPacker()
	if err := EncodeCallHeader(p, in); err != nil {
		t.Fatalf("EncodeCallHeader: %v", err)
	}
	c := NewCursor(p.Bytes())
	out, err := DecodeCallHeader(c)
	if err != nil {
		t.Fatalf("DecodeCallHeader: %v", err)
	}
	if out.Xid != in.Xid || out.Program != in.Program || out.Version != in.Version || out.Procedure != in.Procedure {
		t.Errorf("got %+v, want %+v", out, in)
	}
	if !c.Done() {
		t.Error("cursor not exhausted after call header")
	}
}

func TestCallHeaderRejectsWrongRPCVersion(t *testing.T) {
	in := CallHeader{Xid: 1, Program: 1, Version: 1, Procedure: 0, Cred: NullAuth(), Verf: NullAuth()}
	p := NewPacker()
	EncodeCallHeader(p, in)
	raw := p.Bytes()
	// Overwrite the rpcvers field (3rd uint32) with an unsupported value.
	raw[11] = 9

	c := NewCursor(raw)
	if _, err := DecodeCallHeader(c); !errors.Is(err, ErrBadVersion) {
		t.Errorf("expected ErrBadVersion, got %v", err)
	}
}

func TestReplyHeaderSuccessRoundTrip(t *testing.T) {
	in := ReplyHeader{Xid: 42, Status: MsgAccepted, Verf: NullAuth(), Accept: Success}
	p := NewPacker()
	if err := EncodeReplyHeader(p, in); err != nil {
		t.Fatalf("EncodeReplyHeader: %v", err)
	}
	c := NewCursor(p.Bytes())
	out, err := DecodeReplyHeader(c)
	if err != nil {
		t.Fatalf("DecodeReplyHeader: %v", err)
	}
	if out.Xid != 42 || out.Status != MsgAccepted || out.Accept != Success {
		t.Errorf("got %+v", out)
	}
	if !c.Done() {
		t.Error("cursor not exhausted")
	}
}

func TestReplyHeaderProgMismatchCarriesRange(t *testing.T) {
	in := ReplyHeader{Xid: 1, Status: MsgAccepted, Verf: NullAuth(), Accept: ProgMismatch, Low: 2, High: 2}
	p := NewPacker()
	EncodeReplyHeader(p, in)
	c := NewCursor(p.Bytes())
	out, err := DecodeReplyHeader(c)
	if err != nil {
		t.Fatalf("DecodeReplyHeader: %v", err)
	}
	if out.Low != 2 || out.High != 2 {
		t.Errorf("got Low=%d High=%d, want 2,2", out.Low, out.High)
	}
}

func TestReplyHeaderDeniedRPCMismatch(t *testing.T) {
	in := ReplyHeader{Xid: 1, Status: MsgDenied, Deny: RPCMismatch, Low: 2, High: 2}
	p := NewPacker()
	EncodeReplyHeader(p, in)
	c := NewCursor(p.Bytes())
	out, err := DecodeReplyHeader(c)
	if err != nil {
		t.Fatalf("DecodeReplyHeader: %v", err)
	}
	if out.Status != MsgDenied || out.Deny != RPCMismatch {
		t.Errorf("got %+v", out)
	}
}

func TestReplyHeaderDeniedAuthError(t *testing.T) {
	in := ReplyHeader{Xid: 1, Status: MsgDenied, Deny: AuthError, AuthStat: AuthBadCred}
	p := NewPacker()
	EncodeReplyHeader(p, in)
	c := NewCursor(p.Bytes())
	out, err := DecodeReplyHeader(c)
	if err != nil {
		t.Fatalf("DecodeReplyHeader: %v", err)
	}
	if out.AuthStat != AuthBadCred {
		t.Errorf("got AuthStat=%d, want %d", out.AuthStat, AuthBadCred)
	}
}

func TestAuthRecordRejectsOversizedBody(t *testing.T) {
	a := AuthRecord{Flavor: AuthUnix, Body: make([]byte, MaxAuthOpaque+1)}
	p := NewPacker()
	if err := a.pack(p); err == nil {
		t.Error("expected oversized auth body to be rejected")
	}
}

func TestHeaderParseIdempotence(t *testing.T) {
	// Decoding the same encoded header bytes twice must produce identical
	// values and leave the cursor in the same exhausted state both times.
	in := CallHeader{Xid: 5, Program: 1, Version: 1, Procedure: 2, Cred: NullAuth(), Verf: NullAuth()}
	p := NewPacker()
	EncodeCallHeader(p, in)
	raw := p.Bytes()

	for i := 0; i < 2; i++ {
		c := NewCursor(raw)
		out, err := DecodeCallHeader(c)
		if err != nil {
			t.Fatalf("iteration %d: %v", i, err)
		}
		if out.Xid != in.Xid {
			t.Errorf("iteration %d: Xid = %d, want %d", i, out.Xid, in.Xid)
		}
		if !c.Done() {
			t.Errorf("iteration %d: cursor not exhausted", i)
		}
	}
}

func TestCallHeaderReencodeByteIdentical(t *testing.T) {
	// A call byte string re-encoded from a decoded call must be byte-identical
	// to the original under NULL auth.
	in := CallHeader{Xid: 1, Program: 1337, Version: 2, Procedure: 1, Cred: NullAuth(), Verf: NullAuth()}
	p := NewPacker()
	if err := EncodeCallHeader(p, in); err != nil {
		t.Fatalf("EncodeCallHeader: %v", err)
	}
	original := make([]byte, p.Len())
	copy(original, p.Bytes())

	decoded, err := DecodeCallHeader(NewCursor(original))
	if err != nil {
		t.Fatalf("DecodeCallHeader: %v", err)
	}
	p2 := NewPacker()
	if err := EncodeCallHeader(p2, decoded); err != nil {
		t.Fatalf("re-encode: %v", err)
	}
	if !bytes.Equal(p2.Bytes(), original) {
		t.Errorf("re-encoded header differs:\n got %x\nwant %x", p2.Bytes(), original)
	}
}
