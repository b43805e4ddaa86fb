package oncrpc

import "fmt"

// RPC message types (RFC 5531 §8).
const (
	MsgCall  uint32 = 0
	MsgReply uint32 = 1
)

// RPCVersion is the only RPC version this package speaks.
const RPCVersion uint32 = 2

// Authentication flavors (RFC 5531 §8.2). Only AuthNone round-trips
// successfully through this package's dispatch path; AuthUnix can be packed
// and parsed but is never verified.
const (
	AuthNone  uint32 = 0
	AuthUnix  uint32 = 1
	AuthShort uint32 = 2
	AuthDES   uint32 = 3
)

// MaxAuthOpaque is the RFC 5531 maximum length of a credential or verifier
// body.
const MaxAuthOpaque = 400

// Reply status (RFC 5531 §8).
const (
	MsgAccepted uint32 = 0
	MsgDenied   uint32 = 1
)

// Accepted-reply status codes.
const (
	Success      uint32 = 0
	ProgUnavail  uint32 = 1
	ProgMismatch uint32 = 2
	ProcUnavail  uint32 = 3
	GarbageArgs  uint32 = 4
	SystemErr    uint32 = 5
)

// Denied-reply status codes.
const (
	RPCMismatch uint32 = 0
	AuthError   uint32 = 1
)

// Auth rejection subcodes (RFC 5531 §8.1), carried in AuthError denials.
const (
	AuthBadCred      uint32 = 1
	AuthRejectedCred uint32 = 2
	AuthBadVerf      uint32 = 3
	AuthRejectedVerf uint32 = 4
	AuthTooWeak      uint32 = 5
)

// AuthRecord is a credential or verifier: an opaque authentication flavor
// and up to MaxAuthOpaque bytes of flavor-specific data. AuthNone always
// carries a zero-length body.
type AuthRecord struct {
	Flavor uint32
	Body   []byte
}

// NullAuth is the zero-length AUTH_NONE record used by default for both
// credential and verifier.
func NullAuth() AuthRecord { return AuthRecord{Flavor: AuthNone} }

func (a AuthRecord) pack(p *Packer) error {
	if len(a.Body) > MaxAuthOpaque {
		return fmt.Errorf("%w: auth body length %d exceeds %d", ErrBadFormat, len(a.Body), MaxAuthOpaque)
	}
	p.PackUint(a.Flavor)
	p.PackOpaque(a.Body)
	return nil
}

func unpackAuth(c *Cursor) (AuthRecord, error) {
	flavor, err := c.UnpackUint()
	if err != nil {
		return AuthRecord{}, err
	}
	body, err := c.UnpackOpaque()
	if err != nil {
		return AuthRecord{}, err
	}
	if len(body) > MaxAuthOpaque {
		return AuthRecord{}, fmt.Errorf("%w: auth body length %d exceeds %d", ErrBadFormat, len(body), MaxAuthOpaque)
	}
	out := make([]byte, len(body))
	copy(out, body)
	return AuthRecord{Flavor: flavor, Body: out}, nil
}

// CallHeader is the fixed portion of an RPC call message (RFC 5531 §8).
type CallHeader struct {
	Xid       uint32
	Program   uint32
	Version   uint32
	Procedure uint32
	Cred      AuthRecord
	Verf      AuthRecord
}

// EncodeCallHeader writes a complete call header (msg_type=CALL, rpcvers=2)
// to p.
func EncodeCallHeader(p *Packer, h CallHeader) error {
	p.PackUint(h.Xid)
	p.PackUint(MsgCall)
	p.PackUint(RPCVersion)
	p.PackUint(h.Program)
	p.PackUint(h.Version)
	p.PackUint(h.Procedure)
	if err := h.Cred.pack(p); err != nil {
		return err
	}
	return h.Verf.pack(p)
}

// DecodeCallHeader reads a complete call header from c, including its
// trailing credential and verifier. It returns ErrBadFormat if msg_type is
// not CALL and ErrBadVersion if rpcvers is not 2. It does not validate
// program or version; the server dispatch pipeline (see DispatchCall) parses
// the header itself so that each failure produces its own reply.
func DecodeCallHeader(c *Cursor) (CallHeader, error) {
	var h CallHeader
	var err error
	if h.Xid, err = c.UnpackUint(); err != nil {
		return h, err
	}
	msgType, err := c.UnpackUint()
	if err != nil {
		return h, err
	}
	if msgType != MsgCall {
		return h, fmt.Errorf("%w: expected CALL, got message type %d", ErrBadFormat, msgType)
	}
	rpcvers, err := c.UnpackUint()
	if err != nil {
		return h, err
	}
	if rpcvers != RPCVersion {
		return h, fmt.Errorf("%w: rpcvers %d", ErrBadVersion, rpcvers)
	}
	if h.Program, err = c.UnpackUint(); err != nil {
		return h, err
	}
	if h.Version, err = c.UnpackUint(); err != nil {
		return h, err
	}
	if h.Procedure, err = c.UnpackUint(); err != nil {
		return h, err
	}
	if h.Cred, err = unpackAuth(c); err != nil {
		return h, err
	}
	if h.Verf, err = unpackAuth(c); err != nil {
		return h, err
	}
	return h, nil
}

// ReplyHeader is the reply half of an RPC message (RFC 5531 §8), including
// the tagged accepted/denied tail.
type ReplyHeader struct {
	Xid       uint32
	Status    uint32 // MsgAccepted or MsgDenied
	Verf      AuthRecord
	Accept    uint32 // valid when Status == MsgAccepted
	Deny      uint32 // valid when Status == MsgDenied: RPCMismatch or AuthError
	Low, High uint32 // mismatch range, for ProgMismatch or RPCMismatch
	AuthStat  uint32 // valid when Deny == AuthError
}

// EncodeReplyHeader writes a complete reply header, including whichever tail
// fields are relevant to h.Status/h.Accept/h.Deny. It does not write a
// procedure result payload; callers append that to p themselves after
// calling this function when Status==MsgAccepted && Accept==Success.
func EncodeReplyHeader(p *Packer, h ReplyHeader) error {
	p.PackUint(h.Xid)
	p.PackUint(MsgReply)
	p.PackUint(h.Status)
	switch h.Status {
	case MsgAccepted:
		if err := h.Verf.pack(p); err != nil {
			return err
		}
		p.PackUint(h.Accept)
		if h.Accept == ProgMismatch {
			p.PackUint(h.Low)
			p.PackUint(h.High)
		}
	case MsgDenied:
		p.PackUint(h.Deny)
		switch h.Deny {
		case RPCMismatch:
			p.PackUint(h.Low)
			p.PackUint(h.High)
		case AuthError:
			p.PackUint(h.AuthStat)
		}
	default:
		return fmt.Errorf("%w: reply_stat %d", ErrBadFormat, h.Status)
	}
	return nil
}

// DecodeReplyHeader reads a complete reply header (including its tail) from
// c, leaving the cursor positioned at the start of the procedure result
// payload when Status==MsgAccepted && Accept==Success.
func DecodeReplyHeader(c *Cursor) (ReplyHeader, error) {
	var h ReplyHeader
	var err error
	if h.Xid, err = c.UnpackUint(); err != nil {
		return h, err
	}
	msgType, err := c.UnpackUint()
	if err != nil {
		return h, err
	}
	if msgType != MsgReply {
		return h, fmt.Errorf("%w: expected REPLY, got message type %d", ErrBadFormat, msgType)
	}
	if h.Status, err = c.UnpackUint(); err != nil {
		return h, err
	}
	switch h.Status {
	case MsgAccepted:
		if h.Verf, err = unpackAuth(c); err != nil {
			return h, err
		}
		if h.Accept, err = c.UnpackUint(); err != nil {
			return h, err
		}
		if h.Accept == ProgMismatch {
			if h.Low, err = c.UnpackUint(); err != nil {
				return h, err
			}
			if h.High, err = c.UnpackUint(); err != nil {
				return h, err
			}
		}
	case MsgDenied:
		if h.Deny, err = c.UnpackUint(); err != nil {
			return h, err
		}
		switch h.Deny {
		case RPCMismatch:
			if h.Low, err = c.UnpackUint(); err != nil {
				return h, err
			}
			if h.High, err = c.UnpackUint(); err != nil {
				return h, err
			}
		case AuthError:
			if h.AuthStat, err = c.UnpackUint(); err != nil {
				return h, err
			}
		default:
			return h, fmt.Errorf("%w: reject_stat %d", ErrBadFormat, h.Deny)
		}
	default:
		return h, fmt.Errorf("%w: reply_stat %d", ErrBadFormat, h.Status)
	}
	return h, nil
}
