package oncrpc

import "fmt"

// AuthUnixCredential is the RFC 5531 AUTH_UNIX (formerly AUTH_SYS) credential
// body: a timestamp, the caller's machine name, effective UID/GID, and up to
// 16 auxiliary group IDs. No dispatch path in this package verifies an
// AUTH_UNIX credential; pack/unpack are provided so a caller can construct
// or inspect one.
type AuthUnixCredential struct {
	Stamp       uint32
	MachineName string
	UID         uint32
	GID         uint32
	AuxGIDs     []uint32
}

// maxAuxGIDs bounds the auxiliary GID count read from the wire, so a forged
// count field cannot drive a large allocation.
const maxAuxGIDs = 16

// Pack encodes a into a fresh body and wraps it in an AuthRecord with flavor
// AuthUnix.
func (a AuthUnixCredential) Pack() (AuthRecord, error) {
	if len(a.AuxGIDs) > maxAuxGIDs {
		return AuthRecord{}, fmt.Errorf("oncrpc: %d auxiliary GIDs exceeds max %d", len(a.AuxGIDs), maxAuxGIDs)
	}
	body := NewPacker()
	body.PackUint(a.Stamp)
	body.PackString(a.MachineName)
	body.PackUint(a.UID)
	body.PackUint(a.GID)
	body.PackUint(uint32(len(a.AuxGIDs)))
	for _, gid := range a.AuxGIDs {
		body.PackUint(gid)
	}
	return AuthRecord{Flavor: AuthUnix, Body: body.Bytes()}, nil
}

// UnpackAuthUnixCredential decodes the body of an AuthRecord with flavor
// AuthUnix. It returns ErrBadFormat if a.Flavor is not AuthUnix.
func UnpackAuthUnixCredential(a AuthRecord) (AuthUnixCredential, error) {
	if a.Flavor != AuthUnix {
		return AuthUnixCredential{}, fmt.Errorf("%w: flavor %d is not AUTH_UNIX", ErrBadFormat, a.Flavor)
	}
	c := NewCursor(a.Body)
	var out AuthUnixCredential
	var err error
	if out.Stamp, err = c.UnpackUint(); err != nil {
		return out, err
	}
	if out.MachineName, err = c.UnpackString(); err != nil {
		return out, err
	}
	if out.UID, err = c.UnpackUint(); err != nil {
		return out, err
	}
	if out.GID, err = c.UnpackUint(); err != nil {
		return out, err
	}
	count, err := c.UnpackUint()
	if err != nil {
		return out, err
	}
	if count > maxAuxGIDs {
		return out, fmt.Errorf("oncrpc: %d auxiliary GIDs exceeds max %d", count, maxAuxGIDs)
	}
	out.AuxGIDs = make([]uint32, count)
	for i := range out.AuxGIDs {
		if out.AuxGIDs[i], err = c.UnpackUint(); err != nil {
			return out, err
		}
	}
	return out, nil
}
