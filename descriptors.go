package oncrpc

import "fmt"

// Kind tags a Descriptor's variant. Descriptors are a tagged variant
// dispatched on Kind rather than dynamically constructed closure-bearing
// types.
type Kind int

const (
	KindInt Kind = iota
	KindUInt
	KindBool
	KindFloat
	KindDouble
	KindString
	KindBytes
	KindFString
	KindFBytes
	KindList
	KindArray
	KindFArray
)

// Descriptor is a runtime-describable type tag binding a Go value to an XDR
// pack/unpack pair. Composite descriptors (FString/FBytes/List/Array/FArray)
// are parameterized at construction time with a length and/or an inner
// Descriptor; leaf descriptors carry no parameters.
//
// A Descriptor is immutable and safe to share across goroutines and across
// any number of Pack/Unpack calls.
type Descriptor struct {
	kind   Kind
	length int         // FString, FBytes, FArray
	inner  *Descriptor // List, Array, FArray
}

// Leaf descriptor singletons. These carry no construction-time parameters
// and can be reused freely.
var (
	Int    = &Descriptor{kind: KindInt}
	UInt   = &Descriptor{kind: KindUInt}
	Bool   = &Descriptor{kind: KindBool}
	Float  = &Descriptor{kind: KindFloat}
	Double = &Descriptor{kind: KindDouble}
	String = &Descriptor{kind: KindString}
	Bytes  = &Descriptor{kind: KindBytes}
)

// FString returns a descriptor for a fixed-length, non-length-prefixed
// string of exactly n bytes padded to a 4-byte boundary.
func FString(n int) *Descriptor {
	return &Descriptor{kind: KindFString, length: n}
}

// FBytes returns a descriptor for a fixed-length, non-length-prefixed opaque
// byte string of exactly n bytes padded to a 4-byte boundary.
func FBytes(n int) *Descriptor {
	return &Descriptor{kind: KindFBytes, length: n}
}

// List returns a descriptor for an XDR list: a repeated (continuation flag,
// element) pattern terminated by a zero continuation flag, permitting
// streaming of arbitrary-length sequences. Every element packed or unpacked
// through this descriptor must be homogeneous with inner.
func List(inner *Descriptor) *Descriptor {
	return &Descriptor{kind: KindList, inner: inner}
}

// Array returns a descriptor for an XDR variable-length array: a uint32
// count followed by that many elements.
func Array(inner *Descriptor) *Descriptor {
	return &Descriptor{kind: KindArray, inner: inner}
}

// FArray returns a descriptor for an XDR fixed-length array of exactly n
// elements, with no count prefix.
func FArray(inner *Descriptor, n int) *Descriptor {
	return &Descriptor{kind: KindFArray, inner: inner, length: n}
}

// Pack validates and encodes v into p according to the descriptor's kind.
// Construction-time-shaped validations (fixed length, homogeneity) happen
// before any byte is written, so a failed Pack never leaves a partial value
// in the packer... except for List/Array/FArray, where the bytes already
// written for earlier elements (and, for List, the continuation markers)
// stay in the packer when a later element fails to pack.
func (d *Descriptor) Pack(p *Packer, v interface{}) error {
	switch d.kind {
	case KindInt:
		iv, ok := v.(int32)
		if !ok {
			return fmt.Errorf("%w: Int expects int32, got %T", ErrBadType, v)
		}
		p.PackInt(iv)
		return nil
	case KindUInt:
		uv, ok := v.(uint32)
		if !ok {
			return fmt.Errorf("%w: UInt expects uint32, got %T", ErrBadType, v)
		}
		p.PackUint(uv)
		return nil
	case KindBool:
		bv, ok := v.(bool)
		if !ok {
			return fmt.Errorf("%w: Bool expects bool, got %T", ErrBadType, v)
		}
		p.PackBool(bv)
		return nil
	case KindFloat:
		fv, ok := v.(float32)
		if !ok {
			return fmt.Errorf("%w: Float expects float32, got %T", ErrBadType, v)
		}
		p.PackFloat(fv)
		return nil
	case KindDouble:
		dv, ok := v.(float64)
		if !ok {
			return fmt.Errorf("%w: Double expects float64, got %T", ErrBadType, v)
		}
		p.PackDouble(dv)
		return nil
	case KindString:
		sv, ok := v.(string)
		if !ok {
			return fmt.Errorf("%w: String expects string, got %T", ErrBadType, v)
		}
		p.PackString(sv)
		return nil
	case KindBytes:
		bv, ok := v.([]byte)
		if !ok {
			return fmt.Errorf("%w: Bytes expects []byte, got %T", ErrBadType, v)
		}
		p.PackOpaque(bv)
		return nil
	case KindFString:
		sv, ok := v.(string)
		if !ok {
			return fmt.Errorf("%w: FString expects string, got %T", ErrBadType, v)
		}
		if len(sv) != d.length {
			return fmt.Errorf("%w: FString(%d) got length %d", ErrWrongLength, d.length, len(sv))
		}
		return p.PackFString(d.length, sv)
	case KindFBytes:
		bv, ok := v.([]byte)
		if !ok {
			return fmt.Errorf("%w: FBytes expects []byte, got %T", ErrBadType, v)
		}
		if len(bv) != d.length {
			return fmt.Errorf("%w: FBytes(%d) got length %d", ErrWrongLength, d.length, len(bv))
		}
		return p.PackFOpaque(d.length, bv)
	case KindList:
		items, err := toSlice(v)
		if err != nil {
			return err
		}
		if err := d.checkHomogeneous(items); err != nil {
			return err
		}
		for _, item := range items {
			p.PackBool(true)
			if err := d.inner.Pack(p, item); err != nil {
				return err
			}
		}
		p.PackBool(false)
		return nil
	case KindArray:
		items, err := toSlice(v)
		if err != nil {
			return err
		}
		if err := d.checkHomogeneous(items); err != nil {
			return err
		}
		p.PackUint(uint32(len(items)))
		for _, item := range items {
			if err := d.inner.Pack(p, item); err != nil {
				return err
			}
		}
		return nil
	case KindFArray:
		items, err := toSlice(v)
		if err != nil {
			return err
		}
		if len(items) != d.length {
			return fmt.Errorf("%w: FArray(%d) got length %d", ErrWrongLength, d.length, len(items))
		}
		if err := d.checkHomogeneous(items); err != nil {
			return err
		}
		for _, item := range items {
			if err := d.inner.Pack(p, item); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("oncrpc: unknown descriptor kind %d", d.kind)
	}
}

// Unpack decodes and returns a value of the shape described by d from c. A
// fresh inner Unpack call is applied per element of a composite, so
// unpacking a List/Array/FArray always re-reads every element rather than
// reusing a single decoded value.
func (d *Descriptor) Unpack(c *Cursor) (interface{}, error) {
	switch d.kind {
	case KindInt:
		return c.UnpackInt()
	case KindUInt:
		return c.UnpackUint()
	case KindBool:
		return c.UnpackBool()
	case KindFloat:
		return c.UnpackFloat()
	case KindDouble:
		return c.UnpackDouble()
	case KindString:
		return c.UnpackString()
	case KindBytes:
		raw, err := c.UnpackOpaque()
		if err != nil {
			return nil, err
		}
		out := make([]byte, len(raw))
		copy(out, raw)
		return out, nil
	case KindFString:
		return c.UnpackFString(d.length)
	case KindFBytes:
		raw, err := c.UnpackFOpaque(d.length)
		if err != nil {
			return nil, err
		}
		out := make([]byte, len(raw))
		copy(out, raw)
		return out, nil
	case KindList:
		items := []interface{}{}
		for {
			more, err := c.UnpackBool()
			if err != nil {
				return nil, err
			}
			if !more {
				break
			}
			v, err := d.inner.Unpack(c)
			if err != nil {
				return nil, err
			}
			items = append(items, v)
		}
		return items, nil
	case KindArray:
		count, err := c.UnpackUint()
		if err != nil {
			return nil, err
		}
		if int(count) > c.Remaining() {
			return nil, fmt.Errorf("%w: array count %d", ErrOverlongOpaque, count)
		}
		items := make([]interface{}, count)
		for i := range items {
			v, err := d.inner.Unpack(c)
			if err != nil {
				return nil, err
			}
			items[i] = v
		}
		return items, nil
	case KindFArray:
		items := make([]interface{}, d.length)
		for i := range items {
			v, err := d.inner.Unpack(c)
			if err != nil {
				return nil, err
			}
			items[i] = v
		}
		return items, nil
	default:
		return nil, fmt.Errorf("oncrpc: unknown descriptor kind %d", d.kind)
	}
}

// checkHomogeneous rejects a collection whose elements are not all the same
// concrete Go type. List/Array/FArray validate this before any bytes are
// written.
func (d *Descriptor) checkHomogeneous(items []interface{}) error {
	if len(items) == 0 {
		return nil
	}
	first := fmt.Sprintf("%T", items[0])
	for _, item := range items[1:] {
		if fmt.Sprintf("%T", item) != first {
			return ErrNotHomogeneous
		}
	}
	return nil
}

func toSlice(v interface{}) ([]interface{}, error) {
	items, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: composite expects []interface{}, got %T", ErrBadType, v)
	}
	return items, nil
}
