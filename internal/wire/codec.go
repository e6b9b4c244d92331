package wire

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// The codec below hand-encodes every message directly against the
// low-level protobuf wire primitives (varint tags, length-delimited
// submessages) rather than through generated code. That gives the exact
// binary shape spec.md §6 asks for — "binary, length-prefixed,
// field-tagged ... tag-and-length" — without a protoc step, and unknown
// fields are skipped rather than rejected, so older and newer peers can
// still exchange messages that only partially overlap in their field sets.

// Marshal encodes an Envelope. Exactly one of its fields must be non-nil.
func Marshal(e Envelope) ([]byte, error) {
	var b []byte
	switch {
	case e.Ping != nil:
		b = appendTagBytes(b, 1, marshalPing(*e.Ping))
	case e.Pong != nil:
		b = appendTagBytes(b, 2, marshalPong(*e.Pong))
	case e.RequestOffers != nil:
		b = appendTagBytes(b, 3, marshalRequestOffers(*e.RequestOffers))
	case e.Offers != nil:
		b = appendTagBytes(b, 4, marshalOffers(*e.Offers))
	case e.RunTask != nil:
		b = appendTagBytes(b, 5, marshalRunTask(*e.RunTask))
	case e.TaskAck != nil:
		b = appendTagBytes(b, 6, marshalTaskAck(*e.TaskAck))
	default:
		return nil, fmt.Errorf("wire: empty envelope has no payload variant")
	}
	return b, nil
}

// Unmarshal decodes an Envelope previously produced by Marshal.
func Unmarshal(b []byte) (Envelope, error) {
	var e Envelope
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Envelope{}, fmt.Errorf("wire: envelope: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.BytesType {
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return Envelope{}, fmt.Errorf("wire: envelope: bad field %d: %w", num, protowire.ParseError(m))
			}
			b = b[m:]
			continue
		}
		payload, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return Envelope{}, fmt.Errorf("wire: envelope: bad bytes field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]

		var err error
		switch num {
		case 1:
			var p Ping
			p, err = unmarshalPing(payload)
			e.Ping = &p
		case 2:
			var p Pong
			p, err = unmarshalPong(payload)
			e.Pong = &p
		case 3:
			var p RequestOffers
			p, err = unmarshalRequestOffers(payload)
			e.RequestOffers = &p
		case 4:
			var p Offers
			p, err = unmarshalOffers(payload)
			e.Offers = &p
		case 5:
			var p RunTask
			p, err = unmarshalRunTask(payload)
			e.RunTask = &p
		case 6:
			var p TaskAck
			p, err = unmarshalTaskAck(payload)
			e.TaskAck = &p
		default:
			// unknown variant: skip, forward-compatible
		}
		if err != nil {
			return Envelope{}, err
		}
	}
	return e, nil
}

// --- low-level append/consume helpers --------------------------------------

func appendTagVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendTagString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendTagBytes(b []byte, num protowire.Number, payload []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, payload)
}

func appendTagDouble(b []byte, num protowire.Number, f float64) []byte {
	if f == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(f))
}

// consumeMessage walks payload, calling field for every tagged field it
// finds, and returns a non-nil error if the wire data is corrupt. Unknown
// field numbers are passed through to field so callers can special-case
// them; the default behaviour for an unrecognised field is to ignore it.
func consumeMessage(payload []byte, field func(num protowire.Number, typ protowire.Type, v []byte, raw []byte) (int, error)) error {
	b := payload
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("wire: bad tag: %w", protowire.ParseError(n))
		}
		rest := b[n:]
		consumed, err := field(num, typ, rest, b)
		if err != nil {
			return err
		}
		if consumed < 0 {
			m := protowire.ConsumeFieldValue(num, typ, rest)
			if m < 0 {
				return fmt.Errorf("wire: bad field %d: %w", num, protowire.ParseError(m))
			}
			consumed = n + m
		} else {
			consumed += n
		}
		b = b[consumed:]
	}
	return nil
}

func consumeVarintField(v []byte) (uint64, int, error) {
	x, n := protowire.ConsumeVarint(v)
	if n < 0 {
		return 0, 0, fmt.Errorf("wire: bad varint: %w", protowire.ParseError(n))
	}
	return x, n, nil
}

func consumeStringField(v []byte) (string, int, error) {
	x, n := protowire.ConsumeBytes(v)
	if n < 0 {
		return "", 0, fmt.Errorf("wire: bad string: %w", protowire.ParseError(n))
	}
	return string(x), n, nil
}

func consumeBytesField(v []byte) ([]byte, int, error) {
	x, n := protowire.ConsumeBytes(v)
	if n < 0 {
		return nil, 0, fmt.Errorf("wire: bad bytes: %w", protowire.ParseError(n))
	}
	return x, n, nil
}

func consumeDoubleField(v []byte) (float64, int, error) {
	x, n := protowire.ConsumeFixed64(v)
	if n < 0 {
		return 0, 0, fmt.Errorf("wire: bad fixed64: %w", protowire.ParseError(n))
	}
	return math.Float64frombits(x), n, nil
}

// --- ValueRange -------------------------------------------------------------

func marshalValueRange(r ValueRange) []byte {
	var b []byte
	b = appendTagVarint(b, 1, r.Begin)
	b = appendTagVarint(b, 2, r.End)
	return b
}

func unmarshalValueRange(payload []byte) (ValueRange, error) {
	var r ValueRange
	err := consumeMessage(payload, func(num protowire.Number, typ protowire.Type, v, _ []byte) (int, error) {
		switch num {
		case 1:
			x, n, err := consumeVarintField(v)
			if err != nil {
				return 0, err
			}
			r.Begin = x
			return n, nil
		case 2:
			x, n, err := consumeVarintField(v)
			if err != nil {
				return 0, err
			}
			r.End = x
			return n, nil
		}
		return -1, nil
	})
	return r, err
}

// --- Resource ----------------------------------------------------------------

func marshalResource(r Resource) []byte {
	var b []byte
	b = appendTagString(b, 1, r.Name)
	b = appendTagVarint(b, 2, uint64(r.Kind))
	b = appendTagDouble(b, 3, r.Scalar)
	for _, vr := range r.Ranges {
		b = appendTagBytes(b, 4, marshalValueRange(vr))
	}
	for _, s := range r.Set {
		b = appendTagString(b, 5, s)
	}
	return b
}

func unmarshalResource(payload []byte) (Resource, error) {
	var r Resource
	err := consumeMessage(payload, func(num protowire.Number, typ protowire.Type, v, _ []byte) (int, error) {
		switch num {
		case 1:
			s, n, err := consumeStringField(v)
			if err != nil {
				return 0, err
			}
			r.Name = s
			return n, nil
		case 2:
			x, n, err := consumeVarintField(v)
			if err != nil {
				return 0, err
			}
			r.Kind = ResourceKind(x)
			return n, nil
		case 3:
			f, n, err := consumeDoubleField(v)
			if err != nil {
				return 0, err
			}
			r.Scalar = f
			return n, nil
		case 4:
			raw, n, err := consumeBytesField(v)
			if err != nil {
				return 0, err
			}
			vr, err := unmarshalValueRange(raw)
			if err != nil {
				return 0, err
			}
			r.Ranges = append(r.Ranges, vr)
			return n, nil
		case 5:
			s, n, err := consumeStringField(v)
			if err != nil {
				return 0, err
			}
			r.Set = append(r.Set, s)
			return n, nil
		}
		return -1, nil
	})
	return r, err
}

func marshalResources(num protowire.Number, rs []Resource) []byte {
	var b []byte
	for _, r := range rs {
		b = appendTagBytes(b, num, marshalResource(r))
	}
	return b
}

// --- PortMapping / ContainerSpec ---------------------------------------------

func marshalPortMapping(p PortMapping) []byte {
	var b []byte
	b = appendTagVarint(b, 1, uint64(p.ContainerPort))
	b = appendTagString(b, 2, p.Protocol)
	b = appendTagVarint(b, 3, uint64(p.HostPort))
	return b
}

func unmarshalPortMapping(payload []byte) (PortMapping, error) {
	var p PortMapping
	err := consumeMessage(payload, func(num protowire.Number, typ protowire.Type, v, _ []byte) (int, error) {
		switch num {
		case 1:
			x, n, err := consumeVarintField(v)
			if err != nil {
				return 0, err
			}
			p.ContainerPort = uint32(x)
			return n, nil
		case 2:
			s, n, err := consumeStringField(v)
			if err != nil {
				return 0, err
			}
			p.Protocol = s
			return n, nil
		case 3:
			x, n, err := consumeVarintField(v)
			if err != nil {
				return 0, err
			}
			p.HostPort = uint32(x)
			return n, nil
		}
		return -1, nil
	})
	return p, err
}

func marshalContainerSpec(c ContainerSpec) []byte {
	var b []byte
	b = appendTagVarint(b, 1, uint64(c.Kind))
	b = appendTagString(b, 2, c.Image)
	b = appendTagVarint(b, 3, uint64(c.Network))
	for _, pm := range c.PortMappings {
		b = appendTagBytes(b, 4, marshalPortMapping(pm))
	}
	return b
}

func unmarshalContainerSpec(payload []byte) (ContainerSpec, error) {
	var c ContainerSpec
	err := consumeMessage(payload, func(num protowire.Number, typ protowire.Type, v, _ []byte) (int, error) {
		switch num {
		case 1:
			x, n, err := consumeVarintField(v)
			if err != nil {
				return 0, err
			}
			c.Kind = ContainerKind(x)
			return n, nil
		case 2:
			s, n, err := consumeStringField(v)
			if err != nil {
				return 0, err
			}
			c.Image = s
			return n, nil
		case 3:
			x, n, err := consumeVarintField(v)
			if err != nil {
				return 0, err
			}
			c.Network = Network(x)
			return n, nil
		case 4:
			raw, n, err := consumeBytesField(v)
			if err != nil {
				return 0, err
			}
			pm, err := unmarshalPortMapping(raw)
			if err != nil {
				return 0, err
			}
			c.PortMappings = append(c.PortMappings, pm)
			return n, nil
		}
		return -1, nil
	})
	return c, err
}

// --- TaskInfo -----------------------------------------------------------------

func marshalTaskInfo(t TaskInfo) []byte {
	var b []byte
	b = appendTagString(b, 1, t.TaskID)
	b = appendTagString(b, 2, t.Name)
	b = appendTagString(b, 3, t.FrameworkID)
	b = appendTagString(b, 4, t.FrameworkName)
	b = appendTagString(b, 5, t.AgentID)
	b = append(b, marshalResources(6, t.Resources)...)
	b = appendTagBytes(b, 7, marshalContainerSpec(t.Container))
	b = appendTagVarint(b, 8, uint64(t.State))
	b = appendTagString(b, 9, t.ErrorMessage)
	return b
}

func unmarshalTaskInfo(payload []byte) (TaskInfo, error) {
	var t TaskInfo
	err := consumeMessage(payload, func(num protowire.Number, typ protowire.Type, v, _ []byte) (int, error) {
		switch num {
		case 1:
			s, n, err := consumeStringField(v)
			if err != nil {
				return 0, err
			}
			t.TaskID = s
			return n, nil
		case 2:
			s, n, err := consumeStringField(v)
			if err != nil {
				return 0, err
			}
			t.Name = s
			return n, nil
		case 3:
			s, n, err := consumeStringField(v)
			if err != nil {
				return 0, err
			}
			t.FrameworkID = s
			return n, nil
		case 4:
			s, n, err := consumeStringField(v)
			if err != nil {
				return 0, err
			}
			t.FrameworkName = s
			return n, nil
		case 5:
			s, n, err := consumeStringField(v)
			if err != nil {
				return 0, err
			}
			t.AgentID = s
			return n, nil
		case 6:
			raw, n, err := consumeBytesField(v)
			if err != nil {
				return 0, err
			}
			r, err := unmarshalResource(raw)
			if err != nil {
				return 0, err
			}
			t.Resources = append(t.Resources, r)
			return n, nil
		case 7:
			raw, n, err := consumeBytesField(v)
			if err != nil {
				return 0, err
			}
			c, err := unmarshalContainerSpec(raw)
			if err != nil {
				return 0, err
			}
			t.Container = c
			return n, nil
		case 8:
			x, n, err := consumeVarintField(v)
			if err != nil {
				return 0, err
			}
			t.State = TaskState(x)
			return n, nil
		case 9:
			s, n, err := consumeStringField(v)
			if err != nil {
				return 0, err
			}
			t.ErrorMessage = s
			return n, nil
		}
		return -1, nil
	})
	return t, err
}

// --- AgentInfo ------------------------------------------------------------

func marshalAgentInfo(a AgentInfo) []byte {
	var b []byte
	b = appendTagString(b, 1, a.ID)
	b = appendTagString(b, 2, a.Name)
	b = appendTagVarint(b, 3, uint64(a.PingRateMs))
	b = append(b, marshalResources(4, a.Resources)...)
	for _, attr := range a.Attributes {
		b = appendTagString(b, 5, attr)
	}
	return b
}

func unmarshalAgentInfo(payload []byte) (AgentInfo, error) {
	var a AgentInfo
	err := consumeMessage(payload, func(num protowire.Number, typ protowire.Type, v, _ []byte) (int, error) {
		switch num {
		case 1:
			s, n, err := consumeStringField(v)
			if err != nil {
				return 0, err
			}
			a.ID = s
			return n, nil
		case 2:
			s, n, err := consumeStringField(v)
			if err != nil {
				return 0, err
			}
			a.Name = s
			return n, nil
		case 3:
			x, n, err := consumeVarintField(v)
			if err != nil {
				return 0, err
			}
			a.PingRateMs = uint32(x)
			return n, nil
		case 4:
			raw, n, err := consumeBytesField(v)
			if err != nil {
				return 0, err
			}
			r, err := unmarshalResource(raw)
			if err != nil {
				return 0, err
			}
			a.Resources = append(a.Resources, r)
			return n, nil
		case 5:
			s, n, err := consumeStringField(v)
			if err != nil {
				return 0, err
			}
			a.Attributes = append(a.Attributes, s)
			return n, nil
		}
		return -1, nil
	})
	return a, err
}

// --- Offer ------------------------------------------------------------------

func marshalOffer(o Offer) []byte {
	var b []byte
	b = appendTagString(b, 1, o.OfferID)
	b = appendTagString(b, 2, o.FrameworkID)
	b = appendTagString(b, 3, o.AgentID)
	b = append(b, marshalResources(4, o.Resources)...)
	for _, attr := range o.Attributes {
		b = appendTagString(b, 5, attr)
	}
	return b
}

func unmarshalOffer(payload []byte) (Offer, error) {
	var o Offer
	err := consumeMessage(payload, func(num protowire.Number, typ protowire.Type, v, _ []byte) (int, error) {
		switch num {
		case 1:
			s, n, err := consumeStringField(v)
			if err != nil {
				return 0, err
			}
			o.OfferID = s
			return n, nil
		case 2:
			s, n, err := consumeStringField(v)
			if err != nil {
				return 0, err
			}
			o.FrameworkID = s
			return n, nil
		case 3:
			s, n, err := consumeStringField(v)
			if err != nil {
				return 0, err
			}
			o.AgentID = s
			return n, nil
		case 4:
			raw, n, err := consumeBytesField(v)
			if err != nil {
				return 0, err
			}
			r, err := unmarshalResource(raw)
			if err != nil {
				return 0, err
			}
			o.Resources = append(o.Resources, r)
			return n, nil
		case 5:
			s, n, err := consumeStringField(v)
			if err != nil {
				return 0, err
			}
			o.Attributes = append(o.Attributes, s)
			return n, nil
		}
		return -1, nil
	})
	return o, err
}

// --- Ping / Pong / RequestOffers / Offers / RunTask / TaskAck ----------------

func marshalPing(p Ping) []byte {
	var b []byte
	b = appendTagBytes(b, 1, marshalAgentInfo(p.Agent))
	for _, t := range p.Tasks {
		b = appendTagBytes(b, 2, marshalTaskInfo(t))
	}
	return b
}

func unmarshalPing(payload []byte) (Ping, error) {
	var p Ping
	err := consumeMessage(payload, func(num protowire.Number, typ protowire.Type, v, _ []byte) (int, error) {
		switch num {
		case 1:
			raw, n, err := consumeBytesField(v)
			if err != nil {
				return 0, err
			}
			a, err := unmarshalAgentInfo(raw)
			if err != nil {
				return 0, err
			}
			p.Agent = a
			return n, nil
		case 2:
			raw, n, err := consumeBytesField(v)
			if err != nil {
				return 0, err
			}
			t, err := unmarshalTaskInfo(raw)
			if err != nil {
				return 0, err
			}
			p.Tasks = append(p.Tasks, t)
			return n, nil
		}
		return -1, nil
	})
	return p, err
}

func marshalPong(p Pong) []byte {
	var b []byte
	b = appendTagString(b, 1, p.AgentID)
	if p.RunTask != nil {
		b = appendTagBytes(b, 2, marshalTaskInfo(*p.RunTask))
	}
	return b
}

func unmarshalPong(payload []byte) (Pong, error) {
	var p Pong
	err := consumeMessage(payload, func(num protowire.Number, typ protowire.Type, v, _ []byte) (int, error) {
		switch num {
		case 1:
			s, n, err := consumeStringField(v)
			if err != nil {
				return 0, err
			}
			p.AgentID = s
			return n, nil
		case 2:
			raw, n, err := consumeBytesField(v)
			if err != nil {
				return 0, err
			}
			t, err := unmarshalTaskInfo(raw)
			if err != nil {
				return 0, err
			}
			p.RunTask = &t
			return n, nil
		}
		return -1, nil
	})
	return p, err
}

func marshalRequestOffers(r RequestOffers) []byte {
	return appendTagString(nil, 1, r.FrameworkID)
}

func unmarshalRequestOffers(payload []byte) (RequestOffers, error) {
	var r RequestOffers
	err := consumeMessage(payload, func(num protowire.Number, typ protowire.Type, v, _ []byte) (int, error) {
		if num == 1 {
			s, n, err := consumeStringField(v)
			if err != nil {
				return 0, err
			}
			r.FrameworkID = s
			return n, nil
		}
		return -1, nil
	})
	return r, err
}

func marshalOffers(o Offers) []byte {
	var b []byte
	b = appendTagString(b, 1, o.FrameworkID)
	for _, off := range o.Offers {
		b = appendTagBytes(b, 2, marshalOffer(off))
	}
	return b
}

func unmarshalOffers(payload []byte) (Offers, error) {
	var o Offers
	err := consumeMessage(payload, func(num protowire.Number, typ protowire.Type, v, _ []byte) (int, error) {
		switch num {
		case 1:
			s, n, err := consumeStringField(v)
			if err != nil {
				return 0, err
			}
			o.FrameworkID = s
			return n, nil
		case 2:
			raw, n, err := consumeBytesField(v)
			if err != nil {
				return 0, err
			}
			off, err := unmarshalOffer(raw)
			if err != nil {
				return 0, err
			}
			o.Offers = append(o.Offers, off)
			return n, nil
		}
		return -1, nil
	})
	return o, err
}

func marshalRunTask(r RunTask) []byte {
	return appendTagBytes(nil, 1, marshalTaskInfo(r.Task))
}

func unmarshalRunTask(payload []byte) (RunTask, error) {
	var r RunTask
	err := consumeMessage(payload, func(num protowire.Number, typ protowire.Type, v, _ []byte) (int, error) {
		if num == 1 {
			raw, n, err := consumeBytesField(v)
			if err != nil {
				return 0, err
			}
			t, err := unmarshalTaskInfo(raw)
			if err != nil {
				return 0, err
			}
			r.Task = t
			return n, nil
		}
		return -1, nil
	})
	return r, err
}

func marshalTaskAck(t TaskAck) []byte {
	return appendTagString(nil, 1, t.TaskID)
}

func unmarshalTaskAck(payload []byte) (TaskAck, error) {
	var t TaskAck
	err := consumeMessage(payload, func(num protowire.Number, typ protowire.Type, v, _ []byte) (int, error) {
		if num == 1 {
			s, n, err := consumeStringField(v)
			if err != nil {
				return 0, err
			}
			t.TaskID = s
			return n, nil
		}
		return -1, nil
	})
	return t, err
}
