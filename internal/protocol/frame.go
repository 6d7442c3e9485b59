package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Client to server type tags.
const (
	TypeCall        uint8 = 0
	TypeSubscribe   uint8 = 1
	TypeUnsubscribe uint8 = 2
	TypeGet         uint8 = 3
	TypeAuth        uint8 = 4
)

// Server to client type tags.
const (
	TypeResult     uint8 = 0
	TypeValue      uint8 = 1
	TypeDiff       uint8 = 2
	TypeCurrent    uint8 = 3
	TypeAuthResult uint8 = 4
	TypeError      uint8 = 5
)

// ClientFrame is a decoded client to server frame.
type ClientFrame interface{ clientFrame() }

// ServerFrame is a decoded server to client frame.
type ServerFrame interface{ serverFrame() }

// CallFrame invokes a plain function.
type CallFrame struct {
	RequestID uint32
	Name      string
	Payload   json.RawMessage
}

// SubscribeFrame starts (or resyncs) an observation.
type SubscribeFrame struct {
	ID       uint64
	Checksum uint64
	Name     string
	Payload  json.RawMessage
}

// UnsubscribeFrame ends an observation.
type UnsubscribeFrame struct {
	ID uint64
}

// GetFrame reads an observable once.
type GetFrame struct {
	ID       uint64
	Checksum uint64
	Name     string
	Payload  json.RawMessage
}

// AuthFrame replaces the connection credential. A nil or JSON false
// credential clears it.
type AuthFrame struct {
	RequestID  uint32
	Credential json.RawMessage
}

// ResultFrame answers a CallFrame.
type ResultFrame struct {
	RequestID uint32
	Payload   json.RawMessage
}

// ValueFrame carries a full observable value.
type ValueFrame struct {
	ID       uint64
	Checksum uint64
	Payload  json.RawMessage
}

// DiffFrame carries an RFC 6902 patch from PreviousChecksum to Checksum.
type DiffFrame struct {
	ID               uint64
	PreviousChecksum uint64
	Checksum         uint64
	Patch            json.RawMessage
}

// CurrentFrame tells the client its cached value is already current.
type CurrentFrame struct {
	ID uint64
}

// AuthResult is the body of an auth response.
type AuthResult struct {
	Revoked    []uint64 `json:"revoked,omitempty"`
	AuthFailed bool     `json:"authFailed,omitempty"`
}

// AuthResultFrame answers an AuthFrame.
type AuthResultFrame struct {
	RequestID uint32
	Result    AuthResult
}

// ErrorFrame reports a structured error.
type ErrorFrame struct {
	Err *Error
}

func (CallFrame) clientFrame()        {}
func (SubscribeFrame) clientFrame()   {}
func (UnsubscribeFrame) clientFrame() {}
func (GetFrame) clientFrame()         {}
func (AuthFrame) clientFrame()        {}

func (ResultFrame) serverFrame()     {}
func (ValueFrame) serverFrame()      {}
func (DiffFrame) serverFrame()       {}
func (CurrentFrame) serverFrame()    {}
func (AuthResultFrame) serverFrame() {}
func (ErrorFrame) serverFrame()      {}

// Encoder serializes frames, deflating payloads of at least Threshold
// bytes when Compress is set.
type Encoder struct {
	Compress  bool
	Threshold int
}

// NewEncoder returns an encoder with the default threshold.
func NewEncoder(compress bool) *Encoder {
	return &Encoder{Compress: compress, Threshold: DefaultCompressThreshold}
}

// frame lays out header, fixed fields and payload.
func (e *Encoder) frame(typ uint8, fixed []byte, payload []byte) ([]byte, error) {
	deflate := false
	if e != nil && e.Compress && len(payload) > 0 && len(payload) >= e.Threshold {
		z, err := Deflate(payload)
		if err != nil {
			return nil, err
		}
		payload, deflate = z, true
	}
	out := make([]byte, HeaderSize+len(fixed)+len(payload))
	copy(out[HeaderSize:], fixed)
	copy(out[HeaderSize+len(fixed):], payload)
	if err := putHeader(out, typ, deflate); err != nil {
		return nil, err
	}
	return out, nil
}

// EncodeClient serializes a client frame.
func (e *Encoder) EncodeClient(f ClientFrame) ([]byte, error) {
	switch f := f.(type) {
	case CallFrame:
		if len(f.Name) > 255 {
			return nil, fmt.Errorf("protocol: function name too long: %d", len(f.Name))
		}
		fixed := make([]byte, 4+len(f.Name))
		PutUint24(fixed, f.RequestID)
		fixed[3] = byte(len(f.Name))
		copy(fixed[4:], f.Name)
		return e.frame(TypeCall, fixed, f.Payload)
	case SubscribeFrame:
		return e.queryFrame(TypeSubscribe, f.ID, f.Checksum, f.Name, f.Payload)
	case GetFrame:
		return e.queryFrame(TypeGet, f.ID, f.Checksum, f.Name, f.Payload)
	case UnsubscribeFrame:
		fixed := make([]byte, 8)
		binary.LittleEndian.PutUint64(fixed, f.ID)
		return e.frame(TypeUnsubscribe, fixed, nil)
	case AuthFrame:
		fixed := make([]byte, 3)
		PutUint24(fixed, f.RequestID)
		return e.frame(TypeAuth, fixed, f.Credential)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, f)
	}
}

func (e *Encoder) queryFrame(typ uint8, id, checksum uint64, name string, payload []byte) ([]byte, error) {
	if len(name) > 255 {
		return nil, fmt.Errorf("protocol: function name too long: %d", len(name))
	}
	fixed := make([]byte, 17+len(name))
	binary.LittleEndian.PutUint64(fixed, id)
	binary.LittleEndian.PutUint64(fixed[8:], checksum)
	fixed[16] = byte(len(name))
	copy(fixed[17:], name)
	return e.frame(typ, fixed, payload)
}

// EncodeServer serializes a server frame.
func (e *Encoder) EncodeServer(f ServerFrame) ([]byte, error) {
	switch f := f.(type) {
	case ResultFrame:
		fixed := make([]byte, 3)
		PutUint24(fixed, f.RequestID)
		return e.frame(TypeResult, fixed, f.Payload)
	case ValueFrame:
		fixed := make([]byte, 16)
		binary.LittleEndian.PutUint64(fixed, f.ID)
		binary.LittleEndian.PutUint64(fixed[8:], f.Checksum)
		return e.frame(TypeValue, fixed, f.Payload)
	case DiffFrame:
		fixed := make([]byte, 24)
		binary.LittleEndian.PutUint64(fixed, f.ID)
		binary.LittleEndian.PutUint64(fixed[8:], f.PreviousChecksum)
		binary.LittleEndian.PutUint64(fixed[16:], f.Checksum)
		return e.frame(TypeDiff, fixed, f.Patch)
	case CurrentFrame:
		fixed := make([]byte, 8)
		binary.LittleEndian.PutUint64(fixed, f.ID)
		return e.frame(TypeCurrent, fixed, nil)
	case AuthResultFrame:
		body, err := json.Marshal(f.Result)
		if err != nil {
			return nil, err
		}
		fixed := make([]byte, 3)
		PutUint24(fixed, f.RequestID)
		return e.frame(TypeAuthResult, fixed, body)
	case ErrorFrame:
		body, err := json.Marshal(f.Err)
		if err != nil {
			return nil, err
		}
		return e.frame(TypeError, nil, body)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, f)
	}
}

// split validates a frame and returns its header, fixed fields and
// inflated payload.
func split(frame []byte, fixedLen int) (Header, []byte, json.RawMessage, error) {
	h, err := DecodeHeader(frame)
	if err != nil {
		return h, nil, nil, err
	}
	if h.Length != len(frame) || h.Length < HeaderSize+fixedLen {
		return h, nil, nil, fmt.Errorf("%w: type %d length %d", ErrShortFrame, h.Type, len(frame))
	}
	fixed := frame[HeaderSize : HeaderSize+fixedLen]
	payload := frame[HeaderSize+fixedLen:]
	if len(payload) == 0 {
		return h, fixed, nil, nil
	}
	if h.Deflate {
		payload, err = Inflate(payload)
		if err != nil {
			return h, nil, nil, err
		}
	}
	if !json.Valid(payload) {
		return h, nil, nil, fmt.Errorf("protocol: invalid JSON payload in type %d frame", h.Type)
	}
	return h, fixed, json.RawMessage(payload), nil
}

// nameLen reads the variable-length name that follows the fixed fields.
func nameLen(frame []byte, at int) (int, error) {
	if len(frame) <= at {
		return 0, ErrShortFrame
	}
	n := int(frame[at])
	if len(frame) < at+1+n {
		return 0, ErrShortFrame
	}
	return n, nil
}

// DecodeClient decodes one client frame. This is the only place client
// type tags are interpreted.
func DecodeClient(frame []byte) (ClientFrame, error) {
	h, err := DecodeHeader(frame)
	if err != nil {
		return nil, err
	}
	switch h.Type {
	case TypeCall:
		n, err := nameLen(frame, HeaderSize+3)
		if err != nil {
			return nil, err
		}
		_, fixed, payload, err := split(frame, 4+n)
		if err != nil {
			return nil, err
		}
		return CallFrame{RequestID: Uint24(fixed), Name: string(fixed[4:]), Payload: payload}, nil
	case TypeSubscribe, TypeGet:
		n, err := nameLen(frame, HeaderSize+16)
		if err != nil {
			return nil, err
		}
		_, fixed, payload, err := split(frame, 17+n)
		if err != nil {
			return nil, err
		}
		id := binary.LittleEndian.Uint64(fixed)
		sum := binary.LittleEndian.Uint64(fixed[8:])
		name := string(fixed[17:])
		if h.Type == TypeGet {
			return GetFrame{ID: id, Checksum: sum, Name: name, Payload: payload}, nil
		}
		return SubscribeFrame{ID: id, Checksum: sum, Name: name, Payload: payload}, nil
	case TypeUnsubscribe:
		_, fixed, _, err := split(frame, 8)
		if err != nil {
			return nil, err
		}
		return UnsubscribeFrame{ID: binary.LittleEndian.Uint64(fixed)}, nil
	case TypeAuth:
		_, fixed, payload, err := split(frame, 3)
		if err != nil {
			return nil, err
		}
		return AuthFrame{RequestID: Uint24(fixed), Credential: payload}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, h.Type)
	}
}

// DecodeServer decodes one server frame. This is the only place server
// type tags are interpreted.
func DecodeServer(frame []byte) (ServerFrame, error) {
	h, err := DecodeHeader(frame)
	if err != nil {
		return nil, err
	}
	switch h.Type {
	case TypeResult:
		_, fixed, payload, err := split(frame, 3)
		if err != nil {
			return nil, err
		}
		return ResultFrame{RequestID: Uint24(fixed), Payload: payload}, nil
	case TypeValue:
		_, fixed, payload, err := split(frame, 16)
		if err != nil {
			return nil, err
		}
		return ValueFrame{
			ID:       binary.LittleEndian.Uint64(fixed),
			Checksum: binary.LittleEndian.Uint64(fixed[8:]),
			Payload:  payload,
		}, nil
	case TypeDiff:
		_, fixed, payload, err := split(frame, 24)
		if err != nil {
			return nil, err
		}
		return DiffFrame{
			ID:               binary.LittleEndian.Uint64(fixed),
			PreviousChecksum: binary.LittleEndian.Uint64(fixed[8:]),
			Checksum:         binary.LittleEndian.Uint64(fixed[16:]),
			Patch:            payload,
		}, nil
	case TypeCurrent:
		_, fixed, _, err := split(frame, 8)
		if err != nil {
			return nil, err
		}
		return CurrentFrame{ID: binary.LittleEndian.Uint64(fixed)}, nil
	case TypeAuthResult:
		_, fixed, payload, err := split(frame, 3)
		if err != nil {
			return nil, err
		}
		f := AuthResultFrame{RequestID: Uint24(fixed)}
		if payload != nil {
			if err := json.Unmarshal(payload, &f.Result); err != nil {
				return nil, fmt.Errorf("protocol: auth result: %w", err)
			}
		}
		return f, nil
	case TypeError:
		_, _, payload, err := split(frame, 0)
		if err != nil {
			return nil, err
		}
		e := &Error{}
		if err := json.Unmarshal(payload, e); err != nil {
			return nil, fmt.Errorf("protocol: error frame: %w", err)
		}
		return ErrorFrame{Err: e}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, h.Type)
	}
}
