package broker

import (
	"bytes"
	"encoding/binary"
	"io"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// flag bits in the header's 2-byte flags field.
const (
	flagStreaming uint16 = 1 << iota
	flagHasStructured
	flagHasRaw
	flagHasError
)

const headerSize = 1 /*type*/ + 4 /*matchtag*/ + 4 /*userid*/ + 4 /*rolemask*/ + 2 /*flags*/

// Encode serializes m into the §6 wire format: route-stack frames,
// an empty delimiter, a fixed header frame, a topic frame, a
// publisher-id frame (empty string for Request/Response), an
// optional structured-payload frame, and an optional raw-payload
// frame. Frames are length-prefixed (4-byte big-endian) so Decode can
// read exactly one message off a stream.
func Encode(m *Message) ([]byte, error) {
	var buf bytes.Buffer
	for _, id := range m.route {
		writeFrame(&buf, []byte(id))
	}
	writeFrame(&buf, nil) // delimiter

	var flags uint16
	if m.Streaming {
		flags |= flagStreaming
	}
	var structured, raw []byte
	var err error
	if m.Structured != nil {
		flags |= flagHasStructured
		if structured, err = json.Marshal(m.Structured); err != nil {
			return nil, NewError(ErrProtocol, "encode structured payload: %v", err)
		}
	}
	if m.Raw != nil {
		flags |= flagHasRaw
		raw = m.Raw
	}
	if m.Err != nil {
		flags |= flagHasError
	}

	hdr := make([]byte, headerSize)
	hdr[0] = byte(m.Type)
	binary.BigEndian.PutUint32(hdr[1:5], m.Matchtag)
	binary.BigEndian.PutUint32(hdr[5:9], m.Cred.UserID)
	binary.BigEndian.PutUint32(hdr[9:13], m.Cred.RoleMask)
	binary.BigEndian.PutUint16(hdr[13:15], flags)
	writeFrame(&buf, hdr)

	writeFrame(&buf, []byte(m.Topic))
	writeFrame(&buf, []byte(m.Publisher))

	if flags&flagHasStructured != 0 {
		writeFrame(&buf, structured)
	}
	if flags&flagHasRaw != 0 {
		writeFrame(&buf, raw)
	}
	if flags&flagHasError != 0 {
		ehdr := make([]byte, 4)
		binary.BigEndian.PutUint32(ehdr, uint32(m.Err.Kind))
		writeFrame(&buf, append(ehdr, []byte(m.Err.Text)...))
	}
	return buf.Bytes(), nil
}

// Decode is the inverse of Encode. Well-formedness failures yield
// ErrProtocol per §4.1.
func Decode(b []byte) (*Message, error) {
	r := bytes.NewReader(b)
	m := &Message{}

	for {
		f, err := readFrame(r)
		if err != nil {
			return nil, NewError(ErrProtocol, "route stack: %v", err)
		}
		if f == nil {
			break // delimiter: zero-length frame with no bytes read beyond length prefix
		}
		if err := m.Push(string(f)); err != nil {
			return nil, err
		}
	}

	hdr, err := readFrame(r)
	if err != nil || len(hdr) != headerSize {
		return nil, NewError(ErrProtocol, "malformed header frame")
	}
	m.Type = MsgType(hdr[0])
	if m.Type < MsgRequest || m.Type > MsgKeepalive {
		return nil, NewError(ErrProtocol, "unknown message type %d", hdr[0])
	}
	m.Matchtag = binary.BigEndian.Uint32(hdr[1:5])
	m.Cred.UserID = binary.BigEndian.Uint32(hdr[5:9])
	m.Cred.RoleMask = binary.BigEndian.Uint32(hdr[9:13])
	flags := binary.BigEndian.Uint16(hdr[13:15])
	m.Streaming = flags&flagStreaming != 0

	topic, err := readFrame(r)
	if err != nil {
		return nil, NewError(ErrProtocol, "malformed topic frame: %v", err)
	}
	m.Topic = string(topic)

	publisher, err := readFrame(r)
	if err != nil {
		return nil, NewError(ErrProtocol, "malformed publisher frame: %v", err)
	}
	m.Publisher = string(publisher)

	if flags&flagHasStructured != 0 {
		sp, err := readFrame(r)
		if err != nil {
			return nil, NewError(ErrProtocol, "malformed structured-payload frame: %v", err)
		}
		var v any
		if err := json.Unmarshal(sp, &v); err != nil {
			return nil, NewError(ErrProtocol, "invalid structured payload: %v", err)
		}
		m.Structured = v
	}
	if flags&flagHasRaw != 0 {
		raw, err := readFrame(r)
		if err != nil {
			return nil, NewError(ErrProtocol, "malformed raw-payload frame: %v", err)
		}
		m.Raw = raw
	}
	if flags&flagHasError != 0 {
		ef, err := readFrame(r)
		if err != nil || len(ef) < 4 {
			return nil, NewError(ErrProtocol, "malformed error frame")
		}
		m.Err = &WireError{Kind: ErrorKind(binary.BigEndian.Uint32(ef[:4])), Text: string(ef[4:])}
	}
	return m, nil
}

func writeFrame(buf *bytes.Buffer, f []byte) {
	var lenb [4]byte
	binary.BigEndian.PutUint32(lenb[:], uint32(len(f)))
	buf.Write(lenb[:])
	buf.Write(f)
}

// readFrame reads one length-prefixed frame, returning nil for a
// zero-length frame. Decode's route-stack loop treats the first
// zero-length frame as the §6 empty delimiter; elsewhere it is just an
// empty field.
func readFrame(r *bytes.Reader) ([]byte, error) {
	var lenb [4]byte
	if _, err := io.ReadFull(r, lenb[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenb[:])
	if n == 0 {
		return nil, nil
	}
	f := make([]byte, n)
	if _, err := io.ReadFull(r, f); err != nil {
		return nil, err
	}
	return f, nil
}

// IsEOF reports whether b is the zero-frame message that signals EOF
// on a module channel (§6).
func IsEOF(b []byte) bool { return len(b) == 0 }
