package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// ErrMessageTooLarge is returned when a decoded size field exceeds MaxMessageSize.
var ErrMessageTooLarge = fmt.Errorf("wire: message exceeds %d bytes", MaxMessageSize)

// align8 rounds n up to the next multiple of 8.
func align8(n int) int {
	if r := n % alignment; r != 0 {
		n += alignment - r
	}
	return n
}

// Encode serializes m into a length-prefixed, 8-byte-aligned frame.
func Encode(m *Message) ([]byte, error) {
	var body []byte
	for _, f := range m.Fields {
		fb, err := encodeField(f)
		if err != nil {
			return nil, err
		}
		body = append(body, fb...)
	}

	total := align8(headerSize + len(body))
	if total > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}

	buf := make([]byte, total)
	binary.BigEndian.PutUint16(buf[0:2], m.Code)
	binary.BigEndian.PutUint16(buf[2:4], m.Flags)
	binary.BigEndian.PutUint32(buf[4:8], m.ID)
	binary.BigEndian.PutUint32(buf[8:12], uint32(total))
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(m.Fields)))
	copy(buf[headerSize:], body)
	return buf, nil
}

func encodeField(f Field) ([]byte, error) {
	var val []byte
	switch f.Type {
	case TypeInt16:
		val = make([]byte, 2)
		binary.BigEndian.PutUint16(val, uint16(f.Int))
	case TypeInt32:
		val = make([]byte, 4)
		binary.BigEndian.PutUint32(val, uint32(f.Int))
	case TypeInt64:
		val = make([]byte, 8)
		binary.BigEndian.PutUint64(val, uint64(f.Int))
	case TypeString:
		val = encodeBytes([]byte(f.Str))
	case TypeGUID:
		val = append([]byte{}, f.GUID[:]...)
	case TypeBinary:
		val = encodeBytes(f.Bytes)
	case TypeTable:
		val = encodeTable(f.Table)
	default:
		return nil, fmt.Errorf("wire: unknown field type %d", f.Type)
	}

	header := make([]byte, 9)
	binary.BigEndian.PutUint32(header[0:4], uint32(f.ID))
	header[4] = byte(f.Type)
	binary.BigEndian.PutUint32(header[5:9], uint32(len(val)))
	return append(header, val...), nil
}

func encodeBytes(b []byte) []byte {
	out := make([]byte, 4+len(b))
	binary.BigEndian.PutUint32(out[0:4], uint32(len(b)))
	copy(out[4:], b)
	return out
}

func encodeTable(t *Table) []byte {
	var out []byte
	colCount := make([]byte, 4)
	binary.BigEndian.PutUint32(colCount, uint32(len(t.Columns)))
	out = append(out, colCount...)
	for _, c := range t.Columns {
		out = append(out, encodeBytes([]byte(c))...)
	}
	rowCount := make([]byte, 4)
	binary.BigEndian.PutUint32(rowCount, uint32(len(t.Rows)))
	out = append(out, rowCount...)
	for _, row := range t.Rows {
		for _, cell := range row {
			out = append(out, encodeBytes([]byte(cell))...)
		}
	}
	return out
}

// ReadMessage reads one frame off r, validating the size/alignment
// invariants from §3 before decoding fields.
func ReadMessage(r *bufio.Reader) (*Message, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	code := binary.BigEndian.Uint16(header[0:2])
	flags := binary.BigEndian.Uint16(header[2:4])
	id := binary.BigEndian.Uint32(header[4:8])
	size := binary.BigEndian.Uint32(header[8:12])
	fieldCount := binary.BigEndian.Uint32(header[12:16])

	if int(size) > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}
	if size < headerSize || size%alignment != 0 {
		return nil, fmt.Errorf("wire: invalid frame size %d", size)
	}

	body := make([]byte, size-headerSize)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	m := &Message{Code: code, Flags: flags, ID: id}
	off := 0
	for i := uint32(0); i < fieldCount; i++ {
		f, n, err := decodeField(body[off:])
		if err != nil {
			return nil, err
		}
		m.Fields = append(m.Fields, f)
		off += n
	}
	return m, nil
}

func decodeField(b []byte) (Field, int, error) {
	if len(b) < 9 {
		return Field{}, 0, fmt.Errorf("wire: truncated field header")
	}
	id := binary.BigEndian.Uint32(b[0:4])
	typ := FieldType(b[4])
	length := int(binary.BigEndian.Uint32(b[5:9]))
	if len(b) < 9+length {
		return Field{}, 0, fmt.Errorf("wire: truncated field value")
	}
	val := b[9 : 9+length]

	f := Field{ID: FieldID(id), Type: typ}
	switch typ {
	case TypeInt16:
		if len(val) < 2 {
			return Field{}, 0, fmt.Errorf("wire: short int16 field")
		}
		f.Int = int64(binary.BigEndian.Uint16(val))
	case TypeInt32:
		if len(val) < 4 {
			return Field{}, 0, fmt.Errorf("wire: short int32 field")
		}
		f.Int = int64(binary.BigEndian.Uint32(val))
	case TypeInt64:
		if len(val) < 8 {
			return Field{}, 0, fmt.Errorf("wire: short int64 field")
		}
		f.Int = int64(binary.BigEndian.Uint64(val))
	case TypeString:
		s, err := decodeBytes(val)
		if err != nil {
			return Field{}, 0, err
		}
		f.Str = string(s)
	case TypeGUID:
		if len(val) != 16 {
			return Field{}, 0, fmt.Errorf("wire: bad guid field length")
		}
		copy(f.GUID[:], val)
	case TypeBinary:
		bs, err := decodeBytes(val)
		if err != nil {
			return Field{}, 0, err
		}
		f.Bytes = bs
	case TypeTable:
		t, err := decodeTable(val)
		if err != nil {
			return Field{}, 0, err
		}
		f.Table = t
	default:
		return Field{}, 0, fmt.Errorf("wire: unknown field type %d", typ)
	}
	return f, 9 + length, nil
}

func decodeBytes(b []byte) ([]byte, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("wire: truncated length-prefixed value")
	}
	n := int(binary.BigEndian.Uint32(b[0:4]))
	if len(b) < 4+n {
		return nil, fmt.Errorf("wire: truncated length-prefixed value body")
	}
	return b[4 : 4+n], nil
}

func decodeTable(b []byte) (*Table, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("wire: truncated table")
	}
	off := 0
	colCount := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	t := &Table{}
	for i := 0; i < colCount; i++ {
		c, err := decodeBytes(b[off:])
		if err != nil {
			return nil, err
		}
		t.Columns = append(t.Columns, string(c))
		off += 4 + len(c)
	}
	if len(b) < off+4 {
		return nil, fmt.Errorf("wire: truncated table row count")
	}
	rowCount := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	for i := 0; i < rowCount; i++ {
		row := make([]string, colCount)
		for j := 0; j < colCount; j++ {
			c, err := decodeBytes(b[off:])
			if err != nil {
				return nil, err
			}
			row[j] = string(c)
			off += 4 + len(c)
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}
