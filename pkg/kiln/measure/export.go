package measure

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/xerrors"
)

// Format is an export encoding
type Format string

const (
	FormatJSON   Format = "json"
	FormatBinary Format = "binary"
)

var binaryMagic = []byte("KMS1")

// Encode serializes the measurements. Registers are always written in sorted order.
func (m *Measurements) Encode(format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		// encoding/json writes map keys in sorted order
		fc, err := json.MarshalIndent(m, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(fc, '\n'), nil
	case FormatBinary:
		return m.encodeBinary()
	default:
		return nil, xerrors.Errorf("unknown measurement format %q", format)
	}
}

// encodeBinary writes
//
//	"KMS1" | u16 schema | str backend | str derivation | u16 count | count * (str register | bytes value)
//
// where str and bytes are u16 big-endian length prefixed.
func (m *Measurements) encodeBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(binaryMagic)
	writeU16(&buf, uint16(m.SchemaVersion))
	if err := writeField(&buf, []byte(m.Backend)); err != nil {
		return nil, err
	}
	if err := writeField(&buf, []byte(m.Derivation)); err != nil {
		return nil, err
	}

	regs := m.Registers()
	if len(regs) > 0xffff {
		return nil, xerrors.Errorf("too many registers")
	}
	writeU16(&buf, uint16(len(regs)))
	for _, r := range regs {
		raw, err := decodeHex(m.Values[r])
		if err != nil {
			return nil, xerrors.Errorf("register %s: %w", r, err)
		}
		if err := writeField(&buf, []byte(r)); err != nil {
			return nil, err
		}
		if err := writeField(&buf, raw); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// Decode parses measurements in either the JSON or the binary encoding
func Decode(data []byte) (*Measurements, error) {
	if bytes.HasPrefix(data, binaryMagic) {
		return decodeBinary(bytes.NewReader(data[len(binaryMagic):]))
	}

	var m Measurements
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, xerrors.Errorf("cannot parse measurements: %w", err)
	}
	if m.Values == nil {
		m.Values = map[string]string{}
	}
	return &m, nil
}

func decodeBinary(r io.Reader) (*Measurements, error) {
	schema, err := readU16(r)
	if err != nil {
		return nil, err
	}
	backend, err := readField(r)
	if err != nil {
		return nil, err
	}
	derivation, err := readField(r)
	if err != nil {
		return nil, err
	}
	n, err := readU16(r)
	if err != nil {
		return nil, err
	}

	m := &Measurements{
		SchemaVersion: int(schema),
		Backend:       Backend(backend),
		Derivation:    string(derivation),
		Values:        make(map[string]string, n),
	}
	for i := 0; i < int(n); i++ {
		reg, err := readField(r)
		if err != nil {
			return nil, err
		}
		val, err := readField(r)
		if err != nil {
			return nil, err
		}
		m.Values[string(reg)] = hex.EncodeToString(val)
	}
	return m, nil
}

func writeU16(w *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.Write(b[:])
}

func writeField(w *bytes.Buffer, data []byte) error {
	if len(data) > 0xffff {
		return xerrors.Errorf("field too long: %d bytes", len(data))
	}
	writeU16(w, uint16(len(data)))
	w.Write(data)
	return nil
}

func readU16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, xerrors.Errorf("cannot parse binary measurements: %w", err)
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func readField(r io.Reader) ([]byte, error) {
	n, err := readU16(r)
	if err != nil {
		return nil, err
	}
	res := make([]byte, n)
	if _, err := io.ReadFull(r, res); err != nil {
		return nil, xerrors.Errorf("cannot parse binary measurements: %w", err)
	}
	return res, nil
}

func decodeHex(v string) ([]byte, error) {
	raw, err := hex.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("not a hex digest: %q", v)
	}
	return raw, nil
}
