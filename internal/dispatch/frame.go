package dispatch

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/smileynet/fairway/internal/control"
)

// Field numbers of the control frame. The peripheral firmware decodes
// frames as a protobuf message with these fields.
const (
	fieldKind      protowire.Number = 1
	fieldDirection protowire.Number = 2
	fieldMode      protowire.Number = 3
	fieldSeq       protowire.Number = 4
)

// ErrMalformedFrame indicates a payload that is not a valid control frame.
var ErrMalformedFrame = errors.New("dispatch: malformed frame")

// Frame is one command as written to the control characteristic.
type Frame struct {
	Kind      control.CommandKind
	Direction control.Direction
	Mode      control.Mode
	Seq       uint64
}

// FrameFor wraps cmd with a sequence number.
func FrameFor(cmd control.Command, seq uint64) Frame {
	return Frame{Kind: cmd.Kind, Direction: cmd.Direction, Mode: cmd.Mode, Seq: seq}
}

// Command returns the command the frame carries.
func (f Frame) Command() control.Command {
	return control.Command{Kind: f.Kind, Direction: f.Direction, Mode: f.Mode}
}

// Encode returns the wire form of f. Zero-valued fields are omitted.
func Encode(f Frame) []byte {
	b := make([]byte, 0, 12)
	b = appendVarint(b, fieldKind, uint64(f.Kind))
	b = appendVarint(b, fieldDirection, uint64(f.Direction))
	b = appendVarint(b, fieldMode, uint64(f.Mode))
	b = appendVarint(b, fieldSeq, f.Seq)
	return b
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// DecodeFrame parses a payload produced by Encode. Unknown fields are
// skipped.
func DecodeFrame(b []byte) (Frame, error) {
	var f Frame
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
		}
		b = b[n:]

		if typ != protowire.VarintType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}

		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fieldKind:
			f.Kind = control.CommandKind(v)
		case fieldDirection:
			f.Direction = control.Direction(v)
		case fieldMode:
			f.Mode = control.Mode(v)
		case fieldSeq:
			f.Seq = v
		}
	}
	if f.Kind == 0 {
		return Frame{}, fmt.Errorf("%w: missing kind", ErrMalformedFrame)
	}
	return f, nil
}
