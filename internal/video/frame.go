// Package video relays JPEG frames from camera producers to HTTP viewers.
//
// A producer connects over TCP, sends its 36-character UUID, then a stream of
// length-prefixed JPEG payloads. Each identifier gets one broadcast cell in
// the Registry holding the latest Frame.
package video

import (
	"bytes"
	"strconv"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"rc-proxy-server/internal/config"
)

const (
	// IDLength is the size of the textual UUID preamble.
	IDLength = 36
	// DefaultMaxFrameSize is the largest payload accepted from a producer.
	DefaultMaxFrameSize = config.FrameSizeCap

	Boundary    = "--frame"
	ContentType = "multipart/x-mixed-replace; boundary=" + Boundary
)

var (
	ErrBadMagic      = errors.New("payload is not a JPEG/JFIF image")
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	ErrInvalidID     = errors.New("invalid stream identifier")
)

var jpegMagic = []byte{0xFF, 0xD8, 0xFF, 0xE0}

// Frame is one published image. Part is the complete multipart section served
// to every viewer, built once when the frame is published.
type Frame struct {
	Payload []byte
	Part    []byte
}

// Empty reports whether no image has been published yet.
func (f Frame) Empty() bool {
	return len(f.Payload) == 0
}

func NewFrame(payload []byte) Frame {
	size := strconv.Itoa(len(payload))
	var b bytes.Buffer
	b.Grow(len(Boundary) + len(size) + len(payload) + 64)
	b.WriteString(Boundary)
	b.WriteString("\r\nContent-Type: image/jpeg\r\nContent-Length: ")
	b.WriteString(size)
	b.WriteString("\r\n\r\n")
	b.Write(payload)
	b.WriteString("\r\n")
	return Frame{Payload: payload, Part: b.Bytes()}
}

// CheckMagic verifies the JPEG SOI marker followed by a JFIF APP0 segment.
func CheckMagic(payload []byte) error {
	if !bytes.HasPrefix(payload, jpegMagic) {
		return ErrBadMagic
	}
	return nil
}

// ParseID accepts only the canonical hyphenated 36-character form.
func ParseID(s string) (uuid.UUID, error) {
	if len(s) != IDLength {
		return uuid.Nil, errors.Wrapf(ErrInvalidID, "length %d", len(s))
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, errors.Wrap(ErrInvalidID, err.Error())
	}
	return id, nil
}
