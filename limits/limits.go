// Package limits provides centralized frame and node size limits for the web session protocol.
// This ensures consistent validation across the codec, the channel and the transports.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxFrameSize is the largest sealed frame accepted from or handed to a transport (8 MiB).
	// History snapshots and media relay nodes are the largest legitimate frames.
	MaxFrameSize = 8 * 1024 * 1024

	// CounterSize is the length of the big-endian frame counter prefix.
	CounterSize = 8

	// MACSize is the length of the HMAC-SHA256 tag carried by every sealed frame.
	MACSize = 32

	// IVSize is the AES block size used as the CBC initialisation vector.
	IVSize = 16

	// FrameOverhead is the fixed per-frame header: counter, MAC and IV.
	FrameOverhead = CounterSize + MACSize + IVSize

	// MinSealedFrame is the smallest well-formed sealed frame: the header plus one padded block.
	MinSealedFrame = FrameOverhead + IVSize

	// MaxNodeSize is the largest encoded node that still fits a sealed frame after padding.
	MaxNodeSize = MaxFrameSize - FrameOverhead - IVSize

	// MaxNodeDepth bounds nesting while decoding so hostile input cannot exhaust the stack.
	MaxNodeDepth = 64

	// MaxListSize is the largest list the LIST_16 header can describe.
	MaxListSize = 0xFFFF
)

var (
	// ErrFrameEmpty indicates an empty frame was provided
	ErrFrameEmpty = errors.New("empty frame")

	// ErrFrameTooLarge indicates a frame exceeds the maximum size
	ErrFrameTooLarge = errors.New("frame too large")
)

// ValidateFrameSize validates a frame against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateFrameSize(frame []byte, maxSize int) error {
	if len(frame) == 0 {
		return ErrFrameEmpty
	}
	if len(frame) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrFrameTooLarge, len(frame), maxSize)
	}
	return nil
}

// ValidateFrame validates a transport frame against MaxFrameSize.
func ValidateFrame(frame []byte) error {
	if len(frame) == 0 {
		return ErrFrameEmpty
	}
	if len(frame) > MaxFrameSize {
		return fmt.Errorf("%w: frame size %d exceeds limit %d", ErrFrameTooLarge, len(frame), MaxFrameSize)
	}
	return nil
}

// ValidateNode validates an encoded node against MaxNodeSize before it is sealed.
func ValidateNode(encoded []byte) error {
	if len(encoded) == 0 {
		return ErrFrameEmpty
	}
	if len(encoded) > MaxNodeSize {
		return fmt.Errorf("%w: node size %d exceeds limit %d", ErrFrameTooLarge, len(encoded), MaxNodeSize)
	}
	return nil
}

// SealedSize returns the sealed frame length for a plaintext of n bytes.
func SealedSize(n int) int {
	return FrameOverhead + (n/IVSize+1)*IVSize
}
