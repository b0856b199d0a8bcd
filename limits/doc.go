// Package limits provides centralized frame size constants and validation functions
// for the session engine. Every layer that touches untrusted bytes checks against
// these values before allocating.
//
// # Size Hierarchy
//
//   - MaxFrameSize (8 MiB): the largest sealed frame a transport may deliver or accept.
//
//   - FrameOverhead (56 bytes): counter, HMAC-SHA256 tag and CBC IV carried in front of
//     every ciphertext. MinSealedFrame adds one padded block.
//
//   - MaxNodeSize: the largest encoded node that still seals into MaxFrameSize.
//
//   - MaxNodeDepth (64) and MaxListSize (65535): structural bounds enforced by the
//     binary node codec.
//
// # Validation Functions
//
//	if err := limits.ValidateFrame(frame); err != nil {
//	    // ErrFrameEmpty or ErrFrameTooLarge
//	}
//
// For custom limits, use ValidateFrameSize:
//
//	err := limits.ValidateFrameSize(data, 4096)
package limits
