// Package protocol implements the intercom wire format: one UDP datagram per audio
// chunk, carrying raw interleaved little-endian 16-bit samples with no header.
package protocol
