// Package serialization implements the .vxm checkpoint format.
//
//	Fixed header (64 bytes, little endian):
//	  0x00  [4]byte  magic "VXMP"
//	  0x04  uint32   format version
//	  0x08  uint32   flags
//	  0x0C  uint32   reserved
//	  0x10  uint64   JSON header size
//	  0x18  uint64   data section size
//	  0x20  [32]byte SHA-256 of the data section
//	JSON header
//	zero padding to a 64-byte boundary
//	tensor data, in header order
//
// Tensors are written in name order so the same state produces the same
// bytes. Readers verify the magic, version, header bounds, tensor layout and
// checksum before any tensor is returned.
package serialization
