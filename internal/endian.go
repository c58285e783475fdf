package internal

import "encoding/binary"

// ByteOrder is the byte order of SBPF programs.
//
// The target virtual machine is little-endian regardless of the host,
// so unlike classic BPF there is no native-endian variant to probe
// for.
var ByteOrder binary.ByteOrder = binary.LittleEndian
