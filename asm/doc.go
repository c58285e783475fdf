// Package asm is an assembler for SBPF bytecode.
//
// SBPF is derived from eBPF: the encoding is the familiar fixed 8 byte
// instruction word, with 64 bit immediate loads occupying two words.
// The package models instructions symbolically: jumps and calls may
// carry a Reference to a named target instead of a raw offset, and
// function entry points carry a Symbol. References are resolved to
// relative offsets when an instruction stream is marshaled.
package asm
