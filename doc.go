// Package sbpf links relocatable BPF objects into SBPF V0 executables.
//
// The linker consumes objects and static archives produced by upstream
// BPF toolchains, resolves symbols across them, legalizes the merged
// program for the target virtual machine and emits a single shared
// object. SBPF diverges from upstream BPF in calling convention,
// instruction legality and metadata expectations, so this is more than
// concatenation: bounded loops may need unrolling, calls may need
// inlining, memory intrinsics may need expansion or rerouting to
// runtime syscalls, and functions may need explicit termination.
//
// The pipeline is strictly staged: load, resolve, merge, legalize,
// filter exports, generate code, write. Each stage either hands a
// consistent state to the next or fails the whole invocation with a
// classified error.
package sbpf
