// Package btf emits BPF Type Format metadata.
//
// The linker optionally describes the exported functions and data of
// the final artifact in BTF so that runtime tooling can introspect the
// program. Only the handful of kinds needed for that are modeled;
// this is a writer, not a general BTF library.
package btf
