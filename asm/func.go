package asm

import "fmt"

// BuiltinFunc is a function provided by the SBPF runtime.
//
// Calls to builtins use the syscall calling convention: up to five
// arguments in r1-r5, the result in r0.
type BuiltinFunc int32

// SBPF runtime builtins.
const (
	// FnAbort - void abort(void)
	// Aborts the transaction. Never returns.
	FnAbort BuiltinFunc = iota + 1
	// FnPanic - void sol_panic_(const char *file, u64 len, u64 line, u64 column)
	// Aborts with source location information. Never returns.
	FnPanic
	// FnLog - void sol_log_(const char *msg, u64 len)
	FnLog
	// FnLog64 - void sol_log_64_(u64, u64, u64, u64, u64)
	FnLog64
	// FnLogComputeUnits - void sol_log_compute_units_(void)
	FnLogComputeUnits
	// FnLogPubkey - void sol_log_pubkey(const u8 *pubkey)
	FnLogPubkey
	// FnMemcpy - void *sol_memcpy_(void *dst, const void *src, u64 n)
	FnMemcpy
	// FnMemmove - void *sol_memmove_(void *dst, const void *src, u64 n)
	FnMemmove
	// FnMemset - void *sol_memset_(void *dst, u8 c, u64 n)
	FnMemset
	// FnMemcmp - int sol_memcmp_(const void *a, const void *b, u64 n)
	FnMemcmp
	// FnSha256 - u64 sol_sha256(const SolBytes *bytes, u64 len, u8 *result)
	FnSha256
	// FnKeccak256 - u64 sol_keccak256(const SolBytes *bytes, u64 len, u8 *result)
	FnKeccak256
	// FnCreateProgramAddress - u64 sol_create_program_address(...)
	FnCreateProgramAddress
	// FnTryFindProgramAddress - u64 sol_try_find_program_address(...)
	FnTryFindProgramAddress
	// FnInvokeSigned - u64 sol_invoke_signed_c(...)
	FnInvokeSigned
	// FnGetClockSysvar - u64 sol_get_clock_sysvar(void *ret)
	FnGetClockSysvar
	// FnGetRentSysvar - u64 sol_get_rent_sysvar(void *ret)
	FnGetRentSysvar
)

// Call emits a function call to a builtin.
func (fn BuiltinFunc) Call() Instruction {
	return Instruction{
		OpCode:   OpCode(JumpClass).SetJumpOp(Call),
		Constant: int64(fn),
	}
}

func (fn BuiltinFunc) String() string {
	switch fn {
	case FnAbort:
		return "abort"
	case FnPanic:
		return "sol_panic_"
	case FnLog:
		return "sol_log_"
	case FnLog64:
		return "sol_log_64_"
	case FnLogComputeUnits:
		return "sol_log_compute_units_"
	case FnLogPubkey:
		return "sol_log_pubkey"
	case FnMemcpy:
		return "sol_memcpy_"
	case FnMemmove:
		return "sol_memmove_"
	case FnMemset:
		return "sol_memset_"
	case FnMemcmp:
		return "sol_memcmp_"
	case FnSha256:
		return "sol_sha256"
	case FnKeccak256:
		return "sol_keccak256"
	case FnCreateProgramAddress:
		return "sol_create_program_address"
	case FnTryFindProgramAddress:
		return "sol_try_find_program_address"
	case FnInvokeSigned:
		return "sol_invoke_signed_c"
	case FnGetClockSysvar:
		return "sol_get_clock_sysvar"
	case FnGetRentSysvar:
		return "sol_get_rent_sysvar"
	default:
		return fmt.Sprintf("BuiltinFunc(%d)", int32(fn))
	}
}

// BuiltinFuncByName maps a syscall name to its number.
//
// Objects reference builtins by name; the number is substituted during
// code generation. The second return is false for unknown names.
func BuiltinFuncByName(name string) (BuiltinFunc, bool) {
	for fn := FnAbort; fn <= FnGetRentSysvar; fn++ {
		if fn.String() == name {
			return fn, true
		}
	}
	return 0, false
}

// Trap emits an instruction that terminates the program abnormally.
//
// The runtime rejects functions whose control flow can fall off the
// end, so the linker appends this wherever that could happen.
func Trap() Instruction {
	return FnAbort.Call()
}
