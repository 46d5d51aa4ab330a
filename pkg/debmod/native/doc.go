// Package native implements a debugger module for processes running on
// the same host as the server, using ptrace(2). It is only available on
// linux/amd64 and registers itself as the "native" backend.
//
// All ptrace requests are issued from a single locked OS thread, as the
// kernel requires every request after PTRACE_ATTACH to come from the
// tracer thread.
package native
