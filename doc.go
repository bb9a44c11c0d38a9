// Package redbpf loads compiled BPF object files into the Linux kernel and
// attaches their programs to kernel hooks.
//
// An object file produced by a BPF toolchain carries programs in named ELF
// sections and map definitions describing the kernel data structures shared
// with user space. LoadSpec extracts both into a ModuleSpec without talking
// to the kernel; NewModule then creates the kernel objects, maps first, and
// loads the programs with their map references rewritten to the created
// file descriptors.
//
// The Module tracks everything it creates. Programs attach to kprobes,
// uprobes, tracepoints, XDP interfaces and sockets through the Attach
// methods, and a single Close detaches and unloads it all in reverse order
// of creation.
//
// Per-CPU event streams emitted through perf event array maps are consumed
// with the perf package.
//
// The library requires Linux and, for everything beyond parsing object
// files, CAP_SYS_ADMIN or CAP_BPF.
package redbpf
