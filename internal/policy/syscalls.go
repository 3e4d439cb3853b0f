package policy

// Syscalls the sample and the in-sandbox tracers need. ptrace and
// process_vm_readv keep strace working; the inotify and packet socket calls keep
// the file and network tracers working.
var baselineSyscalls = []string{
	// process control
	"clone", "clone3", "fork", "vfork", "execve", "execveat", "exit", "exit_group",
	"wait4", "waitid", "getpid", "getppid", "gettid", "getpgrp", "getpgid", "setpgid",
	"getsid", "setsid", "set_tid_address", "set_robust_list", "get_robust_list",
	"futex", "futex_waitv", "arch_prctl", "prctl", "rseq", "sched_yield",
	"sched_getaffinity", "sched_setaffinity", "sched_getparam", "sched_getscheduler",
	"getpriority", "setpriority", "getrlimit", "setrlimit", "prlimit64", "getrusage",
	"ptrace", "process_vm_readv",
	// credentials
	"getuid", "geteuid", "getgid", "getegid", "getgroups", "getresuid", "getresgid",
	"setuid", "setgid", "setgroups", "setresuid", "setresgid", "capget", "capset",
	// memory
	"brk", "mmap", "munmap", "mremap", "mprotect", "madvise", "mlock", "munlock",
	"msync", "mincore", "memfd_create",
	// signals
	"rt_sigaction", "rt_sigprocmask", "rt_sigreturn", "rt_sigsuspend", "rt_sigpending",
	"rt_sigtimedwait", "rt_sigqueueinfo", "sigaltstack", "kill", "tgkill", "tkill",
	"pause", "alarm", "signalfd", "signalfd4",
	// time
	"nanosleep", "clock_nanosleep", "clock_gettime", "clock_getres", "gettimeofday",
	"time", "times", "getitimer", "setitimer", "timer_create", "timer_settime",
	"timer_gettime", "timer_delete", "timerfd_create", "timerfd_settime", "timerfd_gettime",
	// files and descriptors
	"read", "write", "pread64", "pwrite64", "readv", "writev", "preadv", "pwritev",
	"open", "openat", "openat2", "creat", "close", "close_range", "lseek", "dup", "dup2",
	"dup3", "pipe", "pipe2", "fcntl", "flock", "fsync", "fdatasync", "ioctl",
	"stat", "fstat", "lstat", "newfstatat", "statx", "statfs", "fstatfs", "access",
	"faccessat", "faccessat2", "getdents", "getdents64", "getcwd", "chdir", "fchdir",
	"rename", "renameat", "renameat2", "mkdir", "mkdirat", "rmdir", "link", "linkat",
	"unlink", "unlinkat", "symlink", "symlinkat", "readlink", "readlinkat", "chmod",
	"fchmod", "fchmodat", "chown", "fchown", "lchown", "fchownat", "umask", "utimensat",
	"truncate", "ftruncate", "fallocate", "sendfile", "copy_file_range", "splice",
	"getxattr", "lgetxattr", "fgetxattr", "listxattr",
	// polling and events
	"poll", "ppoll", "select", "pselect6", "epoll_create", "epoll_create1", "epoll_ctl",
	"epoll_wait", "epoll_pwait", "eventfd", "eventfd2", "inotify_init", "inotify_init1",
	"inotify_add_watch", "inotify_rm_watch",
	// network
	"socket", "socketpair", "connect", "accept", "accept4", "bind", "listen",
	"sendto", "recvfrom", "sendmsg", "recvmsg", "sendmmsg", "recvmmsg", "shutdown",
	"getsockname", "getpeername", "setsockopt", "getsockopt",
	// system information
	"uname", "sysinfo", "getrandom", "getcpu",
}

// Escape surface: namespace and mount manipulation, kernel modules and control,
// privileged I/O, clock mutation, and BPF loading.
var escapeSyscalls = []string{
	"mount", "umount", "umount2", "pivot_root", "chroot", "setns", "unshare",
	"open_tree", "move_mount", "fsopen", "fsconfig", "fsmount", "fspick", "mount_setattr",
	"init_module", "finit_module", "delete_module", "create_module", "query_module",
	"get_kernel_syms", "kexec_load", "kexec_file_load", "reboot", "swapon", "swapoff",
	"syslog", "acct", "quotactl", "vhangup", "lookup_dcookie",
	"iopl", "ioperm", "open_by_handle_at", "name_to_handle_at",
	"settimeofday", "clock_settime", "clock_adjtime", "adjtimex", "stime",
	"sethostname", "setdomainname",
	"bpf", "perf_event_open", "userfaultfd", "keyctl", "add_key", "request_key",
	"process_vm_writev", "kcmp", "personality", "uselib", "nfsservctl",
}
