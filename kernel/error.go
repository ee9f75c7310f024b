package kernel

// Errno is the numeric error code that the syscall layer hands back to user
// space when a kernel operation fails.
type Errno int

// Error codes produced by the memory management subsystem. Their values
// match the classic unix errno numbering.
const (
	ENONE    Errno = 0
	EPERM    Errno = 1
	ESRCH    Errno = 3
	EIO      Errno = 5
	ENOMEM   Errno = 12
	EACCES   Errno = 13
	EFAULT   Errno = 14
	EBUSY    Errno = 16
	EINVAL   Errno = 22
	EALREADY Errno = 114
)

var errnoNames = map[Errno]string{
	ENONE:    "ENONE",
	EPERM:    "EPERM",
	ESRCH:    "ESRCH",
	EIO:      "EIO",
	ENOMEM:   "ENOMEM",
	EACCES:   "EACCES",
	EFAULT:   "EFAULT",
	EBUSY:    "EBUSY",
	EINVAL:   "EINVAL",
	EALREADY: "EALREADY",
}

// String returns the symbolic name of the error code.
func (e Errno) String() string {
	if name, ok := errnoNames[e]; ok {
		return name
	}
	return "EUNKNOWN"
}

// Error describes a kernel error. All kernel errors must be defined as global
// variables that are pointers to the Error structure. This requirement stems
// from the fact that the kernel paths that return them may run while the
// allocator is unavailable (e.g. while handling a page fault) so errors.New
// cannot be used.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string

	// The code reported to user space for this error.
	Code Errno
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Errno returns the user-visible error code for err. A nil error maps to
// ENONE while errors without an explicit code map to EINVAL.
func (e *Error) Errno() Errno {
	switch {
	case e == nil:
		return ENONE
	case e.Code == ENONE:
		return EINVAL
	default:
		return e.Code
	}
}
