package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"io/fs"
	"net"
	"strings"
	"syscall"
)

// Kind is the coarse cause of a failed checkpoint operation
type Kind string

const (
	KindSpace              Kind = "space"
	KindPermission         Kind = "permission"
	KindTransientFS        Kind = "transient_fs"
	KindTransientNet       Kind = "transient_net"
	KindResourceExhaustion Kind = "resource_exhaustion"
	KindPayload            Kind = "payload"
	KindValidation         Kind = "validation_failed"
	KindUnknown            Kind = "unknown"
)

// Error carries a classified failure with the operation and path involved
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Path != "" {
		fmt.Fprintf(&b, " %s", e.Path)
	}
	fmt.Fprintf(&b, ": %s", e.Kind)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E builds a classified error
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// EPath builds a classified error for an operation on a path
func EPath(kind Kind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// ErrNothingRecoverable is returned when no recovery candidate is valid
var ErrNothingRecoverable = stderrors.New("nothing recoverable")

// ErrNoDestination is the terminal finalize failure: no destination and no fallback accepted the artifact
var ErrNoDestination = stderrors.New("no destination or fallback location available")

// Classify maps an error to its Kind. Explicit kinds win, then well-known
// errno values, then message matching.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var ce *Error
	if stderrors.As(err, &ce) && ce.Kind != "" && ce.Kind != KindUnknown {
		return ce.Kind
	}

	switch {
	case stderrors.Is(err, syscall.ENOSPC), stderrors.Is(err, syscall.EDQUOT):
		return KindSpace
	case stderrors.Is(err, syscall.EACCES), stderrors.Is(err, syscall.EPERM),
		stderrors.Is(err, syscall.EROFS), stderrors.Is(err, fs.ErrPermission):
		return KindPermission
	case stderrors.Is(err, syscall.ENOMEM), stderrors.Is(err, syscall.EMFILE), stderrors.Is(err, syscall.ENFILE):
		return KindResourceExhaustion
	case stderrors.Is(err, syscall.ENOENT), stderrors.Is(err, syscall.EEXIST), stderrors.Is(err, syscall.EBUSY),
		stderrors.Is(err, syscall.EAGAIN), stderrors.Is(err, syscall.ENAMETOOLONG), stderrors.Is(err, syscall.EIO),
		stderrors.Is(err, fs.ErrNotExist), stderrors.Is(err, fs.ErrExist):
		return KindTransientFS
	case stderrors.Is(err, context.DeadlineExceeded):
		return KindTransientNet
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return KindTransientNet
	}

	return classifyMessage(strings.ToLower(err.Error()))
}

var messageRules = []struct {
	kind    Kind
	needles []string
}{
	{KindSpace, []string{"no space left", "disk full", "quota exceeded"}},
	{KindPermission, []string{"permission denied", "access denied", "read-only file system"}},
	{KindResourceExhaustion, []string{"out of memory", "cannot allocate memory", "too many open files", "memory"}},
	{KindPayload, []string{"audio", "tensor", "sample rate", "samples", "channel"}},
	{KindValidation, []string{"validation"}},
	{KindTransientNet, []string{"network", "timeout", "connection", "broken pipe"}},
	{KindTransientFS, []string{"file exists", "directory not found", "no such file", "path too long", "filesystem error", "temporary", "resource busy"}},
}

func classifyMessage(msg string) Kind {
	for _, rule := range messageRules {
		for _, needle := range rule.needles {
			if strings.Contains(msg, needle) {
				return rule.kind
			}
		}
	}
	return KindUnknown
}

// IsRetryable reports whether a Kind is worth retrying in place
func IsRetryable(kind Kind) bool {
	switch kind {
	case KindTransientFS, KindTransientNet, KindPayload:
		return true
	default:
		return false
	}
}

// IsRelocatable reports whether a Kind should move the write to another storage root
func IsRelocatable(kind Kind) bool {
	return kind == KindSpace || kind == KindPermission
}
