package capture

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrorKind classifies why the camera could not be opened.
type ErrorKind int

const (
	KindOther ErrorKind = iota
	KindPermissionDenied
	KindNotFound
	KindUnsupported
)

func (k ErrorKind) String() string {
	switch k {
	case KindPermissionDenied:
		return "permission_denied"
	case KindNotFound:
		return "not_found"
	case KindUnsupported:
		return "unsupported"
	default:
		return "other"
	}
}

// CameraError is a fatal acquisition failure. Logs holds whatever the
// capture process printed before it gave up.
type CameraError struct {
	Kind ErrorKind
	Err  error
	Logs string
}

func (e *CameraError) Error() string {
	if e.Err == nil {
		return "camera " + e.Kind.String()
	}
	return fmt.Sprintf("camera %s: %v", e.Kind, e.Err)
}

func (e *CameraError) Unwrap() error { return e.Err }

// Message is the actionable text shown to the user for this kind.
func (e *CameraError) Message() string {
	switch e.Kind {
	case KindPermissionDenied:
		return "Camera access denied. Please allow camera permissions and refresh."
	case KindNotFound:
		return "No camera found. Please connect a camera and refresh."
	case KindUnsupported:
		return "Camera not supported on this system."
	default:
		return fmt.Sprintf("Initialization failed: %v", e.Err)
	}
}

// Checked in priority order: permission problems are the most specific.
var (
	permissionKeywords = []string{
		"permission denied",
		"operation not permitted",
		"not authorized",
		"access denied",
		"eacces",
	}
	notFoundKeywords = []string{
		"no such file or directory",
		"no such device",
		"could not find video device",
		"cannot open video device",
		"device not found",
		"no video devices",
		"could not enumerate video devices",
	}
	unsupportedKeywords = []string{
		"unknown input format",
		"not supported",
		"unsupported",
		"no decoder",
		"inappropriate ioctl",
	}
)

// Classify maps a capture failure to an ErrorKind using the process error
// and its stderr text.
func Classify(err error, logs string) ErrorKind {
	var ce *CameraError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, exec.ErrNotFound) {
		return KindUnsupported
	}

	combined := strings.ToLower(logs)
	if err != nil {
		combined += " " + strings.ToLower(err.Error())
	}

	switch {
	case containsAny(combined, permissionKeywords):
		return KindPermissionDenied
	case containsAny(combined, notFoundKeywords):
		return KindNotFound
	case containsAny(combined, unsupportedKeywords):
		return KindUnsupported
	default:
		return KindOther
	}
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
