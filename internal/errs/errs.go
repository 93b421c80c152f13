// Package errs defines the E57 error-kind taxonomy shared by every other
// internal package and by the public e57 package. It plays the same role
// the teacher library's internal/utils.H5Error plays for scigolib/hdf5: a
// single wrapped-error type carrying a context string and a cause, except
// here the "kind" is promoted to a first-class field so callers can branch
// on it with errors.As instead of string-matching.
package errs

import "fmt"

// Kind identifies one of the error categories surfaced by the library
// (spec section 6, "Error codes surfaced").
type Kind int

const (
	BadAPIArgument Kind = iota
	BadCVHeader
	BadCVPacket
	BadChecksum
	BadNodeDowncast
	BadPathName
	BufferSizeMismatch
	BufferDuplicatePathName
	ConversionRequired
	ExpectingNumeric
	ExpectingUString
	FileReadOnly
	ImageFileNotOpen
	InternalError
	InvarianceViolation
	PathUndefined
	ReaderNotOpen
	Real64TooLarge
	ScaledValueNotRepresentable
	SeekFailed
	ReadFailed
	WriteFailed
	SetTwice
	TooManyReaders
	TooManyWriters
	ValueNotRepresentable
	ValueOutOfBounds
	WriterNotOpen
	AlreadyHasParent
)

var names = map[Kind]string{
	BadAPIArgument:              "BadAPIArgument",
	BadCVHeader:                 "BadCVHeader",
	BadCVPacket:                 "BadCVPacket",
	BadChecksum:                 "BadChecksum",
	BadNodeDowncast:             "BadNodeDowncast",
	BadPathName:                 "BadPathName",
	BufferSizeMismatch:          "BufferSizeMismatch",
	BufferDuplicatePathName:     "BufferDuplicatePathName",
	ConversionRequired:          "ConversionRequired",
	ExpectingNumeric:            "ExpectingNumeric",
	ExpectingUString:            "ExpectingUString",
	FileReadOnly:                "FileReadOnly",
	ImageFileNotOpen:            "ImageFileNotOpen",
	InternalError:               "InternalError",
	InvarianceViolation:         "InvarianceViolation",
	PathUndefined:               "PathUndefined",
	ReaderNotOpen:               "ReaderNotOpen",
	Real64TooLarge:              "Real64TooLarge",
	ScaledValueNotRepresentable: "ScaledValueNotRepresentable",
	SeekFailed:                  "SeekFailed",
	ReadFailed:                  "ReadFailed",
	WriteFailed:                 "WriteFailed",
	SetTwice:                    "SetTwice",
	TooManyReaders:              "TooManyReaders",
	TooManyWriters:              "TooManyWriters",
	ValueNotRepresentable:       "ValueNotRepresentable",
	ValueOutOfBounds:            "ValueOutOfBounds",
	WriterNotOpen:               "WriterNotOpen",
	AlreadyHasParent:            "AlreadyHasParent",
}

// String returns the kind's name as it appears in spec section 6.
func (k Kind) String() string {
	if s, ok := names[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// E57Error is the error type returned by every exported entry point in the
// module. Context is a short human-readable description of what the
// library was doing; Cause is the underlying error, if any (e.g. an I/O
// error from the os.File backing the container).
type E57Error struct {
	Kind    Kind
	Context string
	Cause   error
}

func (e *E57Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Context, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Context)
}

func (e *E57Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *E57Error with the same Kind, so callers
// can write errors.Is(err, errs.New(errs.BadChecksum, "")) if they prefer
// that over errors.As plus a Kind comparison.
func (e *E57Error) Is(target error) bool {
	other, ok := target.(*E57Error)
	if !ok {
		return false
	}
	return other.Kind == e.Kind
}

// New creates an E57Error with no underlying cause.
func New(kind Kind, context string) error {
	return &E57Error{Kind: kind, Context: context}
}

// Newf creates an E57Error with a formatted context.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &E57Error{Kind: kind, Context: fmt.Sprintf(format, args...)}
}

// Wrap creates an E57Error carrying cause as its Unwrap() target. It
// returns nil if cause is nil, mirroring the teacher's WrapError.
func Wrap(kind Kind, context string, cause error) error {
	if cause == nil {
		return nil
	}
	return &E57Error{Kind: kind, Context: context, Cause: cause}
}

// KindOf extracts the Kind of err if it is (or wraps) an *E57Error, and
// reports whether one was found.
func KindOf(err error) (Kind, bool) {
	var e *E57Error
	if ok := asE57Error(err, &e); ok {
		return e.Kind, true
	}
	return 0, false
}

// asE57Error is a tiny local errors.As to avoid importing errors just for
// this one call site's generic signature friction with *E57Error.
func asE57Error(err error, target **E57Error) bool {
	for err != nil {
		if e, ok := err.(*E57Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
