package e57

import "github.com/rtlab-ims-pub/libE57Format/internal/errs"

// ErrorKind identifies one of the error categories an E57Error can carry
// (spec section 6).
type ErrorKind = errs.Kind

// The error kinds surfaced by this package, re-exported from internal/errs
// so callers never need to import an internal package to branch on them.
const (
	BadAPIArgument              = errs.BadAPIArgument
	BadCVHeader                 = errs.BadCVHeader
	BadCVPacket                 = errs.BadCVPacket
	BadChecksum                 = errs.BadChecksum
	BadNodeDowncast             = errs.BadNodeDowncast
	BadPathName                 = errs.BadPathName
	BufferSizeMismatch          = errs.BufferSizeMismatch
	BufferDuplicatePathName     = errs.BufferDuplicatePathName
	ConversionRequired          = errs.ConversionRequired
	ExpectingNumeric            = errs.ExpectingNumeric
	ExpectingUString            = errs.ExpectingUString
	FileReadOnly                = errs.FileReadOnly
	ImageFileNotOpen            = errs.ImageFileNotOpen
	InternalError               = errs.InternalError
	InvarianceViolation         = errs.InvarianceViolation
	PathUndefined               = errs.PathUndefined
	ReaderNotOpen               = errs.ReaderNotOpen
	Real64TooLarge              = errs.Real64TooLarge
	ScaledValueNotRepresentable = errs.ScaledValueNotRepresentable
	SeekFailed                  = errs.SeekFailed
	ReadFailed                  = errs.ReadFailed
	WriteFailed                 = errs.WriteFailed
	SetTwice                    = errs.SetTwice
	TooManyReaders              = errs.TooManyReaders
	TooManyWriters              = errs.TooManyWriters
	ValueNotRepresentable       = errs.ValueNotRepresentable
	ValueOutOfBounds            = errs.ValueOutOfBounds
	WriterNotOpen               = errs.WriterNotOpen
	AlreadyHasParent            = errs.AlreadyHasParent
)

// E57Error is the concrete error type returned by every exported entry
// point in this package.
type E57Error = errs.E57Error

// KindOf extracts the ErrorKind of err if it is, or wraps, an *E57Error.
func KindOf(err error) (ErrorKind, bool) { return errs.KindOf(err) }
