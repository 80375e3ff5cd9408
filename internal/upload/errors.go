package upload

import "errors"

var (
	// ErrInvalidInput means the submission's payload descriptor is
	// malformed. Surfaced immediately, never retried.
	ErrInvalidInput = errors.New("invalid submission")
	// ErrWrongState means the job is not in a status that accepts the
	// requested upload operation.
	ErrWrongState = errors.New("job not accepting uploads")
	// ErrHashMismatch means the declared content hash does not match the
	// hash registered for the upload unit.
	ErrHashMismatch = errors.New("content hash does not match upload")
	// ErrPartOutOfRange means the part index is negative or beyond the
	// declared part count.
	ErrPartOutOfRange = errors.New("part index out of range")
	// ErrPartConflict means a part index was re-submitted with a different
	// byte length than the one already recorded.
	ErrPartConflict = errors.New("part already recorded with different length")
	// ErrPartsIncomplete means completion was requested before every part
	// index had a recorded length.
	ErrPartsIncomplete = errors.New("not all parts uploaded")
	// ErrIntegrity means the assembled payload's hash does not equal the
	// declared content hash. Never auto-retried; the client must re-upload.
	ErrIntegrity = errors.New("assembled payload failed hash verification")
	// ErrCapExceeded means the tenant's monthly staged-byte cap would be
	// exceeded by accepting this part.
	ErrCapExceeded = errors.New("tenant byte cap exceeded")
	// ErrChunkMissing means a staged chunk blob disappeared between upload
	// and assembly, usually after a retention sweep.
	ErrChunkMissing = errors.New("staged chunk missing")
)
