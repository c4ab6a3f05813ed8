package kb

import "errors"

// Proposal rejection reasons. Every rejected KB update wraps one of these
// so callers can report a stable reason to the model or the user.
var (
	// ErrPathEscape is returned when the target path resolves outside the
	// domain's KB root (.. segments, absolute paths, or symlink hops).
	ErrPathEscape = errors.New("path escapes the KB root")

	// ErrExtension is returned when the target extension is not in the
	// allow-list.
	ErrExtension = errors.New("file extension not allowed")

	// ErrNullBytes is returned when the path or content carries NUL bytes.
	ErrNullBytes = errors.New("null bytes not allowed")

	// ErrTierViolation is returned when the write mode is not permitted
	// for the target file's tier.
	ErrTierViolation = errors.New("write mode not allowed for tier")

	// ErrConfirmMissing is returned when a delete lacks the matching
	// `confirm: DELETE <filename>` line.
	ErrConfirmMissing = errors.New("delete requires a confirmation token")

	// ErrFileExists is returned when a create targets an existing file.
	ErrFileExists = errors.New("file already exists")

	// ErrFileMissing is returned when an update or delete targets a file
	// that does not exist.
	ErrFileMissing = errors.New("file does not exist")

	// ErrPatchNoMatch is returned when a patch's search text is absent
	// from the file or matches more than once.
	ErrPatchNoMatch = errors.New("patch search text did not match exactly once")

	// ErrPatchFormat is returned when patch content is not a sequence of
	// SEARCH/REPLACE sections.
	ErrPatchFormat = errors.New("patch content is not in SEARCH/REPLACE form")
)
