package fetch

import "os"

// FileValidator accepts an artifact when it exists, is non-empty, and
// matches the upstream-reported size when one was given.
type FileValidator struct{}

func NewFileValidator() *FileValidator {
	return &FileValidator{}
}

func (v *FileValidator) Validate(filePath string, expectedSize int64) bool {
	info, err := os.Stat(filePath)
	if err != nil {
		return false
	}

	if info.Size() == 0 {
		return false
	}

	if expectedSize > 0 && info.Size() != expectedSize {
		return false
	}

	return true
}
