package memorystore

import "github.com/mecho-run/mecho/pkg/mecho/mechoerr"

// ValidateCore enforces the CoreMemory field limits.
func ValidateCore(description, detail string) error {
	if len(description) > MaxCoreDescription {
		return mechoerr.Validationf("core description exceeds maximum of %d characters", MaxCoreDescription)
	}
	if len(detail) > MaxCoreDetail {
		return mechoerr.Validationf("core detail exceeds maximum of %d characters", MaxCoreDetail)
	}
	return nil
}

// ValidateCurated enforces the CuratedMemory field limits: a description of
// exactly the maximum length is accepted, one character over is rejected.
func ValidateCurated(description, detail string) error {
	if len(description) > MaxCuratedDescription {
		return mechoerr.Validationf("curated description exceeds maximum of %d characters", MaxCuratedDescription)
	}
	if len(detail) > MaxCuratedDetail {
		return mechoerr.Validationf("curated detail exceeds maximum of %d characters", MaxCuratedDetail)
	}
	return nil
}
