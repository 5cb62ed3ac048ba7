package flerrors

import (
	"errors"

	"gorm.io/gorm"
)

var (
	ErrResourceIsNil    = errors.New("object is nil")
	ErrResourceNotFound = errors.New("object not found")
	ErrDuplicateName    = errors.New("an object with this name already exists")
	ErrInvalidArgument  = errors.New("invalid argument")

	// credentials
	ErrCredentialInactive = errors.New("credential is deactivated")
	ErrCredentialMismatch = errors.New("credential does not match")

	// ingest
	ErrValidation     = errors.New("validation failed")
	ErrDuplicate      = errors.New("duplicate message")
	ErrUnknownMetric  = errors.New("unknown metric key")
	ErrMetricTypeMismatch = errors.New("metric value type does not match schema")

	// twin
	ErrStaleVersion = errors.New("reported version is not newer than the stored version")
)

func ErrorFromGormError(err error) error {
	switch err {
	case nil:
		return nil
	case gorm.ErrRecordNotFound:
		return ErrResourceNotFound
	case gorm.ErrDuplicatedKey:
		return ErrDuplicateName
	default:
		return err
	}
}
