package database

import (
	"errors"
	"fmt"

	"github.com/lib/pq"

	"courier/internal/domain"
)

// Postgres error codes that are safe to retry.
var transientCodes = map[pq.ErrorCode]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
	"57014": true, // query_canceled by lock_timeout/statement_timeout
}

// Classify marks lock contention and deadlocks as domain.ErrTransientStorage.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && transientCodes[pqErr.Code] {
		return fmt.Errorf("%w: %w", domain.ErrTransientStorage, err)
	}
	return err
}

func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
