package offline0

import (
	"errors"

	perrors "github.com/jmgilman/go/errors"
)

var (
	ErrQuotaExceeded = errors.New("storage quota exceeded")
	ErrNotCacheable  = errors.New("response not cacheable")
	errNoGeneration  = errors.New("no generation")
)

func quotaError(key string, size, max int64) error {
	return perrors.WithContextMap(
		perrors.Wrap(ErrQuotaExceeded, perrors.CodeRateLimit, "store put rejected"),
		map[string]interface{}{"key": key, "size": size, "max": max},
	)
}

func notCacheableError(key, reason string) error {
	return perrors.WithContext(
		perrors.Wrapf(ErrNotCacheable, perrors.CodeInvalidInput, "refusing to store: %s", reason),
		"key", key,
	)
}

func storeError(err error, op, name string) error {
	return perrors.WithContext(perrors.Wrapf(err, perrors.CodeDatabase, "store %s", op), "generation", name)
}

func networkError(err error, url string) error {
	return perrors.WithContext(perrors.Wrap(err, perrors.CodeNetwork, "fetch failed"), "url", url)
}

func configError(format string, args ...interface{}) error {
	return perrors.Newf(perrors.CodeInvalidConfig, format, args...)
}
