package errors

// CategoryDirectoryCache groups errors raised by the flat-file directory
// cache: authority loading, consensus/certificate/microdescriptor parsing
// and verification, churn pruning, and the cache-freshness controller.
const CategoryDirectoryCache ErrorCategory = "directory_cache"

// ConfigError reports that the authority file is missing or malformed.
// Authority loading never falls back to a hard-coded set; this is always fatal.
func ConfigError(message string, err error) *TorError {
	return Wrap(CategoryDirectoryCache, SeverityCritical, message, err)
}

// CacheCorruptionError reports that a cache file failed to parse,
// signature-check, or hex-decode, or that a required cache file/directory
// is missing.
func CacheCorruptionError(reason string) *TorError {
	return New(CategoryDirectoryCache, SeverityHigh, "cache corruption: "+reason)
}

// CacheCorruptionErrorWrap is CacheCorruptionError with an underlying cause.
func CacheCorruptionErrorWrap(reason string, err error) *TorError {
	return Wrap(CategoryDirectoryCache, SeverityHigh, "cache corruption: "+reason, err)
}

// UntimelyObjectError reports that a loaded object's validity interval
// does not cover the current wall-clock time.
func UntimelyObjectError(what string) *TorError {
	return New(CategoryDirectoryCache, SeverityHigh, "untimely object: "+what)
}

// UnrecognizedAuthoritiesError reports that the consensus's signers include
// none (or not enough) of the trusted authority set.
func UnrecognizedAuthoritiesError(detail string) *TorError {
	return New(CategoryDirectoryCache, SeverityHigh, "unrecognized authorities: "+detail)
}

// DirectoryNotPresentError reports that the assembler produced an
// insufficient directory, so no circuits may be built.
func DirectoryNotPresentError() *TorError {
	return New(CategoryDirectoryCache, SeverityHigh, "network directory not present or insufficient")
}

// NoResponseError reports that the HTTP send retry budget was exhausted
// without a response.
func NoResponseError(err error) *TorError {
	return WrapRetryable(CategoryNetwork, SeverityMedium, "no response after retries", err)
}

// UnsupportedVersionError reports that the caller requested an HTTP
// protocol version other than 1.0.
func UnsupportedVersionError(version string) *TorError {
	return New(CategoryProtocol, SeverityLow, "unsupported protocol version: "+version)
}
