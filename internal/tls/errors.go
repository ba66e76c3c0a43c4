package tls

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// TLSErrorType represents different categories of TLS errors
type TLSErrorType string

const (
	// Configuration errors
	ErrorTypeConfigValidation TLSErrorType = "config_validation"
	ErrorTypeConfigMissing    TLSErrorType = "config_missing"

	// Store errors
	ErrorTypeStoreType     TLSErrorType = "store_type"
	ErrorTypeStoreDecode   TLSErrorType = "store_decode"
	ErrorTypeStorePassword TLSErrorType = "store_password"
	ErrorTypeStoreContent  TLSErrorType = "store_content"

	// File system errors
	ErrorTypeFileAccess     TLSErrorType = "file_access"
	ErrorTypeFileNotFound   TLSErrorType = "file_not_found"
	ErrorTypeFilePermission TLSErrorType = "file_permission"
	ErrorTypeFileWatching   TLSErrorType = "file_watching"

	// TLS handshake errors
	ErrorTypeHandshakeFailure TLSErrorType = "handshake_failure"
	ErrorTypeHandshakeTimeout TLSErrorType = "handshake_timeout"
	ErrorTypeUntrustedPeer    TLSErrorType = "untrusted_peer"
	ErrorTypeHostnameMismatch TLSErrorType = "hostname_mismatch"
	ErrorTypeProtocolMismatch TLSErrorType = "protocol_mismatch"
	ErrorTypeClientAuth       TLSErrorType = "client_auth"

	// Transport errors
	ErrorTypeDNS               TLSErrorType = "dns"
	ErrorTypeConnectionRefused TLSErrorType = "connection_refused"
	ErrorTypeTransportTimeout  TLSErrorType = "transport_timeout"
	ErrorTypeTransport         TLSErrorType = "transport"
)

// TLSError represents a structured TLS error with context
type TLSError struct {
	Type        TLSErrorType
	Message     string
	Cause       error
	Context     map[string]interface{}
	Suggestions []string
}

// Error implements the error interface
func (e *TLSError) Error() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[%s]", string(e.Type)))
	parts = append(parts, e.Message)

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for key := range e.Context {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		contextParts := make([]string, 0, len(keys))
		for _, key := range keys {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", key, e.Context[key]))
		}
		parts = append(parts, fmt.Sprintf("context: %s", strings.Join(contextParts, ", ")))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}

	return strings.Join(parts, " | ")
}

// Unwrap returns the underlying error for error unwrapping
func (e *TLSError) Unwrap() error {
	return e.Cause
}

// WithContext adds context information to the error
func (e *TLSError) WithContext(key string, value interface{}) *TLSError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithSuggestion adds a suggestion for resolving the error
func (e *TLSError) WithSuggestion(suggestion string) *TLSError {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

// GetDetailedMessage returns a detailed error message with suggestions
func (e *TLSError) GetDetailedMessage() string {
	message := e.Error()

	if len(e.Suggestions) > 0 {
		message += "\n\nSuggestions:"
		for i, suggestion := range e.Suggestions {
			message += fmt.Sprintf("\n  %d. %s", i+1, suggestion)
		}
	}

	return message
}

// NewTLSError creates a new TLS error with the specified type and message
func NewTLSError(errorType TLSErrorType, message string) *TLSError {
	return &TLSError{
		Type:    errorType,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// NewTLSErrorWithCause creates a new TLS error with an underlying cause
func NewTLSErrorWithCause(errorType TLSErrorType, message string, cause error) *TLSError {
	return &TLSError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// Configuration error constructors
func NewConfigValidationError(field string, value interface{}, reason string) *TLSError {
	return NewTLSError(ErrorTypeConfigValidation, fmt.Sprintf("invalid configuration field '%s'", field)).
		WithContext("field", field).
		WithContext("value", value).
		WithContext("reason", reason).
		WithSuggestion(fmt.Sprintf("Check the '%s' field in your TLS configuration", field))
}

func NewConfigMissingError(field string) *TLSError {
	return NewTLSError(ErrorTypeConfigMissing, fmt.Sprintf("required configuration field '%s' is missing", field)).
		WithContext("field", field).
		WithSuggestion(fmt.Sprintf("Set '%s' in the configuration file or environment", field))
}

// Store error constructors
func NewStoreTypeError(storeType string) *TLSError {
	return NewTLSError(ErrorTypeStoreType, fmt.Sprintf("unsupported store type %q", storeType)).
		WithContext("store_type", storeType).
		WithSuggestion(fmt.Sprintf("Use one of: %s", strings.Join(RegisteredStoreTypes(), ", ")))
}

func NewStoreDecodeError(path, storeType string, cause error) *TLSError {
	return NewTLSErrorWithCause(ErrorTypeStoreDecode, "failed to decode store", cause).
		WithContext("path", path).
		WithContext("store_type", storeType).
		WithSuggestion("Verify the store type matches the file format").
		WithSuggestion("Check that the file is not truncated or corrupt")
}

func NewStorePasswordError(path string, cause error) *TLSError {
	return NewTLSErrorWithCause(ErrorTypeStorePassword, "store password is incorrect", cause).
		WithContext("path", path).
		WithSuggestion("Check the configured store password")
}

func NewStoreContentError(path, reason string) *TLSError {
	return NewTLSError(ErrorTypeStoreContent, fmt.Sprintf("store content rejected: %s", reason)).
		WithContext("path", path).
		WithSuggestion("Trust stores must hold at least one certificate").
		WithSuggestion("Key stores must hold exactly one private key and its certificate chain")
}

// File system error constructors
func NewFileNotFoundError(filePath string) *TLSError {
	return NewTLSError(ErrorTypeFileNotFound, fmt.Sprintf("file not found: %s", filePath)).
		WithContext("file_path", filePath).
		WithSuggestion("Verify the file path is correct").
		WithSuggestion("Check that the file exists at the specified location")
}

func NewFilePermissionError(filePath string, operation string) *TLSError {
	return NewTLSError(ErrorTypeFilePermission, fmt.Sprintf("permission denied for %s operation on file: %s", operation, filePath)).
		WithContext("file_path", filePath).
		WithContext("operation", operation).
		WithSuggestion("Check file permissions (should be readable by the process)")
}

// TLS handshake error constructors
func NewHandshakeFailureError(reason string, cause error) *TLSError {
	return NewTLSErrorWithCause(ErrorTypeHandshakeFailure, fmt.Sprintf("TLS handshake failed: %s", reason), cause).
		WithContext("failure_reason", reason).
		WithSuggestion("Check client and server TLS version compatibility").
		WithSuggestion("Ensure certificates are valid and trusted")
}

func NewUntrustedPeerError(peer string, cause error) *TLSError {
	return NewTLSErrorWithCause(ErrorTypeUntrustedPeer, "peer certificate chain is not anchored in the trust store", cause).
		WithContext("peer", peer).
		WithSuggestion("Add the issuing CA of the peer certificate to the trust store")
}

func NewHostnameMismatchError(peer string, cause error) *TLSError {
	return NewTLSErrorWithCause(ErrorTypeHostnameMismatch, "peer certificate does not match the requested host", cause).
		WithContext("peer", peer).
		WithSuggestion("Connect using a name listed in the certificate SANs").
		WithSuggestion("Use trust_bundle_only peer verification if hostname checks are not wanted")
}

func NewClientAuthError(reason string, cause error) *TLSError {
	return NewTLSErrorWithCause(ErrorTypeClientAuth, fmt.Sprintf("client authentication failed: %s", reason), cause).
		WithContext("auth_failure_reason", reason).
		WithSuggestion("Verify the key store certificate is issued by a CA the peer accepts")
}

// Transport error constructors
func NewTransportError(errorType TLSErrorType, address string, cause error) *TLSError {
	return NewTLSErrorWithCause(errorType, fmt.Sprintf("failed to connect to %s", address), cause).
		WithContext("address", address)
}

func typeOf(err error) (TLSErrorType, bool) {
	var tlsErr *TLSError
	if errors.As(err, &tlsErr) {
		return tlsErr.Type, true
	}
	return "", false
}

// Error classification helpers

// IsConfigurationError reports errors raised while constructing a factory.
func IsConfigurationError(err error) bool {
	t, ok := typeOf(err)
	if !ok {
		return false
	}
	switch t {
	case ErrorTypeConfigValidation, ErrorTypeConfigMissing,
		ErrorTypeStoreType, ErrorTypeStoreDecode, ErrorTypeStorePassword, ErrorTypeStoreContent,
		ErrorTypeFileAccess, ErrorTypeFileNotFound, ErrorTypeFilePermission:
		return true
	}
	return false
}

func IsHandshakeError(err error) bool {
	t, ok := typeOf(err)
	if !ok {
		return false
	}
	switch t {
	case ErrorTypeHandshakeFailure, ErrorTypeHandshakeTimeout, ErrorTypeUntrustedPeer,
		ErrorTypeHostnameMismatch, ErrorTypeProtocolMismatch, ErrorTypeClientAuth:
		return true
	}
	return false
}

func IsTransportError(err error) bool {
	t, ok := typeOf(err)
	if !ok {
		return false
	}
	switch t {
	case ErrorTypeDNS, ErrorTypeConnectionRefused, ErrorTypeTransportTimeout, ErrorTypeTransport:
		return true
	}
	return false
}

func IsFileSystemError(err error) bool {
	t, ok := typeOf(err)
	if !ok {
		return false
	}
	switch t {
	case ErrorTypeFileAccess, ErrorTypeFileNotFound, ErrorTypeFilePermission, ErrorTypeFileWatching:
		return true
	}
	return false
}

// GetRecoverySuggestions returns the suggestions attached to err, if any.
func GetRecoverySuggestions(err error) []string {
	var tlsErr *TLSError
	if errors.As(err, &tlsErr) {
		return tlsErr.Suggestions
	}
	return []string{"Check logs for more details", "Verify TLS configuration is correct"}
}

// Error severity levels
type ErrorSeverity int

const (
	SeverityInfo ErrorSeverity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

func GetErrorSeverity(err error) ErrorSeverity {
	t, ok := typeOf(err)
	if !ok {
		return SeverityError
	}
	switch {
	case IsConfigurationError(err):
		return SeverityCritical
	case t == ErrorTypeUntrustedPeer, t == ErrorTypeHostnameMismatch, t == ErrorTypeClientAuth:
		return SeverityError
	case IsHandshakeError(err), IsTransportError(err):
		return SeverityWarning
	default:
		return SeverityInfo
	}
}
