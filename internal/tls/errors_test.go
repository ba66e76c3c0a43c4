package tls

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTLSError_Error(t *testing.T) {
	tests := []struct {
		name     string
		tlsError *TLSError
		expected string
	}{
		{
			name: "basic error",
			tlsError: &TLSError{
				Type:    ErrorTypeStoreDecode,
				Message: "failed to decode store",
			},
			expected: "[store_decode] failed to decode store",
		},
		{
			name: "error with context",
			tlsError: &TLSError{
				Type:    ErrorTypeStoreDecode,
				Message: "failed to decode store",
				Context: map[string]interface{}{
					"path":       "/certs/truststore.p12",
					"store_type": "PKCS12",
				},
			},
			expected: "[store_decode] failed to decode store | context: path=/certs/truststore.p12, store_type=PKCS12",
		},
		{
			name: "error with cause",
			tlsError: &TLSError{
				Type:    ErrorTypeStoreDecode,
				Message: "failed to decode store",
				Cause:   fmt.Errorf("truncated"),
			},
			expected: "[store_decode] failed to decode store | cause: truncated",
		},
		{
			name: "error with context and cause",
			tlsError: &TLSError{
				Type:    ErrorTypeStoreDecode,
				Message: "failed to decode store",
				Context: map[string]interface{}{
					"path": "/certs/truststore.p12",
				},
				Cause: fmt.Errorf("permission denied"),
			},
			expected: "[store_decode] failed to decode store | context: path=/certs/truststore.p12 | cause: permission denied",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.tlsError.Error())
		})
	}
}

func TestTLSError_WithContext(t *testing.T) {
	err := NewTLSError(ErrorTypeStoreContent, "test error")

	result := err.WithContext("key", "value")

	assert.Same(t, err, result)
	assert.Equal(t, "value", err.Context["key"])
}

func TestTLSError_GetDetailedMessage(t *testing.T) {
	err := NewTLSError(ErrorTypeStorePassword, "store password is incorrect").
		WithSuggestion("Check the password").
		WithSuggestion("Check the store type")

	detailed := err.GetDetailedMessage()
	assert.Contains(t, detailed, "Suggestions:")
	assert.Contains(t, detailed, "1. Check the password")
	assert.Contains(t, detailed, "2. Check the store type")
}

func TestTLSError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := NewTransportError(ErrorTypeConnectionRefused, "broker:1414", cause)

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, fmt.Errorf("wrapped: %w", err), cause)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		configuration bool
		handshake     bool
		transport     bool
		fileSystem    bool
		severity      ErrorSeverity
	}{
		{
			name:          "missing config",
			err:           NewConfigMissingError("trust_store.path"),
			configuration: true,
			severity:      SeverityCritical,
		},
		{
			name:          "store type",
			err:           NewStoreTypeError("JKS"),
			configuration: true,
			severity:      SeverityCritical,
		},
		{
			name:          "file not found",
			err:           NewFileNotFoundError("/certs/missing.p12"),
			configuration: true,
			fileSystem:    true,
			severity:      SeverityCritical,
		},
		{
			name:      "untrusted peer",
			err:       NewUntrustedPeerError("broker:1414", nil),
			handshake: true,
			severity:  SeverityError,
		},
		{
			name:      "handshake failure",
			err:       NewHandshakeFailureError("aborted", nil),
			handshake: true,
			severity:  SeverityWarning,
		},
		{
			name:      "wrapped transport",
			err:       fmt.Errorf("connect: %w", NewTransportError(ErrorTypeDNS, "nowhere:1414", nil)),
			transport: true,
			severity:  SeverityWarning,
		},
		{
			name:       "watcher",
			err:        NewTLSError(ErrorTypeFileWatching, "watch failed"),
			fileSystem: true,
			severity:   SeverityInfo,
		},
		{
			name:     "plain error",
			err:      errors.New("boom"),
			severity: SeverityError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.configuration, IsConfigurationError(tt.err))
			assert.Equal(t, tt.handshake, IsHandshakeError(tt.err))
			assert.Equal(t, tt.transport, IsTransportError(tt.err))
			assert.Equal(t, tt.fileSystem, IsFileSystemError(tt.err))
			assert.Equal(t, tt.severity, GetErrorSeverity(tt.err))
		})
	}
}

func TestGetRecoverySuggestions(t *testing.T) {
	err := NewStoreTypeError("JKS")
	suggestions := GetRecoverySuggestions(err)
	assert.Len(t, suggestions, 1)
	assert.Contains(t, suggestions[0], "PKCS12")

	generic := GetRecoverySuggestions(errors.New("other"))
	assert.NotEmpty(t, generic)
}
