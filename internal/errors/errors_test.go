package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestNewError(t *testing.T) {
	err := NewError(10001, "test error")

	if err.Code != 10001 {
		t.Errorf("Expected code 10001, got %d", err.Code)
	}
	if err.Message != "test error" {
		t.Errorf("Expected message 'test error', got '%s'", err.Message)
	}
	if err.Err != nil {
		t.Error("Expected Err to be nil")
	}
}

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *AppError
		expected string
	}{
		{
			name:     "without wrapped error",
			err:      NewError(10001, "test error"),
			expected: "[10001] test error",
		},
		{
			name:     "with wrapped error",
			err:      NewError(10001, "test error").Wrap(errors.New("original error")),
			expected: "[10001] test error: original error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Expected '%s', got '%s'", tt.expected, got)
			}
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	originalErr := errors.New("original error")
	appErr := ErrTokenExpired.Wrap(originalErr)

	if errors.Unwrap(appErr) != originalErr {
		t.Error("Expected unwrapped error to be the original error")
	}
}

func TestIs(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		target   *AppError
		expected bool
	}{
		{
			name:     "same error",
			err:      ErrMissingCredential,
			target:   ErrMissingCredential,
			expected: true,
		},
		{
			name:     "wrapped same error",
			err:      ErrInvalidSignature.Wrap(errors.New("signature is invalid")),
			target:   ErrInvalidSignature,
			expected: true,
		},
		{
			name:     "fmt wrapped app error",
			err:      fmt.Errorf("authenticate: %w", ErrMalformedClaims),
			target:   ErrMalformedClaims,
			expected: true,
		},
		{
			name:     "different error",
			err:      ErrTokenExpired,
			target:   ErrInvalidSignature,
			expected: false,
		},
		{
			name:     "non-app error",
			err:      errors.New("standard error"),
			target:   ErrMissingCredential,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Is(tt.err, tt.target); got != tt.expected {
				t.Errorf("Expected %v, got %v", tt.expected, got)
			}
			// errors.Is 也按错误码比较
			if got := errors.Is(tt.err, tt.target); got != tt.expected {
				t.Errorf("errors.Is: expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestGetCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{
			name:     "app error",
			err:      ErrConnectionLimit,
			expected: CodeConnectionLimit,
		},
		{
			name:     "wrapped app error",
			err:      ErrTokenExpired.Wrap(errors.New("wrapped")),
			expected: CodeTokenExpired,
		},
		{
			name:     "standard error",
			err:      errors.New("standard error"),
			expected: CodeServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetCode(tt.err); got != tt.expected {
				t.Errorf("Expected %d, got %d", tt.expected, got)
			}
		})
	}
}

func TestGetMessage(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{
			name:     "app error",
			err:      ErrSendBufferFull,
			expected: "send buffer full",
		},
		{
			name:     "standard error",
			err:      errors.New("standard error"),
			expected: "internal server error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetMessage(tt.err); got != tt.expected {
				t.Errorf("Expected '%s', got '%s'", tt.expected, got)
			}
		})
	}
}

func TestPredefinedErrors(t *testing.T) {
	// 验证预定义错误的 Code 是否正确
	predefinedErrors := map[*AppError]int{
		ErrMissingCredential: CodeMissingCredential,
		ErrInvalidSignature:  CodeInvalidSignature,
		ErrTokenExpired:      CodeTokenExpired,
		ErrMalformedClaims:   CodeMalformedClaims,
		ErrConnectionLimit:   CodeConnectionLimit,
		ErrChannelClosed:     CodeChannelClosed,
		ErrSendBufferFull:    CodeSendBufferFull,
		ErrOriginNotAllowed:  CodeOriginNotAllowed,
		ErrInvalidRequest:    CodeInvalidRequest,
		ErrUnknownEvent:      CodeUnknownEvent,
		ErrServerError:       CodeServerError,
		ErrTooManyRequest:    CodeTooManyReqest,
	}

	for err, expectedCode := range predefinedErrors {
		if err.Code != expectedCode {
			t.Errorf("Error %s: expected code %d, got %d", err.Message, expectedCode, err.Code)
		}
	}
}
