// Copyright 2025 Intent Hub Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package resilience

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{
			name:     "Service error carries its own status",
			err:      NewBadRequestError("bad input", nil),
			expected: http.StatusBadRequest,
		},
		{
			name:     "Wrapped service error",
			err:      fmt.Errorf("handler: %w", NewTimeoutError("deadline exceeded", nil)),
			expected: http.StatusGatewayTimeout,
		},
		{
			name:     "Route not found sentinel",
			err:      fmt.Errorf("lookup: %w", ErrRouteNotFound),
			expected: http.StatusNotFound,
		},
		{
			name:     "Embedding sentinel",
			err:      fmt.Errorf("embed: %w", ErrEmbedding),
			expected: http.StatusServiceUnavailable,
		},
		{
			name:     "Index sentinel",
			err:      fmt.Errorf("upsert: %w", ErrIndex),
			expected: http.StatusServiceUnavailable,
		},
		{
			name:     "Repair generation sentinel",
			err:      fmt.Errorf("suggest: %w", ErrRepairGeneration),
			expected: http.StatusBadGateway,
		},
		{
			name:     "Unclassified error",
			err:      errors.New("something broke"),
			expected: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if status := StatusFor(tt.err); status != tt.expected {
				t.Errorf("Expected status %d, got %d", tt.expected, status)
			}
		})
	}
}

func TestRouteNotFound(t *testing.T) {
	err := RouteNotFound(42)

	if !errors.Is(err, ErrRouteNotFound) {
		t.Error("Expected RouteNotFound to wrap ErrRouteNotFound")
	}

	if err.Error() != "route 42 not found" {
		t.Errorf("Expected message 'route 42 not found', got '%s'", err.Error())
	}

	if StatusFor(err) != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", StatusFor(err))
	}
}

func TestServiceErrorUnwrap(t *testing.T) {
	inner := errors.New("connection refused")
	err := NewDependencyFailureError("index unreachable", inner)

	if !errors.Is(err, inner) {
		t.Error("Expected ServiceError to unwrap to its internal error")
	}

	var svcErr *ServiceError
	if !errors.As(err, &svcErr) {
		t.Fatal("Expected errors.As to match *ServiceError")
	}
	if svcErr.Code != ErrorCodeDependencyFailure {
		t.Errorf("Expected code %s, got %s", ErrorCodeDependencyFailure, svcErr.Code)
	}
}

func TestToErrorResponse(t *testing.T) {
	err := NewNotFoundError("route 7 not found", nil)

	resp := err.ToErrorResponse()
	if resp.Error != "route 7 not found" {
		t.Errorf("Expected error message 'route 7 not found', got '%s'", resp.Error)
	}
	if resp.Code != string(ErrorCodeNotFound) {
		t.Errorf("Expected code '%s', got '%s'", ErrorCodeNotFound, resp.Code)
	}
	if resp.Timestamp.IsZero() {
		t.Error("Expected timestamp to be set")
	}
}
