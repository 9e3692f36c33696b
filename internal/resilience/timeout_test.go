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
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestWithTimeoutSuccess(t *testing.T) {
	err := WithTimeout(context.Background(), time.Second, zap.NewNop(), func(ctx context.Context) error {
		return nil
	})
	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
}

func TestWithTimeoutDeadlineExceeded(t *testing.T) {
	err := WithTimeout(context.Background(), 10*time.Millisecond, zap.NewNop(), func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	})
	if err == nil {
		t.Fatal("Expected timeout error, got nil")
	}

	var svcErr *ServiceError
	if !errors.As(err, &svcErr) {
		t.Fatalf("Expected ServiceError, got %T", err)
	}
	if svcErr.StatusCode != http.StatusGatewayTimeout {
		t.Errorf("Expected status %d, got %d", http.StatusGatewayTimeout, svcErr.StatusCode)
	}
}

func TestWithTimeoutPropagatesFunctionError(t *testing.T) {
	fnErr := errors.New("downstream failure")
	err := WithTimeout(context.Background(), time.Second, nil, func(ctx context.Context) error {
		return fnErr
	})
	if !errors.Is(err, fnErr) {
		t.Errorf("Expected function error to propagate, got %v", err)
	}
}

func TestWithTimeoutZeroUsesDefault(t *testing.T) {
	var deadline time.Time
	err := WithTimeout(context.Background(), 0, zap.NewNop(), func(ctx context.Context) error {
		deadline, _ = ctx.Deadline()
		return nil
	})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if remaining := time.Until(deadline); remaining <= 0 || remaining > DefaultTimeout {
		t.Errorf("Expected deadline within default timeout, got %v remaining", remaining)
	}
}
