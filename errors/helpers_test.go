package errors_test

import (
	"fmt"
	"testing"

	"github.com/c0deZ3R0/docsync/errors"
)

func TestWrapOpComponent(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		op           string
		component    string
		expectedOp   errors.Operation
		expectedComp string
		nilError     bool
	}{
		{
			name:      "nil error returns nil",
			err:       nil,
			op:        "test.Operation",
			component: "test/component",
			nilError:  true,
		},
		{
			name:         "basic error wrapping",
			err:          fmt.Errorf("underlying error"),
			op:           "test.Operation",
			component:    "test/component",
			expectedOp:   errors.Operation("test.Operation"),
			expectedComp: "test/component",
		},
		{
			name:         "storage operation",
			err:          fmt.Errorf("database connection failed"),
			op:           "sqlite.BulkWrite",
			component:    "storage/sqlite",
			expectedOp:   errors.Operation("sqlite.BulkWrite"),
			expectedComp: "storage/sqlite",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := errors.WrapOpComponent(tt.err, tt.op, tt.component)

			if tt.nilError {
				if result != nil {
					t.Errorf("Expected nil error, got %v", result)
				}
				return
			}

			syncErr, ok := result.(*errors.SyncError)
			if !ok {
				t.Fatalf("Expected *SyncError, got %T", result)
			}
			if syncErr.Op != tt.expectedOp {
				t.Errorf("Expected Op %s, got %s", tt.expectedOp, syncErr.Op)
			}
			if syncErr.Component != tt.expectedComp {
				t.Errorf("Expected Component %s, got %s", tt.expectedComp, syncErr.Component)
			}
			if syncErr.Err != tt.err {
				t.Errorf("Expected underlying error %v, got %v", tt.err, syncErr.Err)
			}
		})
	}
}

func TestWrapOpComponentKind(t *testing.T) {
	err := fmt.Errorf("test error")
	result := errors.WrapOpComponentKind(err, "test.Op", "test/component", errors.KindInternal)

	syncErr, ok := result.(*errors.SyncError)
	if !ok {
		t.Fatalf("Expected *SyncError, got %T", result)
	}
	if syncErr.Kind != errors.KindInternal {
		t.Errorf("Expected Kind %s, got %s", errors.KindInternal, syncErr.Kind)
	}
	if syncErr.Err != err {
		t.Errorf("Expected underlying error %v, got %v", err, syncErr.Err)
	}
	if errors.WrapOpComponentKind(nil, "x", "y", errors.KindFatal) != nil {
		t.Error("Expected nil for nil error")
	}
}
