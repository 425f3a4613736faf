package apperror

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vedran77/portal/internal/backend"
)

func TestTranslate(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		kind    Kind
		message string
	}{
		{"rls violation", &backend.Error{Code: backend.CodeInsufficientPrivilege, Message: "new row violates row-level security policy"}, KindAuthorization, MsgForbidden},
		{"missing table", &backend.Error{Code: backend.CodeUndefinedTable, Message: `relation "channels" does not exist`}, KindSetup, MsgMissingTable},
		{"missing function", fmt.Errorf("calling rpc: %w", &backend.Error{Code: backend.CodeUndefinedFunction}), KindSetup, MsgMissingFunction},
		{"recursive policy", &backend.Error{Code: backend.CodeRecursivePolicy}, KindSetup, MsgRecursivePolicy},
		{"network", errors.New("connection reset by peer"), KindTransient, MsgTransient},
		{"unknown code", &backend.Error{Code: backend.CodeUniqueViolation}, KindTransient, MsgTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Translate(tt.err)
			assert.Equal(t, tt.kind, got.Kind)
			assert.Equal(t, tt.message, got.Message)
			assert.ErrorIs(t, got, tt.err)
		})
	}
}

func TestTranslatePassesClassifiedErrorsThrough(t *testing.T) {
	v := Validation("Message cannot be empty", nil)
	assert.Same(t, v, Translate(fmt.Errorf("send: %w", v)))
	assert.True(t, IsKind(v, KindValidation))
	assert.Nil(t, Translate(nil))
	assert.False(t, IsKind(nil, KindTransient))
}
