package auth

import (
	"errors"
	"testing"

	logs "github.com/danmuck/linkctl/internal/logging"
	"github.com/danmuck/linkctl/internal/testutil/testlog"
)

func TestStaticIdentityValidate(t *testing.T) {
	testlog.Start(t)

	tests := []struct {
		name    string
		stored  string
		input   string
		wantErr error
	}{
		{name: "empty expected denies", stored: "", input: "", wantErr: ErrWrongIdentity},
		{name: "mismatch denied", stored: "agentA", input: "agentB", wantErr: ErrWrongIdentity},
		{name: "case differs denied", stored: "agentA", input: "AGENTA", wantErr: ErrWrongIdentity},
		{name: "prefix denied", stored: "agentA", input: "agent", wantErr: ErrWrongIdentity},
		{name: "exact match accepted", stored: "agentA", input: "agentA", wantErr: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			logs.Logf("auth/static-identity: stored=%q input=%q", tc.stored, tc.input)
			err := (StaticIdentity{Name: tc.stored}).Validate(tc.input)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected err %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestFuncValidator(t *testing.T) {
	validator := FuncValidator(func(identity string) error {
		if identity != "ok" {
			return ErrWrongIdentity
		}
		return nil
	})

	if err := validator.Validate("bad"); !errors.Is(err, ErrWrongIdentity) {
		t.Fatalf("expected rejection for bad identity, got %v", err)
	}
	if err := validator.Validate("ok"); err != nil {
		t.Fatalf("expected success for ok identity, got %v", err)
	}
}
