package main

import (
	"testing"
)

func TestEnvFiles(t *testing.T) {
	files, err := envFiles(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if files != nil {
		t.Fatalf("expected default .env lookup, got %v", files)
	}

	files, err = envFiles([]string{"-env-file=/etc/checkout/.env"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(files) != 1 || files[0] != "/etc/checkout/.env" {
		t.Fatalf("unexpected files %v", files)
	}

	if _, err := envFiles([]string{"-unknown"}); err == nil {
		t.Fatal("expected error for unknown flag")
	}
}
