package auth

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/rickgao/gatesync/internal/model"
)

func TestLoadCredentials(t *testing.T) {
	dir := t.TempDir()
	tokenFile := filepath.Join(dir, "token")
	if err := os.WriteFile(tokenFile, []byte("  file-token\n"), 0600); err != nil {
		t.Fatalf("write token: %v", err)
	}
	emptyFile := filepath.Join(dir, "empty")
	if err := os.WriteFile(emptyFile, []byte("\n"), 0600); err != nil {
		t.Fatalf("write token: %v", err)
	}

	tests := []struct {
		name      string
		token     string
		path      string
		want      string
		wantNoCrd bool
		wantErr   bool
	}{
		{name: "inline", token: "abc", want: "abc"},
		{name: "inline wins", token: "abc", path: tokenFile, want: "abc"},
		{name: "file", path: tokenFile, want: "file-token"},
		{name: "blank inline falls through", token: "  ", path: tokenFile, want: "file-token"},
		{name: "nothing", wantNoCrd: true, wantErr: true},
		{name: "empty file", path: emptyFile, wantNoCrd: true, wantErr: true},
		{name: "missing file", path: filepath.Join(dir, "nope"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			creds, err := LoadCredentials(tt.token, tt.path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantNoCrd && !errors.Is(err, ErrNoCredential) {
				t.Errorf("err = %v, want ErrNoCredential", err)
			}
			if err == nil && creds.Token != tt.want {
				t.Errorf("Token = %q, want %q", creds.Token, tt.want)
			}
		})
	}
}

func TestForServer(t *testing.T) {
	if _, err := ForServer(model.Server{ID: "a", URL: "http://a"}); !errors.Is(err, ErrNoCredential) {
		t.Errorf("err = %v, want ErrNoCredential", err)
	}

	creds, err := ForServer(model.Server{ID: "a", URL: "http://a", Token: " tok "})
	if err != nil {
		t.Fatalf("ForServer: %v", err)
	}
	if creds.Token != "tok" {
		t.Errorf("Token = %q", creds.Token)
	}
}

func TestCredentials_Header(t *testing.T) {
	creds := &Credentials{Token: "secret-token"}
	if got := creds.Header().Get("Authorization"); got != "Bearer secret-token" {
		t.Errorf("Authorization = %q", got)
	}
}

func TestCredentials_Redacted(t *testing.T) {
	if got := (&Credentials{Token: "short"}).Redacted(); got != "****" {
		t.Errorf("Redacted() = %q", got)
	}
	if got := (&Credentials{Token: "abcdefghijkl"}).Redacted(); got != "abcd...kl" {
		t.Errorf("Redacted() = %q", got)
	}
}

func TestIsRejection(t *testing.T) {
	for status, want := range map[int]bool{
		http.StatusUnauthorized:       true,
		http.StatusForbidden:          true,
		http.StatusBadGateway:         false,
		http.StatusServiceUnavailable: false,
		http.StatusOK:                 false,
	} {
		if got := IsRejection(status); got != want {
			t.Errorf("IsRejection(%d) = %v, want %v", status, got, want)
		}
	}
}
