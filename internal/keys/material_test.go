package keys

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestGenerateThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys.json")

	m, err := Generate(path)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	wantAccess := m.AccessKey()
	wantMgmt := m.ManagementKey()

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(loaded.AccessKey()) != string(wantAccess) {
		t.Fatal("access key did not round-trip through the file")
	}
	if string(loaded.ManagementKey()) != string(wantMgmt) {
		t.Fatal("management key did not round-trip through the file")
	}
}

func TestFileShapeMatchesClientMirror(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys.json")
	if _, err := Generate(path); err != nil {
		t.Fatalf("generate: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var fs map[string]string
	if err := json.Unmarshal(raw, &fs); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := fs["managementKey"]; !ok {
		t.Fatal("expected managementKey field")
	}
	if _, ok := fs["accessKey"]; !ok {
		t.Fatal("expected accessKey field")
	}

	ak, err := base64.StdEncoding.DecodeString(fs["accessKey"])
	if err != nil || len(ak) != 32 {
		t.Fatalf("accessKey must decode to 32 bytes, got %d err=%v", len(ak), err)
	}
}

func TestFilePermissionsAreOwnerOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys.json")
	if _, err := Generate(path); err != nil {
		t.Fatalf("generate: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected mode 0600, got %o", info.Mode().Perm())
	}
}

func TestRotateAccessKeyChangesKeyAndPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys.json")
	m, err := Generate(path)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	before := m.AccessKeyBase64()

	if err := m.RotateAccessKey(); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	after := m.AccessKeyBase64()
	if before == after {
		t.Fatal("expected the access key to change after rotation")
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.AccessKeyBase64() != after {
		t.Fatal("rotated key must be persisted to disk")
	}
}

func TestLoadOrGenerateCreatesOnFirstCall(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys.json")

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("expected no file yet")
	}

	m1, err := LoadOrGenerate(path)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	m2, err := LoadOrGenerate(path)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if m1.AccessKeyBase64() != m2.AccessKeyBase64() {
		t.Fatal("second LoadOrGenerate must load the same key written by the first")
	}
}

func TestLoadRejectsMissingAccessKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys.json")
	if err := os.WriteFile(path, []byte(`{"managementKey":"`+base64.StdEncoding.EncodeToString(make([]byte, 32))+`"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error when accessKey is missing")
	}
}
