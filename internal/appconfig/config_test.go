package appconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConf(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "gse-uploader.conf")
	if err := os.WriteFile(path, []byte(body), 0640); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConf(t, `
[Global]
Target-IP=192.168.4.1
Expected-SSID=GSE-MAINT
`)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.TargetIP.String() != "192.168.4.1" {
		t.Fatalf("TargetIP = %v", c.TargetIP)
	}
	if c.RecvTimeout != 60*time.Second {
		t.Fatalf("RecvTimeout = %v, want 60s default", c.RecvTimeout)
	}
	if c.Max_Retries != 5 {
		t.Fatalf("Max_Retries = %d, want default 5", c.Max_Retries)
	}
	if c.Storage_Dir != "gse_storage" {
		t.Fatalf("Storage_Dir = %q", c.Storage_Dir)
	}
}

func TestLoadRejectsMissingTargetIP(t *testing.T) {
	path := writeConf(t, `
[Global]
Expected-SSID=GSE-MAINT
`)
	if _, err := Load(path); err != ErrNoTargetIP {
		t.Fatalf("Load err = %v, want ErrNoTargetIP", err)
	}
}

func TestLoadRejectsInvalidTargetIP(t *testing.T) {
	path := writeConf(t, `
[Global]
Target-IP=not-an-ip
Expected-SSID=GSE-MAINT
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for invalid Target-IP")
	}
}

func TestLoadHonoursExplicitTimeoutAndRetries(t *testing.T) {
	path := writeConf(t, `
[Global]
Target-IP=10.0.0.5
Expected-SSID=GSE-MAINT
Recv-Timeout=10s
Max-Retries=3
`)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.RecvTimeout != 10*time.Second {
		t.Fatalf("RecvTimeout = %v", c.RecvTimeout)
	}
	if c.Max_Retries != 3 {
		t.Fatalf("Max_Retries = %d", c.Max_Retries)
	}
}

func TestEnvOverrideFillsUnsetIniValue(t *testing.T) {
	path := writeConf(t, `
[Global]
Expected-SSID=GSE-MAINT
`)
	t.Setenv("GSE_TARGET_IP", "172.16.0.9")
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.TargetIP.String() != "172.16.0.9" {
		t.Fatalf("TargetIP = %v, want env override applied", c.TargetIP)
	}
}
