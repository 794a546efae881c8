// Copyright 2024 The ReZZan Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rezzan

import "testing"

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(envMap(nil))
	if err != nil {
		t.Fatal(err)
	}
	want := DefaultConfig()
	if cfg != want {
		t.Fatalf("LoadConfig(empty) = %+v, want %+v", cfg, want)
	}
}

func TestLoadConfigDisabledShortCircuits(t *testing.T) {
	cfg, err := LoadConfig(envMap(map[string]string{
		"REZZAN_DISABLED":  "1",
		"REZZAN_NONCE_SIZE": "999", // would otherwise be rejected
	}))
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Disabled {
		t.Fatal("Disabled not set")
	}
}

func TestLoadConfigRejectsBadNonceSize(t *testing.T) {
	_, err := LoadConfig(envMap(map[string]string{"REZZAN_NONCE_SIZE": "999"}))
	if err == nil {
		t.Fatal("expected an error for an invalid nonce size")
	}
}

func TestLoadConfigRejectsUnparseableInt(t *testing.T) {
	_, err := LoadConfig(envMap(map[string]string{"REZZAN_POOL_SIZE": "not-a-number"}))
	if err == nil {
		t.Fatal("expected an error for an unparseable integer")
	}
}

func TestLoadConfigRejectsPoolSizeNotPageMultiple(t *testing.T) {
	// Above the minimum pool size, but one byte past a page multiple.
	_, err := LoadConfig(envMap(map[string]string{"REZZAN_POOL_SIZE": "65537"}))
	if err == nil {
		t.Fatal("expected an error for a pool size that is not a page multiple")
	}
}

func TestLoadConfigParsesAllFields(t *testing.T) {
	cfg, err := LoadConfig(envMap(map[string]string{
		"REZZAN_NONCE_SIZE":      "64",
		"REZZAN_QUARANTINE_SIZE": "65536",
		"REZZAN_POOL_SIZE":       "65536",
		"REZZAN_DEBUG":           "1",
		"REZZAN_CHECKS":          "1",
		"REZZAN_POPULATE":        "1",
		"REZZAN_STATS":           "1",
		"REZZAN_PRINTF":          "1",
		"REZZAN_NONCE_ADDR":      "0x10000",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.NonceSize != Mode64 {
		t.Errorf("NonceSize = %v, want Mode64", cfg.NonceSize)
	}
	if cfg.QuarantineSize != 65536 || cfg.PoolSize != 65536 {
		t.Errorf("sizes = %d/%d, want 65536/65536", cfg.QuarantineSize, cfg.PoolSize)
	}
	if !cfg.Debug || !cfg.Checks || !cfg.Populate || !cfg.Stats || !cfg.Printf {
		t.Errorf("boolean flags not all set: %+v", cfg)
	}
	if cfg.NonceAddr != 0x10000 {
		t.Errorf("NonceAddr = %#x, want 0x10000", cfg.NonceAddr)
	}
}
