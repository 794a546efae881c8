// Copyright 2024 The ReZZan Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rezzan

import (
	"strconv"

	"github.com/pkg/errors"
)

// Config holds the process-wide options spec.md §6 reads once from the
// environment at init. The zero value is not valid; use LoadConfig or
// DefaultConfig.
type Config struct {
	Disabled       bool // REZZAN_DISABLED
	NonceSize      Mode // REZZAN_NONCE_SIZE: 61 or 64
	QuarantineSize int  // REZZAN_QUARANTINE_SIZE, in bytes
	PoolSize       int  // REZZAN_POOL_SIZE, in bytes; must be a page-size multiple
	Debug          bool // REZZAN_DEBUG
	Checks         bool // REZZAN_CHECKS
	Populate       bool // REZZAN_POPULATE
	Stats          bool // REZZAN_STATS
	Printf         bool // REZZAN_PRINTF

	// Fixed mapping addresses. Design notes §9: "keep them configurable and
	// verify the kernel honored the request, aborting otherwise." Zero means
	// "let the kernel choose", which is what every platform but the
	// original's reference x86-64/glibc target can actually guarantee.
	NonceAddr      uintptr // REZZAN_NONCE_ADDR, default 0 (the original's fixed address is 0x10000)
	PoolAddr       uintptr // REZZAN_POOL_ADDR, default 0 (the original's fixed address is 0xaaa00000000)
	QuarantineAddr uintptr // REZZAN_QUARANTINE_ADDR, default 0 (the original's fixed address is 0xaa900000000)
}

const (
	defaultQuarantineSize = 1 << 28 // 256MiB, ASan's default
	defaultPoolSize       = 1 << 31 // 2GiB
	poolMmapUnits         = (1 << 15) / unitSize
)

// DefaultConfig returns the options table's defaults with no fixed
// addresses (portable, kernel-chosen mappings).
func DefaultConfig() Config {
	return Config{
		NonceSize:      Mode61,
		QuarantineSize: defaultQuarantineSize,
		PoolSize:       defaultPoolSize,
	}
}

// LoadConfig reads the REZZAN_* environment variables via getenv (normally
// os.Getenv), matching get_config's semantics in the original: unset
// returns the default, present-but-unparseable is a configuration error.
func LoadConfig(getenv func(string) string) (Config, error) {
	cfg := DefaultConfig()

	disabled, err := getBool(getenv, "REZZAN_DISABLED", false)
	if err != nil {
		return Config{}, err
	}
	cfg.Disabled = disabled
	if cfg.Disabled {
		return cfg, nil
	}

	nonceSize, err := getUint(getenv, "REZZAN_NONCE_SIZE", uint64(Mode61))
	if err != nil {
		return Config{}, err
	}
	switch Mode(nonceSize) {
	case Mode61, Mode64:
		cfg.NonceSize = Mode(nonceSize)
	default:
		return Config{}, errors.Errorf("invalid nonce size (%d); must be one of {61,64}", nonceSize)
	}

	quarantineSize, err := getUint(getenv, "REZZAN_QUARANTINE_SIZE", defaultQuarantineSize)
	if err != nil {
		return Config{}, err
	}
	cfg.QuarantineSize = int(quarantineSize)

	poolSize, err := getUint(getenv, "REZZAN_POOL_SIZE", defaultPoolSize)
	if err != nil {
		return Config{}, err
	}
	if poolSize < poolMmapUnits*unitSize {
		return Config{}, errors.Errorf("invalid pool size (%d); must be at least %d", poolSize, poolMmapUnits*unitSize)
	}
	if int(poolSize)%osPageSize != 0 {
		return Config{}, errors.Errorf("invalid pool size (%d); must be divisible by the page size (%d)", poolSize, osPageSize)
	}
	cfg.PoolSize = int(poolSize)

	if cfg.Debug, err = getBool(getenv, "REZZAN_DEBUG", false); err != nil {
		return Config{}, err
	}
	if cfg.Checks, err = getBool(getenv, "REZZAN_CHECKS", false); err != nil {
		return Config{}, err
	}
	if cfg.Populate, err = getBool(getenv, "REZZAN_POPULATE", false); err != nil {
		return Config{}, err
	}
	if cfg.Stats, err = getBool(getenv, "REZZAN_STATS", false); err != nil {
		return Config{}, err
	}
	if cfg.Printf, err = getBool(getenv, "REZZAN_PRINTF", false); err != nil {
		return Config{}, err
	}

	nonceAddr, err := getUint(getenv, "REZZAN_NONCE_ADDR", 0)
	if err != nil {
		return Config{}, err
	}
	poolAddr, err := getUint(getenv, "REZZAN_POOL_ADDR", 0)
	if err != nil {
		return Config{}, err
	}
	quarantineAddr, err := getUint(getenv, "REZZAN_QUARANTINE_ADDR", 0)
	if err != nil {
		return Config{}, err
	}
	cfg.NonceAddr = uintptr(nonceAddr)
	cfg.PoolAddr = uintptr(poolAddr)
	cfg.QuarantineAddr = uintptr(quarantineAddr)

	return cfg, nil
}

func getUint(getenv func(string) string, name string, def uint64) (uint64, error) {
	s := getenv(name)
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to parse %s=%q into an integer", name, s)
	}
	return v, nil
}

func getBool(getenv func(string) string, name string, def bool) (bool, error) {
	v, err := getUint(getenv, name, boolToUint(def))
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

func boolToUint(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
