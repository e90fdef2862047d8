package encryptfs

import (
	"bytes"
	"testing"
)

func testKeyProvider() KeyProvider {
	return NewPasswordKeyProvider([]byte("hunter2"), Argon2idParams{
		Memory:      8 * 1024,
		Iterations:  1,
		Parallelism: 1,
	})
}

func TestConfig_Validate(t *testing.T) {
	base := func() *Config { return DefaultConfig(testKeyProvider()) }

	tests := []struct {
		name    string
		config  func() *Config
		wantErr bool
	}{
		{"nil config", func() *Config { return nil }, true},
		{"nil key provider", func() *Config {
			c := base()
			c.KeyProvider = nil
			return c
		}, true},
		{"valid default", base, false},
		{"zero block size", func() *Config {
			c := base()
			c.BlockSize = 0
			return c
		}, true},
		{"mac bytes out of range", func() *Config {
			c := base()
			c.MACBytes = 9
			return c
		}, true},
		{"negative rand bytes", func() *Config {
			c := base()
			c.RandBytes = -1
			return c
		}, true},
		{"block size not multiple of cipher block size", func() *Config {
			c := base()
			c.BlockSize = 1000
			return c
		}, true},
		{"block size too small for headers", func() *Config {
			c := base()
			c.BlockSize = 16
			c.MACBytes = 8
			c.RandBytes = 8
			return c
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config().Validate()
			if tt.wantErr && err == nil {
				t.Fatalf("Validate() expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("Validate() unexpected error: %v", err)
			}
		})
	}
}

func TestParallelConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ParallelConfig
		wantErr bool
	}{
		{"disabled always valid", ParallelConfig{Enabled: false, MaxWorkers: -5}, false},
		{"negative workers", ParallelConfig{Enabled: true, MaxWorkers: -1, MinFilesForParallel: 4}, true},
		{"too many workers", ParallelConfig{Enabled: true, MaxWorkers: 2000, MinFilesForParallel: 4}, true},
		{"zero min files", ParallelConfig{Enabled: true, MaxWorkers: 4, MinFilesForParallel: 0}, true},
		{"default config", DefaultParallelConfig(), false},
		{"valid config", ParallelConfig{Enabled: true, MaxWorkers: 8, MinFilesForParallel: 4}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr && err == nil {
				t.Fatalf("Validate() expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("Validate() unexpected error: %v", err)
			}
		})
	}
}

func TestValidateBuffer(t *testing.T) {
	if err := ValidateBuffer(nil, "buf", 0); err == nil {
		t.Fatal("expected error for nil buffer")
	}
	if err := ValidateBuffer([]byte("ab"), "buf", 4); err == nil {
		t.Fatal("expected error for undersized buffer")
	}
	if err := ValidateBuffer([]byte("abcd"), "buf", 4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateOffset(t *testing.T) {
	if err := ValidateOffset(-1, "off"); err == nil {
		t.Fatal("expected error for negative offset")
	}
	if err := ValidateOffset(0, "off"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateKey(t *testing.T) {
	if err := ValidateKey(nil, 32); err == nil {
		t.Fatal("expected error for nil key")
	}
	if err := ValidateKey(bytes.Repeat([]byte{1}, 16), 32); err == nil {
		t.Fatal("expected error for wrong-size key")
	}
	if err := ValidateKey(bytes.Repeat([]byte{1}, 32), 32); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateFilePath(t *testing.T) {
	if err := ValidateFilePath(""); err == nil {
		t.Fatal("expected error for empty path")
	}
	if err := ValidateFilePath("/foo"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateReadWrite(t *testing.T) {
	if err := ValidateReadWrite(nil, 0); err != ErrNilBuffer {
		t.Fatalf("expected ErrNilBuffer, got %v", err)
	}
	if err := ValidateReadWrite([]byte("x"), -1); err != ErrNegativeOffset {
		t.Fatalf("expected ErrNegativeOffset, got %v", err)
	}
	if err := ValidateReadWrite([]byte("x"), 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
