package config

import "testing"

func TestParsePortRange(t *testing.T) {
	tests := []struct {
		in      string
		lo, hi  int
		wantErr bool
	}{
		{"9300-9500", 9300, 9500, false},
		{" 9300 - 9500 ", 9300, 9500, false},
		{"9300", 0, 0, true},
		{"9500-9300", 0, 0, true},
		{"0-100", 0, 0, true},
		{"9300-99999", 0, 0, true},
		{"abc-def", 0, 0, true},
	}
	for _, tt := range tests {
		lo, hi, err := parsePortRange(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parsePortRange(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parsePortRange(%q): %v", tt.in, err)
			continue
		}
		if lo != tt.lo || hi != tt.hi {
			t.Errorf("parsePortRange(%q) = %d-%d, want %d-%d", tt.in, lo, hi, tt.lo, tt.hi)
		}
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StreamPortLo != 9300 || cfg.StreamPortHi != 9500 {
		t.Errorf("unexpected default stream port range %d-%d", cfg.StreamPortLo, cfg.StreamPortHi)
	}
	if cfg.MaxDaemonRetries != 3 {
		t.Errorf("unexpected default max retries %d", cfg.MaxDaemonRetries)
	}
}
