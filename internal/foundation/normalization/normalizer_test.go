package normalization

import (
	"testing"
)

type driver string

const (
	driverRedis  driver = "redis"
	driverSQLite driver = "sqlite"
	driverMemory driver = "memory"
)

func newDriverNormalizer() *Normalizer[driver] {
	return NewNormalizer(map[string]driver{
		"redis":  driverRedis,
		"SQLite": driverSQLite,
		"memory": driverMemory,
	}, driverMemory)
}

func TestNormalizer_Normalize(t *testing.T) {
	n := newDriverNormalizer()

	tests := []struct {
		name     string
		input    string
		expected driver
	}{
		{"exact match", "redis", driverRedis},
		{"case insensitive", "REDIS", driverRedis},
		{"mixed case key", "sqlite", driverSQLite},
		{"with spaces", "  memory  ", driverMemory},
		{"invalid input", "postgres", driverMemory},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := n.Normalize(tt.input); got != tt.expected {
				t.Errorf("Normalize(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestNormalizer_Parse(t *testing.T) {
	n := newDriverNormalizer()

	if got, err := n.Parse(" Redis "); err != nil || got != driverRedis {
		t.Fatalf("Parse(Redis) = %v, %v", got, err)
	}
	if got, err := n.Parse(""); err != nil || got != driverMemory {
		t.Fatalf("Parse(\"\") = %v, %v; want default", got, err)
	}
	if _, err := n.Parse("postgres"); err == nil {
		t.Fatal("expected error for unknown driver")
	}

	keys := n.ValidKeys()
	if len(keys) != 3 || keys[0] != "memory" || keys[2] != "sqlite" {
		t.Fatalf("unexpected keys %v", keys)
	}
}
