package seeds

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spacedatanetwork/sdn-seeder/internal/coreid"
	"github.com/spacedatanetwork/sdn-seeder/internal/seeder"
)

var (
	keyA = coreid.Encode(make([]byte, coreid.KeySize))
	keyB = coreid.Encode([]byte("0123456789abcdef0123456789abcdef"))
	hexB = "3031323334353637383961626364656630313233343536373839616263646566"
)

func TestParse(t *testing.T) {
	input := "# seeds\n\ncore " + keyA + "\nbee " + hexB + "\nseeder " + keyA + "\nkey " + keyB + "\n"

	got, err := Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Failed to parse: %v", err)
	}

	want := []Seed{
		{Key: keyA, Type: seeder.TypeCore},
		{Key: keyB, Type: seeder.TypeBee},
		{Key: keyA, Type: seeder.TypeSeeders},
		{Key: keyB, Type: seeder.TypeCore},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d seeds, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("seed %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  error
	}{
		{"list rejected", "list " + keyA, ErrListInFile},
		{"unknown type", "tree " + keyA, ErrInvalidSeed},
		{"bad key", "core nope", ErrInvalidSeed},
		{"missing key", "core", ErrInvalidSeed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.input))
			if !errors.Is(err, tt.want) {
				t.Errorf("Parse(%q) = %v, want %v", tt.input, err, tt.want)
			}
		})
	}
}

func TestLoadPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seeds")
	if err := os.WriteFile(path, []byte("drive "+keyA+"\n"), 0644); err != nil {
		t.Fatalf("Failed to write seeds file: %v", err)
	}

	got, err := Load(Sources{File: path, List: keyB, Cores: []string{keyB}})
	if err != nil {
		t.Fatalf("Failed to load: %v", err)
	}
	if len(got) != 1 || got[0].Type != seeder.TypeDrive {
		t.Errorf("file should win: %+v", got)
	}

	got, _ = Load(Sources{List: hexB, Cores: []string{keyA}})
	if len(got) != 1 || got[0] != (Seed{Key: keyB, Type: seeder.TypeList}) {
		t.Errorf("list should win over flags: %+v", got)
	}

	got, _ = Load(Sources{Cores: []string{keyA}, Seeders: []string{keyB}})
	if len(got) != 2 || got[1].Type != seeder.TypeSeeders {
		t.Errorf("flags = %+v", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(Sources{File: filepath.Join(t.TempDir(), "missing")}); err == nil {
		t.Error("missing file should fail")
	}
}
