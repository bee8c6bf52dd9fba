// Package seeds collects the initial resources to seed.
//
// Seeds come from exactly one source, checked in order: a seeds file, a list
// key, or per-type keys given on the command line.
package seeds

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	logging "github.com/ipfs/go-log/v2"

	"github.com/spacedatanetwork/sdn-seeder/internal/coreid"
	"github.com/spacedatanetwork/sdn-seeder/internal/seeder"
)

var log = logging.Logger("sdn-seeds")

// Errors.
var (
	ErrListInFile  = errors.New("list type is not supported in file")
	ErrInvalidSeed = errors.New("invalid seed")
)

// Seed is one resource to track.
type Seed struct {
	Key  string
	Type string
}

// Sources holds every place seeds can come from.
type Sources struct {
	File    string
	List    string
	Cores   []string
	Bees    []string
	Drives  []string
	Seeders []string
}

// Load returns the seeds of the first non-empty source.
func Load(src Sources) ([]Seed, error) {
	if src.File != "" {
		log.Infof("Loading seeds from file %s", src.File)
		f, err := os.Open(src.File)
		if err != nil {
			return nil, fmt.Errorf("failed to open seeds file: %w", err)
		}
		defer f.Close()
		return Parse(f)
	}

	if src.List != "" {
		log.Infof("Loading seeds from list")
		key, err := coreid.Normalize(src.List)
		if err != nil {
			return nil, fmt.Errorf("%w: list %s: %v", ErrInvalidSeed, src.List, err)
		}
		return []Seed{{Key: key, Type: seeder.TypeList}}, nil
	}

	log.Infof("Loading seeds from args")
	groups := []struct {
		typ  string
		keys []string
	}{
		{seeder.TypeCore, src.Cores},
		{seeder.TypeBee, src.Bees},
		{seeder.TypeDrive, src.Drives},
		{seeder.TypeSeeders, src.Seeders},
	}

	var out []Seed
	for _, g := range groups {
		for _, k := range g.keys {
			key, err := coreid.Normalize(k)
			if err != nil {
				return nil, fmt.Errorf("%w: %s %s: %v", ErrInvalidSeed, g.typ, k, err)
			}
			out = append(out, Seed{Key: key, Type: g.typ})
		}
	}
	return out, nil
}

// Parse reads "type key" lines. Blank lines and lines starting with # are
// skipped. "key" is accepted for core and "seeder" for seeders.
func Parse(r io.Reader) ([]Seed, error) {
	var out []Seed
	sc := bufio.NewScanner(r)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("%w: line %d: want \"type key\"", ErrInvalidSeed, n)
		}

		typ, err := seedType(fields[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
		key, err := coreid.Normalize(fields[1])
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrInvalidSeed, n, err)
		}
		out = append(out, Seed{Key: key, Type: typ})
	}
	return out, sc.Err()
}

func seedType(t string) (string, error) {
	switch t {
	case seeder.TypeCore, "key":
		return seeder.TypeCore, nil
	case seeder.TypeBee, seeder.TypeDrive:
		return t, nil
	case seeder.TypeSeeders, "seeder":
		return seeder.TypeSeeders, nil
	case seeder.TypeList:
		return "", ErrListInFile
	default:
		return "", fmt.Errorf("%w: type %s", ErrInvalidSeed, t)
	}
}
