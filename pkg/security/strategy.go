package security

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// KeyDerivationStrategy computes the key an ECU family expects for a seed.
type KeyDerivationStrategy interface {
	DeriveKey(seed []byte, level byte) ([]byte, error)
}

type StrategyFunc func(seed []byte, level byte) ([]byte, error)

func (f StrategyFunc) DeriveKey(seed []byte, level byte) ([]byte, error) {
	return f(seed, level)
}

// Registry maps ECU family identifiers to key strategies.
type Registry struct {
	mu sync.RWMutex
	m  map[string]KeyDerivationStrategy
}

func NewRegistry() *Registry {
	return &Registry{m: make(map[string]KeyDerivationStrategy)}
}

func (r *Registry) Register(family string, s KeyDerivationStrategy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := strings.ToLower(family)
	if _, found := r.m[key]; found {
		return fmt.Errorf("key strategy %s already registered", family)
	}
	r.m[key] = s
	return nil
}

func (r *Registry) Lookup(family string) (KeyDerivationStrategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.m[strings.ToLower(family)]; ok {
		return s, nil
	}
	return nil, &Error{Kind: NoStrategy, Err: fmt.Errorf("unknown ECU family %q", family)}
}

func (r *Registry) Families() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.m))
	for k := range r.m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// DefaultRegistry holds the built in strategies.
var DefaultRegistry = NewRegistry()

func init() {
	DefaultRegistry.Register("xor", XOR(0x5A3C))
	DefaultRegistry.Register("trionic8", StrategyFunc(trionic8Key))
}

var errSeedLength = errors.New("seed must be 2 bytes")

// XOR is a demonstration strategy: each seed word is XORed with mask
// rotated by the access level.
func XOR(mask uint16) KeyDerivationStrategy {
	return StrategyFunc(func(seed []byte, level byte) ([]byte, error) {
		if len(seed) == 0 || len(seed)%2 != 0 {
			return nil, errSeedLength
		}
		m := mask<<(level%16) | mask>>(16-level%16)
		key := make([]byte, len(seed))
		for i := 0; i < len(seed); i += 2 {
			w := (uint16(seed[i])<<8 | uint16(seed[i+1])) ^ m
			key[i], key[i+1] = byte(w>>8), byte(w)
		}
		return key, nil
	})
}

// Trionic 8 access levels.
const (
	Trionic8Level01 = byte(0x01)
	Trionic8LevelFB = byte(0xFB)
	Trionic8LevelFD = byte(0xFD)
)

func trionic8Key(seedBytes []byte, level byte) ([]byte, error) {
	if len(seedBytes) != 2 {
		return nil, errSeedLength
	}
	seed := int(seedBytes[0])<<8 | int(seedBytes[1])
	key := (seed>>5 | seed<<11) + 0xB988
	key &= 0xFFFF
	switch level {
	case Trionic8LevelFB:
		key ^= 0x8749
		key += 0x06D3
		key ^= 0xCFDF
	case Trionic8LevelFD:
		key /= 3
		key ^= 0x8749
		key += 0x0ACF
		key ^= 0x81BF
	}
	return []byte{byte(key >> 8), byte(key)}, nil
}
