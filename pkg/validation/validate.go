package validation

import (
	"fmt"
	"strings"
	"sync"

	"prevaldb/pkg/models"
)

// Limits holds configurable submission limits. Zero values mean unlimited.
type Limits struct {
	MaxBatchEntries int
	MaxPrefixGroups int
}

var (
	limitsMu sync.RWMutex
	limits   Limits
)

// SetLimits installs the global submission limits from config.
func SetLimits(l Limits) {
	limitsMu.Lock()
	defer limitsMu.Unlock()
	limits = l
}

func currentLimits() Limits {
	limitsMu.RLock()
	defer limitsMu.RUnlock()
	return limits
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// ValidatePrefix checks that p is exactly five hex characters. Input case
// is not significant; callers normalize to uppercase before lookup.
func ValidatePrefix(p string) error {
	if len(p) != models.PrefixLen {
		return fmt.Errorf("prefix must be %d characters, got %d", models.PrefixLen, len(p))
	}
	if !isHex(p) {
		return fmt.Errorf("prefix must be hexadecimal")
	}
	return nil
}

// ValidateHash checks that h is a full hash: exactly 40 hex characters.
// The hash file format carries fixed-width suffixes, so a longer digest
// cannot be stored and must be rejected here, never truncated or dropped.
func ValidateHash(h string) error {
	if len(h) != models.PrefixLen+models.SuffixLen {
		return fmt.Errorf("hash must be %d characters, got %d", models.PrefixLen+models.SuffixLen, len(h))
	}
	if !isHex(h) {
		return fmt.Errorf("hash must be hexadecimal")
	}
	return nil
}

// ValidateBatch checks a decoded submission batch: identities present,
// every entry a valid hash under its group prefix with a positive delta,
// and configured limits respected.
func ValidateBatch(b *models.SubmissionBatch) error {
	if b.SubscriptionID == "" {
		return fmt.Errorf("missing subscription id")
	}
	if b.TransactionID == "" {
		return fmt.Errorf("missing transaction id")
	}
	if len(b.Entries) == 0 {
		return fmt.Errorf("batch has no entries")
	}

	lim := currentLimits()
	if lim.MaxPrefixGroups > 0 && len(b.Entries) > lim.MaxPrefixGroups {
		return fmt.Errorf("batch spans %d prefixes, limit is %d", len(b.Entries), lim.MaxPrefixGroups)
	}

	total := 0
	for prefix, entries := range b.Entries {
		if err := ValidatePrefix(prefix); err != nil {
			return fmt.Errorf("group %q: %w", prefix, err)
		}
		if len(entries) == 0 {
			return fmt.Errorf("group %q is empty", prefix)
		}
		for _, e := range entries {
			if err := ValidateHash(e.Hash); err != nil {
				return fmt.Errorf("group %q: %w", prefix, err)
			}
			if !strings.EqualFold(e.Hash[:models.PrefixLen], prefix) {
				return fmt.Errorf("group %q: hash %s does not belong to group", prefix, e.Hash)
			}
			if e.Prevalence <= 0 {
				return fmt.Errorf("group %q: prevalence delta must be positive, got %d", prefix, e.Prevalence)
			}
			total++
		}
	}
	if lim.MaxBatchEntries > 0 && total > lim.MaxBatchEntries {
		return fmt.Errorf("batch has %d entries, limit is %d", total, lim.MaxBatchEntries)
	}
	return nil
}
