package cache

import (
	"strings"
	"time"
)

// Family is a cache data family; the third segment of every cache key.
type Family string

const (
	FamilyHR     Family = "hr"
	FamilyERP    Family = "erp"
	FamilyDrive  Family = "drive"
	FamilyLLMRef Family = "llm_ref"
)

// Valid reports whether f is one of the four allowed families.
func (f Family) Valid() bool {
	switch f {
	case FamilyHR, FamilyERP, FamilyDrive, FamilyLLMRef:
		return true
	}
	return false
}

// Default TTLs per family. The HR sub-family table below refines these.
const (
	ttlHRDefault    = time.Hour
	ttlHRReference  = 24 * time.Hour
	ttlDriveDefault = 30 * time.Minute
	ttlERPDefault   = 10 * time.Minute
	ttlERPSlow      = time.Hour
	ttlLLMRef       = 24 * time.Hour
)

// TTLFor returns the policy TTL for a family/subkey pair. The whole TTL table
// lives here; handlers never carry their own numbers.
func TTLFor(family Family, subkey string) time.Duration {
	switch family {
	case FamilyHR:
		switch {
		case subkey == "clusters" || strings.HasPrefix(subkey, "clusters:"):
			return ttlHRReference
		case strings.HasPrefix(subkey, "references:"):
			return ttlHRReference
		default:
			// employees, employee:{id}, contracts:{emp}, active_contract:{emp}
			return ttlHRDefault
		}
	case FamilyDrive:
		return ttlDriveDefault
	case FamilyERP:
		// Per-endpoint policy: chart-of-accounts style data moves slowly,
		// metrics and reconciliation views do not.
		switch {
		case strings.HasPrefix(subkey, "account_chart"),
			strings.HasPrefix(subkey, "account_types"):
			return ttlERPSlow
		default:
			return ttlERPDefault
		}
	case FamilyLLMRef:
		return ttlLLMRef
	}
	return ttlHRDefault
}
