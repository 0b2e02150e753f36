package gemini

import "strings"

// ModelFamily groups model names into quota tiers. Tiers are matched by
// substring: a name containing "pro" is pro tier, "lite" is flash-lite, and
// everything else falls back to flash.
type ModelFamily string

const (
	FamilyPro       ModelFamily = "pro"
	FamilyFlash     ModelFamily = "flash"
	FamilyFlashLite ModelFamily = "flash-lite"
)

// Quota is a per-credential per-minute allowance for one model family.
type Quota struct {
	RequestsPerMinute int
	TokensPerMinute   int
}

var familyQuotas = map[ModelFamily]Quota{
	FamilyPro:       {RequestsPerMinute: 5, TokensPerMinute: 250_000},
	FamilyFlash:     {RequestsPerMinute: 10, TokensPerMinute: 250_000},
	FamilyFlashLite: {RequestsPerMinute: 15, TokensPerMinute: 250_000},
}

// FamilyOf maps a model name to its quota family.
func FamilyOf(model string) ModelFamily {
	name := strings.ToLower(model)
	switch {
	case strings.Contains(name, "pro"):
		return FamilyPro
	case strings.Contains(name, "lite"):
		return FamilyFlashLite
	default:
		return FamilyFlash
	}
}

// QuotaFor returns the per-minute allowance for a model name.
func QuotaFor(model string) Quota {
	return familyQuotas[FamilyOf(model)]
}
