package modelcatalog

import "github.com/koljaschoepe/arasul-jet-sub010/internal/models"

// DefaultCatalog returns the curated models the appliance ships with.
// Tier 1 fits the 8 GB baseline hardware; higher tiers need more RAM.
func DefaultCatalog() []*models.CatalogEntry {
	return []*models.CatalogEntry{
		{
			ID:            "llama3.2-3b",
			ExternalName:  "llama3.2:3b",
			DisplayName:   "Llama 3.2 3B",
			RAMRequiredGB: 3.0,
			Tier:          1,
			Capabilities:  []string{"chat"},
		},
		{
			ID:            "qwen3-4b",
			ExternalName:  "qwen3:4b",
			DisplayName:   "Qwen 3 4B",
			RAMRequiredGB: 3.5,
			Tier:          1,
			Capabilities:  []string{"chat", "thinking"},
		},
		{
			ID:            "qwen3-8b",
			ExternalName:  "qwen3:8b",
			DisplayName:   "Qwen 3 8B",
			RAMRequiredGB: 6.5,
			Tier:          2,
			Capabilities:  []string{"chat", "thinking", "rag"},
		},
		{
			ID:            "deepseek-r1-8b",
			ExternalName:  "deepseek-r1:8b",
			DisplayName:   "DeepSeek R1 8B",
			RAMRequiredGB: 7.0,
			Tier:          2,
			Capabilities:  []string{"chat", "thinking"},
		},
		{
			ID:            "qwen3-14b",
			ExternalName:  "qwen3:14b",
			DisplayName:   "Qwen 3 14B",
			RAMRequiredGB: 11.0,
			Tier:          3,
			Capabilities:  []string{"chat", "thinking", "rag"},
		},
	}
}
