package models

// ProviderDescriptor is the stored view of an upstream provider.
type ProviderDescriptor struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	BaseURL     string `json:"base_url"`
	APIKey      string `json:"-"`
	Enabled     bool   `json:"enabled"`
	WebSearch   bool   `json:"web_search"`
	MaxTokens   int    `json:"max_tokens"`
	AccessCount int64  `json:"access_count"`
}

// ModelDescriptor is read-mostly reference data resolved by the model router.
type ModelDescriptor struct {
	ID          string             `json:"id"`
	DisplayName string             `json:"display_name"`
	Enabled     bool               `json:"enabled"`
	Provider    ProviderDescriptor `json:"provider"`
}
