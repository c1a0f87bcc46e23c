package ai

import "strings"

// ModelConfig describes one selectable chat model.
type ModelConfig struct {
	ID          string
	Name        string
	Provider    string
	Description string
	Streaming   bool
	Private     bool
}

const DefaultModelID = "azure/gpt-5-mini"

// Catalog mirrors the model list offered by the advisor UI. Streaming is a
// per-model capability flag: models without it take the direct
// request/response path instead of the stream queue.
var Catalog = []ModelConfig{
	{ID: "azure/gpt-5-mini", Name: "GPT-5 Mini", Provider: "azure", Description: "high performance, default choice"},
	{ID: "azure/gpt-5", Name: "GPT-5", Provider: "azure", Description: "strongest azure model"},
	{ID: "azure/gpt-5-chat", Name: "GPT-5 Chat", Provider: "azure", Description: "dialogue optimized"},
	{ID: "azure/gpt-5-nano", Name: "GPT-5 Nano", Provider: "azure", Description: "lightweight, fast"},

	{ID: "deepseek-v3-0324", Name: "DeepSeek V3", Provider: "arsenal", Description: "private deployment", Streaming: true, Private: true},
	{ID: "qwen-v3-235b", Name: "Qwen V3 235B", Provider: "arsenal", Description: "private deployment", Streaming: true, Private: true},
	{ID: "deepseek-r1", Name: "DeepSeek R1", Provider: "arsenal", Description: "reasoning, private deployment", Streaming: true, Private: true},
	{ID: "gpt-oss-120b", Name: "GPT-OSS 120B", Provider: "arsenal", Description: "private deployment", Private: true},
	{ID: "gpt-oss-20b", Name: "GPT-OSS 20B", Provider: "arsenal", Description: "private deployment", Private: true},
	{ID: "qwen-v2.5-7b-vl", Name: "Qwen V2.5 7B VL", Provider: "arsenal", Description: "multimodal, private deployment", Streaming: true, Private: true},

	{ID: "bailian/qwen-flash", Name: "Qwen Flash", Provider: "bailian", Description: "external API, streaming", Streaming: true},
	{ID: "nbg-v3-33b", Name: "NBG V3 33B", Provider: "bailian", Description: "external API, streaming", Streaming: true},
	{ID: "bailian/qwen-plus", Name: "Qwen Plus", Provider: "bailian", Description: "external API, streaming", Streaming: true},
	{ID: "bailian/qwen-vl-plus", Name: "Qwen VL Plus", Provider: "bailian", Description: "external API, streaming", Streaming: true},
	{ID: "bailian/qwen-vl-max", Name: "Qwen VL Max", Provider: "bailian", Description: "external API, streaming", Streaming: true},
	{ID: "bailian/deepseek-v3", Name: "DeepSeek V3 (bailian)", Provider: "bailian", Description: "external API, streaming", Streaming: true},
	{ID: "bailian/deepseek-r1", Name: "DeepSeek R1 (bailian)", Provider: "bailian", Description: "external API, streaming", Streaming: true},
	{ID: "bailian/deepseek-v3.1", Name: "DeepSeek V3.1 (bailian)", Provider: "bailian", Description: "external API, streaming", Streaming: true},
}

// Router resolves model ids against the catalog and answers capability
// questions for the chat controller.
type Router struct {
	defaultModel string
	byID         map[string]ModelConfig
}

func NewRouter(defaultModel string) *Router {
	byID := make(map[string]ModelConfig, len(Catalog))
	for _, model := range Catalog {
		byID[model.ID] = model
	}
	if strings.TrimSpace(defaultModel) == "" {
		defaultModel = DefaultModelID
	}
	if _, known := byID[defaultModel]; !known {
		defaultModel = DefaultModelID
	}
	return &Router{defaultModel: defaultModel, byID: byID}
}

func (r *Router) DefaultModel() string {
	return r.defaultModel
}

func (r *Router) Lookup(modelID string) (ModelConfig, bool) {
	model, ok := r.byID[modelID]
	return model, ok
}

// SupportsStreaming reports whether the model takes the streaming path.
// Unknown ids fall back to the name heuristic the UI historically applied,
// so newly added upstream models keep working before the catalog catches up.
func (r *Router) SupportsStreaming(modelID string) bool {
	if model, ok := r.byID[modelID]; ok {
		return model.Streaming
	}
	if strings.HasPrefix(modelID, "bailian/") || modelID == "nbg-v3-33b" {
		return true
	}
	return strings.Contains(modelID, "deepseek") || strings.Contains(modelID, "qwen")
}

// Resolve returns the model to use for a request: the requested id when it is
// non-empty, otherwise the configured default.
func (r *Router) Resolve(requested string) string {
	trimmed := strings.TrimSpace(requested)
	if trimmed == "" {
		return r.defaultModel
	}
	return trimmed
}
