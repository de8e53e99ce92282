package backend

// Txt2ImgRequest represents the request body for an A1111-style /txt2img endpoint
type Txt2ImgRequest struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt"`
	Steps          int     `json:"steps"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	CFGScale       float64 `json:"cfg_scale"`
	SamplerName    string  `json:"sampler_name"`
	Seed           int64   `json:"seed"`
	BatchSize      int     `json:"batch_size"`
}

// Txt2ImgResponse carries base64 encoded images
type Txt2ImgResponse struct {
	Images []string `json:"images"`
	Info   string   `json:"info,omitempty"`
}
