package models

// GenerateRequest is the body of POST /generations.
type GenerateRequest struct {
	Mode              JobMode  `json:"mode" validate:"omitempty,oneof=generate edit" example:"generate"`
	Prompt            string   `json:"prompt" validate:"required,min=1,max=2000" example:"studio shot of a leather bag on marble"`
	NegativePrompt    string   `json:"negative_prompt,omitempty" validate:"max=2000"`
	ImageSize         string   `json:"image_size,omitempty" validate:"omitempty,oneof=square_hd square portrait_4_3 portrait_16_9 landscape_4_3 landscape_16_9"`
	NumInferenceSteps int      `json:"num_inference_steps,omitempty" validate:"omitempty,min=1,max=50"`
	GuidanceScale     float64  `json:"guidance_scale,omitempty" validate:"omitempty,min=1,max=20"`
	Seed              *int64   `json:"seed,omitempty" validate:"omitempty,min=0"`
	NumImages         int      `json:"num_images,omitempty" validate:"omitempty,min=1,max=4"`
	ImageURLs         []string `json:"image_urls,omitempty" validate:"required_if=Mode edit,max=4,dive,url"`
}

// Params returns the provider inputs with defaults applied.
func (r GenerateRequest) Params() GenerationParams {
	p := GenerationParams{
		Prompt:            r.Prompt,
		NegativePrompt:    r.NegativePrompt,
		ImageSize:         r.ImageSize,
		NumInferenceSteps: r.NumInferenceSteps,
		GuidanceScale:     r.GuidanceScale,
		Seed:              r.Seed,
		NumImages:         r.NumImages,
		ImageURLs:         r.ImageURLs,
	}
	if p.ImageSize == "" {
		p.ImageSize = "square_hd"
	}
	if p.NumInferenceSteps == 0 {
		p.NumInferenceSteps = 28
	}
	if p.GuidanceScale == 0 {
		p.GuidanceScale = 3.5
	}
	if p.NumImages == 0 {
		p.NumImages = 1
	}
	return p
}

func (r GenerateRequest) JobMode() JobMode {
	if r.Mode == "" {
		return ModeGenerate
	}
	return r.Mode
}

// CreatePaymentRequest buys a points package.
type CreatePaymentRequest struct {
	Points int64 `json:"points" binding:"required,min=1,max=100000" example:"100"`
}

type ErrorResponse struct {
	Error   string            `json:"error"`
	Message string            `json:"message,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}
