package model

import "math"

// ImageAnalysisPayload is the input of an image_analysis job: a photo of a drink.
type ImageAnalysisPayload struct {
	ImageBase64 string `json:"image_base64"`
	MimeType    string `json:"mime_type"`
	Note        string `json:"note,omitempty"`
}

// TextAnalysisPayload is a free-text description, e.g. "large iced latte".
type TextAnalysisPayload struct {
	Description string `json:"description"`
}

// BarcodeAnalysisPayload identifies a packaged drink by its barcode.
type BarcodeAnalysisPayload struct {
	Code      string `json:"code"`
	Symbology string `json:"symbology,omitempty"`
}

// AnalysisResult is what every analysis kind produces.
type AnalysisResult struct {
	Beverage        string  `json:"beverage"`
	AmountML        int     `json:"amount_ml"`
	HydrationFactor float64 `json:"hydration_factor"`
	Confidence      float64 `json:"confidence"`
	Notes           string  `json:"notes,omitempty"`
}

// HydrationML is the water-equivalent volume credited to the user.
func (r AnalysisResult) HydrationML() int {
	f := r.HydrationFactor
	if f <= 0 {
		f = 1
	}
	return int(math.Round(float64(r.AmountML) * f))
}
