package usecase

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"hydration-queue/internal/domain"
	"hydration-queue/internal/domain/model"
	"hydration-queue/internal/domain/ports/adapter"
)

// JobHandler validates a payload at intake and runs it in the worker.
type JobHandler interface {
	Validate(payload []byte) error
	Handle(ctx context.Context, job *model.Job) ([]byte, error)
}

// JobHandlers is the closed registry of handlers, one per model.JobKind.
type JobHandlers map[model.JobKind]JobHandler

// NewJobHandlers wires the analysis handlers for every known kind.
func NewJobHandlers(provider adapter.AnalysisProvider, tokens adapter.TokenCounter, maxTextTokens int) JobHandlers {
	return JobHandlers{
		model.JobKindImageAnalysis:   &imageHandler{provider: provider},
		model.JobKindTextAnalysis:    &textHandler{provider: provider, tokens: tokens, maxTokens: maxTextTokens},
		model.JobKindBarcodeAnalysis: &barcodeHandler{provider: provider},
	}
}

// Verify fails when any kind lacks a handler.
func (h JobHandlers) Verify() error {
	for _, k := range model.AllJobKinds() {
		if h[k] == nil {
			return fmt.Errorf("no handler registered for job kind %q", k)
		}
	}
	return nil
}

func (h JobHandlers) Validate(kind model.JobKind, payload []byte) error {
	handler, ok := h[kind]
	if !ok {
		return domain.NewValidationError("kind", domain.ErrUnknownJobKind.Error())
	}
	return handler.Validate(payload)
}

func (h JobHandlers) Handle(ctx context.Context, job *model.Job) ([]byte, error) {
	handler, ok := h[job.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownJobKind, job.Kind)
	}
	return handler.Handle(ctx, job)
}

const (
	promptImage = `You estimate drink intake from a photo. Identify the beverage and its visible volume in millilitres.
Respond with JSON: {"beverage": string, "amount_ml": int, "hydration_factor": number 0..1.2, "confidence": number 0..1, "notes": string}.`
	promptText = `You estimate drink intake from a short description. Identify the beverage and the most likely volume in millilitres.
Respond with JSON: {"beverage": string, "amount_ml": int, "hydration_factor": number 0..1.2, "confidence": number 0..1, "notes": string}.`
	promptBarcode = `You identify a packaged drink from its barcode. Give the product's beverage type and its net volume in millilitres.
Respond with JSON: {"beverage": string, "amount_ml": int, "hydration_factor": number 0..1.2, "confidence": number 0..1, "notes": string}.`
)

var allowedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
	"image/heic": true,
}

func decodePayload(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return domain.NewValidationError("payload", "malformed json")
	}
	return nil
}

// analyze calls the provider and encodes its answer as the job result.
func analyze(ctx context.Context, provider adapter.AnalysisProvider, req adapter.AnalysisRequest) ([]byte, error) {
	res, err := provider.Analyze(ctx, req)
	if err != nil {
		return nil, err
	}
	if res.AmountML < 0 || res.AmountML > 10000 {
		return nil, fmt.Errorf("implausible amount_ml %d", res.AmountML)
	}
	return json.Marshal(res)
}

type imageHandler struct{ provider adapter.AnalysisProvider }

func (h *imageHandler) parse(payload []byte) (*model.ImageAnalysisPayload, []byte, error) {
	var p model.ImageAnalysisPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, nil, err
	}
	p.MimeType = strings.ToLower(strings.TrimSpace(p.MimeType))
	if !allowedImageTypes[p.MimeType] {
		return nil, nil, domain.NewValidationError("mime_type", "unsupported image type")
	}
	img, err := base64.StdEncoding.DecodeString(p.ImageBase64)
	if err != nil || len(img) == 0 {
		return nil, nil, domain.NewValidationError("image_base64", "must be non-empty base64")
	}
	return &p, img, nil
}

func (h *imageHandler) Validate(payload []byte) error {
	_, _, err := h.parse(payload)
	return err
}

func (h *imageHandler) Handle(ctx context.Context, job *model.Job) ([]byte, error) {
	p, img, err := h.parse(job.Payload)
	if err != nil {
		return nil, err
	}
	prompt := promptImage
	if p.Note != "" {
		prompt += "\nUser note: " + p.Note
	}
	return analyze(ctx, h.provider, adapter.AnalysisRequest{
		Kind:     job.Kind,
		Prompt:   prompt,
		Image:    img,
		MimeType: p.MimeType,
	})
}

type textHandler struct {
	provider  adapter.AnalysisProvider
	tokens    adapter.TokenCounter
	maxTokens int
}

func (h *textHandler) parse(payload []byte) (*model.TextAnalysisPayload, error) {
	var p model.TextAnalysisPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	p.Description = strings.TrimSpace(p.Description)
	if p.Description == "" {
		return nil, domain.NewValidationError("description", "must not be empty")
	}
	if h.tokens != nil && h.maxTokens > 0 {
		if n := h.tokens.Count(p.Description); n > h.maxTokens {
			return nil, domain.NewValidationError("description",
				fmt.Sprintf("too long: %d tokens, max %d", n, h.maxTokens))
		}
	}
	return &p, nil
}

func (h *textHandler) Validate(payload []byte) error {
	_, err := h.parse(payload)
	return err
}

func (h *textHandler) Handle(ctx context.Context, job *model.Job) ([]byte, error) {
	p, err := h.parse(job.Payload)
	if err != nil {
		return nil, err
	}
	return analyze(ctx, h.provider, adapter.AnalysisRequest{
		Kind:   job.Kind,
		Prompt: promptText + "\nDescription: " + p.Description,
	})
}

type barcodeHandler struct{ provider adapter.AnalysisProvider }

func (h *barcodeHandler) parse(payload []byte) (*model.BarcodeAnalysisPayload, error) {
	var p model.BarcodeAnalysisPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	p.Code = strings.TrimSpace(p.Code)
	// EAN-8, UPC-A, EAN-13 and GTIN-14
	if n := len(p.Code); n < 8 || n > 14 {
		return nil, domain.NewValidationError("code", "must be 8 to 14 digits")
	}
	for _, r := range p.Code {
		if !unicode.IsDigit(r) {
			return nil, domain.NewValidationError("code", "must be numeric")
		}
	}
	return &p, nil
}

func (h *barcodeHandler) Validate(payload []byte) error {
	_, err := h.parse(payload)
	return err
}

func (h *barcodeHandler) Handle(ctx context.Context, job *model.Job) ([]byte, error) {
	p, err := h.parse(job.Payload)
	if err != nil {
		return nil, err
	}
	prompt := promptBarcode + "\nBarcode: " + p.Code
	if p.Symbology != "" {
		prompt += " (" + p.Symbology + ")"
	}
	return analyze(ctx, h.provider, adapter.AnalysisRequest{Kind: job.Kind, Prompt: prompt})
}
