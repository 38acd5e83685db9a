package ai

import (
	"encoding/json"
	"fmt"
	"strings"

	"hydration-queue/internal/domain/model"
)

// ParseResult decodes a model reply into an AnalysisResult. Markdown code
// fences and prose around the JSON object are tolerated.
func ParseResult(text string) (model.AnalysisResult, error) {
	var res model.AnalysisResult
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return res, fmt.Errorf("no json object in reply: %q", truncate(text, 120))
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &res); err != nil {
		return res, fmt.Errorf("decode reply: %w", err)
	}
	res.Beverage = strings.TrimSpace(res.Beverage)
	if res.Beverage == "" {
		return res, fmt.Errorf("reply has no beverage")
	}
	if res.Confidence < 0 {
		res.Confidence = 0
	} else if res.Confidence > 1 {
		res.Confidence = 1
	}
	return res, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
