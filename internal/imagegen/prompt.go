package imagegen

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/kaptinlin/jsonrepair"
)

const (
	QualitySuffix         = ", highly detailed, sharp focus, professional lighting, high quality, 4k"
	DefaultNegativePrompt = "blurry, low quality, distorted, deformed, watermark, text, extra limbs, bad anatomy"

	synthesisInstruction = `You write prompts for an image generation model.
Rewrite the user's request into a detailed prompt describing the subject, art style, lighting and quality boosters.
Reply with a single JSON object and nothing else:
{"prompt": "...", "negativePrompt": "...", "style": "..."}`
)

// Prompt is what gets sent to the image backend
type Prompt struct {
	Positive string
	Negative string
	Source   string // "model" or "heuristic"
}

// ParseError is model output that did not contain a usable prompt object
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("image prompt: %s: %v", e.Reason, e.Err)
	}
	return "image prompt: " + e.Reason
}

func (e *ParseError) Unwrap() error { return e.Err }

// ParsePrompt reads the first JSON object embedded in text. Surrounding prose
// is ignored and malformed JSON is repaired where possible.
func ParsePrompt(text string) (Prompt, error) {
	raw, ok := extractObject(text)
	if !ok {
		return Prompt{}, &ParseError{Reason: "no JSON object in output"}
	}

	var fields struct {
		Prompt         string `json:"prompt"`
		NegativePrompt string `json:"negativePrompt"`
		NegativeSnake  string `json:"negative_prompt"`
		Style          string `json:"style"`
	}
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		repaired, rerr := jsonrepair.JSONRepair(raw)
		if rerr != nil {
			return Prompt{}, &ParseError{Reason: "unrepairable JSON", Err: errors.Join(err, rerr)}
		}
		if err := json.Unmarshal([]byte(repaired), &fields); err != nil {
			return Prompt{}, &ParseError{Reason: "invalid JSON", Err: err}
		}
	}

	positive := strings.TrimSpace(fields.Prompt)
	if positive == "" {
		return Prompt{}, &ParseError{Reason: "missing prompt field"}
	}
	if style := strings.TrimSpace(fields.Style); style != "" && !strings.Contains(strings.ToLower(positive), strings.ToLower(style)) {
		positive += ", " + style
	}

	negative := strings.TrimSpace(fields.NegativePrompt)
	if negative == "" {
		negative = strings.TrimSpace(fields.NegativeSnake)
	}
	if negative == "" {
		negative = DefaultNegativePrompt
	}
	return Prompt{Positive: positive, Negative: negative, Source: "model"}, nil
}

// extractObject returns the first balanced {...} span, skipping braces
// inside string literals. An unterminated object is returned to the end of
// text so the repair step can close it.
func extractObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString, escaped := false, false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return text[start:], true
}

// stopWords are request verbs, articles and fillers removed by the
// heuristic prompt builder
var stopWords = toSet(
	// en
	"generate", "create", "make", "draw", "paint", "render", "produce", "design", "sketch",
	"show", "me", "please", "can", "could", "would", "you", "i", "want", "like", "to",
	"a", "an", "the", "of", "some", "for", "visualize", "visualise",
	"image", "images", "picture", "pictures", "pic", "photo", "drawing", "painting", "illustration",
	// es
	"genera", "generar", "generame", "crea", "crear", "creame", "haz", "hazme", "dibuja", "dibujar",
	"pinta", "pintar", "muéstrame", "muestrame", "por", "favor", "un", "una", "unos", "unas",
	"el", "la", "los", "las", "de", "del", "imagen", "imágenes", "foto", "dibujo", "visualiza",
	// pt
	"gere", "gerar", "crie", "criar", "faça", "faca", "fazer", "desenhe", "desenhar", "pinte",
	"mostre", "mostra", "um", "uma", "o", "os", "as", "da", "do", "das", "dos", "imagem", "desenho",
	"visualizar",
	// id
	"buat", "buatkan", "bikin", "bikinkan", "gambarkan", "hasilkan", "lukis", "lukiskan", "tolong",
	"sebuah", "seekor", "satu", "yang", "gambar", "tunjukkan", "perlihatkan", "visualisasikan",
)

func toSet(words ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

// HeuristicPrompt builds a prompt without the model by dropping stop words
// and appending fixed quality boosters
func HeuristicPrompt(message string) Prompt {
	words := strings.FieldsFunc(strings.ToLower(message), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '\''
	})

	kept := make([]string, 0, len(words))
	for _, w := range words {
		if _, stop := stopWords[w]; !stop {
			kept = append(kept, w)
		}
	}
	subject := strings.Join(kept, " ")
	if subject == "" {
		subject = strings.TrimSpace(message)
	}
	return Prompt{
		Positive: subject + QualitySuffix,
		Negative: DefaultNegativePrompt,
		Source:   "heuristic",
	}
}
