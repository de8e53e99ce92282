package imagegen

import (
	"regexp"
	"strings"
)

// IntentPattern is one language-tagged trigger for image requests
type IntentPattern struct {
	Lang    string
	Pattern *regexp.Regexp
}

// DefaultPatterns covers English, Spanish, Portuguese and Indonesian.
// Patterns are matched against the lower-cased message.
var DefaultPatterns = []IntentPattern{
	// verb + noun
	{"en", regexp.MustCompile(`\b(generate|create|make|draw|paint|render|produce|design|sketch)\b.{0,40}\b(image|picture|pic|photo|drawing|painting|illustration|artwork|art|portrait|wallpaper|logo)s?\b`)},
	{"es", regexp.MustCompile(`\b(genera|generar|generame|crea|crear|creame|haz|hazme|dibuja|dibujar|dibujame|pinta|pintar)\s.{0,40}\b(imagen|imágenes|imagenes|foto|dibujo|ilustraci|arte|retrato)`)},
	{"pt", regexp.MustCompile(`\b(gere|gerar|crie|criar|faça|faca|fazer|desenhe|desenhar|pinte|pintar)\s.{0,40}\b(imagem|imagens|foto|desenho|ilustra|arte|retrato)`)},
	{"id", regexp.MustCompile(`\b(buat|buatkan|bikin|bikinkan|gambarkan|hasilkan|lukis|lukiskan)\s.{0,40}\b(gambar|foto|lukisan|ilustrasi|seni|potret)\b`)},

	// deictic
	{"en", regexp.MustCompile(`\bshow me\b.{0,20}\b(image|picture|pic|photo|drawing)s?\b`)},
	{"es", regexp.MustCompile(`\b(muéstrame|muestrame)\s.{0,20}\b(imagen|foto|dibujo)`)},
	{"pt", regexp.MustCompile(`\b(mostre-me|me mostre|me mostra)\s.{0,20}\b(imagem|foto|desenho)`)},
	{"id", regexp.MustCompile(`\b(tunjukkan|perlihatkan)\s.{0,20}\b(gambar|foto)\b`)},

	// bare triggers
	{"en", regexp.MustCompile(`\b(visualize|visualise)\b`)},
	{"es", regexp.MustCompile(`\b(visualiza|visualizar)\b`)},
	{"pt", regexp.MustCompile(`\b(visualize|visualizar)\b`)},
	{"id", regexp.MustCompile(`\bvisualisasikan\b`)},
}

// Classify reports whether message asks for an image
func (r *Router) Classify(message string) bool {
	return Match(r.patterns, message) != ""
}

// Match returns the language of the first matching pattern, or ""
func Match(patterns []IntentPattern, message string) string {
	lower := strings.ToLower(message)
	for _, p := range patterns {
		if p.Pattern.MatchString(lower) {
			return p.Lang
		}
	}
	return ""
}
