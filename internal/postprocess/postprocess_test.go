package postprocess

import "testing"

func TestClean(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "Hello!", "Hello!"},
		{"whitespace", "  \n Hello!\t ", "Hello!"},
		{"assistant prefix", "Assistant: Hello!", "Hello!"},
		{"case insensitive", "assistant:Hello!", "Hello!"},
		{"bot prefix", "BOT:  Sure.", "Sure."},
		{"spanish", "Asistente: Hola", "Hola"},
		{"russian", "Ассистент: Привет", "Привет"},
		{"long s folds to s", "\u017Fystem: ready", "ready"},
		{"kelvin sign left alone", "\u212AI: 42", "\u212AI: 42"},
		{"chinese", "助手: 你好", "你好"},
		{"only first prefix", "Assistant: Assistant: Hi", "Assistant: Hi"},
		{"prefix mid text", "I am the Assistant: yes", "I am the Assistant: yes"},
		{"empty", "   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Clean(tt.in); got != tt.want {
				t.Fatalf("Clean(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestCleanIdempotent(t *testing.T) {
	inputs := []string{
		"Hello!",
		" Assistant: Hello! ",
		"System: you said hi",
		"AI: 42",
		"Here is the answer: 42",
	}
	for _, in := range inputs {
		once := Clean(in)
		if twice := Clean(once); twice != once {
			t.Errorf("Clean not idempotent for %q: %q then %q", in, once, twice)
		}
	}
}

func TestCleanNormalizesBothEndpointShapes(t *testing.T) {
	chat := "Hi there!"
	completion := "Assistant: Hi there!\n"
	if Clean(chat) != Clean(completion) {
		t.Fatalf("expected equal normalization: %q vs %q", Clean(chat), Clean(completion))
	}
}
