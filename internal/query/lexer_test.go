package query

import "testing"

func lexAll(input string) []Token {
	l := newLexer(input)
	var tokens []Token
	for {
		tok := l.current()
		tokens = append(tokens, tok)
		if tok.Kind == KindEnd {
			return tokens
		}
		l.next()
	}
}

func TestLexer(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []Token
	}{
		{
			name:  "empty",
			input: "",
			want:  []Token{{Kind: KindEnd}},
		},
		{
			name:  "single word upper-cased",
			input: "foo",
			want:  []Token{{KindWord, "FOO"}, {Kind: KindEnd}},
		},
		{
			name:  "words split on whitespace",
			input: "  foo \t bar ",
			want:  []Token{{KindWord, "FOO"}, {KindWord, "BAR"}, {Kind: KindEnd}},
		},
		{
			name:  "punctuation terminates barewords",
			input: "a(b)c-d",
			want: []Token{
				{KindWord, "A"}, {KindLParen, "("}, {KindWord, "B"}, {KindRParen, ")"},
				{KindWord, "C"}, {KindMinus, "-"}, {KindWord, "D"}, {Kind: KindEnd},
			},
		},
		{
			name:  "quoted literal",
			input: `"hello world"`,
			want:  []Token{{KindTag, "HELLO WORLD"}, {Kind: KindEnd}},
		},
		{
			name:  "doubled quote escapes",
			input: `"ab""cd"`,
			want:  []Token{{KindTag, `AB"CD`}, {Kind: KindEnd}},
		},
		{
			name:  "unterminated quote recovers",
			input: `"abc`,
			want:  []Token{{KindTag, "ABC"}, {Kind: KindEnd}},
		},
		{
			name:  "quote terminates bareword",
			input: `ab"cd"`,
			want:  []Token{{KindWord, "AB"}, {KindTag, "CD"}, {Kind: KindEnd}},
		},
		{
			name:  "punctuation kept literal inside quotes",
			input: `"a-b (c)"`,
			want:  []Token{{KindTag, "A-B (C)"}, {Kind: KindEnd}},
		},
		{
			name:  "or keyword is a plain word token",
			input: "a or b",
			want:  []Token{{KindWord, "A"}, {KindWord, "OR"}, {KindWord, "B"}, {Kind: KindEnd}},
		},
		{
			name:  "fullwidth characters fold via NFKC",
			input: "ｇｏ",
			want:  []Token{{KindWord, "GO"}, {Kind: KindEnd}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := lexAll(tt.input)
			if len(got) != len(tt.want) {
				t.Fatalf("token count = %d, want %d (%v)", len(got), len(tt.want), got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("token[%d] = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"  abc  ", "ABC"},
		{"ＡＢＣ", "ABC"},
		{"go", "GO"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
