package textutil

import "testing"

func TestPlainLine(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"  Brake   pads  ", "Brake pads"},
		{"<b>Toyota</b> <i>Camry</i> mirror", "Toyota Camry mirror"},
		{"Headlight<script>alert(1)</script>", "Headlight"},
		{"Tom &amp; Jerry", "Tom & Jerry"},
		{"فلتر زيت  أصلي", "فلتر زيت أصلي"},
	}
	for _, tt := range tests {
		if got := PlainLine(tt.in); got != tt.want {
			t.Fatalf("PlainLine(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPlainTextKeepsParagraphs(t *testing.T) {
	in := "<p>Original part</p><p>Fits  2018-2021</p>"
	want := "Original part\nFits 2018-2021"
	if got := PlainText(in); got != want {
		t.Fatalf("PlainText = %q, want %q", got, want)
	}

	in = "line one\r\n\r\n\r\nline two  "
	want = "line one\n\nline two"
	if got := PlainText(in); got != want {
		t.Fatalf("PlainText = %q, want %q", got, want)
	}
}
