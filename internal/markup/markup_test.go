package markup

import "testing"

func TestText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "  Which drug   is first line? ", "Which drug is first line?"},
		{"entities without tags", "A &amp; B", "A & B"},
		{"paragraph", "<p>Which drug is <b>first</b> line?</p>", "Which drug is first line?"},
		{"grade cell", `<span class="gradepass">85.00</span>`, "85.00"},
		{"line breaks", "first<br>second<br/>third", "first second third"},
		{"script dropped", "<p>keep</p><script>var x = 1;</script>", "keep"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Text(tt.in); got != tt.want {
				t.Errorf("Text(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestContains(t *testing.T) {
	if !Contains("<b>x</b>") {
		t.Error("Contains(<b>x</b>) = false, want true")
	}
	if Contains("- (-)") {
		t.Error("Contains(- (-)) = true, want false")
	}
}
