package classify

import "testing"

func TestMarkerDetectorMatchesRefusalPhrases(t *testing.T) {
	detector := NewMarkerDetector()
	cases := []struct {
		text string
		want bool
	}{
		{"I'm sorry, but I can't help with that.", true},
		{"As an AI, I must decline this request.", true},
		{"I cannot provide instructions for that.", true},
		{"Sure, here are step-by-step instructions.", false},
		{"This is a test!", false},
		{"", false},
	}
	for _, tc := range cases {
		got, err := detector.IsRefusal(tc.text)
		if err != nil {
			t.Fatalf("marker detector errored on %q: %v", tc.text, err)
		}
		if got != tc.want {
			t.Fatalf("IsRefusal(%q) = %v, want %v", tc.text, got, tc.want)
		}
	}
}

func TestMarkerDetectorCustomList(t *testing.T) {
	detector := NewMarkerDetector("nope")
	if got, _ := detector.IsRefusal("well, nope."); !got {
		t.Fatal("custom marker must match")
	}
	if got, _ := detector.IsRefusal("I'm sorry"); got {
		t.Fatal("default markers must not apply when a custom list is given")
	}
}
