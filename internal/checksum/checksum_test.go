package checksum

import "testing"

func TestContentNormalises(t *testing.T) {
	base := Content("# Title\n\nbody\n")
	same := []string{
		"# Title\r\n\r\nbody\r\n",
		"# Title  \n\nbody\t\n\n\n",
		"# Title\n\nbody",
	}
	for _, s := range same {
		if got := Content(s); got != base {
			t.Errorf("Content(%q) differs from base", s)
		}
	}
	if Content("# Title\n\nother\n") == base {
		t.Error("different body hashed equal")
	}
	if len(base) != 64 {
		t.Errorf("digest length = %d, want 64", len(base))
	}
}
