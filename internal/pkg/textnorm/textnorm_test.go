package textnorm

import (
	"strings"
	"testing"
)

func TestNormalizeCollapsesWhitespaceAndLowercases(t *testing.T) {
	got := Normalize("WEB", "Hello   World\n\tthis  is \r\n content", "")
	want := "hello world this is content"
	if got != want {
		t.Fatalf("normalize: want=%q got=%q", want, got)
	}
}

func TestNormalizeStripsISOTimestamps(t *testing.T) {
	got := Normalize("WEB", "Published 2024-03-01T10:22:33Z by the desk on 2024-03-02.", "")
	if strings.Contains(got, "2024-03-01") || strings.Contains(got, "2024-03-02") {
		t.Fatalf("timestamps not stripped: %q", got)
	}
	if !strings.Contains(got, "published") || !strings.Contains(got, "by the desk") {
		t.Fatalf("surrounding text lost: %q", got)
	}
}

func TestNormalizeStripsCookieBanners(t *testing.T) {
	in := "Real content here. We use cookies to improve your experience. Accept all cookies. More content."
	got := Normalize("WEB", in, "")
	if strings.Contains(got, "cookies") {
		t.Fatalf("cookie banner left in: %q", got)
	}
	if !strings.Contains(got, "real content here") || !strings.Contains(got, "more content") {
		t.Fatalf("content lost: %q", got)
	}
}

func TestNormalizeHTMLDropsScriptAndStyle(t *testing.T) {
	html := `<html><head><style>body{color:red}</style><script>var x=1;</script></head>` +
		`<body><h1>Title</h1><p>Body text.</p><noscript>enable js</noscript></body></html>`
	got := Normalize("WEB", "", html)
	if strings.Contains(got, "color:red") || strings.Contains(got, "var x=1") || strings.Contains(got, "enable js") {
		t.Fatalf("script/style content leaked: %q", got)
	}
	if !strings.Contains(got, "title") || !strings.Contains(got, "body text.") {
		t.Fatalf("inner text lost: %q", got)
	}
}

func TestNormalizeEDGARBoilerplate(t *testing.T) {
	in := "UNITED STATES SECURITIES AND EXCHANGE COMMISSION\nFORM 10-K\nSEC FILE NUMBER 001-12345\nApple reported revenue growth."
	got := Normalize("EDGAR", in, "")
	if strings.Contains(got, "securities and exchange") || strings.Contains(got, "form 10-k") || strings.Contains(got, "file number") {
		t.Fatalf("edgar boilerplate left in: %q", got)
	}
	if !strings.Contains(got, "apple reported revenue growth.") {
		t.Fatalf("filing content lost: %q", got)
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	in := "Published 2024-03-01T10:22:33Z. We use cookies.  Mixed   CASE text!"
	once := Normalize("WEB", in, "")
	twice := Normalize("WEB", once, "")
	if once != twice {
		t.Fatalf("normalize not idempotent: once=%q twice=%q", once, twice)
	}
	if Hash(once) != Hash(twice) {
		t.Fatalf("hash changed across re-normalization")
	}
}

func TestHashIsLowercaseHex(t *testing.T) {
	h := Hash("hello world")
	if len(h) != 64 {
		t.Fatalf("hash length: want=64 got=%d", len(h))
	}
	if h != strings.ToLower(h) {
		t.Fatalf("hash not lowercase: %q", h)
	}
	if h != Hash("hello world") {
		t.Fatalf("hash not deterministic")
	}
}

func TestNormalizeEquivalentDocumentsHashEqually(t *testing.T) {
	a := "The Mitochondria is the powerhouse.   Updated 2024-01-01."
	b := "The  Mitochondria is the powerhouse. Updated 2025-06-30."
	_, ha := NormalizeAndHash("WEB", a, "")
	_, hb := NormalizeAndHash("WEB", b, "")
	if ha != hb {
		t.Fatalf("equivalent documents hashed differently: %q vs %q", ha, hb)
	}
}
