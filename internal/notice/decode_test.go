package notice

import (
	"testing"

	"golang.org/x/text/encoding/korean"
	xunicode "golang.org/x/text/encoding/unicode"
)

const koreanTitle = "[마켓 추가] 에이비씨(ABC) 원화 마켓 추가"

func TestDecodeBodyUTF8(t *testing.T) {
	got := DecodeBody([]byte(koreanTitle), "application/json; charset=utf-8")
	if got.Charset != "utf-8" {
		t.Fatalf("expected utf-8, got %s", got.Charset)
	}
	if got.Text != koreanTitle {
		t.Fatalf("unexpected text %q", got.Text)
	}
}

func TestDecodeBodyEUCKRWithoutDeclaration(t *testing.T) {
	raw, err := korean.EUCKR.NewEncoder().Bytes([]byte(koreanTitle))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got := DecodeBody(raw, "text/html")
	if got.Charset != "euc-kr" {
		t.Fatalf("expected euc-kr, got %s (confidence %.2f)", got.Charset, got.Confidence)
	}
	if got.Text != koreanTitle {
		t.Fatalf("unexpected text %q", got.Text)
	}
}

func TestDecodeBodyUTF16BOM(t *testing.T) {
	enc := xunicode.UTF16(xunicode.LittleEndian, xunicode.UseBOM)
	raw, err := enc.NewEncoder().Bytes([]byte(koreanTitle))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got := DecodeBody(raw, "")
	if got.Charset != "utf-16le" || got.Confidence != 1 {
		t.Fatalf("expected BOM detection, got %+v", got)
	}
	if got.Text != koreanTitle {
		t.Fatalf("unexpected text %q", got.Text)
	}
}

func TestDecodeBodyASCII(t *testing.T) {
	got := DecodeBody([]byte(`{"title":"New listing (XYZ)"}`), "")
	if got.Charset != "utf-8" {
		t.Fatalf("expected utf-8 for ascii, got %s", got.Charset)
	}
}

func TestDeclaredCharset(t *testing.T) {
	cases := map[string]string{
		"text/html; charset=EUC-KR":         "euc-kr",
		"text/html; charset=ks_c_5601-1987": "euc-kr",
		`text/plain; charset="utf8"`:        "utf-8",
		"application/json":                  "",
	}
	for in, want := range cases {
		if got := declaredCharset(in); got != want {
			t.Fatalf("%q: expected %q, got %q", in, want, got)
		}
	}
}
