package notice

import (
	"bytes"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/korean"
	xunicode "golang.org/x/text/encoding/unicode"
)

// Decoded is a body decoded with the best scoring charset.
type Decoded struct {
	Text       string
	Charset    string
	Confidence float64
}

type charsetCandidate struct {
	name string
	enc  encoding.Encoding
}

var charsetCandidates = []charsetCandidate{
	{name: "utf-8"},
	{name: "euc-kr", enc: korean.EUCKR},
	{name: "utf-16le", enc: xunicode.UTF16(xunicode.LittleEndian, xunicode.IgnoreBOM)},
	{name: "utf-16be", enc: xunicode.UTF16(xunicode.BigEndian, xunicode.IgnoreBOM)},
}

// DecodeBody tries every candidate charset and keeps the one with the fewest
// replacement characters and the most plausible script mix. A charset named
// in contentType wins ties.
func DecodeBody(raw []byte, contentType string) Decoded {
	if len(raw) == 0 {
		return Decoded{Charset: "utf-8", Confidence: 1}
	}
	if bom := bomCharset(raw); bom != "" {
		for _, cand := range charsetCandidates {
			if cand.name == bom {
				text, ok := decodeWith(cand, raw)
				if ok {
					return Decoded{Text: strings.TrimPrefix(text, "\ufeff"), Charset: bom, Confidence: 1}
				}
			}
		}
	}
	declared := declaredCharset(contentType)
	best := Decoded{Confidence: -1}
	for _, cand := range charsetCandidates {
		text, ok := decodeWith(cand, raw)
		if !ok {
			continue
		}
		score := scoreText(text)
		if cand.name == declared {
			score += 0.05
		}
		if score > best.Confidence {
			best = Decoded{Text: text, Charset: cand.name, Confidence: score}
		}
	}
	if best.Confidence < 0 {
		return Decoded{Text: strings.ToValidUTF8(string(raw), "\uFFFD"), Charset: "utf-8"}
	}
	if best.Confidence > 1 {
		best.Confidence = 1
	}
	return best
}

func decodeWith(cand charsetCandidate, raw []byte) (string, bool) {
	if cand.enc == nil {
		if !utf8.Valid(raw) {
			return strings.ToValidUTF8(string(raw), "\uFFFD"), true
		}
		return string(raw), true
	}
	if strings.HasPrefix(cand.name, "utf-16") && len(raw)%2 != 0 {
		return "", false
	}
	out, err := cand.enc.NewDecoder().Bytes(raw)
	if err != nil {
		return "", false
	}
	return string(out), true
}

// scoreText rewards Hangul and printable ASCII and punishes replacement
// characters, control runes and unassigned script soup.
func scoreText(text string) float64 {
	var total, replacement, control, hangul, ascii, other int
	for _, r := range text {
		total++
		switch {
		case r == utf8.RuneError:
			replacement++
		case r == '\n' || r == '\r' || r == '\t':
			ascii++
		case r < 0x20 || r == 0x7f:
			control++
		case r < 0x80:
			ascii++
		case unicode.Is(unicode.Hangul, r):
			hangul++
		case unicode.IsPunct(r) || unicode.IsSpace(r) || unicode.IsSymbol(r):
			ascii++
		default:
			other++
		}
	}
	if total == 0 {
		return 0
	}
	n := float64(total)
	score := float64(ascii+hangul)/n - 2*float64(replacement)/n - 2*float64(control)/n - 0.5*float64(other)/n
	if hangul > 0 {
		score += 0.1 * float64(hangul) / n
	}
	return score
}

func bomCharset(raw []byte) string {
	switch {
	case bytes.HasPrefix(raw, []byte{0xEF, 0xBB, 0xBF}):
		return "utf-8"
	case bytes.HasPrefix(raw, []byte{0xFF, 0xFE}):
		return "utf-16le"
	case bytes.HasPrefix(raw, []byte{0xFE, 0xFF}):
		return "utf-16be"
	default:
		return ""
	}
}

func declaredCharset(contentType string) string {
	lower := strings.ToLower(contentType)
	idx := strings.Index(lower, "charset=")
	if idx < 0 {
		return ""
	}
	cs := strings.Trim(strings.TrimSpace(lower[idx+len("charset="):]), `"';`)
	if semi := strings.IndexByte(cs, ';'); semi >= 0 {
		cs = cs[:semi]
	}
	switch cs {
	case "utf8":
		return "utf-8"
	case "ks_c_5601-1987", "cp949", "euckr":
		return "euc-kr"
	case "utf-16":
		return "utf-16le"
	}
	return cs
}
