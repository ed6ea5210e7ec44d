package transcript

import (
	"strings"
	"testing"
)

func TestExtractorTagAcrossFragments(t *testing.T) {
	tr := New()
	ex := NewExtractor(tr)

	if got := ex.Append("Perfecto, te lo mando a ...[EMAIL:a@"); len(got) != 0 {
		t.Fatalf("expected no tags yet, got %v", got)
	}
	got := ex.Append("b.com]... gracias")
	if len(got) != 1 || got[0].Kind != TagEmail || got[0].Value != "a@b.com" {
		t.Fatalf("unexpected tags %v", got)
	}
	if v, _ := tr.Captured(FieldEmail); v != "a@b.com" {
		t.Fatalf("expected captured email, got %q", v)
	}
	if got := ex.Append(" más texto"); len(got) != 0 {
		t.Fatalf("tag re-emitted: %v", got)
	}
	snap := tr.Snapshot()
	if snap.AgentFullText != "Perfecto, te lo mando a ...[EMAIL:a@b.com]... gracias más texto" {
		t.Fatalf("accumulator mismatch: %q", snap.AgentFullText)
	}
}

func TestExtractorIndependentOfChunkBoundaries(t *testing.T) {
	text := "Hola [NAME:Ana López] de [COMPANY:Cajas del Norte], tu correo [EMAIL:ana@cajas.mx] y tel [PHONE:+52 55 1234 5678]."
	want := map[string]string{
		FieldName:    "Ana López",
		FieldCompany: "Cajas del Norte",
		FieldEmail:   "ana@cajas.mx",
		FieldPhone:   "+52 55 1234 5678",
	}
	for size := 1; size <= len(text); size++ {
		tr := New()
		ex := NewExtractor(tr)
		emitted := map[string]int{}
		for i := 0; i < len(text); i += size {
			end := i + size
			if end > len(text) {
				end = len(text)
			}
			for _, tag := range ex.Append(text[i:end]) {
				emitted[tag.Kind.Field()]++
			}
		}
		snap := tr.Snapshot()
		for field, value := range want {
			if snap.CapturedData[field] != value {
				t.Fatalf("chunk %d: field %s = %q, want %q", size, field, snap.CapturedData[field], value)
			}
			if emitted[field] != 1 {
				t.Fatalf("chunk %d: field %s emitted %d times", size, field, emitted[field])
			}
		}
	}
}

func TestExtractorFirstWriteWins(t *testing.T) {
	tr := New()
	ex := NewExtractor(tr)
	ex.Append("[EMAIL:first@x.com] y luego [EMAIL:second@x.com]")
	if v, _ := tr.Captured(FieldEmail); v != "first@x.com" {
		t.Fatalf("expected first email kept, got %q", v)
	}
	if got := ex.ApplyFinal("[EMAIL:third@x.com]"); len(got) != 0 {
		t.Fatalf("final pass overwrote: %v", got)
	}
}

func TestExtractorMalformedTagsWaitOrSkip(t *testing.T) {
	tr := New()
	ex := NewExtractor(tr)
	ex.Append("[EMAIL:] [email:x@y.com] [FOO:bar] [PHONE:55")
	if _, ok := tr.Captured(FieldEmail); ok {
		t.Fatalf("malformed email tags must not match")
	}
	if ex.Pending() != "[PHONE:55" {
		t.Fatalf("expected open tag pending, got %q", ex.Pending())
	}
	ex.Append("12]")
	if v, _ := tr.Captured(FieldPhone); v != "5512" {
		t.Fatalf("expected phone after close, got %q", v)
	}
	if ex.Pending() != "" {
		t.Fatalf("expected empty pending, got %q", ex.Pending())
	}
}

func TestExtractorPartialHeaderIsBuffered(t *testing.T) {
	tr := New()
	ex := NewExtractor(tr)
	ex.Append("dime tu nombre [NA")
	if ex.Pending() != "[NA" {
		t.Fatalf("expected partial header pending, got %q", ex.Pending())
	}
	ex.Append("ME:Luis]")
	if v, _ := tr.Captured(FieldName); v != "Luis" {
		t.Fatalf("expected name, got %q", v)
	}
}

func TestExtractorAbandonsOverlongCandidate(t *testing.T) {
	tr := New()
	ex := NewExtractor(tr)
	ex.SetMaxTagLen(16)
	ex.Append("[COMPANY:" + strings.Repeat("x", 32))
	if ex.Pending() != "" {
		t.Fatalf("expected overlong candidate dropped from window, got %q", ex.Pending())
	}
	ex.Append("] [NAME:Eva]")
	if _, ok := tr.Captured(FieldCompany); ok {
		t.Fatalf("overlong candidate should not match while streaming")
	}
	if v, _ := tr.Captured(FieldName); v != "Eva" {
		t.Fatalf("expected later tag captured, got %q", v)
	}
	got := ex.ApplyFinal(tr.Snapshot().AgentFullText)
	if len(got) != 1 || got[0].Kind != TagCompany {
		t.Fatalf("expected final pass to recover company, got %v", got)
	}
}

func TestExtractorNestedBracketMatchesBothTags(t *testing.T) {
	tr := New()
	ex := NewExtractor(tr)
	ex.Append("[NAME:[EMAIL:z@z.io]")
	if v, _ := tr.Captured(FieldName); v != "[EMAIL:z@z.io" {
		t.Fatalf("unexpected name %q", v)
	}
	if v, _ := tr.Captured(FieldEmail); v != "z@z.io" {
		t.Fatalf("unexpected email %q", v)
	}
}

func TestExtractorDTMFEveryOccurrenceOnce(t *testing.T) {
	tr := New()
	ex := NewExtractor(tr)
	var digits []string
	for _, part := range []string{"marco [DT", "MF:3] y luego [DTMF:x] ", "[DTMF:1]"} {
		for _, tag := range ex.Append(part) {
			if tag.Kind == TagDTMF {
				digits = append(digits, tag.Value)
			}
		}
	}
	if strings.Join(digits, ",") != "3,1" {
		t.Fatalf("unexpected dtmf digits %v", digits)
	}
	for _, tag := range ex.ApplyFinal(tr.Snapshot().AgentFullText) {
		if tag.Kind == TagDTMF {
			t.Fatalf("final pass must not replay dtmf")
		}
	}
	if _, ok := tr.Captured(""); ok {
		t.Fatalf("dtmf must not be stored as a captured field")
	}
}

func TestTranscriptSnapshotIsACopy(t *testing.T) {
	tr := New()
	tr.AddClient("bueno")
	tr.AddAgent("hola, ¿con quién hablo?")
	tr.Capture(FieldName, "Ana")
	snap := tr.Snapshot()
	snap.Client[0] = "changed"
	snap.CapturedData[FieldName] = "changed"
	again := tr.Snapshot()
	if again.Client[0] != "bueno" || again.CapturedData[FieldName] != "Ana" {
		t.Fatalf("snapshot aliases transcript state")
	}
	if len(again.Agent) != 1 {
		t.Fatalf("expected one agent message")
	}
}
