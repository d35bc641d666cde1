package canonical

import (
	"bytes"
	"testing"
	"time"

	"github.com/CapTomas/Proofo-sub003/pkg/domain"
)

var testTerms = []domain.Term{
	{ID: "trm_1", Label: "Price", Value: "1200", Type: domain.TermCurrency},
	{ID: "trm_2", Label: "Delivery", Value: "2026-09-01", Type: domain.TermDate},
}

func TestSerializeDeterministic(t *testing.T) {
	at := time.Date(2026, 8, 1, 12, 30, 45, 0, time.UTC)
	a, err := Serialize(Version, "dl_1", testTerms, "mem://signatures/dl_1", at)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	b, err := Serialize(Version, "dl_1", testTerms, "mem://signatures/dl_1", at)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("same input produced different bytes:\n%s\n%s", a, b)
	}
}

func TestSerializeLayout(t *testing.T) {
	at := time.Date(2026, 8, 1, 12, 30, 45, 123456789, time.UTC)
	got, err := Serialize(Version, "dl_1", testTerms[:1], "", at)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	want := `deal-seal-v1dl_1[{"id":"trm_1","label":"Price","value":"1200","type":"currency"}]2026-08-01T12:30:45Z`
	if string(got) != want {
		t.Fatalf("canonical bytes:\n got %s\nwant %s", got, want)
	}
}

func TestSerializeTermOrderMatters(t *testing.T) {
	at := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	a, err := Serialize(Version, "dl_1", testTerms, "", at)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	reversed := []domain.Term{testTerms[1], testTerms[0]}
	b, err := Serialize(Version, "dl_1", reversed, "", at)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatal("reordered terms produced identical canonical bytes")
	}
}

func TestSerializeTimestampSecondPrecision(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 30, 45, 0, time.UTC)
	withNanos := base.Add(700 * time.Millisecond)
	a, _ := Serialize(Version, "dl_1", nil, "", base)
	b, _ := Serialize(Version, "dl_1", nil, "", withNanos)
	if !bytes.Equal(a, b) {
		t.Fatal("sub-second precision leaked into canonical bytes")
	}

	est := time.FixedZone("EST", -5*3600)
	c, _ := Serialize(Version, "dl_1", nil, "", base.In(est))
	if !bytes.Equal(a, c) {
		t.Fatal("timezone leaked into canonical bytes")
	}
}

func TestSerializeNilTerms(t *testing.T) {
	at := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	got, err := Serialize(Version, "dl_1", nil, "", at)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if !bytes.Contains(got, []byte("[]")) {
		t.Fatalf("nil terms should render as empty array, got %s", got)
	}
}

func TestSerializeUnknownVersion(t *testing.T) {
	_, err := Serialize("deal-seal-v2", "dl_1", testTerms, "", time.Now())
	if err == nil {
		t.Fatal("expected error for unknown canonical version")
	}
}
