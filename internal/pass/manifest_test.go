package pass

import (
	"encoding/json"
	"strings"
	"testing"
)

func decodeDoc(t *testing.T, s string) map[string]any {
	t.Helper()
	var doc map[string]any
	if err := json.Unmarshal([]byte(s), &doc); err != nil {
		t.Fatal(err)
	}
	return doc
}

func TestComposeManifest_SkeletonShapes(t *testing.T) {
	// WHY: Templates come in several shapes (top-level back fields, a
	// barcodes array, no style dictionary); the composed document must
	// always carry the member data in storeCard and every barcode.
	t.Parallel()

	tests := []struct {
		name  string
		skel  string
		check func(t *testing.T, m *Manifest, doc map[string]any)
	}{
		{
			name: "top-level back fields move into the style",
			skel: `{"barcode":{"format":"PKBarcodeFormatQR"},"storeCard":{},"backFields":[{"key":"info","value":"x"}]}`,
			check: func(t *testing.T, m *Manifest, doc map[string]any) {
				if _, ok := doc["backFields"]; ok {
					t.Error("backFields left at top level")
				}
				if _, ok := m.StoreCard.Field("info"); !ok {
					t.Error("info field not moved into storeCard")
				}
			},
		},
		{
			name: "barcodes array only",
			skel: `{"barcodes":[{"format":"PKBarcodeFormatQR"},{"format":"PKBarcodeFormatPDF417"}]}`,
			check: func(t *testing.T, m *Manifest, _ map[string]any) {
				if m.Barcode == nil || m.Barcode.Format != "PKBarcodeFormatQR" || m.Barcode.Message != "42" {
					t.Errorf("legacy barcode = %+v", m.Barcode)
				}
				if len(m.Barcodes) != 2 {
					t.Fatalf("barcodes = %+v", m.Barcodes)
				}
				for _, bc := range m.Barcodes {
					if bc.Message != "42" || bc.AltText != "42" || bc.MessageEncoding != "utf-8" {
						t.Errorf("barcode = %+v", bc)
					}
				}
			},
		},
		{
			name: "no style dictionary",
			skel: `{"barcode":{"format":"PKBarcodeFormatCode128"}}`,
			check: func(t *testing.T, m *Manifest, _ map[string]any) {
				if m.StoreCard == nil {
					t.Fatal("storeCard not created")
				}
				if f, _ := m.StoreCard.Field(FieldMember); f.Value != "IVA" {
					t.Errorf("member field = %+v", f)
				}
			},
		},
		{
			name: "generic style kept",
			skel: `{"barcode":{"format":"PKBarcodeFormatCode128"},"generic":{"primaryFields":[{"key":"member","label":"MEMBER","value":""}]}}`,
			check: func(t *testing.T, m *Manifest, _ map[string]any) {
				if m.StoreCard != nil {
					t.Error("storeCard added next to generic")
				}
				f, _ := m.Style().Field(FieldMember)
				if f.Value != "IVA" || f.Label != "MEMBER" {
					t.Errorf("member field = %+v", f)
				}
			},
		},
		{
			name: "skeleton identifiers are overridden",
			skel: `{"passTypeIdentifier":"pass.other","teamIdentifier":"ZZZ","webServiceURL":"https://stale.example.com","barcode":{"format":"PKBarcodeFormatCode128"}}`,
			check: func(t *testing.T, m *Manifest, _ map[string]any) {
				if m.PassTypeIdentifier != "pass.com.example.loyalty" || m.TeamIdentifier != "ABCDE12345" {
					t.Errorf("identifiers = %q/%q", m.PassTypeIdentifier, m.TeamIdentifier)
				}
				if m.WebServiceURL != "" {
					t.Errorf("stale webServiceURL kept: %q", m.WebServiceURL)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			doc := composeManifest(decodeDoc(t, tt.skel), testPassConfig(), Member{FullName: "Iva", MemberID: "42"}, "KOS-42")
			if err := validateManifest(doc); err != nil {
				t.Fatalf("validateManifest: %v", err)
			}
			data, err := json.Marshal(doc)
			if err != nil {
				t.Fatal(err)
			}
			m, err := ParseManifest(data)
			if err != nil {
				t.Fatal(err)
			}
			tt.check(t, m, doc)
		})
	}
}

func TestValidateManifest_ListsAllMissing(t *testing.T) {
	// WHY: Operators fix templates faster when every missing key is named.
	t.Parallel()
	err := validateManifest(map[string]any{"serialNumber": "KOS-1"})
	if err == nil {
		t.Fatal("expected error")
	}
	want := []string{"description", "organizationName", "passTypeIdentifier", "teamIdentifier", "barcode.format"}
	for _, field := range want {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("error %q does not name %s", err, field)
		}
	}
}
