package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/pflag"
)

func TestLoadGuidelines(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "tumorboard.yaml")
	yamlContent := `
guidelines:
  - collection: s3_oe_ca
    family: s3
    entity: OE-CA
    fullName: Ösophaguskarzinom
    version: "3.1"
    registry: 021/023OL
    path: guidelines/german_s3/oesophagus.pdf
    startingPage: 21
    finalCleanedChunk: "### 15 Tabellenverzeichnis"
    mark: "### "
    imagesToSave: [22, 29, 48]
  - collection: nccn_gastric
    family: nccn
    entity: Magen-CA
    fullName: Gastric Cancer
    version: Version 1.2024
    startingPage: 10
    finalPage: 116
    mark: "#### "
  - collection: dummy_guidelines
    family: s3
    startingPage: 1
    finalCleanedChunk: "### Ende"
    source: Synthetic OE-CA Guidelines (Dummy)
`
	if err := os.WriteFile(configFile, []byte(yamlContent), 0644); err != nil {
		t.Fatal(err)
	}

	clearTestEnv(t)
	setArgs(t)
	cfg, err := Load(configFile, pflag.NewFlagSet("test", pflag.ContinueOnError))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if len(cfg.Guidelines) != 3 {
		t.Fatalf("Expected 3 guidelines, got %d", len(cfg.Guidelines))
	}
	if g := cfg.Guidelines[0]; g.StartingPage != 21 || len(g.ImagesToSave) != 3 || g.Registry != "021/023OL" {
		t.Errorf("s3 guideline not loaded: %+v", g)
	}

	labels := cfg.SourceLabels()
	want := map[string]string{
		"s3_oe_ca":         "Ösophaguskarzinom (S3 3.1)",
		"nccn_gastric":     "Gastric Cancer (NCCN Version 1.2024)",
		"dummy_guidelines": "Synthetic OE-CA Guidelines (Dummy)",
	}
	for k, v := range want {
		if labels[k] != v {
			t.Errorf("SourceLabels()[%q] = %q, want %q", k, labels[k], v)
		}
	}
}

func TestGuidelineValidation(t *testing.T) {
	valid := Guideline{Collection: "c", Family: FamilyNCCN, StartingPage: 2, FinalPage: 9}

	tests := []struct {
		name    string
		mutate  func(g *Guideline)
		errPart string
	}{
		{"valid", func(g *Guideline) {}, ""},
		{"no collection", func(g *Guideline) { g.Collection = " " }, "collection is required"},
		{"bad family", func(g *Guideline) { g.Family = "esmo" }, "unknown family"},
		{"page zero", func(g *Guideline) { g.StartingPage = 0 }, "startingPage"},
		{"final before start", func(g *Guideline) { g.FinalPage = 1 }, "finalPage 1 is before"},
		{"s3 without final chunk", func(g *Guideline) { g.Family = FamilyS3 }, "finalCleanedChunk"},
		{"bad mark", func(g *Guideline) { g.Mark = "##" }, "mark"},
		{"seven hashes", func(g *Guideline) { g.Mark = "####### " }, "mark"},
		{"bad image page", func(g *Guideline) { g.ImagesToSave = []int{3, -1} }, "invalid page -1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := valid
			tt.mutate(&g)
			err := validateGuidelines([]Guideline{g})
			if tt.errPart == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errPart) {
				t.Errorf("Expected error containing %q, got %v", tt.errPart, err)
			}
		})
	}

	err := validateGuidelines([]Guideline{valid, valid})
	if err == nil || !strings.Contains(err.Error(), "guidelines[1]: duplicate collection") {
		t.Errorf("Expected duplicate collection error, got %v", err)
	}
}

func TestGuidelineSourceLabelFallbacks(t *testing.T) {
	if got := (Guideline{Collection: "nccn_hcc", Family: FamilyNCCN}).SourceLabel(); got != "nccn_hcc (NCCN)" {
		t.Errorf("got %q", got)
	}
	if got := (Guideline{Collection: "c", Entity: "HCC", Family: FamilyS3}).SourceLabel(); got != "HCC (S3)" {
		t.Errorf("got %q", got)
	}
}
