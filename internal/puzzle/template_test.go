package puzzle

import (
	"testing"

	"github.com/spadina/server/internal/asset"
	"github.com/spadina/server/internal/manifold"
	"github.com/spadina/server/internal/wire"
)

func templateWithManifold() *Template {
	tpl := doorTemplate()
	tpl.Manifold = manifold.Def{
		Edges: []manifold.Edge{
			{ID: 1, From: wire.Point{X: 0}, To: wire.Point{X: 1}, Duration: 100},
		},
		Spawns: []wire.Point{{X: 0}},
	}
	return tpl
}

func TestTemplateEncodeDecode(t *testing.T) {
	id, raw, err := EncodeTemplate(templateWithManifold(), []string{"base"})
	if err != nil {
		t.Fatalf("EncodeTemplate() error: %v", err)
	}
	if id != asset.Hash(raw) {
		t.Errorf("template id = %s, want %s", id, asset.Hash(raw))
	}

	tpl, man, err := DecodeTemplate(raw, map[string]bool{"base": true})
	if err != nil {
		t.Fatalf("DecodeTemplate() error: %v", err)
	}
	if len(tpl.Pieces) != 3 || man == nil {
		t.Errorf("decoded template = %d pieces", len(tpl.Pieces))
	}
	if _, err := tpl.Build(5); err != nil {
		t.Errorf("Build() error: %v", err)
	}
}

// A server refuses templates whose capability set it does not cover.
func TestTemplateCapabilityRefusal(t *testing.T) {
	_, raw, err := EncodeTemplate(templateWithManifold(), []string{"base", "experimental-pieces"})
	if err != nil {
		t.Fatalf("EncodeTemplate() error: %v", err)
	}
	if _, _, err := DecodeTemplate(raw, map[string]bool{"base": true}); err == nil {
		t.Error("unknown capability should refuse the load")
	}
}

func TestTemplateRejectsWrongAssetKind(t *testing.T) {
	id, raw, err := asset.EncodeEnvelope("texture", nil, []byte{1})
	if err != nil {
		t.Fatalf("EncodeEnvelope() error: %v", err)
	}
	_ = id
	if _, _, err := DecodeTemplate(raw, map[string]bool{}); err == nil {
		t.Error("non-realm asset should refuse the load")
	}
}

func TestTemplateUnknownKind(t *testing.T) {
	tpl := templateWithManifold()
	tpl.Pieces = append(tpl.Pieces, PieceDef{ID: 99, Kind: "Teleporter"})
	if _, err := tpl.Build(1); err == nil {
		t.Error("unknown piece kind should fail the build")
	}
}
