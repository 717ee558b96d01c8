package puzzle

import (
	"fmt"

	"github.com/spadina/server/internal/asset"
	"github.com/spadina/server/internal/manifold"
	"github.com/spadina/server/internal/wire"
)

// AssetKindRealm tags realm template assets.
const AssetKindRealm = "realm"

// PieceDef is one piece declaration inside a template.
type PieceDef struct {
	_msgpack struct{} `msgpack:",as_array"`

	ID       uint32
	Kind     string
	Settings map[string]any
}

// Template is the decoded body of a realm template asset. Presentation
// is opaque client data the server stores but never interprets.
type Template struct {
	_msgpack struct{} `msgpack:",as_array"`

	Manifold     manifold.Def
	Pieces       []PieceDef
	Propagation  []PropagationRule
	Consequence  []ConsequenceRule
	Defaults     []wire.Property
	Presentation []byte
}

// DecodeTemplate parses and validates a template asset against the
// server's capability set, returning the decoded template (the input
// to Build) and the compiled manifold. All failures are load-time
// corruption, never runtime faults.
func DecodeTemplate(raw []byte, serverCaps map[string]bool) (*Template, *manifold.Manifold, error) {
	env, err := asset.DecodeEnvelope(raw)
	if err != nil {
		return nil, nil, err
	}
	if env.Kind != AssetKindRealm {
		return nil, nil, fmt.Errorf("template: asset kind %q, want %q", env.Kind, AssetKindRealm)
	}
	for _, c := range env.Capabilities {
		if !serverCaps[c] {
			return nil, nil, fmt.Errorf("template: unsupported capability %q", c)
		}
	}
	var tpl Template
	if err := wire.Unmarshal(env.Body, &tpl); err != nil {
		return nil, nil, fmt.Errorf("template: decode body: %w", err)
	}
	m, err := manifold.Compile(&tpl.Manifold)
	if err != nil {
		return nil, nil, err
	}
	return &tpl, m, nil
}

// Build constructs the piece instances and compiles the rules,
// returning a primed-ready runtime.
func (tpl *Template) Build(seed int64) (*Runtime, error) {
	pieces := make(map[uint32]Piece, len(tpl.Pieces))
	for _, def := range tpl.Pieces {
		if _, dup := pieces[def.ID]; dup {
			return nil, fmt.Errorf("template: duplicate piece id %d", def.ID)
		}
		kind, ok := Kind(def.Kind)
		if !ok {
			return nil, fmt.Errorf("template: unknown piece kind %q", def.Kind)
		}
		p, err := kind.New(Settings(def.Settings))
		if err != nil {
			return nil, fmt.Errorf("template: piece %d (%s): %w", def.ID, def.Kind, err)
		}
		pieces[def.ID] = p
	}
	rules, err := CompileRules(pieces, tpl.Propagation, tpl.Consequence)
	if err != nil {
		return nil, fmt.Errorf("template: %w", err)
	}
	return NewRuntime(seed, pieces, rules, tpl.Defaults), nil
}

// EncodeTemplate packs a template into a realm asset, returning the
// asset id and canonical bytes. Used by upload tooling and tests.
func EncodeTemplate(tpl *Template, capabilities []string) (string, []byte, error) {
	body, err := wire.Marshal(tpl)
	if err != nil {
		return "", nil, fmt.Errorf("template: encode body: %w", err)
	}
	return asset.EncodeEnvelope(AssetKindRealm, capabilities, body)
}
