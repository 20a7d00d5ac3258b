package config

import (
	"fmt"
	"os"
	"sort"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"

	"nyash-core/domain/errors"
	"nyash-core/domain/ports"
)

// validate is a package-level singleton; constructing a validator.Validate
// per call is expensive (mirrors the teacher's package-level `validate`).
var validate = validator.New()

// The raw TOML decode target for spec §6.3:
//
//	[libraries."<library-basename>"]
//	boxes = ["BoxTypeA", "BoxTypeB"]
//	path  = "./path/to/lib.so"
//
//	[libraries."<library-basename>".BoxTypeA]
//	type_id = 1
//	singleton = false
//
//	[libraries."<library-basename>".BoxTypeA.methods]
//	birth = { method_id = 0, args = [...] }
type boxEntryTOML struct {
	Methods    map[string]methodEntryTOML `toml:"methods"`
	TypeID     uint32                     `toml:"type_id"`
	ABIVersion uint32                     `toml:"abi_version"`
	Singleton  bool                       `toml:"singleton"`
}

type methodEntryTOML struct {
	Returns       string          `toml:"returns"`
	Args          []argEntryTOML  `toml:"args"`
	MethodID      uint32          `toml:"method_id"`
	ReturnsResult bool            `toml:"returns_result"`
}

type argEntryTOML struct {
	From     string `toml:"from"`
	To       string `toml:"to"`
	Kind     string `toml:"kind"`
	Category string `toml:"category"`
}

// recognizedCoercions enumerates the from/to scalar pairs spec §6.3 names;
// a "kind = box" entry bypasses this check entirely.
var recognizedCoercions = map[string]bool{
	"string": true, "bytes": true, "i32": true, "i64": true,
	"f32": true, "f64": true, "bool": true,
}

// Manifest is the fully decoded, box-type-indexed view of a plugin manifest,
// the shape the pluginloader and runtime registry consume. It implements
// ports.ManifestStore.
type Manifest struct {
	byBoxType map[string]ports.BoxManifest
}

// Lookup implements ports.ManifestStore.
func (m *Manifest) Lookup(boxType string) (ports.BoxManifest, bool) {
	bm, ok := m.byBoxType[boxType]
	return bm, ok
}

// BoxTypes returns every declared Box type name, sorted for deterministic
// iteration (used by the registry to register one factory per type).
func (m *Manifest) BoxTypes() []string {
	names := make([]string, 0, len(m.byBoxType))
	for name := range m.byBoxType {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadManifest reads and validates a plugin manifest TOML file (spec §3.7,
// §6.3): decode, then go-playground/validator struct-tag validation on the
// per-library required fields, then per-method argument coercion checks.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &errors.ConfigError{Field: path, Err: err}
	}
	return ParseManifest(data)
}

// ParseManifest decodes and validates manifest TOML bytes directly (split
// out from LoadManifest for testing without a filesystem round-trip).
func ParseManifest(data []byte) (*Manifest, error) {
	var raw struct {
		Libraries map[string]struct {
			Boxes []string `toml:"boxes" validate:"required,min=1"`
			Path  string   `toml:"path" validate:"required"`
		} `toml:"libraries"`
	}
	// Decode twice: once into the typed header (boxes/path), once into a
	// generic tree to recover the dynamically-named `[libraries.X.BoxType]`
	// sub-tables, whose keys are the box names declared in `boxes`.
	if _, err := toml.Decode(string(data), &raw); err != nil {
		return nil, &errors.ConfigError{Field: "<root>", Err: err}
	}

	m := &Manifest{byBoxType: map[string]ports.BoxManifest{}}

	var generic struct {
		Libraries map[string]map[string]toml.Primitive `toml:"libraries"`
	}
	if _, err := toml.Decode(string(data), &generic); err != nil {
		return nil, &errors.ConfigError{Field: "<root>", Err: err}
	}

	for libName, lib := range raw.Libraries {
		if err := validate.Struct(&lib); err != nil {
			return nil, &errors.ConfigError{Field: "libraries." + libName, Err: err}
		}
		rawSubtables := generic.Libraries[libName]
		for _, boxName := range lib.Boxes {
			prim, ok := rawSubtables[boxName]
			if !ok {
				return nil, &errors.ConfigError{
					Field: fmt.Sprintf("libraries.%s.%s", libName, boxName),
					Err:   fmt.Errorf("box %q listed in 'boxes' has no matching table", boxName),
				}
			}
			var boxEntry boxEntryTOML
			if err := toml.PrimitiveDecode(prim, &boxEntry); err != nil {
				return nil, &errors.ConfigError{Field: libName + "." + boxName, Err: err}
			}
			bm := ports.BoxManifest{
				BoxType:     boxName,
				TypeID:      boxEntry.TypeID,
				LibraryPath: lib.Path,
				Singleton:   boxEntry.Singleton,
				Methods:     map[string]ports.MethodManifest{},
			}
			for methodName, me := range boxEntry.Methods {
				args := make([]ports.ArgCoercion, 0, len(me.Args))
				for _, a := range me.Args {
					if a.Kind == "box" {
						if a.Category == "" {
							return nil, &errors.ConfigError{
								Field: fmt.Sprintf("%s.%s.%s", boxName, methodName, "args"),
								Err:   fmt.Errorf("kind=\"box\" argument missing category"),
							}
						}
					} else if !recognizedCoercions[a.From] || !recognizedCoercions[a.To] {
						return nil, &errors.ConfigError{
							Field: fmt.Sprintf("%s.%s.%s", boxName, methodName, "args"),
							Err:   fmt.Errorf("unrecognized coercion %s -> %s", a.From, a.To),
						}
					}
					args = append(args, ports.ArgCoercion{From: a.From, To: a.To, Kind: a.Kind, Category: a.Category})
				}
				bm.Methods[methodName] = ports.MethodManifest{
					MethodID:      me.MethodID,
					Args:          args,
					ReturnsResult: me.ReturnsResult,
				}
			}
			m.byBoxType[boxName] = bm
		}
	}
	return m, nil
}
