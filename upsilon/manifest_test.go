// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package upsilon

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/ziggy42/upsilon/internal/wasmbuild"
	"gopkg.in/yaml.v2"
)

func TestManifest(t *testing.T) {
	b := wasmbuild.New()
	b.ImportFunc("env", "print", []byte{wasmbuild.I32}, nil)
	b.ImportGlobal("env", "offset", wasmbuild.I32, false)
	b.Memory(1, nil)
	b.Table(1, nil)
	b.Global(wasmbuild.I32, false, wasmbuild.I32Const(7))
	entry := b.Func(nil, nil, nil)
	b.Export("main", wasmbuild.KindFunc, entry)
	b.Export("memory", wasmbuild.KindMemory, 0)
	b.Start(entry)

	cfg, _ := testConfig()
	cfg.InlineConstantGlobals = true
	out := mustLower(t, cfg, b)

	expected := &Manifest{
		Module: "test",
		Trap:   TrapSymbol,
		Start:  "main",
		Imports: []ManifestImport{
			{Kind: "func", Module: "env", Name: "print", Symbol: "print"},
			{Kind: "global", Module: "env", Name: "offset", Symbol: "offset"},
		},
		Exports: []ManifestExport{
			{Name: "main", Kind: "func", Symbol: "main"},
			{Name: "memory", Kind: "memory", Symbol: memorySymbol},
		},
		Globals: []ManifestGlobal{
			{Index: 0, Symbol: "offset", Type: "i32"},
			{Index: 1, Symbol: "global_1", Type: "i32", Inlined: true},
		},
		Memory: &ManifestMemory{Symbol: memorySymbol, Pages: 1, MinPages: 1},
		Table:  &ManifestTable{Symbol: tableSymbol, Size: 1},
	}
	if diff := cmp.Diff(expected, out.Manifest()); diff != "" {
		t.Errorf("unexpected manifest (-want +got):\n%s", diff)
	}
}

func TestManifestListsMaterializedImports(t *testing.T) {
	b := wasmbuild.New()
	b.ImportMemory("env", "memory", 1)

	cfg, _ := testConfig()
	out := mustLower(t, cfg, b)

	expected := []ManifestImport{
		{Kind: "memory", Module: "env", Name: "memory", Symbol: memorySymbol},
	}
	if diff := cmp.Diff(expected, out.Manifest().Imports); diff != "" {
		t.Errorf("unexpected imports (-want +got):\n%s", diff)
	}
}

func TestWriteManifest(t *testing.T) {
	b := wasmbuild.New()
	b.Memory(1, nil)

	cfg, _ := testConfig()
	cfg.EmitMemoryLimits = true
	out := mustLower(t, cfg, b)

	var buf bytes.Buffer
	if err := out.WriteManifest(&buf); err != nil {
		t.Fatalf("writing manifest failed: %v", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("manifest is not valid YAML: %v", err)
	}
	if doc["module"] != "test" || doc["trap"] != TrapSymbol {
		t.Errorf("unexpected manifest header: %v", doc)
	}
	memory, ok := doc["memory"].(map[any]any)
	if !ok {
		t.Fatalf("expected a memory section, got %v", doc["memory"])
	}
	if memory["pages"] != 1 || memory["limit_globals"] != true {
		t.Errorf("unexpected memory section: %v", memory)
	}
	if _, ok := doc["table"]; ok {
		t.Errorf("expected no table section")
	}
}
