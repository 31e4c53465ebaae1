package state

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Bag
		wantErr bool
	}{
		{
			name:  "empty",
			input: "",
			want:  Bag{},
		},
		{
			name: "full",
			input: `source: |
  @compute @workgroup_size(8, 8)
  fn main() {}
uniforms:
  speed: 1.5
  zoom: 2
textures:
  channel0: https://example.com/a.png
`,
			want: Bag{
				Source:   "@compute @workgroup_size(8, 8)\nfn main() {}\n",
				Uniforms: map[string]float32{"speed": 1.5, "zoom": 2},
				Textures: map[string]string{"channel0": "https://example.com/a.png"},
			},
		},
		{
			name:    "unknown field",
			input:   "source: x\ncolor: red\n",
			wantErr: true,
		},
		{
			name:    "bad uniform value",
			input:   "uniforms:\n  speed: fast\n",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(strings.NewReader(tt.input))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Decode = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestEncodeOmitsEmptyMaps(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, Bag{Source: "fn main() {}"}); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if strings.Contains(out, "uniforms") || strings.Contains(out, "textures") {
		t.Errorf("Encode wrote empty maps: %q", out)
	}
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.yaml")
	s := NewFileStore(path)

	if _, err := s.Load(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load before Save = %v, want ErrNotFound", err)
	}

	bag := Bag{
		Source:   "fn main() {}\n",
		Uniforms: map[string]float32{"a": 0.25},
		Textures: map[string]string{"channel1": "file:///tmp/x.png"},
	}
	if err := s.Save(bag); err != nil {
		t.Fatal(err)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, bag) {
		t.Errorf("Load = %+v, want %+v", got, bag)
	}

	bag.Uniforms["a"] = 1
	if err := s.Save(bag); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.Load(); got.Uniforms["a"] != 1 {
		t.Errorf("second Save not visible: %+v", got)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("temporary files left behind: %d entries", len(entries))
	}
}

func TestBagHelpers(t *testing.T) {
	b := Bag{Uniforms: map[string]float32{"zoom": 1, "angle": 2}, Textures: map[string]string{"channel0": "a"}}
	if got := b.UniformNames(); !reflect.DeepEqual(got, []string{"angle", "zoom"}) {
		t.Errorf("UniformNames = %v", got)
	}
	c := b.Clone()
	c.Uniforms["zoom"] = 5
	c.Textures["channel0"] = "b"
	if b.Uniforms["zoom"] != 1 || b.Textures["channel0"] != "a" {
		t.Error("Clone shares maps with the original")
	}
}
