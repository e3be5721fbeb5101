package local

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/gitpod-io/kiln/pkg/kiln/cache"
	"github.com/gitpod-io/kiln/pkg/kiln/errs"
)

func testInput() cache.Input {
	return cache.Input{
		SourceHash:   "f00d",
		SourceTree:   "0123456789abcdef0123456789abcdef01234567",
		Toolchain:    "mkosi/25",
		Flags:        []string{"--force"},
		Dependencies: []string{"sha256:aa"},
		Env:          map[string]string{"SOURCE_DATE_EPOCH": "0"},
		Target:       "x86_64/default",
	}
}

func TestNewFilesystemCache(t *testing.T) {
	type Expectation struct {
		Error string
	}

	tests := []struct {
		Name        string
		Location    func(t *testing.T) string
		Expectation Expectation
	}{
		{
			Name:     "valid location",
			Location: func(t *testing.T) string { return filepath.Join(t.TempDir(), "cache") },
		},
		{
			Name: "location is a file",
			Location: func(t *testing.T) string {
				fn := filepath.Join(t.TempDir(), "file")
				if err := os.WriteFile(fn, nil, 0644); err != nil {
					t.Fatal(err)
				}
				return filepath.Join(fn, "cache")
			},
			Expectation: Expectation{Error: "failed to create cache directory:"},
		},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			var act Expectation
			_, err := NewFilesystemCache(test.Location(t))
			if err != nil {
				act.Error = err.Error()[:len(test.Expectation.Error)]
			}
			if diff := cmp.Diff(test.Expectation, act); diff != "" {
				t.Errorf("NewFilesystemCache() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSaveLoad(t *testing.T) {
	fsc, err := NewFilesystemCache(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	in := testInput()
	key, err := fsc.Save(in, []byte("artifact"))
	if err != nil {
		t.Fatal(err)
	}
	expKey, _ := cache.Key(in)
	if key != expKey {
		t.Errorf("Save() returned key %s, expected %s", key, expKey)
	}

	artifactPath, manifestPath, exists := fsc.Entry(key)
	if !exists {
		t.Fatalf("entry %s does not exist after save", key)
	}
	if filepath.Base(filepath.Dir(filepath.Dir(artifactPath))) != key[:2] {
		t.Errorf("unexpected entry layout: %s", artifactPath)
	}
	if filepath.Dir(artifactPath) != filepath.Dir(manifestPath) {
		t.Errorf("artifact and manifest must share a directory")
	}

	act, ok, err := fsc.Load(key, in)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || string(act) != "artifact" {
		t.Errorf("Load() = %q, %v; expected artifact, true", act, ok)
	}

	// no temporary leftovers
	entries, _ := os.ReadDir(filepath.Join(fsc.Origin, key[:2]))
	if len(entries) != 1 {
		t.Errorf("expected exactly one entry in prefix directory, got %d", len(entries))
	}

	// saving the same inputs again is a no-op
	if _, err := fsc.Save(in, []byte("artifact")); err != nil {
		t.Errorf("second Save() failed: %v", err)
	}
}

func TestLoadMiss(t *testing.T) {
	fsc, err := NewFilesystemCache(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	key, _ := cache.Key(testInput())
	_, ok, err := fsc.Load(key, testInput())
	if err != nil || ok {
		t.Errorf("Load() on empty cache = %v, %v; expected miss without error", ok, err)
	}
	if fsc.Has(key) {
		t.Errorf("Has() reported a missing entry")
	}
}

func TestKeySensitivity(t *testing.T) {
	a := testInput()
	b := testInput()
	b.Env = map[string]string{"SOURCE_DATE_EPOCH": "1"}

	ka, _ := cache.Key(a)
	kb, _ := cache.Key(b)
	if ka == kb {
		t.Errorf("changing one environment variable must change the key")
	}

	c := testInput()
	c.Env = map[string]string{"SOURCE_DATE_EPOCH": "0"}
	kc, _ := cache.Key(c)
	if ka != kc {
		t.Errorf("equal inputs must produce equal keys")
	}

	d := testInput()
	d.Flags = nil
	e := testInput()
	e.Flags = []string{}
	kd, _ := cache.Key(d)
	ke, _ := cache.Key(e)
	if kd != ke {
		t.Errorf("nil and empty flags must produce equal keys")
	}
}

func TestTamperDetection(t *testing.T) {
	type Expectation struct {
		Code string
		OK   bool
	}

	tests := []struct {
		Name        string
		Tamper      func(t *testing.T, artifactPath, manifestPath string)
		Expected    func(in cache.Input) cache.Input
		Expectation Expectation
	}{
		{
			Name:        "untouched",
			Tamper:      func(t *testing.T, artifactPath, manifestPath string) {},
			Expectation: Expectation{OK: true},
		},
		{
			Name: "artifact bytes changed",
			Tamper: func(t *testing.T, artifactPath, manifestPath string) {
				if err := os.WriteFile(artifactPath, []byte("evil"), 0644); err != nil {
					t.Fatal(err)
				}
			},
			Expectation: Expectation{Code: "reproducibility/digest_mismatch"},
		},
		{
			Name: "manifest inputs changed",
			Tamper: func(t *testing.T, artifactPath, manifestPath string) {
				rewriteManifest(t, manifestPath, func(mf *cache.Manifest) {
					mf.Inputs.Toolchain = "mkosi/26"
				})
			},
			Expectation: Expectation{Code: "reproducibility/cache_inputs_mismatch"},
		},
		{
			Name: "manifest key changed",
			Tamper: func(t *testing.T, artifactPath, manifestPath string) {
				rewriteManifest(t, manifestPath, func(mf *cache.Manifest) {
					mf.Key = "deadbeef"
				})
			},
			Expectation: Expectation{Code: "reproducibility/cache_key_mismatch"},
		},
		{
			Name: "manifest unparseable",
			Tamper: func(t *testing.T, artifactPath, manifestPath string) {
				if err := os.WriteFile(manifestPath, []byte("{"), 0644); err != nil {
					t.Fatal(err)
				}
			},
			Expectation: Expectation{Code: "reproducibility/cache_manifest_corrupt"},
		},
		{
			Name:   "caller expects other inputs",
			Tamper: func(t *testing.T, artifactPath, manifestPath string) {},
			Expected: func(in cache.Input) cache.Input {
				in.Target = "aarch64/default"
				return in
			},
			Expectation: Expectation{Code: "reproducibility/cache_inputs_mismatch"},
		},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			fsc, err := NewFilesystemCache(t.TempDir())
			if err != nil {
				t.Fatal(err)
			}
			in := testInput()
			key, err := fsc.Save(in, []byte("artifact"))
			if err != nil {
				t.Fatal(err)
			}
			artifactPath, manifestPath, _ := fsc.Entry(key)
			test.Tamper(t, artifactPath, manifestPath)

			expected := in
			if test.Expected != nil {
				expected = test.Expected(in)
			}

			var act Expectation
			_, act.OK, err = fsc.Load(key, expected)
			if err != nil {
				act.Code = errs.CodeOf(err)
			}
			if diff := cmp.Diff(test.Expectation, act); diff != "" {
				t.Errorf("Load() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestImport(t *testing.T) {
	src, err := NewFilesystemCache(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	in := testInput()
	key, err := src.Save(in, []byte("artifact"))
	if err != nil {
		t.Fatal(err)
	}
	artifactPath, manifestPath, _ := src.Entry(key)

	dst, err := NewFilesystemCache(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := dst.Import(key, artifactPath, manifestPath); err != nil {
		t.Fatalf("Import() failed: %v", err)
	}
	if _, ok, err := dst.Load(key, in); err != nil || !ok {
		t.Errorf("imported entry does not load: %v, %v", ok, err)
	}

	// importing under a different key is refused
	other := testInput()
	other.Target = "aarch64/default"
	otherKey, _ := cache.Key(other)
	err = dst.Import(otherKey, artifactPath, manifestPath)
	if code := errs.CodeOf(err); code != "reproducibility/cache_key_mismatch" {
		t.Errorf("Import() under wrong key returned %q, expected cache_key_mismatch", code)
	}
	if dst.Has(otherKey) {
		t.Errorf("refused import must not leave an entry behind")
	}
}

func rewriteManifest(t *testing.T, fn string, mod func(mf *cache.Manifest)) {
	t.Helper()

	fc, err := os.ReadFile(fn)
	if err != nil {
		t.Fatal(err)
	}
	var mf cache.Manifest
	if err := json.Unmarshal(fc, &mf); err != nil {
		t.Fatal(err)
	}
	mod(&mf)
	fc, err = json.Marshal(mf)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(fn, fc, 0644); err != nil {
		t.Fatal(err)
	}
}

func TestVerify(t *testing.T) {
	fsc, err := NewFilesystemCache(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	key, err := fsc.Save(testInput(), []byte("artifact"))
	if err != nil {
		t.Fatal(err)
	}

	mf, err := fsc.Verify(key)
	if err != nil {
		t.Fatalf("Verify() of intact entry failed: %v", err)
	}
	if diff := cmp.Diff(key, mf.Key); diff != "" {
		t.Errorf("Verify() key mismatch (-want +got):\n%s", diff)
	}

	if _, err := fsc.Verify("0000"); err == nil {
		t.Error("Verify() of a missing entry succeeded")
	}

	artifactPath, _, _ := fsc.Entry(key)
	if err := os.WriteFile(artifactPath, []byte("tampered"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err = fsc.Verify(key)
	if !errs.Is(err, errs.KindReproducibility) {
		t.Errorf("Verify() of tampered entry: expected reproducibility error, got %v", err)
	}
}
