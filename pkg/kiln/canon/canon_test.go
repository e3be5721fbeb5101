package canon

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMarshal(t *testing.T) {
	type unordered struct {
		Zeta  string            `json:"zeta"`
		Alpha int64             `json:"alpha"`
		Env   map[string]string `json:"env"`
		HTML  string            `json:"html"`
	}

	tests := []struct {
		Name        string
		In          interface{}
		Expectation string
	}{
		{
			Name:        "struct keys sorted",
			In:          unordered{Zeta: "z", Alpha: 9007199254740993, Env: map[string]string{"B": "2", "A": "1"}, HTML: "<a&b>"},
			Expectation: `{"alpha":9007199254740993,"env":{"A":"1","B":"2"},"html":"<a&b>","zeta":"z"}`,
		},
		{
			Name:        "nested slices keep order",
			In:          map[string]interface{}{"b": []string{"z", "a"}, "a": nil},
			Expectation: `{"a":null,"b":["z","a"]}`,
		},
	}
	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			act, err := Marshal(test.In)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(test.Expectation, string(act)); diff != "" {
				t.Errorf("Marshal() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSHA256Stable(t *testing.T) {
	a := map[string]string{"x": "1", "y": "2"}
	b := map[string]string{"y": "2", "x": "1"}

	ha, err := SHA256(a)
	if err != nil {
		t.Fatal(err)
	}
	hb, err := SHA256(b)
	if err != nil {
		t.Fatal(err)
	}
	if ha != hb {
		t.Errorf("hashes differ: %s != %s", ha, hb)
	}
	if len(ha) != 64 {
		t.Errorf("expected hex sha256, got %q", ha)
	}

	eq, err := Equal(a, map[string]string{"x": "1", "y": "3"})
	if err != nil {
		t.Fatal(err)
	}
	if eq {
		t.Errorf("different values must not be equal")
	}
}
