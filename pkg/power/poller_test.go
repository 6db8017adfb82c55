package power

import (
	"testing"

	"github.com/sirupsen/logrus"
)

type fakeProber struct {
	present bool
	sources []Source
	idx     int
}

func (f *fakeProber) BatteryPresent() (bool, error) { return f.present, nil }
func (f *fakeProber) Dump(logrus.FieldLogger)       {}
func (f *fakeProber) Source() (Source, error) {
	if f.idx >= len(f.sources) {
		return f.sources[len(f.sources)-1], nil
	}
	s := f.sources[f.idx]
	f.idx++
	return s, nil
}

func TestPollerForwardsOnlyChanges(t *testing.T) {
	fp := &fakeProber{present: true, sources: []Source{Wall, Wall, Unknown, Battery, Battery, Wall}}
	var got []Source
	p := &Poller{Prober: fp, OnChange: func(s Source) { got = append(got, s) }}

	p.last = p.read()
	for i := 0; i < 5; i++ {
		p.poll()
	}

	want := []Source{Battery, Wall}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestParseSource(t *testing.T) {
	tests := []struct {
		in      string
		want    Source
		wantErr bool
	}{
		{in: "wall", want: Wall},
		{in: "AC", want: Wall},
		{in: " battery ", want: Battery},
		{in: "offline", want: Battery},
		{in: "", want: Unknown},
		{in: "solar", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSource(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSource(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseSource(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
