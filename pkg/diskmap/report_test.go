package diskmap

import (
	"reflect"
	"testing"
)

func TestParseReport(t *testing.T) {
	tests := []struct {
		name   string
		report string
		want   []string
	}{
		{
			name:   "single partition",
			report: "loop2p1 : 0 10483712 /dev/loop2 2048\n",
			want:   []string{"loop2p1"},
		},
		{
			name: "good rows among malformed ones",
			report: "loop3p1 : 0 1024 /dev/loop3 2048\n" +
				"loop deleted : /dev/loop3\n" +
				"\n" +
				"loop3p2 : 0 abc /dev/loop3 4096\n" +
				"loop3p2 0 2048 /dev/loop3 4096 extra\n" +
				"loop3p3 : 0 2048 /dev/loop3 4096\n",
			want: []string{"loop3p1", "loop3p3"},
		},
		{
			name:   "repeated name keeps position",
			report: "loop4p1 : 0 10 /dev/loop4 1\nloop4p2 : 0 20 /dev/loop4 2\nloop4p1 : 0 30 /dev/loop4 3\n",
			want:   []string{"loop4p1", "loop4p2"},
		},
		{
			name:   "empty report",
			report: "",
			want:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mappings := ParseReport(tt.report)
			var names []string
			for _, m := range mappings {
				names = append(names, m.Name)
			}
			if !reflect.DeepEqual(names, tt.want) {
				t.Errorf("names = %v, want %v", names, tt.want)
			}
		})
	}
}

func TestParseReportFields(t *testing.T) {
	mappings := ParseReport("loop2p1 : 0 10483712 /dev/loop2 2048")
	if len(mappings) != 1 {
		t.Fatalf("got %d mappings, want 1", len(mappings))
	}

	want := Mapping{
		Name:       "loop2p1",
		Path:       "/dev/mapper/loop2p1",
		Parent:     "/dev/loop2",
		Start:      0,
		SizeBlocks: 10483712,
		StartBlock: 2048,
	}
	if mappings[0] != want {
		t.Errorf("mapping = %+v, want %+v", mappings[0], want)
	}
}

func TestParseReportDuplicateReplaces(t *testing.T) {
	mappings := ParseReport("loop4p1 : 0 10 /dev/loop4 1\nloop4p1 : 0 30 /dev/loop4 3\n")
	if len(mappings) != 1 {
		t.Fatalf("got %d mappings, want 1", len(mappings))
	}
	if mappings[0].SizeBlocks != 30 {
		t.Errorf("SizeBlocks = %d, want the later row", mappings[0].SizeBlocks)
	}
}

func TestMountLayout(t *testing.T) {
	one := []Mapping{{Name: "loop0p1"}}
	if got := MountLayout("/mnt/img", one); !reflect.DeepEqual(got, []string{"/mnt/img"}) {
		t.Errorf("single partition layout = %v", got)
	}

	three := []Mapping{{Name: "loop0p1"}, {Name: "loop0p2"}, {Name: "loop0p3"}}
	want := []string{"/mnt/img/loop0p1", "/mnt/img/loop0p2", "/mnt/img/loop0p3"}
	if got := MountLayout("/mnt/img", three); !reflect.DeepEqual(got, want) {
		t.Errorf("multi partition layout = %v, want %v", got, want)
	}
}
