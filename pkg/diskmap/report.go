package diskmap

import (
	"bufio"
	"path/filepath"
	"strconv"
	"strings"
)

// MapperDir is where the attachment tool creates partition device nodes.
const MapperDir = "/dev/mapper"

// Mapping is one partition of a disk image exposed as a host block device.
type Mapping struct {
	Name       string // loop partition identifier, e.g. loop2p1
	Path       string // block device node, e.g. /dev/mapper/loop2p1
	Parent     string // parent loop device, e.g. /dev/loop2
	Start      uint64
	SizeBlocks uint64
	StartBlock uint64
}

// ParseReport reads the tabular report of `kpartx -l`. Each well formed row
// looks like
//
//	loop2p1 : 0 10483712 /dev/loop2 2048
//
// Rows that do not have exactly six fields or carry non numeric sizes are
// skipped. Mappings are returned in report order; a repeated name replaces
// the earlier row in place.
func ParseReport(report string) []Mapping {
	var mappings []Mapping
	index := map[string]int{}

	scanner := bufio.NewScanner(strings.NewReader(report))
	for scanner.Scan() {
		m, ok := parseRow(scanner.Text())
		if !ok {
			continue
		}
		if i, seen := index[m.Name]; seen {
			mappings[i] = m
			continue
		}
		index[m.Name] = len(mappings)
		mappings = append(mappings, m)
	}

	return mappings
}

func parseRow(line string) (Mapping, bool) {
	fields := strings.Fields(line)
	if len(fields) != 6 || fields[1] != ":" {
		return Mapping{}, false
	}

	start, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return Mapping{}, false
	}
	size, err := strconv.ParseUint(fields[3], 10, 64)
	if err != nil {
		return Mapping{}, false
	}
	startBlock, err := strconv.ParseUint(fields[5], 10, 64)
	if err != nil {
		return Mapping{}, false
	}

	return Mapping{
		Name:       fields[0],
		Path:       filepath.Join(MapperDir, fields[0]),
		Parent:     fields[4],
		Start:      start,
		SizeBlocks: size,
		StartBlock: startBlock,
	}, true
}

// MountLayout returns the mount point of every mapping. A single partition is
// mounted at root itself, several partitions each get root/<name>.
func MountLayout(root string, mappings []Mapping) []string {
	if len(mappings) == 1 {
		return []string{root}
	}

	points := make([]string, 0, len(mappings))
	for _, m := range mappings {
		points = append(points, filepath.Join(root, m.Name))
	}
	return points
}
