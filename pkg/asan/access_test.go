package asan

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/EgoIncarnate/syzygy/pkg/blockgraph"
)

func TestProbeNameMangling(t *testing.T) {
	cases := []struct {
		info   MemoryAccessInfo
		format blockgraph.ImageFormat
		want   string
	}{
		{
			MemoryAccessInfo{Mode: ReadAccess, Size: 4, SaveFlags: true},
			blockgraph.FormatPE,
			"asan_check_4_byte_read_access",
		},
		{
			MemoryAccessInfo{Mode: ReadAccess, Size: 4, SaveFlags: false},
			blockgraph.FormatPE,
			"asan_check_4_byte_read_access_no_flags",
		},
		{
			MemoryAccessInfo{Mode: WriteAccess, Size: 8, SaveFlags: true},
			blockgraph.FormatPE,
			"asan_check_8_byte_write_access",
		},
		{
			MemoryAccessInfo{Mode: ReadAccess, Size: 4, SaveFlags: false},
			blockgraph.FormatCOFF,
			"_asan_check_4_byte_read_access_no_flags",
		},
		{
			MemoryAccessInfo{Mode: RepzAccess, Size: 4, Opcode: MovsOp, SaveFlags: true},
			blockgraph.FormatPE,
			"asan_check_repz_4_byte_movs_access",
		},
		{
			MemoryAccessInfo{Mode: RepnzAccess, Size: 2, Opcode: CmpsOp, SaveFlags: true},
			blockgraph.FormatPE,
			"asan_check_repnz_2_byte_cmps_access",
		},
		{
			MemoryAccessInfo{Mode: InstrAccess, Size: 1, Opcode: StosOp, SaveFlags: true},
			blockgraph.FormatPE,
			"asan_check_1_byte_stos_access",
		},
		{
			MemoryAccessInfo{Mode: ReadAccess, Size: 10, SaveFlags: true},
			blockgraph.FormatPE,
			"asan_check_10_byte_read_access",
		},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, tc.info.ProbeName(tc.format))
	}
}

func TestProbeNamesRoundTripUniquely(t *testing.T) {
	// The mangling must be injective over the enumerated variants, or two
	// table entries would collapse onto one import.
	for _, format := range []blockgraph.ImageFormat{blockgraph.FormatPE, blockgraph.FormatCOFF} {
		seen := make(map[string]MemoryAccessInfo)
		for _, info := range EnumerateProbes(true) {
			name := info.ProbeName(format)
			prev, dup := seen[name]
			require.False(t, dup, "%v and %v both mangle to %s", prev, info, name)
			seen[name] = info
		}
	}
}

func TestMemoryAccessInfoOrder(t *testing.T) {
	infos := []MemoryAccessInfo{
		{Mode: WriteAccess, Size: 1, SaveFlags: true},
		{Mode: ReadAccess, Size: 4, SaveFlags: true},
		{Mode: ReadAccess, Size: 4, SaveFlags: false},
		{Mode: ReadAccess, Size: 2, SaveFlags: true},
		{Mode: RepzAccess, Size: 1, Opcode: StosOp, SaveFlags: true},
		{Mode: RepzAccess, Size: 1, Opcode: CmpsOp, SaveFlags: true},
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Less(infos[j]) })
	want := []MemoryAccessInfo{
		{Mode: ReadAccess, Size: 2, SaveFlags: true},
		{Mode: ReadAccess, Size: 4, SaveFlags: false},
		{Mode: ReadAccess, Size: 4, SaveFlags: true},
		{Mode: WriteAccess, Size: 1, SaveFlags: true},
		{Mode: RepzAccess, Size: 1, Opcode: CmpsOp, SaveFlags: true},
		{Mode: RepzAccess, Size: 1, Opcode: StosOp, SaveFlags: true},
	}
	require.Equal(t, want, infos)
}

func TestEnumerateProbes(t *testing.T) {
	// 7 sizes (1..32 plus the 10-byte FPU width) x read/write, plus
	// 3 string sizes x 4 ops x repz/instr.
	require.Len(t, EnumerateProbes(false), 7*2+3*4*2)
	// Liveness doubles the read/write variants only.
	require.Len(t, EnumerateProbes(true), 7*2*2+3*4*2)

	infos := EnumerateProbes(true)
	require.True(t, sort.SliceIsSorted(infos, func(i, j int) bool { return infos[i].Less(infos[j]) }))
	for _, info := range infos {
		switch info.Mode {
		case RepzAccess, InstrAccess:
			require.NotEqual(t, NoStringOp, info.Opcode)
			require.True(t, info.SaveFlags)
		case RepnzAccess:
			t.Fatalf("repnz variants are not enumerated: %+v", info)
		default:
			require.Equal(t, NoStringOp, info.Opcode)
		}
	}
}
