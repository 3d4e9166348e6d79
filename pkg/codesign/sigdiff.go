package codesign

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
)

// fprint is a helper that ignores fmt.Fprintf errors (for CLI output)
func fprint(w io.Writer, format string, a ...interface{}) {
	_, _ = fmt.Fprintf(w, format, a...)
}

// fprintln is a helper that ignores fmt.Fprintln errors (for CLI output)
func fprintln(w io.Writer) {
	_, _ = fmt.Fprintln(w)
}

var specialSlotNames = map[int]string{
	-1: "Info.plist",
	-2: "Requirements",
	-3: "CodeResources",
	-4: "Application",
	-5: "Entitlements",
	-6: "RepSpecific",
	-7: "EntitlementsDER",
}

func specialSlotName(slot int) string {
	if name, ok := specialSlotNames[slot]; ok {
		return name
	}
	return fmt.Sprintf("Slot %d", slot)
}

// SignatureDiff represents the differences between the embedded signatures
// of two executables
type SignatureDiff struct {
	Path1            string
	Path2            string
	SuperBlobDiff    FieldDiff
	CodeDirDiffs     []CodeDirDiff
	RequirementsDiff FieldDiff
	EntitlementsDiff EntitlementsDiff
	CMSDiff          FieldDiff
}

// FieldDiff represents a simple field comparison
type FieldDiff struct {
	Name    string
	Same    bool
	Value1  string
	Value2  string
	Details string
}

// CodeDirDiff represents CodeDirectory differences
type CodeDirDiff struct {
	Slot             uint32
	HashType         string
	Presence         FieldDiff
	VersionDiff      FieldDiff
	FlagsDiff        FieldDiff
	IdentifierDiff   FieldDiff
	TeamIDDiff       FieldDiff
	PageSizeDiff     FieldDiff
	CodeLimitDiff    FieldDiff
	ExecSegDiff      FieldDiff
	SpecialSlotDiffs []FieldDiff
	CodeHashesSame   bool
	CodeHashesCount1 int
	CodeHashesCount2 int
}

// Same reports whether nothing in the directory differs
func (d *CodeDirDiff) Same() bool {
	if !d.Presence.Same {
		return false
	}
	same := d.VersionDiff.Same && d.FlagsDiff.Same &&
		d.IdentifierDiff.Same && d.TeamIDDiff.Same &&
		d.PageSizeDiff.Same && d.CodeLimitDiff.Same &&
		d.ExecSegDiff.Same && d.CodeHashesSame
	for _, slotDiff := range d.SpecialSlotDiffs {
		same = same && slotDiff.Same
	}
	return same
}

// EntitlementsDiff represents entitlements differences
type EntitlementsDiff struct {
	Same    bool
	Added   map[string]interface{}    // In 2 but not in 1
	Removed map[string]interface{}    // In 1 but not in 2
	Changed map[string][2]interface{} // Different values
}

// Same reports whether the signatures agree on everything but the CMS
// blob, which differs between any two signing runs.
func (d *SignatureDiff) Same() bool {
	if !d.SuperBlobDiff.Same || !d.RequirementsDiff.Same || !d.EntitlementsDiff.Same {
		return false
	}
	for i := range d.CodeDirDiffs {
		if !d.CodeDirDiffs[i].Same() {
			return false
		}
	}
	return true
}

// CompareBinaries compares the embedded signatures of two executables
func CompareBinaries(path1, path2 string) (*SignatureDiff, error) {
	info1, err := ReadSignatureFile(path1)
	if err != nil {
		return nil, fmt.Errorf("failed to get signature info for %s: %w", path1, err)
	}
	info2, err := ReadSignatureFile(path2)
	if err != nil {
		return nil, fmt.Errorf("failed to get signature info for %s: %w", path2, err)
	}

	diff := CompareSignatures(info1, info2)
	diff.Path1 = path1
	diff.Path2 = path2
	return diff, nil
}

// CompareSignatures compares two SignatureInfo structures
func CompareSignatures(info1, info2 *SignatureInfo) *SignatureDiff {
	diff := &SignatureDiff{}

	// Compare SuperBlob
	diff.SuperBlobDiff = compareField("SuperBlob",
		fmt.Sprintf("%d blobs, %d bytes", info1.SuperBlob.BlobCount, info1.SuperBlob.Length),
		fmt.Sprintf("%d blobs, %d bytes", info2.SuperBlob.BlobCount, info2.SuperBlob.Length),
	)
	// Lengths differ with the CMS size alone, so only the slot layout counts
	diff.SuperBlobDiff.Same = sameSlots(info1, info2)

	// Compare CodeDirectories
	cdMap1 := make(map[uint32]*CodeDirectoryInfo)
	cdMap2 := make(map[uint32]*CodeDirectoryInfo)
	for i := range info1.CodeDirs {
		cdMap1[info1.CodeDirs[i].Slot] = &info1.CodeDirs[i]
	}
	for i := range info2.CodeDirs {
		cdMap2[info2.CodeDirs[i].Slot] = &info2.CodeDirs[i]
	}

	slots := make([]uint32, 0, len(cdMap1)+len(cdMap2))
	for slot := range cdMap1 {
		slots = append(slots, slot)
	}
	for slot := range cdMap2 {
		if _, ok := cdMap1[slot]; !ok {
			slots = append(slots, slot)
		}
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })

	for _, slot := range slots {
		cd1, ok1 := cdMap1[slot]
		cd2, ok2 := cdMap2[slot]

		switch {
		case ok1 && ok2:
			diff.CodeDirDiffs = append(diff.CodeDirDiffs, compareCodeDirectories(cd1, cd2))
		case ok1:
			diff.CodeDirDiffs = append(diff.CodeDirDiffs, CodeDirDiff{
				Slot:     slot,
				HashType: cd1.HashType.String(),
				Presence: FieldDiff{Name: "Presence", Value1: "present", Value2: "missing"},
			})
		default:
			diff.CodeDirDiffs = append(diff.CodeDirDiffs, CodeDirDiff{
				Slot:     slot,
				HashType: cd2.HashType.String(),
				Presence: FieldDiff{Name: "Presence", Value1: "missing", Value2: "present"},
			})
		}
	}

	// Compare Requirements
	diff.RequirementsDiff = compareField("Requirements",
		fmt.Sprintf("%d bytes", info1.Requirements.Size),
		fmt.Sprintf("%d bytes", info2.Requirements.Size),
	)
	if info1.Requirements.Size > 0 && info2.Requirements.Size > 0 {
		diff.RequirementsDiff.Same = bytes.Equal(info1.Requirements.RawData, info2.Requirements.RawData)
		if diff.RequirementsDiff.Same {
			diff.RequirementsDiff.Details = "identical"
		}
	}

	// Compare Entitlements
	diff.EntitlementsDiff = compareEntitlements(info1.Entitlements.Parsed, info2.Entitlements.Parsed)

	// Compare CMS
	diff.CMSDiff = compareField("CMS Signature",
		fmt.Sprintf("%d bytes, signer %q", info1.CMSSignature.Size, info1.CMSSignature.SignerCN),
		fmt.Sprintf("%d bytes, signer %q", info2.CMSSignature.Size, info2.CMSSignature.SignerCN),
	)

	return diff
}

func sameSlots(info1, info2 *SignatureInfo) bool {
	if len(info1.SuperBlob.Blobs) != len(info2.SuperBlob.Blobs) {
		return false
	}
	for i := range info1.SuperBlob.Blobs {
		if info1.SuperBlob.Blobs[i].Type != info2.SuperBlob.Blobs[i].Type {
			return false
		}
	}
	return true
}

// compareField creates a FieldDiff for simple value comparison
func compareField(name, val1, val2 string) FieldDiff {
	return FieldDiff{
		Name:   name,
		Same:   val1 == val2,
		Value1: val1,
		Value2: val2,
	}
}

// compareCodeDirectories compares two CodeDirectory structures
func compareCodeDirectories(cd1, cd2 *CodeDirectoryInfo) CodeDirDiff {
	diff := CodeDirDiff{
		Slot:     cd1.Slot,
		HashType: cd1.HashType.String(),
		Presence: FieldDiff{Name: "Presence", Same: true, Value1: "present", Value2: "present"},
	}

	diff.VersionDiff = compareField("Version",
		fmt.Sprintf("0x%x", cd1.Version),
		fmt.Sprintf("0x%x", cd2.Version),
	)

	diff.FlagsDiff = compareField("Flags",
		fmt.Sprintf("0x%x", cd1.Flags),
		fmt.Sprintf("0x%x", cd2.Flags),
	)

	diff.IdentifierDiff = compareField("Identifier", cd1.Identifier, cd2.Identifier)
	diff.TeamIDDiff = compareField("Team ID", cd1.TeamID, cd2.TeamID)

	diff.PageSizeDiff = compareField("Page Size",
		fmt.Sprintf("%d", cd1.PageSize),
		fmt.Sprintf("%d", cd2.PageSize),
	)

	diff.CodeLimitDiff = compareField("Code Limit",
		fmt.Sprintf("%d", cd1.CodeLimit),
		fmt.Sprintf("%d", cd2.CodeLimit),
	)

	diff.ExecSegDiff = compareField("Exec Segment",
		fmt.Sprintf("base=0x%x limit=0x%x flags=0x%x", cd1.ExecSegBase, cd1.ExecSegLimit, cd1.ExecSegFlags),
		fmt.Sprintf("base=0x%x limit=0x%x flags=0x%x", cd2.ExecSegBase, cd2.ExecSegLimit, cd2.ExecSegFlags),
	)

	// Compare special slots
	allSlots := make(map[int]bool)
	for slot := range cd1.SpecialHashes {
		allSlots[slot] = true
	}
	for slot := range cd2.SpecialHashes {
		allSlots[slot] = true
	}

	slots := make([]int, 0, len(allSlots))
	for slot := range allSlots {
		slots = append(slots, slot)
	}
	sort.Ints(slots)

	for _, slot := range slots {
		hash1, ok1 := cd1.SpecialHashes[slot]
		hash2, ok2 := cd2.SpecialHashes[slot]

		val1, val2 := "<empty>", "<empty>"
		if ok1 {
			val1 = hex.EncodeToString(hash1)
		}
		if ok2 {
			val2 = hex.EncodeToString(hash2)
		}

		diff.SpecialSlotDiffs = append(diff.SpecialSlotDiffs, FieldDiff{
			Name:   fmt.Sprintf("%d (%s)", slot, specialSlotName(slot)),
			Same:   bytes.Equal(hash1, hash2),
			Value1: val1,
			Value2: val2,
		})
	}

	// Compare code hashes
	diff.CodeHashesCount1 = len(cd1.CodeHashes)
	diff.CodeHashesCount2 = len(cd2.CodeHashes)
	diff.CodeHashesSame = len(cd1.CodeHashes) == len(cd2.CodeHashes)

	if diff.CodeHashesSame {
		for i := range cd1.CodeHashes {
			if !bytes.Equal(cd1.CodeHashes[i], cd2.CodeHashes[i]) {
				diff.CodeHashesSame = false
				break
			}
		}
	}

	return diff
}

// compareEntitlements compares two entitlements maps
func compareEntitlements(ent1, ent2 map[string]interface{}) EntitlementsDiff {
	diff := EntitlementsDiff{
		Same:    true,
		Added:   make(map[string]interface{}),
		Removed: make(map[string]interface{}),
		Changed: make(map[string][2]interface{}),
	}

	// Check for removed and changed
	for key, val1 := range ent1 {
		if val2, ok := ent2[key]; ok {
			if !entitlementValuesEqual(val1, val2) {
				diff.Changed[key] = [2]interface{}{val1, val2}
				diff.Same = false
			}
		} else {
			diff.Removed[key] = val1
			diff.Same = false
		}
	}

	// Check for added
	for key, val2 := range ent2 {
		if _, ok := ent1[key]; !ok {
			diff.Added[key] = val2
			diff.Same = false
		}
	}

	return diff
}

// entitlementValuesEqual compares two entitlement values
func entitlementValuesEqual(v1, v2 interface{}) bool {
	return fmt.Sprintf("%v", v1) == fmt.Sprintf("%v", v2)
}

// PrintSignatureDiff prints a signature diff to a writer
func PrintSignatureDiff(diff *SignatureDiff, w io.Writer) {
	fprint(w, "Comparing:\n")
	fprint(w, "  Binary 1: %s\n", diff.Path1)
	fprint(w, "  Binary 2: %s\n", diff.Path2)
	fprintln(w)

	printFieldDiff(w, "SuperBlob", diff.SuperBlobDiff)
	for i := range diff.CodeDirDiffs {
		printCodeDirDiff(w, &diff.CodeDirDiffs[i])
	}
	printFieldDiff(w, "Requirements", diff.RequirementsDiff)
	printEntitlementsDiff(w, &diff.EntitlementsDiff)
	printFieldDiff(w, "CMS Signature", diff.CMSDiff)
}

// printFieldDiff prints a field diff
func printFieldDiff(w io.Writer, name string, diff FieldDiff) {
	if diff.Same {
		fprint(w, "  %-16s SAME (%s)\n", name+":", diff.Value1)
		return
	}
	fprint(w, "  %-16s DIFFER\n", name+":")
	fprint(w, "    - Binary 1: %s\n", diff.Value1)
	fprint(w, "    + Binary 2: %s\n", diff.Value2)
}

// printCodeDirDiff prints a CodeDirectory diff
func printCodeDirDiff(w io.Writer, diff *CodeDirDiff) {
	slotName := fmt.Sprintf("CodeDirectory (%s)", diff.HashType)

	if !diff.Presence.Same {
		fprint(w, "  %-16s %s in binary 1, %s in binary 2\n", slotName+":", diff.Presence.Value1, diff.Presence.Value2)
		return
	}
	if diff.Same() {
		fprint(w, "  %-16s SAME\n", slotName+":")
		return
	}

	fprint(w, "  %-16s\n", slotName+":")

	for _, field := range []FieldDiff{
		diff.VersionDiff, diff.FlagsDiff, diff.IdentifierDiff, diff.TeamIDDiff,
		diff.PageSizeDiff, diff.CodeLimitDiff, diff.ExecSegDiff,
	} {
		if !field.Same {
			fprint(w, "    %-13s DIFFER (%s vs %s)\n", field.Name+":", field.Value1, field.Value2)
		}
	}

	// Special slots
	hasDifferentSlots := false
	for _, slotDiff := range diff.SpecialSlotDiffs {
		if !slotDiff.Same {
			hasDifferentSlots = true
			break
		}
	}

	if hasDifferentSlots {
		fprint(w, "    Special Slots:\n")
		for _, slotDiff := range diff.SpecialSlotDiffs {
			if slotDiff.Same {
				fprint(w, "      %s: SAME\n", slotDiff.Name)
				continue
			}
			fprint(w, "      %s: DIFFER\n", slotDiff.Name)
			fprint(w, "        - Binary 1: %s\n", truncateHex(slotDiff.Value1))
			fprint(w, "        + Binary 2: %s\n", truncateHex(slotDiff.Value2))
		}
	} else {
		fprint(w, "    Special Slots: SAME\n")
	}

	// Code hashes
	if diff.CodeHashesSame {
		fprint(w, "    Code Hashes:  SAME (%d pages)\n", diff.CodeHashesCount1)
	} else {
		fprint(w, "    Code Hashes:  DIFFER (%d vs %d pages)\n", diff.CodeHashesCount1, diff.CodeHashesCount2)
	}
}

func truncateHex(v string) string {
	if len(v) > 40 {
		return v[:40] + "..."
	}
	return v
}

// printEntitlementsDiff prints entitlements diff
func printEntitlementsDiff(w io.Writer, diff *EntitlementsDiff) {
	if diff.Same {
		fprint(w, "  %-16s SAME\n", "Entitlements:")
		return
	}

	fprint(w, "  %-16s DIFFER\n", "Entitlements:")

	for _, key := range sortedKeys(diff.Removed) {
		fprint(w, "    - %s: %v\n", key, diff.Removed[key])
	}
	for _, key := range sortedKeys(diff.Added) {
		fprint(w, "    + %s: %v\n", key, diff.Added[key])
	}
	changed := make([]string, 0, len(diff.Changed))
	for key := range diff.Changed {
		changed = append(changed, key)
	}
	sort.Strings(changed)
	for _, key := range changed {
		vals := diff.Changed[key]
		fprint(w, "    ~ %s:\n", key)
		fprint(w, "      - Binary 1: %v\n", vals[0])
		fprint(w, "      + Binary 2: %v\n", vals[1])
	}
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
