package codesign

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"sort"

	"github.com/aluedeke/go-ipack/pkg/digest"
	"go.mozilla.org/pkcs7"
	"howett.net/plist"
)

// SignatureInfo holds parsed code signature details
type SignatureInfo struct {
	SuperBlob    SuperBlobInfo
	CodeDirs     []CodeDirectoryInfo
	Requirements RequirementsInfo
	Entitlements EntitlementsInfo
	CMSSignature CMSInfo
}

// SuperBlobInfo contains SuperBlob header information
type SuperBlobInfo struct {
	Magic     uint32
	Length    uint32
	BlobCount uint32
	Blobs     []BlobIndexEntry
}

// BlobIndexEntry represents a single blob in the SuperBlob index
type BlobIndexEntry struct {
	Type   uint32
	Offset uint32
	Size   uint32
	Magic  uint32
}

// CodeDirectoryInfo contains CodeDirectory details
type CodeDirectoryInfo struct {
	Slot          uint32
	Version       uint32
	Flags         uint32
	HashType      digest.Algorithm
	HashSize      uint8
	Identifier    string
	TeamID        string
	PageSize      uint32
	CodeLimit     uint32
	ExecSegBase   uint64
	ExecSegLimit  uint64
	ExecSegFlags  uint64
	NSpecialSlots uint32
	NCodeSlots    uint32
	SpecialHashes map[int][]byte // negative slot number -> hash, all-zero slots omitted
	CodeHashes    [][]byte
	RawData       []byte
}

// RequirementsInfo contains requirements blob details
type RequirementsInfo struct {
	Size    uint32
	RawData []byte
}

// EntitlementsInfo contains entitlements details
type EntitlementsInfo struct {
	Size    uint32
	XML     string
	Parsed  map[string]interface{}
	RawData []byte
}

// CMSInfo contains CMS signature details
type CMSInfo struct {
	Size         uint32
	SignerCN     string
	SignerTeamID string
	CDHashes     [][]byte
	RawData      []byte
}

// ParseSignature parses an embedded signature super blob
func ParseSignature(sigData []byte) (*SignatureInfo, error) {
	if len(sigData) < superBlobHeaderSize {
		return nil, fmt.Errorf("signature data too short")
	}

	info := &SignatureInfo{}
	info.SuperBlob.Magic = binary.BigEndian.Uint32(sigData[0:4])
	info.SuperBlob.Length = binary.BigEndian.Uint32(sigData[4:8])
	info.SuperBlob.BlobCount = binary.BigEndian.Uint32(sigData[8:12])

	if info.SuperBlob.Magic != CSMAGIC_EMBEDDED_SIGNATURE {
		return nil, fmt.Errorf("invalid SuperBlob magic: 0x%x", info.SuperBlob.Magic)
	}
	if int(info.SuperBlob.Length) > len(sigData) {
		return nil, fmt.Errorf("SuperBlob length %d exceeds %d bytes of signature data", info.SuperBlob.Length, len(sigData))
	}
	sigData = sigData[:info.SuperBlob.Length]

	indexSize := uint64(superBlobHeaderSize) + uint64(info.SuperBlob.BlobCount)*8
	if uint64(len(sigData)) < indexSize {
		return nil, fmt.Errorf("signature data too short for blob index")
	}

	var cms []byte
	for i := uint32(0); i < info.SuperBlob.BlobCount; i++ {
		entryOffset := superBlobHeaderSize + i*8
		blobType := binary.BigEndian.Uint32(sigData[entryOffset:])
		blobOffset := binary.BigEndian.Uint32(sigData[entryOffset+4:])

		if uint64(blobOffset)+blobHeaderSize > uint64(len(sigData)) {
			return nil, fmt.Errorf("blob 0x%x at offset %d is outside the signature", blobType, blobOffset)
		}
		blobMagic := binary.BigEndian.Uint32(sigData[blobOffset:])
		blobSize := binary.BigEndian.Uint32(sigData[blobOffset+4:])
		if blobSize < blobHeaderSize || uint64(blobOffset)+uint64(blobSize) > uint64(len(sigData)) {
			return nil, fmt.Errorf("blob 0x%x of %d bytes overruns the signature", blobType, blobSize)
		}

		info.SuperBlob.Blobs = append(info.SuperBlob.Blobs, BlobIndexEntry{
			Type:   blobType,
			Offset: blobOffset,
			Size:   blobSize,
			Magic:  blobMagic,
		})
		blobData := sigData[blobOffset : blobOffset+blobSize]

		switch {
		case blobType == CSSLOT_CODEDIRECTORY ||
			blobType >= CSSLOT_ALTERNATE_CODEDIRECTORIES && blobType < CSSLOT_ALTERNATE_CODEDIRECTORIES+5:
			cd, err := parseCodeDirectory(blobData, blobType)
			if err != nil {
				return nil, fmt.Errorf("slot 0x%x: %w", blobType, err)
			}
			info.CodeDirs = append(info.CodeDirs, *cd)
		case blobType == CSSLOT_REQUIREMENTS:
			info.Requirements = RequirementsInfo{Size: blobSize, RawData: blobData}
		case blobType == CSSLOT_ENTITLEMENTS:
			info.Entitlements = parseEntitlements(blobData)
		case blobType == CSSLOT_CMS_SIGNATURE:
			cms = blobData
		}
	}

	sort.SliceStable(info.CodeDirs, func(i, j int) bool { return info.CodeDirs[i].Slot < info.CodeDirs[j].Slot })
	if cms != nil {
		info.CMSSignature = parseCMSSignature(cms)
	}
	return info, nil
}

// PrimaryCodeDirectory returns the code directory in slot 0
func (info *SignatureInfo) PrimaryCodeDirectory() *CodeDirectoryInfo {
	for i := range info.CodeDirs {
		if info.CodeDirs[i].Slot == CSSLOT_CODEDIRECTORY {
			return &info.CodeDirs[i]
		}
	}
	return nil
}

func parseCodeDirectory(data []byte, slot uint32) (*CodeDirectoryInfo, error) {
	if len(data) < 44 {
		return nil, fmt.Errorf("CodeDirectory too short")
	}
	if magic := binary.BigEndian.Uint32(data[0:4]); magic != CSMAGIC_CODEDIRECTORY {
		return nil, fmt.Errorf("invalid CodeDirectory magic: 0x%x", magic)
	}

	cd := &CodeDirectoryInfo{
		Slot:          slot,
		SpecialHashes: make(map[int][]byte),
		RawData:       data,
	}

	cd.Version = binary.BigEndian.Uint32(data[8:12])
	cd.Flags = binary.BigEndian.Uint32(data[12:16])
	hashOffset := binary.BigEndian.Uint32(data[16:20])
	identOffset := binary.BigEndian.Uint32(data[20:24])
	cd.NSpecialSlots = binary.BigEndian.Uint32(data[24:28])
	cd.NCodeSlots = binary.BigEndian.Uint32(data[28:32])
	cd.CodeLimit = binary.BigEndian.Uint32(data[32:36])
	cd.HashSize = data[36]
	cd.HashType = digest.Algorithm(data[37])
	cd.PageSize = 1 << data[39]

	if cd.HashType != digest.SHA1 && cd.HashType != digest.SHA256 {
		return nil, fmt.Errorf("unsupported hash type %d", data[37])
	}
	if int(cd.HashSize) != cd.HashType.Size() {
		return nil, fmt.Errorf("hash size %d does not match %s", cd.HashSize, cd.HashType)
	}

	cd.Identifier = cString(data, identOffset)
	if cd.Version >= 0x20200 && len(data) >= 52 {
		if teamOffset := binary.BigEndian.Uint32(data[48:52]); teamOffset > 0 {
			cd.TeamID = cString(data, teamOffset)
		}
	}
	if cd.Version >= 0x20400 && len(data) >= codeDirectoryHeaderSize {
		cd.ExecSegBase = binary.BigEndian.Uint64(data[64:72])
		cd.ExecSegLimit = binary.BigEndian.Uint64(data[72:80])
		cd.ExecSegFlags = binary.BigEndian.Uint64(data[80:88])
	}

	hashSize := uint64(cd.HashSize)
	specialStart := uint64(hashOffset) - uint64(cd.NSpecialSlots)*hashSize
	if uint64(hashOffset) < uint64(cd.NSpecialSlots)*hashSize ||
		uint64(hashOffset)+uint64(cd.NCodeSlots)*hashSize > uint64(len(data)) {
		return nil, fmt.Errorf("hash slots overrun the CodeDirectory")
	}

	for i := uint64(0); i < uint64(cd.NSpecialSlots); i++ {
		off := specialStart + i*hashSize
		hash := data[off : off+hashSize]
		if !digest.IsZeroDigest(hash) {
			cd.SpecialHashes[-int(uint64(cd.NSpecialSlots)-i)] = hash
		}
	}
	for i := uint64(0); i < uint64(cd.NCodeSlots); i++ {
		off := uint64(hashOffset) + i*hashSize
		cd.CodeHashes = append(cd.CodeHashes, data[off:off+hashSize])
	}

	return cd, nil
}

func cString(data []byte, off uint32) string {
	if off >= uint32(len(data)) {
		return ""
	}
	end := off
	for end < uint32(len(data)) && data[end] != 0 {
		end++
	}
	return string(data[off:end])
}

func parseEntitlements(data []byte) EntitlementsInfo {
	info := EntitlementsInfo{
		Size:    uint32(len(data)),
		RawData: data,
	}

	xmlData := data[blobHeaderSize:]
	info.XML = string(xmlData)
	if parsed, err := ParseEntitlementsXML(xmlData); err == nil {
		info.Parsed = parsed
	}

	return info
}

func parseCMSSignature(data []byte) CMSInfo {
	info := CMSInfo{
		Size: uint32(len(data)),
	}
	if len(data) <= blobHeaderSize {
		return info
	}
	info.RawData = data[blobHeaderSize:]

	p7, err := pkcs7.Parse(info.RawData)
	if err != nil || len(p7.Signers) == 0 {
		return info
	}

	signer := p7.Signers[0]
	for _, cert := range p7.Certificates {
		if cert.SerialNumber.Cmp(signer.IssuerAndSerialNumber.SerialNumber) == 0 {
			info.SignerCN = cert.Subject.CommonName
			info.SignerTeamID = extractTeamID(cert)
			break
		}
	}

	var cdHashesPlist []byte
	if err := p7.UnmarshalSignedAttribute(oidCDHashesPlist, &cdHashesPlist); err == nil {
		var hashes struct {
			CDHashes [][]byte `plist:"cdhashes"`
		}
		if _, err := plist.Unmarshal(cdHashesPlist, &hashes); err == nil {
			info.CDHashes = hashes.CDHashes
		}
	}

	return info
}

// PrintSignatureInfo prints signature information to a writer
func PrintSignatureInfo(info *SignatureInfo, w io.Writer) {
	if cd := info.PrimaryCodeDirectory(); cd != nil {
		fmt.Fprintf(w, "Identifier: %s\n", cd.Identifier)
		if cd.TeamID != "" {
			fmt.Fprintf(w, "Team ID:    %s\n", cd.TeamID)
		}
	}

	fmt.Fprintf(w, "\nCode Signature:\n")
	fmt.Fprintf(w, "  SuperBlob: %d blobs, %d bytes\n", info.SuperBlob.BlobCount, info.SuperBlob.Length)

	for i, blob := range info.SuperBlob.Blobs {
		isLast := i == len(info.SuperBlob.Blobs)-1
		prefix, childPrefix := "├─", "│   "
		if isLast {
			prefix, childPrefix = "└─", "    "
		}

		fmt.Fprintf(w, "  %s %s: slot 0x%x, %d bytes\n", prefix, getBlobTypeName(blob.Type), blob.Type, blob.Size)

		for _, cd := range info.CodeDirs {
			if cd.Slot == blob.Type {
				printCodeDirectoryDetails(w, &cd, childPrefix)
			}
		}

		if blob.Type == CSSLOT_ENTITLEMENTS {
			keys := make([]string, 0, len(info.Entitlements.Parsed))
			for key := range info.Entitlements.Parsed {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			for _, key := range keys {
				fmt.Fprintf(w, "  %s  %s: %v\n", childPrefix, key, info.Entitlements.Parsed[key])
			}
		}

		if blob.Type == CSSLOT_CMS_SIGNATURE {
			if info.CMSSignature.SignerCN != "" {
				fmt.Fprintf(w, "  %sSigner: %s\n", childPrefix, info.CMSSignature.SignerCN)
			}
			if info.CMSSignature.SignerTeamID != "" {
				fmt.Fprintf(w, "  %sTeam ID: %s\n", childPrefix, info.CMSSignature.SignerTeamID)
			}
			for _, h := range info.CMSSignature.CDHashes {
				fmt.Fprintf(w, "  %sCDHash: %s\n", childPrefix, hex.EncodeToString(h))
			}
		}
	}
}

func printCodeDirectoryDetails(w io.Writer, cd *CodeDirectoryInfo, prefix string) {
	fmt.Fprintf(w, "  %sVersion: 0x%x\n", prefix, cd.Version)
	fmt.Fprintf(w, "  %sHash Type: %s (%d bytes)\n", prefix, cd.HashType, cd.HashSize)
	fmt.Fprintf(w, "  %sPage Size: %d\n", prefix, cd.PageSize)
	fmt.Fprintf(w, "  %sCode Limit: %d\n", prefix, cd.CodeLimit)
	if cd.Version >= 0x20400 {
		fmt.Fprintf(w, "  %sExec Seg: base=0x%x, limit=0x%x, flags=0x%x\n",
			prefix, cd.ExecSegBase, cd.ExecSegLimit, cd.ExecSegFlags)
	}

	fmt.Fprintf(w, "  %sSpecial Slots: %d\n", prefix, cd.NSpecialSlots)
	for slot := -int(cd.NSpecialSlots); slot <= -1; slot++ {
		hash, exists := cd.SpecialHashes[slot]
		if !exists {
			continue
		}
		name := specialSlotName(slot)
		hashStr := hex.EncodeToString(hash)
		if len(hashStr) > 24 {
			hashStr = hashStr[:24] + "..."
		}
		fmt.Fprintf(w, "  %s  %d (%s): %s\n", prefix, slot, name, hashStr)
	}

	fmt.Fprintf(w, "  %sCode Slots: %d\n", prefix, cd.NCodeSlots)
}

func getBlobTypeName(blobType uint32) string {
	switch blobType {
	case CSSLOT_CODEDIRECTORY:
		return "CodeDirectory"
	case CSSLOT_REQUIREMENTS:
		return "Requirements"
	case CSSLOT_ENTITLEMENTS:
		return "Entitlements"
	case CSSLOT_CMS_SIGNATURE:
		return "CMS Signature"
	case CSSLOT_ALTERNATE_CODEDIRECTORIES:
		return "CodeDirectory (alternate)"
	default:
		if blobType > CSSLOT_ALTERNATE_CODEDIRECTORIES && blobType < CSSLOT_CMS_SIGNATURE {
			return fmt.Sprintf("CodeDirectory (alt 0x%x)", blobType)
		}
		return fmt.Sprintf("Unknown (0x%x)", blobType)
	}
}
