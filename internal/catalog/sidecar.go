package catalog

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/kelsjon3/stablequeue/internal/models"
)

// sidecarMeta is the metadata read for one model file, before merging into a
// catalog entry.
type sidecarMeta struct {
	ModelID      int64
	VersionID    int64
	Name         string
	BaseModel    string
	TrainedWords []string
	HashAutoV2   string
	HashSHA256   string
	Description  string

	Source models.MetadataSource
	Status models.MetadataStatus
}

// sidecarFile mirrors the recognized sidecar schema. Hash fields appear under
// two historical spellings; both are accepted.
type sidecarFile struct {
	ModelID      flexInt64 `json:"modelId"`
	VersionID    flexInt64 `json:"modelVersionId"`
	Name         string    `json:"name"`
	BaseModel    string    `json:"baseModel"`
	TrainedWords []string  `json:"trainedWords"`
	Description  string    `json:"description"`

	HashAutoV2 string `json:"hash_autov2"`
	AutoV2     string `json:"AutoV2"`
	HashSHA256 string `json:"hash_sha256"`
	SHA256     string `json:"SHA256"`

	Files []struct {
		Hashes struct {
			AutoV2 string `json:"AutoV2"`
			SHA256 string `json:"SHA256"`
		} `json:"hashes"`
	} `json:"files"`
}

// flexInt64 accepts both JSON numbers and numeric strings, which both appear
// in sidecars written by different tools.
type flexInt64 int64

func (f *flexInt64) UnmarshalJSON(data []byte) error {
	trimmed := strings.Trim(string(data), `"`)
	if trimmed == "" || trimmed == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		*f = 0
		return nil
	}
	*f = flexInt64(n)
	return nil
}

// readMetadata resolves metadata for modelPath, trying the primary sidecar,
// the secondary sidecar, then the embedded safetensors header.
func readMetadata(modelPath string) sidecarMeta {
	base := strings.TrimSuffix(modelPath, ext(modelPath))

	if meta, ok := readSidecar(base+".json", models.SourceSidecarPrimary, true); ok {
		return meta
	}
	if meta, ok := readSidecar(base+".civitai.json", models.SourceSidecarSecondary, false); ok {
		return meta
	}
	if strings.EqualFold(ext(modelPath), ".safetensors") {
		if meta, ok := readEmbedded(modelPath); ok {
			return meta
		}
	}
	return sidecarMeta{Source: models.SourceNone, Status: models.MetadataNone}
}

func ext(path string) string {
	idx := strings.LastIndexByte(path, '.')
	if idx < 0 {
		return ""
	}
	return path[idx:]
}

// readSidecar parses one sidecar file. strict controls whether hash length
// violations reject the sidecar or just drop the offending hash.
func readSidecar(path string, source models.MetadataSource, strict bool) (sidecarMeta, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return sidecarMeta{}, false
	}

	var file sidecarFile
	if err := json.Unmarshal(data, &file); err != nil {
		return sidecarMeta{Source: source, Status: models.MetadataError}, true
	}

	meta := sidecarMeta{
		ModelID:      int64(file.ModelID),
		VersionID:    int64(file.VersionID),
		Name:         file.Name,
		BaseModel:    file.BaseModel,
		TrainedWords: file.TrainedWords,
		Description:  file.Description,
		HashAutoV2:   strings.ToLower(firstNonEmpty(file.HashAutoV2, file.AutoV2)),
		HashSHA256:   strings.ToLower(firstNonEmpty(file.HashSHA256, file.SHA256)),
		Source:       source,
	}
	if meta.HashAutoV2 == "" && meta.HashSHA256 == "" && len(file.Files) > 0 {
		meta.HashAutoV2 = strings.ToLower(file.Files[0].Hashes.AutoV2)
		meta.HashSHA256 = strings.ToLower(file.Files[0].Hashes.SHA256)
	}

	if err := validateHashes(meta.HashAutoV2, meta.HashSHA256); err != nil {
		if strict {
			return sidecarMeta{Source: source, Status: models.MetadataError}, true
		}
		meta.HashAutoV2 = ""
		meta.HashSHA256 = ""
	}

	meta.Status = gradeMetadata(meta)
	return meta, true
}

// gradeMetadata assigns a completeness grade from which identifying fields
// made it through.
func gradeMetadata(meta sidecarMeta) models.MetadataStatus {
	hasID := meta.VersionID != 0
	hasHash := meta.HashAutoV2 != "" || meta.HashSHA256 != ""
	hasDisplay := meta.Name != "" && meta.BaseModel != ""

	switch {
	case hasID && hasHash && hasDisplay:
		return models.MetadataComplete
	case hasID || hasHash:
		return models.MetadataPartial
	case hasDisplay || meta.Name != "":
		return models.MetadataIncomplete
	default:
		return models.MetadataNone
	}
}

// safetensors layout: 8-byte little-endian header length, then a JSON object
// whose optional __metadata__ member maps string keys to string values.
const maxHeaderSize = 16 << 20

func readEmbedded(modelPath string) (sidecarMeta, bool) {
	f, err := os.Open(modelPath)
	if err != nil {
		return sidecarMeta{}, false
	}
	defer f.Close()

	var lenBuf [8]byte
	if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
		return sidecarMeta{}, false
	}
	headerLen := binary.LittleEndian.Uint64(lenBuf[:])
	if headerLen == 0 || headerLen > maxHeaderSize {
		return sidecarMeta{}, false
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		return sidecarMeta{}, false
	}

	var header struct {
		Metadata map[string]string `json:"__metadata__"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil || len(header.Metadata) == 0 {
		return sidecarMeta{}, false
	}

	meta := sidecarMeta{
		Name:      firstNonEmpty(header.Metadata["modelspec.title"], header.Metadata["ss_output_name"]),
		BaseModel: firstNonEmpty(header.Metadata["modelspec.architecture"], header.Metadata["ss_base_model_version"]),
		Source:    models.SourceEmbedded,
	}
	if words := header.Metadata["ss_tag_frequency"]; words != "" {
		meta.TrainedWords = tagFrequencyWords(words)
	}
	meta.Status = gradeMetadata(meta)
	if meta.Status == models.MetadataNone {
		return sidecarMeta{}, false
	}
	return meta, true
}

// tagFrequencyWords extracts trigger words from the kohya-style
// ss_tag_frequency blob: {"dataset": {"word": count, ...}}.
func tagFrequencyWords(blob string) []string {
	var datasets map[string]map[string]json.Number
	if err := json.Unmarshal([]byte(blob), &datasets); err != nil {
		return nil
	}
	seen := map[string]struct{}{}
	var words []string
	for _, freq := range datasets {
		for word := range freq {
			if _, dup := seen[word]; dup {
				continue
			}
			seen[word] = struct{}{}
			words = append(words, word)
		}
	}
	sort.Strings(words)
	if len(words) > 20 {
		words = words[:20]
	}
	return words
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
