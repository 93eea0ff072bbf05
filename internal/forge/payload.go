package forge

import (
	"encoding/base64"
	"strings"

	"github.com/kelsjon3/stablequeue/internal/models"
)

// buildPayload assembles the submit body: the caller's raw payload verbatim,
// with the canonical checkpoint injected into override_settings so the
// backend loads the intended model regardless of its current selection.
func buildPayload(params *models.GenerationParams) map[string]interface{} {
	payload := make(map[string]interface{}, len(params.Raw)+1)
	for k, v := range params.Raw {
		payload[k] = v
	}

	checkpoint := params.CheckpointPath
	if checkpoint == "" {
		checkpoint = params.CheckpointName
	}
	if checkpoint != "" {
		overrides, _ := payload["override_settings"].(map[string]interface{})
		if overrides == nil {
			overrides = map[string]interface{}{}
		}
		overrides["sd_model_checkpoint"] = checkpoint
		payload["override_settings"] = overrides
	}

	return payload
}

// submitRoute picks the generation endpoint from the payload shape.
// Payloads carrying init images go to img2img, everything else to txt2img.
func submitRoute(params *models.GenerationParams) string {
	if imgs, ok := params.Raw["init_images"].([]interface{}); ok && len(imgs) > 0 {
		return "img2img"
	}
	return "txt2img"
}

// decodeImage accepts either a bare base64 string or a data URI
// ("data:image/png;base64,....") and returns the raw bytes and format.
func decodeImage(encoded string) ([]byte, string, error) {
	format := "png"
	if strings.HasPrefix(encoded, "data:") {
		header, rest, found := strings.Cut(encoded, ",")
		if found {
			encoded = rest
			if mime, ok := strings.CutPrefix(header, "data:image/"); ok {
				format = strings.TrimSuffix(strings.SplitN(mime, ";", 2)[0], ";")
			}
		}
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, "", err
	}
	return raw, format, nil
}
